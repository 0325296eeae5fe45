package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"giftmarket.dev/internal/corporate"
	"giftmarket.dev/internal/errs"
)

var _ corporate.Store = (*InquiryStore)(nil)

// InquiryStore persists corporate inquiries.
type InquiryStore struct {
	db *sql.DB
}

func NewInquiryStore(db *sql.DB) *InquiryStore {
	return &InquiryStore{db: db}
}

const inquiryColumns = `id, owner_id, company, subject, quantity, budget_cents, status, created_at, updated_at`

func (s *InquiryStore) Create(ctx context.Context, in *corporate.Inquiry) error {
	_, err := s.db.ExecContext(ctx,
		`insert into corporate_inquiries(`+inquiryColumns+`) values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		in.ID, in.OwnerID, in.Company, in.Subject, in.Quantity, in.BudgetCents, in.Status,
		in.CreatedAt.UTC(), in.UpdatedAt.UTC())
	return err
}

func (s *InquiryStore) Get(ctx context.Context, id string) (*corporate.Inquiry, error) {
	in, err := scanInquiry(s.db.QueryRowContext(ctx, `select `+inquiryColumns+` from corporate_inquiries where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, corporate.ErrNotFound
	}
	return in, err
}

func (s *InquiryStore) ListByOwner(ctx context.Context, ownerID string) ([]*corporate.Inquiry, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+inquiryColumns+` from corporate_inquiries where owner_id=$1 order by id desc`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*corporate.Inquiry, 0)
	for rows.Next() {
		in, err := scanInquiry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *InquiryStore) SetStatus(ctx context.Context, id string, from, to corporate.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update corporate_inquiries set status=$3, updated_at=$4 where id=$1 and status=$2`,
		id, from, to, at.UTC())
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return errs.Newf(errs.KindConflict, "inquiry is no longer %s", from)
	}
	return nil
}

func scanInquiry(row rowScanner) (*corporate.Inquiry, error) {
	var (
		in     corporate.Inquiry
		status string
	)
	if err := row.Scan(&in.ID, &in.OwnerID, &in.Company, &in.Subject, &in.Quantity, &in.BudgetCents, &status,
		&in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.Status = corporate.Status(status)
	return &in, nil
}
