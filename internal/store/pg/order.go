package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/order"
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore keeps orders with a version column for compare-and-swap and
// their history in order_transitions, written in the same transaction.
type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, items, total_cents, currency, state, payment_ref,
	shipment_ref, created_at, updated_at, delivered_at, version, cancel_pending`

func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	o.Version = 1
	if _, err := tx.ExecContext(ctx,
		`insert into orders(`+orderColumns+`) values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		o.ID, o.BuyerID, o.SellerID, items, o.TotalCents, o.Currency, o.State, o.PaymentRef, o.ShipmentRef,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(), nullTime(o.DeliveredAt), o.Version, o.CancelPending,
	); err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.KindConflict, "order already exists")
		}
		return err
	}
	for i, t := range o.History {
		if err := insertTransition(ctx, tx, o.ID, i+1, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertTransition(ctx context.Context, db execer, orderID string, seq int, t order.Transition) error {
	_, err := db.ExecContext(ctx,
		`insert into order_transitions(order_id, seq, from_state, to_state, event, actor_kind, actor_id, reference, at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		orderID, seq, t.From, t.To, t.Event, t.Actor.Kind, t.Actor.ID, t.Reference, t.At.UTC())
	return err
}

func (s *OrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `select `+orderColumns+` from orders where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.History, err = s.history(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *OrderStore) history(ctx context.Context, id string) ([]order.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`select from_state, to_state, event, actor_kind, actor_id, reference, at
		 from order_transitions where order_id=$1 order by seq asc`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []order.Transition
	for rows.Next() {
		var (
			t                          order.Transition
			from, to, event, actorKind string
		)
		if err := rows.Scan(&from, &to, &event, &actorKind, &t.Actor.ID, &t.Reference, &t.At); err != nil {
			return nil, err
		}
		t.From, t.To, t.Event = order.State(from), order.State(to), order.Event(event)
		t.Actor.Kind = order.ActorKind(actorKind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *OrderStore) List(ctx context.Context, f order.Filter) ([]*order.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.BuyerID != "" {
		add("buyer_id=$%d", f.BuyerID)
	}
	if f.SellerID != "" {
		add("seller_id=$%d", f.SellerID)
	}
	if f.State != "" {
		add("state=$%d", string(f.State))
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at<$%d", f.UpdatedBefore.UTC())
	}
	if !f.DeliveredUntil.IsZero() {
		add("delivered_at<=$%d", f.DeliveredUntil.UTC())
	}
	if f.CancelPending {
		add("cancel_pending=$%d", true)
	}
	q := `select ` + orderColumns + ` from orders`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by id asc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*order.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, o := range out {
		if o.History, err = s.history(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *OrderStore) Apply(ctx context.Context, o *order.Order, expectedVersion int64, ret *order.ReturnWrite) error {
	last, ok := o.LastTransition()
	if !ok {
		return errs.Invalid("order has no transition to apply")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update orders set state=$3, payment_ref=$4, shipment_ref=$5, updated_at=$6, delivered_at=$7,
		 cancel_pending=$8, version=version+1 where id=$1 and version=$2`,
		o.ID, expectedVersion, o.State, o.PaymentRef, o.ShipmentRef, o.UpdatedAt.UTC(), nullTime(o.DeliveredAt),
		o.CancelPending)
	if err := checkVersion(ctx, tx, o.ID, res, err); err != nil {
		return err
	}
	if err := insertTransition(ctx, tx, o.ID, len(o.History), last); err != nil {
		return err
	}
	if ret != nil {
		if err := writeReturn(ctx, tx, ret); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.Version = expectedVersion + 1
	return nil
}

func (s *OrderStore) Save(ctx context.Context, o *order.Order, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update orders set cancel_pending=$3, updated_at=$4, version=version+1 where id=$1 and version=$2`,
		o.ID, expectedVersion, o.CancelPending, o.UpdatedAt.UTC())
	if err := checkVersion(ctx, tx, o.ID, res, err); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.Version = expectedVersion + 1
	return nil
}

// checkVersion turns a versioned update that touched no row into ErrNotFound
// or ErrStale.
func checkVersion(ctx context.Context, tx *sql.Tx, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	updated, err := affected(res)
	if err != nil || updated {
		return err
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from orders where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrStale
}

func writeReturn(ctx context.Context, tx *sql.Tx, w *order.ReturnWrite) error {
	r := w.Return
	if w.Expected == "" {
		_, err := tx.ExecContext(ctx,
			`insert into return_requests(`+returnColumns+`) values($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.ID, r.OrderID, r.BuyerID, r.Reason, r.Status, r.DecidedBy, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
		if isUniqueViolation(err) {
			return order.ErrReturnExists
		}
		return err
	}
	res, err := tx.ExecContext(ctx,
		`update return_requests set status=$3, decided_by=$4, updated_at=$5 where id=$1 and status=$2`,
		r.ID, w.Expected, r.Status, r.DecidedBy, r.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.KindConflict, "return %s is no longer %s", r.ID, w.Expected)
	}
	return nil
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o         order.Order
		items     []byte
		state     string
		delivered sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &items, &o.TotalCents, &o.Currency, &state,
		&o.PaymentRef, &o.ShipmentRef, &o.CreatedAt, &o.UpdatedAt, &delivered, &o.Version, &o.CancelPending); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of %s: %w", o.ID, err)
	}
	o.State = order.State(state)
	o.DeliveredAt = timePtr(delivered)
	return &o, nil
}

const returnColumns = `id, order_id, buyer_id, reason, status, decided_by, created_at, updated_at`

func (s *OrderStore) GetReturn(ctx context.Context, id string) (*order.ReturnRequest, error) {
	return s.findReturn(ctx, "id", id)
}

func (s *OrderStore) ReturnForOrder(ctx context.Context, orderID string) (*order.ReturnRequest, error) {
	return s.findReturn(ctx, "order_id", orderID)
}

func (s *OrderStore) findReturn(ctx context.Context, column, value string) (*order.ReturnRequest, error) {
	var (
		r      order.ReturnRequest
		status string
	)
	err := s.db.QueryRowContext(ctx, `select `+returnColumns+` from return_requests where `+column+`=$1`, value).
		Scan(&r.ID, &r.OrderID, &r.BuyerID, &r.Reason, &status, &r.DecidedBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrReturnNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = order.ReturnStatus(status)
	return &r, nil
}

func (s *OrderStore) UpdateReturn(ctx context.Context, r *order.ReturnRequest, expected order.ReturnStatus) error {
	res, err := s.db.ExecContext(ctx,
		`update return_requests set status=$3, decided_by=$4, updated_at=$5 where id=$1 and status=$2`,
		r.ID, expected, r.Status, r.DecidedBy, r.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		cur, err := s.GetReturn(ctx, r.ID)
		if err != nil {
			return err
		}
		return errs.Newf(errs.KindConflict, "return is %s, not %s", cur.Status, expected)
	}
	return nil
}
