package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"giftmarket.dev/internal/ids"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink mirrors entries to an external system. Failures are logged, never
// propagated to the audited operation.
type Sink interface {
	Publish(ctx context.Context, entry Entry) error
}

// Recorder persists entries, logs them and forwards them to an optional sink.
type Recorder struct {
	store Store
	sink  Sink
	log   *zap.Logger
	now   func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSink mirrors every recorded entry to sink.
func WithSink(sink Sink) RecorderOption {
	return func(r *Recorder) { r.sink = sink }
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder builds a Recorder over store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends entry. ID, timestamp and request id are filled in when empty.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if r == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = ids.Prefixed("aud")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}

	if err := r.store.Append(ctx, &entry); err != nil {
		r.log.Error("audit append failed", zap.String("action", string(entry.Action)), zap.Error(err))
		return err
	}

	r.log.Info("audit",
		zap.String("type", "audit"),
		zap.String("action", string(entry.Action)),
		zap.String("outcome", string(entry.Outcome)),
		zap.String("identity_id", entry.IdentityID),
		zap.String("role", entry.Role),
		zap.String("service", entry.Service),
		zap.String("session_id", entry.SessionID),
		zap.String("request_id", entry.RequestID),
		zap.String("reason", entry.Reason),
	)

	if r.sink != nil {
		if err := r.sink.Publish(ctx, entry); err != nil {
			r.log.Warn("audit sink publish failed", zap.String("id", entry.ID), zap.Error(err))
		}
	}
	return nil
}

// Prune deletes entries older than retention. A non-positive retention keeps
// everything and returns zero.
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-retention)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.log.Info("audit pruned", zap.Int64("removed", n), zap.Time("before", cutoff))
	return n, nil
}
