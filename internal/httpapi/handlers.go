package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/corporate"
	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/obs"
	"giftmarket.dev/internal/order"
	"giftmarket.dev/internal/otp"
	"giftmarket.dev/internal/ratelimit"
	"giftmarket.dev/internal/session"
)

// ReadyCheck reports whether the gateway's dependencies are reachable.
type ReadyCheck struct {
	DB    *sql.DB
	Extra []func(context.Context) error
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, check := range rp.Extra {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the domain services a gateway serves.
type Deps struct {
	Identities *identity.Registry
	OTP        *otp.Service
	Sessions   *session.Service
	Orders     *order.Engine
	// Applier routes order commands; the dispatcher in production, the
	// engine itself when nil.
	Applier    order.Applier
	Feed       *order.Feed
	Inquiries  *corporate.Service
	OTPLimiter ratelimit.Limiter
}

// API is one role-scoped gateway.
type API struct {
	service    identity.Service
	deps       Deps
	readyCheck readinessChecker
	version    string
	log        *zap.Logger

	maxBody       int64
	ratePerSec    int
	rateBurst     int
	corsOrigins   []string
	webhookSecret string
	now           func() time.Time
}

// Option configures an API.
type Option func(*API)

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func WithReadiness(r readinessChecker) Option {
	return func(a *API) {
		if r != nil {
			a.readyCheck = r
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithRateLimit sets the per-IP token bucket for every route.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithWebhookSecret sets the HMAC key for payment and carrier callbacks.
func WithWebhookSecret(secret string) Option {
	return func(a *API) { a.webhookSecret = secret }
}

func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New builds the gateway for svc.
func New(svc identity.Service, deps Deps, opts ...Option) *API {
	a := &API{
		service:    svc,
		deps:       deps,
		readyCheck: ReadyCheck{},
		version:    "dev",
		log:        obs.Logger(),
		maxBody:    1 << 20,
		ratePerSec: 20,
		rateBurst:  40,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.deps.Applier == nil && a.deps.Orders != nil {
		a.deps.Applier = a.deps.Orders
	}
	if a.deps.OTPLimiter == nil {
		a.deps.OTPLimiter = ratelimit.NewLocal(ratelimit.Policy{})
	}
	return a
}

// Handler returns the routed and instrumented handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestContext)
	r.Use(a.accessLog)
	r.Use(a.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  a.allowOrigin,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           600,
	}))
	r.Use(securityHeaders)
	r.Use(maxBodyBytes(a.maxBody))
	r.Use(rateLimit(a.rateBurst, a.ratePerSec))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	a.authRoutes(r)
	switch a.service {
	case identity.ServiceMain:
		a.mainRoutes(r)
	case identity.ServiceSeller:
		a.sellerRoutes(r)
	case identity.ServiceCorporate:
		a.corporateRoutes(r)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errs.New(errs.KindNotFound, "resource not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody(r, "method not allowed", "method_not_allowed"))
	})
	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": string(a.service),
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyCheck.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

var statusByKind = map[errs.Kind]int{
	errs.KindValidation:        http.StatusBadRequest,
	errs.KindUnauthorized:      http.StatusUnauthorized,
	errs.KindMalformed:         http.StatusUnauthorized,
	errs.KindExpired:           http.StatusUnauthorized,
	errs.KindRevoked:           http.StatusUnauthorized,
	errs.KindMismatch:          http.StatusUnauthorized,
	errs.KindScopeMismatch:     http.StatusForbidden,
	errs.KindUnverified:        http.StatusForbidden,
	errs.KindNotFound:          http.StatusNotFound,
	errs.KindAlreadyConsumed:   http.StatusConflict,
	errs.KindIllegalTransition: http.StatusConflict,
	errs.KindAlreadyInState:    http.StatusConflict,
	errs.KindConflict:          http.StatusConflict,
	errs.KindRateLimited:       http.StatusTooManyRequests,
	errs.KindTooManyAttempts:   http.StatusTooManyRequests,
	errs.KindInternal:          http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	if code, ok := statusByKind[errs.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(r *http.Request, msg, kind string) map[string]any {
	payload := map[string]any{
		"error": msg,
		"kind":  kind,
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}

// writeError renders err with its kind. Unclassified errors are logged and
// reported as internal without leaking details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		obs.Logger().Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, StatusFor(err), errorBody(r, errs.Message(err), string(kind)))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Invalid("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.Invalid("request body too large")
		}
		return errs.Invalid("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errs.Invalid("unexpected data after JSON body")
	}
	return nil
}

// auditContext carries the chi request id into audit entries.
func auditContext(ctx context.Context) context.Context {
	return audit.WithRequestID(ctx, middleware.GetReqID(ctx))
}
