package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/otp"
	"giftmarket.dev/internal/ratelimit"
)

type registerRequest struct {
	Email    string          `json:"email"`
	Password string          `json:"password"`
	Role     string          `json:"role"`
	Profile  json.RawMessage `json:"profile"`
}

type otpRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	Role    string `json:"role"`
}

type otpVerifyRequest struct {
	Email       string `json:"email"`
	Purpose     string `json:"purpose"`
	Role        string `json:"role"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type identityResponse struct {
	ID       string           `json:"id"`
	Email    string           `json:"email"`
	Role     identity.Role    `json:"role"`
	Verified bool             `json:"verified"`
	Profile  identity.Profile `json:"profile"`
}

func toIdentityResponse(ident *identity.Identity) identityResponse {
	return identityResponse{
		ID:       ident.ID,
		Email:    ident.Email,
		Role:     ident.Role,
		Verified: ident.Verified,
		Profile:  ident.Profile,
	}
}

func (a *API) authRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", a.register)
		r.Post("/otp/request", a.requestOTP)
		r.Post("/otp/verify", a.verifyOTP)
		r.Post("/login", a.login)
		r.Post("/refresh", a.refresh)
		r.Post("/logout", a.logout)
	})
}

// scopedRole parses role and checks this gateway admits it.
func (a *API) scopedRole(raw string) (identity.Role, error) {
	role, err := identity.ParseRole(raw)
	if err != nil {
		return "", err
	}
	if err := identity.CheckScope(role, a.service); err != nil {
		return "", err
	}
	return role, nil
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := a.scopedRole(req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if role == identity.RoleAdmin {
		writeError(w, r, errs.New(errs.KindUnauthorized, "administrators are provisioned by operators"))
		return
	}
	profile, err := identity.DecodeProfile(role, req.Profile)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ident, err := a.deps.Identities.Register(r.Context(), identity.Registration{
		Email: req.Email, Password: req.Password, Role: role, Profile: profile,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.deps.OTP.Issue(r.Context(), otp.IssueRequest{
		Email: ident.Email, Purpose: otp.PurposeRegistration, Role: role, Service: a.service,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityResponse(ident))
}

func (a *API) requestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	purpose, err := otp.ParsePurpose(req.Purpose)
	if err != nil {
		writeError(w, r, err)
		return
	}
	role, err := a.scopedRole(req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	email, err := identity.NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	decision, err := ratelimit.Chain{
		{Limiter: a.deps.OTPLimiter, Key: "otp:ip:" + clientIP(r)},
		{Limiter: a.deps.OTPLimiter, Key: "otp:email:" + string(a.service) + ":" + email},
	}.Allow(r.Context())
	if err != nil {
		writeError(w, r, errs.Wrap(errs.KindInternal, "rate limiter unavailable", err))
		return
	}
	if !decision.Allowed {
		if secs := int(decision.RetryAfter.Round(time.Second) / time.Second); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, r, errs.New(errs.KindRateLimited, "too many code requests; try again later"))
		return
	}
	if err := a.deps.OTP.Issue(r.Context(), otp.IssueRequest{
		Email: email, Purpose: purpose, Role: role, Service: a.service,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	purpose, err := otp.ParsePurpose(req.Purpose)
	if err != nil {
		writeError(w, r, err)
		return
	}
	role, err := a.scopedRole(req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vr := otp.VerifyRequest{Email: req.Email, Purpose: purpose, Role: role, Service: a.service, Code: req.Code}

	switch purpose {
	case otp.PurposeRegistration:
		if _, err := a.deps.OTP.Verify(r.Context(), vr); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"verified": true})

	case otp.PurposeLogin:
		rec, err := a.deps.OTP.Verify(r.Context(), vr)
		if err != nil {
			writeError(w, r, collapseCodeError(err))
			return
		}
		ident, err := a.deps.Identities.Store().Find(r.Context(), role, rec.IdentityID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		pair, err := a.deps.Sessions.Login(r.Context(), ident, a.service)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pair)

	case otp.PurposeReset:
		if err := a.deps.OTP.ResetPassword(r.Context(), vr, req.NewPassword); err != nil {
			writeError(w, r, collapseCodeError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	}
}

// collapseCodeError hides whether a login or reset failed because no code
// exists for the email or because the code was wrong.
func collapseCodeError(err error) error {
	switch errs.KindOf(err) {
	case errs.KindNotFound, errs.KindMismatch:
		return errs.New(errs.KindUnauthorized, "invalid_code")
	}
	return err
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := a.scopedRole(req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pair, _, err := a.deps.Sessions.Authenticate(r.Context(), req.Email, req.Password, role, a.service)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := a.deps.Sessions.Refresh(r.Context(), req.RefreshToken, a.service)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// logout accepts expired access tokens so a client can always end its session.
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.deps.Sessions.Revoke(r.Context(), token, a.service); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
