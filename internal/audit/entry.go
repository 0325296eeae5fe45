// Package audit records the append-only trail of authentication events:
// OTP issuance and verification, session issuance, rotation and revocation.
package audit

import "time"

// Action names an audited event.
type Action string

const (
	ActionOTPIssued          Action = "otp_issued"
	ActionOTPVerified        Action = "otp_verified"
	ActionOTPFailed          Action = "otp_failed"
	ActionSessionIssued      Action = "session_issued"
	ActionSessionRefreshed   Action = "session_refreshed"
	ActionSessionRevoked     Action = "session_revoked"
	ActionLoginFailed        Action = "login_failed"
	ActionIdentityRegistered Action = "identity_registered"
	ActionPasswordReset      Action = "password_reset"
)

// Outcome qualifies an action.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeSuppressed Outcome = "suppressed"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Action     Action            `json:"action"`
	Outcome    Outcome           `json:"outcome"`
	IdentityID string            `json:"identity_id,omitempty"`
	Email      string            `json:"email,omitempty"`
	Role       string            `json:"role,omitempty"`
	Service    string            `json:"service,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	IdentityID string
	Action     Action
	Since      time.Time
	Limit      int
}

func (f Filter) matches(e *Entry) bool {
	if f.IdentityID != "" && e.IdentityID != f.IdentityID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	return true
}
