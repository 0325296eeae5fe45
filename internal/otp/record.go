// Package otp issues and verifies one-time codes that prove control of an
// email address. It is the only component that marks an identity verified.
package otp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
)

// Purpose is the flow a code was issued for.
type Purpose string

const (
	PurposeRegistration Purpose = "registration"
	PurposeLogin        Purpose = "login"
	PurposeReset        Purpose = "reset"
)

// ParsePurpose validates a purpose name.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(strings.ToLower(strings.TrimSpace(s))); p {
	case PurposeRegistration, PurposeLogin, PurposeReset:
		return p, nil
	}
	return "", errs.Invalid("unknown purpose %q", s)
}

// LoginAdjacent reports whether failures for this purpose must not reveal
// whether the email is registered.
func (p Purpose) LoginAdjacent() bool {
	return p == PurposeLogin || p == PurposeReset
}

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConsumed   Status = "consumed"
	StatusExpired    Status = "expired"
	StatusBurned     Status = "burned"
	StatusSuperseded Status = "superseded"
)

// Key identifies the OTP flow a record belongs to. Only the latest record for
// a key can be verified.
type Key struct {
	Email   string
	Purpose Purpose
	Role    identity.Role
	Service identity.Service
}

// Record is a persisted one-time code. The plaintext code is never stored.
type Record struct {
	ID         string
	Email      string
	Purpose    Purpose
	Role       identity.Role
	Service    identity.Service
	IdentityID string
	CodeHash   string
	Status     Status
	Attempts   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	Version    int64
}

// Key returns the flow key of the record.
func (r *Record) Key() Key {
	return Key{Email: r.Email, Purpose: r.Purpose, Role: r.Role, Service: r.Service}
}

// HashCode binds a code to its record id.
func HashCode(recordID, code string) string {
	sum := sha256.Sum256([]byte(recordID + ":" + code))
	return hex.EncodeToString(sum[:])
}

func (r *Record) matches(code string) bool {
	want := HashCode(r.ID, strings.TrimSpace(code))
	return subtle.ConstantTimeCompare([]byte(want), []byte(r.CodeHash)) == 1
}
