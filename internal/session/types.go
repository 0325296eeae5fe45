// Package session is the session authority: it mints bearer tokens scoped to
// a (role, service) pair and validates them against a central store, so a
// revocation is visible to every gateway on its next request.
package session

import (
	"time"

	"giftmarket.dev/internal/identity"
)

// Session is one node of a refresh lineage. Its ID doubles as the access
// token's jti.
type Session struct {
	ID               string
	FamilyID         string
	ParentID         string
	IdentityID       string
	Role             identity.Role
	Service          identity.Service
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshHash      string
	RefreshExpiresAt time.Time
	Revoked          bool
	RevokedAt        *time.Time
	RotatedAt        *time.Time
}

// Scope returns the (role, service) pair of the session.
func (s *Session) Scope() identity.Scope {
	return identity.Scope{Role: s.Role, Service: s.Service}
}

// Claims is what a gateway learns from a valid access token.
type Claims struct {
	SessionID  string
	IdentityID string
	Role       identity.Role
	Service    identity.Service
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
