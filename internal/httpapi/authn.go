package httpapi

import (
	"net/http"
	"strings"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/order"
	"giftmarket.dev/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireRoles authenticates the bearer token against this gateway's service
// and admits only the listed roles.
func (a *API) requireRoles(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeError(w, r, err)
				return
			}
			claims, err := a.deps.Sessions.Authorize(r.Context(), token, a.service, roles...)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := session.ContextWithClaims(r.Context(), claims)
			ctx = session.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errs.New(errs.KindUnauthorized, "missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errs.New(errs.KindUnauthorized, "invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errs.New(errs.KindUnauthorized, "missing bearer token")
	}
	return token, nil
}

// actorFrom maps the authenticated caller onto an order actor.
func actorFrom(r *http.Request) (order.Actor, session.Claims) {
	c, _ := session.ClaimsFromContext(r.Context())
	var kind order.ActorKind
	switch c.Role {
	case identity.RoleCustomer:
		kind = order.ActorCustomer
	case identity.RoleSeller:
		kind = order.ActorSeller
	case identity.RoleAdmin:
		kind = order.ActorAdmin
	}
	return order.Actor{Kind: kind, ID: c.IdentityID}, c
}
