package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/order"
)

type shipmentRequest struct {
	Tracking string `json:"tracking"`
}

func (a *API) sellerRoutes(r chi.Router) {
	r.Route("/seller", func(r chi.Router) {
		r.Use(a.requireRoles(identity.RoleSeller))
		r.Get("/profile", a.sellerProfile)
		r.Put("/profile", a.updateSellerProfile)
		r.Get("/orders", a.listOrders)
		r.Get("/orders/{id}", a.getOrder)
		r.Post("/orders/{id}/fulfil", a.startFulfilment)
		r.Post("/orders/{id}/shipments", a.shipOrder)
	})
}

func (a *API) sellerProfile(w http.ResponseWriter, r *http.Request) {
	_, claims := actorFrom(r)
	ident, err := a.deps.Identities.Store().Find(r.Context(), claims.Role, claims.IdentityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (a *API) updateSellerProfile(w http.ResponseWriter, r *http.Request) {
	var p identity.SellerProfile
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	_, claims := actorFrom(r)
	store := a.deps.Identities.Store()
	if err := store.UpdateProfile(r.Context(), claims.Role, claims.IdentityID, p); err != nil {
		writeError(w, r, err)
		return
	}
	ident, err := store.Find(r.Context(), claims.Role, claims.IdentityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (a *API) startFulfilment(w http.ResponseWriter, r *http.Request) {
	a.applyEvent(w, r, order.EventFulfilmentStarted, "")
}

func (a *API) shipOrder(w http.ResponseWriter, r *http.Request) {
	var req shipmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a.applyEvent(w, r, order.EventShipped, req.Tracking)
}
