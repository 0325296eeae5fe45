package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
	"giftmarket.dev/internal/order"
)

type placeOrderRequest struct {
	SellerID string           `json:"seller_id"`
	Items    []order.LineItem `json:"items"`
	Currency string           `json:"currency,omitempty"`
}

type returnRequestBody struct {
	Reason string `json:"reason"`
}

type returnResponse struct {
	Return *order.ReturnRequest `json:"return"`
	Order  *order.Order         `json:"order"`
}

type listOrdersResponse struct {
	Items []*order.Order `json:"items"`
}

func (a *API) mainRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(a.requireRoles(identity.RoleCustomer, identity.RoleAdmin))
		r.Get("/orders", a.listOrders)
		r.Get("/orders/{id}", a.getOrder)
		r.Get("/orders/{id}/events", a.orderEvents)
		r.Post("/orders/{id}/cancel", a.cancelOrder)
		r.Get("/returns/{id}", a.getReturn)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.requireRoles(identity.RoleCustomer))
		r.Post("/orders", a.placeOrder)
		r.Post("/orders/{id}/returns", a.requestReturn)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.requireRoles(identity.RoleAdmin))
		r.Post("/orders/{id}/deliver", a.deliverOrder)
		r.Post("/returns/{id}/approve", a.approveReturn)
		r.Post("/returns/{id}/reject", a.rejectReturn)
	})
	r.Post("/webhooks/payment", a.paymentWebhook)
	r.Post("/webhooks/carrier", a.carrierWebhook)
}

func (a *API) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	actor, _ := actorFrom(r)
	o, err := a.deps.Orders.Place(r.Context(), order.PlaceRequest{
		BuyerID:  actor.ID,
		SellerID: req.SellerID,
		Items:    req.Items,
		Currency: req.Currency,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	f, err := orderFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := a.deps.Orders.List(r.Context(), actor, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Items: items})
}

func orderFilter(r *http.Request) (order.Filter, error) {
	q := r.URL.Query()
	f := order.Filter{Limit: 100}
	if s := q.Get("state"); s != "" {
		st := order.State(s)
		if !st.Valid() {
			return f, errs.Invalid("unknown state %q", s)
		}
		f.State = st
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 1000 {
			return f, errs.Invalid("limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	return f, nil
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	o, err := a.deps.Orders.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	a.applyEvent(w, r, order.EventCancelled, "")
}

func (a *API) deliverOrder(w http.ResponseWriter, r *http.Request) {
	a.applyEvent(w, r, order.EventDelivered, "")
}

// applyEvent submits an event for the order in the URL on behalf of the caller.
func (a *API) applyEvent(w http.ResponseWriter, r *http.Request, ev order.Event, reference string) {
	actor, _ := actorFrom(r)
	o, err := a.deps.Applier.Apply(r.Context(), order.Command{
		OrderID:   chi.URLParam(r, "id"),
		Event:     ev,
		Actor:     actor,
		Reference: reference,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) requestReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequestBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	actor, _ := actorFrom(r)
	ret, o, err := a.deps.Orders.RequestReturn(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, returnResponse{Return: ret, Order: o})
}

func (a *API) getReturn(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	ret, err := a.deps.Orders.GetReturn(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

func (a *API) approveReturn(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	ret, o, err := a.deps.Orders.ApproveReturn(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, returnResponse{Return: ret, Order: o})
}

func (a *API) rejectReturn(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	ret, o, err := a.deps.Orders.RejectReturn(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, returnResponse{Return: ret, Order: o})
}
