package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/order"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Signature"

type webhookRequest struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
}

type webhookResponse struct {
	Order     *order.Order `json:"order,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// Sign returns the signature a webhook sender attaches for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *API) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readWebhook(w, r)
	if !ok {
		return
	}
	cmd := order.Command{OrderID: req.OrderID, Reference: req.Reference}
	switch req.Status {
	case "confirmed":
		cmd.Event = order.EventPaymentConfirmed
		cmd.Actor = order.Actor{Kind: order.ActorPayment, ID: "psp"}
	case "failed":
		cmd.Event = order.EventCancelled
		cmd.Actor = order.System
	default:
		writeError(w, r, errs.Invalid("unknown payment status %q", req.Status))
		return
	}
	a.applyWebhook(w, r, cmd)
}

func (a *API) carrierWebhook(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readWebhook(w, r)
	if !ok {
		return
	}
	if req.Status != "delivered" {
		writeError(w, r, errs.Invalid("unknown carrier status %q", req.Status))
		return
	}
	a.applyWebhook(w, r, order.Command{
		OrderID:   req.OrderID,
		Event:     order.EventDelivered,
		Actor:     order.Actor{Kind: order.ActorCarrier, ID: "carrier"},
		Reference: req.Reference,
	})
}

// readWebhook verifies the body signature and decodes the payload. Webhooks
// are disabled when no secret is configured.
func (a *API) readWebhook(w http.ResponseWriter, r *http.Request) (webhookRequest, bool) {
	var req webhookRequest
	if a.webhookSecret == "" {
		writeError(w, r, errs.New(errs.KindNotFound, "webhooks disabled"))
		return req, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, errs.Invalid("request body too large"))
			return req, false
		}
		writeError(w, r, errs.Invalid("unreadable body"))
		return req, false
	}
	got := strings.TrimSpace(r.Header.Get(SignatureHeader))
	want := Sign(a.webhookSecret, body)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		writeError(w, r, errs.New(errs.KindUnauthorized, "invalid signature"))
		return req, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return req, false
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, r, errs.Invalid("order_id is required"))
		return req, false
	}
	return req, true
}

// applyWebhook treats a redelivered event as success so senders stop retrying.
func (a *API) applyWebhook(w http.ResponseWriter, r *http.Request, cmd order.Command) {
	o, err := a.deps.Applier.Apply(r.Context(), cmd)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Order: o})
	case errs.KindOf(err) == errs.KindAlreadyInState:
		writeJSON(w, http.StatusOK, webhookResponse{Duplicate: true})
	default:
		writeError(w, r, err)
	}
}
