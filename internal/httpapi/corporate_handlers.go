package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"giftmarket.dev/internal/corporate"
	"giftmarket.dev/internal/errs"
	"giftmarket.dev/internal/identity"
)

type inquiryRequest struct {
	Company     string `json:"company,omitempty"`
	Subject     string `json:"subject"`
	Quantity    int    `json:"quantity"`
	BudgetCents int64  `json:"budget_cents"`
}

type listInquiriesResponse struct {
	Items []*corporate.Inquiry `json:"items"`
}

func (a *API) corporateRoutes(r chi.Router) {
	r.Route("/inquiries", func(r chi.Router) {
		r.Use(a.requireRoles(identity.RoleCorporate))
		r.Post("/", a.createInquiry)
		r.Get("/", a.listInquiries)
		r.Get("/{id}", a.getInquiry)
		r.Post("/{id}/withdraw", a.withdrawInquiry)
	})
}

func (a *API) createInquiry(w http.ResponseWriter, r *http.Request) {
	if a.deps.Inquiries == nil {
		writeError(w, r, errs.New(errs.KindNotFound, "inquiries disabled"))
		return
	}
	var req inquiryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	_, claims := actorFrom(r)
	company := strings.TrimSpace(req.Company)
	if company == "" {
		ident, err := a.deps.Identities.Store().Find(r.Context(), claims.Role, claims.IdentityID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if p, ok := ident.Profile.(identity.CorporateProfile); ok {
			company = p.Company
		}
	}
	in, err := a.deps.Inquiries.Create(r.Context(), corporate.CreateRequest{
		OwnerID:     claims.IdentityID,
		Company:     company,
		Subject:     req.Subject,
		Quantity:    req.Quantity,
		BudgetCents: req.BudgetCents,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (a *API) listInquiries(w http.ResponseWriter, r *http.Request) {
	if a.deps.Inquiries == nil {
		writeError(w, r, errs.New(errs.KindNotFound, "inquiries disabled"))
		return
	}
	_, claims := actorFrom(r)
	items, err := a.deps.Inquiries.List(r.Context(), claims.IdentityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listInquiriesResponse{Items: items})
}

func (a *API) getInquiry(w http.ResponseWriter, r *http.Request) {
	if a.deps.Inquiries == nil {
		writeError(w, r, errs.New(errs.KindNotFound, "inquiries disabled"))
		return
	}
	_, claims := actorFrom(r)
	in, err := a.deps.Inquiries.Get(r.Context(), claims.IdentityID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *API) withdrawInquiry(w http.ResponseWriter, r *http.Request) {
	if a.deps.Inquiries == nil {
		writeError(w, r, errs.New(errs.KindNotFound, "inquiries disabled"))
		return
	}
	_, claims := actorFrom(r)
	in, err := a.deps.Inquiries.Withdraw(r.Context(), claims.IdentityID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}
