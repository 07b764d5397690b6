package main

import (
	"net/http"

	"github.com/fairlance/backend/internal/handlers"
	"github.com/fairlance/backend/internal/middleware"
)

// RegisterV1Routes adds the /v1/ contract engine endpoints to the given mux.
// Middleware chain: PartyAuth -> handler; role checks live in the handlers.
func RegisterV1Routes(mux *http.ServeMux, h *handlers.ContractHandler, authSecret []byte) {
	auth := middleware.PartyAuth(authSecret)

	mux.Handle("POST /v1/contracts", auth(http.HandlerFunc(h.CreateContract)))
	mux.Handle("GET /v1/contracts/{id}", auth(http.HandlerFunc(h.GetContract)))
	mux.Handle("POST /v1/contracts/{id}/cancel", auth(http.HandlerFunc(h.CancelContract)))
	mux.Handle("PUT /v1/contracts/{id}/milestones", auth(http.HandlerFunc(h.ReplaceMilestones)))
	mux.Handle("GET /v1/contracts/{id}/activity", auth(http.HandlerFunc(h.ListActivity)))

	mux.Handle("POST /v1/milestones/{id}/fund", auth(http.HandlerFunc(h.FundMilestone)))
	mux.Handle("POST /v1/milestones/{id}/deliverable", auth(http.HandlerFunc(h.SubmitDeliverable)))
	mux.Handle("POST /v1/milestones/{id}/request-changes", auth(http.HandlerFunc(h.RequestChanges)))
	mux.Handle("POST /v1/milestones/{id}/approve", auth(http.HandlerFunc(h.ApproveMilestone)))

	mux.Handle("GET /v1/payouts/{id}", auth(http.HandlerFunc(h.GetPayout)))
	mux.Handle("GET /v1/invoices/{id}", auth(http.HandlerFunc(h.GetInvoice)))
}
