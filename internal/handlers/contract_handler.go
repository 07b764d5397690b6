package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/fairlance/backend/internal/contract"
	"github.com/fairlance/backend/internal/escrow"
	"github.com/fairlance/backend/internal/middleware"
	"github.com/fairlance/backend/internal/models"
	"github.com/fairlance/backend/internal/payout"
)

// ContractService is the engine surface the handler exposes over HTTP.
type ContractService interface {
	CreateContract(ctx context.Context, p models.AcceptedProposal) (*contract.Snapshot, error)
	CancelContract(ctx context.Context, contractID uuid.UUID, reason string) (*contract.Snapshot, error)
	GetContractSnapshot(ctx context.Context, contractID uuid.UUID) (*contract.Snapshot, error)
	ReplaceMilestones(ctx context.Context, contractID uuid.UUID, specs []models.MilestoneSpec) (*contract.Snapshot, error)
	FundMilestone(ctx context.Context, milestoneID uuid.UUID, amount int64, captureRef string) (*models.Milestone, error)
	SubmitDeliverable(ctx context.Context, milestoneID uuid.UUID, artifactRef string) (*models.Milestone, error)
	RequestChanges(ctx context.Context, milestoneID uuid.UUID, note string) (*models.Milestone, error)
	ApproveMilestone(ctx context.Context, milestoneID uuid.UUID) (*models.Milestone, error)
}

// ActivityReader pages the audit trail.
type ActivityReader interface {
	ReadFrom(ctx context.Context, contractID uuid.UUID, sinceSeq int64, limit int) ([]*models.ActivityEvent, error)
}

// PayoutReader resolves payout status.
type PayoutReader interface {
	GetPayout(ctx context.Context, payoutID uuid.UUID) (*models.Payout, []uuid.UUID, error)
}

// InvoiceReader resolves invoices.
type InvoiceReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
}

// ContractHandler serves the /v1 contract engine endpoints.
type ContractHandler struct {
	Contracts ContractService
	Activity  ActivityReader
	Payouts   PayoutReader
	Invoices  InvoiceReader
	Logger    *slog.Logger
}

// --- POST /v1/contracts ---

// CreateContract turns an accepted proposal into a contract. Client-only.
func (h *ContractHandler) CreateContract(w http.ResponseWriter, r *http.Request) {
	party, ok := h.requireRole(w, r, middleware.RoleClient)
	if !ok {
		return
	}
	var req models.AcceptedProposal
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ClientID != party.ID {
		http.Error(w, `{"error":"proposal does not belong to caller"}`, http.StatusForbidden)
		return
	}
	snap, err := h.Contracts.CreateContract(r.Context(), req)
	if err != nil {
		h.writeError(w, "create contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// --- GET /v1/contracts/{id} ---

func (h *ContractHandler) GetContract(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snap, err := h.Contracts.GetContractSnapshot(r.Context(), id)
	if err != nil {
		h.writeError(w, "get contract", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- POST /v1/contracts/{id}/cancel ---

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *ContractHandler) CancelContract(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleClient); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	snap, err := h.Contracts.CancelContract(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, "cancel contract", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- PUT /v1/contracts/{id}/milestones ---

type replaceMilestonesRequest struct {
	Milestones []models.MilestoneSpec `json:"milestones"`
}

func (h *ContractHandler) ReplaceMilestones(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleClient); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req replaceMilestonesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	snap, err := h.Contracts.ReplaceMilestones(r.Context(), id, req.Milestones)
	if err != nil {
		h.writeError(w, "replace milestones", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- GET /v1/contracts/{id}/activity ---

func (h *ContractHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"since must be an integer"}`, http.StatusBadRequest)
			return
		}
		since = n
	}
	events, err := h.Activity.ReadFrom(r.Context(), id, since, 0)
	if err != nil {
		h.writeError(w, "list activity", err)
		return
	}
	if events == nil {
		events = []*models.ActivityEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- POST /v1/milestones/{id}/fund ---

type fundRequest struct {
	Amount     int64  `json:"amount"`
	CaptureRef string `json:"capture_ref"`
}

func (h *ContractHandler) FundMilestone(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleClient); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	m, err := h.Contracts.FundMilestone(r.Context(), id, req.Amount, req.CaptureRef)
	if err != nil {
		h.writeError(w, "fund milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- POST /v1/milestones/{id}/deliverable ---

type submitRequest struct {
	ArtifactRef string `json:"artifact_ref"`
}

func (h *ContractHandler) SubmitDeliverable(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleFreelancer); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	m, err := h.Contracts.SubmitDeliverable(r.Context(), id, req.ArtifactRef)
	if err != nil {
		h.writeError(w, "submit deliverable", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- POST /v1/milestones/{id}/request-changes ---

type requestChangesRequest struct {
	Note string `json:"note"`
}

func (h *ContractHandler) RequestChanges(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleClient); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req requestChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	m, err := h.Contracts.RequestChanges(r.Context(), id, req.Note)
	if err != nil {
		h.writeError(w, "request changes", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- POST /v1/milestones/{id}/approve ---

func (h *ContractHandler) ApproveMilestone(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleClient); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := h.Contracts.ApproveMilestone(r.Context(), id)
	if err != nil {
		h.writeError(w, "approve milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- GET /v1/payouts/{id} ---

type payoutResponse struct {
	*models.Payout
	MilestoneIDs []uuid.UUID `json:"milestone_ids"`
}

func (h *ContractHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, milestoneIDs, err := h.Payouts.GetPayout(r.Context(), id)
	if err != nil {
		h.writeError(w, "get payout", err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{Payout: p, MilestoneIDs: milestoneIDs})
}

// --- GET /v1/invoices/{id} ---

func (h *ContractHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.Invoices.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, "get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// --- helpers ---

func (h *ContractHandler) requireRole(w http.ResponseWriter, r *http.Request, role string) (*middleware.Party, bool) {
	party := middleware.PartyFromCtx(r.Context())
	if party == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	if party.Role != role {
		http.Error(w, `{"error":"operation not permitted for role"}`, http.StatusForbidden)
		return nil, false
	}
	return party, true
}

// writeError maps the engine's rejection taxonomy onto HTTP statuses. Every
// rejected operation left state untouched, so these are safe to surface
// directly.
func (h *ContractHandler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, escrow.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, payout.ErrAlreadyQueued):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

