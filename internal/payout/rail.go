package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TransferRequest is the call contract with the external payment rail. The
// idempotency key is derived from the payout id, so a crash between "rail
// accepted" and "state recorded" cannot cause a duplicate transfer.
type TransferRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	FreelancerID   uuid.UUID `json:"freelancer_id"`
	Amount         int64     `json:"amount"`
}

type TransferResult struct {
	RailTxID string `json:"rail_tx_id"`
}

// Rail abstracts the external payment rail. Calls are long-latency and
// failure-prone and are always issued outside any lock.
type Rail interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// HTTPRail talks to the payment rail over its HTTP API.
type HTTPRail struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPRail(baseURL string) *HTTPRail {
	return &HTTPRail{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPRail) Transfer(ctx context.Context, treq TransferRequest) (*TransferResult, error) {
	body, err := json.Marshal(treq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", treq.IdempotencyKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error calling payment rail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment rail returned status %d", resp.StatusCode)
	}
	var res TransferResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("payment rail returned invalid JSON: %w", err)
	}
	return &res, nil
}
