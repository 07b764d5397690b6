package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairlance/backend/internal/invoice"
	"github.com/fairlance/backend/internal/models"
)

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- Repo mock ---

type memPayouts struct {
	mu sync.Mutex
	m  map[uuid.UUID]*models.Payout
}

func newMemPayouts() *memPayouts {
	return &memPayouts{m: make(map[uuid.UUID]*models.Payout)}
}

func (r *memPayouts) CreateTx(_ context.Context, _ pgx.Tx, p *models.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.m[p.ID] = &cp
	return nil
}

func (r *memPayouts) GetByID(_ context.Context, id uuid.UUID) (*models.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPayouts) FindOpenByFreelancerTx(_ context.Context, _ pgx.Tx, freelancerID uuid.UUID) (*models.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.m {
		if p.FreelancerID == freelancerID && p.Status == models.PayoutStatusQueued {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *memPayouts) AddToGrossTx(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		return models.ErrNotFound
	}
	p.Gross += amount
	return nil
}

func (r *memPayouts) UpdateStatus(_ context.Context, id uuid.UUID, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (r *memPayouts) UpdateStatusTx(ctx context.Context, _ pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	return r.UpdateStatus(ctx, id, from, to)
}

func (r *memPayouts) SetAmounts(_ context.Context, id uuid.UUID, gross, fee, net int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		return models.ErrNotFound
	}
	p.Gross, p.Fee, p.Net = gross, fee, net
	return nil
}

func (r *memPayouts) SetRailTxIDTx(_ context.Context, _ pgx.Tx, id uuid.UUID, railTxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		return models.ErrNotFound
	}
	p.RailTxID = &railTxID
	return nil
}

func (r *memPayouts) IncrementRetry(_ context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	p.RetryCount++
	return p.RetryCount, nil
}

func (r *memPayouts) all() []*models.Payout {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Payout, 0, len(r.m))
	for _, p := range r.m {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// --- ReleaseRepo mock ---

type memReleaseStore struct {
	mu   sync.Mutex
	recs []*models.ReleaseRecord
}

func (r *memReleaseStore) add(rec *models.ReleaseRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.recs = append(r.recs, &cp)
}

func (r *memReleaseStore) AssignPayoutTx(_ context.Context, _ pgx.Tx, milestoneID, payoutID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.MilestoneID == milestoneID {
			if rec.PayoutID != nil {
				return false, nil
			}
			id := payoutID
			rec.PayoutID = &id
			return true, nil
		}
	}
	return false, nil
}

func (r *memReleaseStore) ListByPayout(_ context.Context, payoutID uuid.UUID) ([]*models.ReleaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ReleaseRecord
	for _, rec := range r.recs {
		if rec.PayoutID != nil && *rec.PayoutID == payoutID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memReleaseStore) ListUnassigned(_ context.Context) ([]*models.ReleaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ReleaseRecord
	for _, rec := range r.recs {
		if rec.PayoutID == nil {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Invoicer mock, write-once per milestone like the real generator ---

type memInvoicer struct {
	mu   sync.Mutex
	seen map[uuid.UUID]bool
}

func newMemInvoicer() *memInvoicer {
	return &memInvoicer{seen: make(map[uuid.UUID]bool)}
}

func (i *memInvoicer) GenerateForMilestone(_ context.Context, _ pgx.Tx, contractID, milestoneID uuid.UUID, gross int64) (*models.Invoice, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen[milestoneID] {
		return nil, invoice.ErrInvoiceExists
	}
	i.seen[milestoneID] = true
	return &models.Invoice{ID: uuid.New(), ContractID: contractID, MilestoneID: &milestoneID, Gross: gross}, nil
}

// --- ActivityLog mock ---

type memLog struct {
	mu     sync.Mutex
	events []*models.ActivityEvent
}

func (l *memLog) Append(_ context.Context, _ pgx.Tx, contractID uuid.UUID, kind string, _ any) (*models.ActivityEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &models.ActivityEvent{ContractID: contractID, Kind: kind}
	l.events = append(l.events, e)
	return e, nil
}

func (l *memLog) count(contractID uuid.UUID, kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.ContractID == contractID && e.Kind == kind {
			n++
		}
	}
	return n
}

// --- Rail mock ---

type fakeRail struct {
	mu       sync.Mutex
	calls    []TransferRequest
	failNext int
}

func (r *fakeRail) Transfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.failNext > 0 {
		r.failNext--
		return nil, errors.New("rail unavailable")
	}
	return &TransferResult{RailTxID: fmt.Sprintf("tx_%d", len(r.calls))}, nil
}

func (r *fakeRail) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// --- harness ---

type fixture struct {
	svc      *Service
	payouts  *memPayouts
	releases *memReleaseStore
	invoices *memInvoicer
	log      *memLog
	rail     *fakeRail
	jobs     []uuid.UUID
}

func newFixture(cadence Cadence) *fixture {
	f := &fixture{
		payouts:  newMemPayouts(),
		releases: &memReleaseStore{},
		invoices: newMemInvoicer(),
		log:      &memLog{},
		rail:     &fakeRail{},
	}
	insert := func(_ context.Context, _ pgx.Tx, args ProcessPayoutArgs) error {
		f.jobs = append(f.jobs, args.PayoutID)
		return nil
	}
	f.svc = NewService(mockPool{}, f.payouts, f.releases, f.invoices, f.log, f.rail, invoice.FlatBps(200), cadence, insert)
	return f
}

func release(freelancerID uuid.UUID, amount int64) *models.ReleaseRecord {
	return &models.ReleaseRecord{
		MilestoneID:  uuid.New(),
		ContractID:   uuid.New(),
		FreelancerID: freelancerID,
		Amount:       amount,
	}
}

// --- tests ---

func TestEnqueueImmediate(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	rec := release(uuid.New(), 500)
	f.releases.add(rec)

	if err := f.svc.Enqueue(ctx, noopTx{}, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	payouts := f.payouts.all()
	if len(payouts) != 1 {
		t.Fatalf("payouts: got %d, want 1", len(payouts))
	}
	p := payouts[0]
	if p.Status != models.PayoutStatusQueued || p.Gross != 500 || p.FreelancerID != rec.FreelancerID {
		t.Errorf("payout: %+v", p)
	}
	if len(f.jobs) != 1 || f.jobs[0] != p.ID {
		t.Errorf("process jobs: %v", f.jobs)
	}
	if n := f.log.count(rec.ContractID, models.EventPayoutQueued); n != 1 {
		t.Errorf("payout.queued events: got %d, want 1", n)
	}
}

// Releases for the same freelancer join the open payout; only one process job
// is scheduled for it.
func TestEnqueueJoinsOpenPayout(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	freelancerID := uuid.New()
	first := release(freelancerID, 500)
	second := release(freelancerID, 300)
	f.releases.add(first)
	f.releases.add(second)

	if err := f.svc.Enqueue(ctx, noopTx{}, first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := f.svc.Enqueue(ctx, noopTx{}, second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	payouts := f.payouts.all()
	if len(payouts) != 1 {
		t.Fatalf("payouts: got %d, want 1", len(payouts))
	}
	if payouts[0].Gross != 800 {
		t.Errorf("gross: got %d, want 800", payouts[0].Gross)
	}
	if len(f.jobs) != 1 {
		t.Errorf("process jobs: got %d, want 1", len(f.jobs))
	}
}

func TestEnqueueNeverMixesFreelancers(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	a := release(uuid.New(), 500)
	b := release(uuid.New(), 300)
	f.releases.add(a)
	f.releases.add(b)

	if err := f.svc.Enqueue(ctx, noopTx{}, a); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	if err := f.svc.Enqueue(ctx, noopTx{}, b); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	payouts := f.payouts.all()
	if len(payouts) != 2 {
		t.Fatalf("payouts: got %d, want 2", len(payouts))
	}
	for _, p := range payouts {
		if p.FreelancerID != a.FreelancerID && p.FreelancerID != b.FreelancerID {
			t.Errorf("payout for unknown freelancer: %+v", p)
		}
		if p.Gross != 500 && p.Gross != 300 {
			t.Errorf("mixed gross: %d", p.Gross)
		}
	}
}

func TestEnqueueDuplicateRelease(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	rec := release(uuid.New(), 500)
	f.releases.add(rec)

	if err := f.svc.Enqueue(ctx, noopTx{}, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	err := f.svc.Enqueue(ctx, noopTx{}, rec)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got: %v", err)
	}
}

func TestEnqueuePeriodicLeavesUnassigned(t *testing.T) {
	f := newFixture(CadencePeriodic)
	ctx := context.Background()
	rec := release(uuid.New(), 500)
	f.releases.add(rec)

	if err := f.svc.Enqueue(ctx, noopTx{}, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(f.payouts.all()) != 0 {
		t.Error("periodic cadence must not create payouts on enqueue")
	}
	unassigned, _ := f.releases.ListUnassigned(ctx)
	if len(unassigned) != 1 {
		t.Errorf("unassigned releases: got %d, want 1", len(unassigned))
	}
}

// The sweep groups unassigned releases into one payout per freelancer.
func TestSweepGroupsPerFreelancer(t *testing.T) {
	f := newFixture(CadencePeriodic)
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()
	f.releases.add(release(alice, 500))
	f.releases.add(release(alice, 300))
	f.releases.add(release(bob, 200))

	created, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if created != 2 {
		t.Errorf("payouts created: got %d, want 2", created)
	}
	byFreelancer := make(map[uuid.UUID]int64)
	for _, p := range f.payouts.all() {
		byFreelancer[p.FreelancerID] += p.Gross
	}
	if byFreelancer[alice] != 800 || byFreelancer[bob] != 200 {
		t.Errorf("grouped gross: alice=%d bob=%d, want 800/200", byFreelancer[alice], byFreelancer[bob])
	}
	if len(f.jobs) != 2 {
		t.Errorf("process jobs: got %d, want 2", len(f.jobs))
	}
	if unassigned, _ := f.releases.ListUnassigned(ctx); len(unassigned) != 0 {
		t.Errorf("unassigned after sweep: got %d, want 0", len(unassigned))
	}

	// A second sweep with nothing pending creates nothing.
	created, err = f.svc.Sweep(ctx)
	if err != nil || created != 0 {
		t.Errorf("empty sweep: created=%d err=%v", created, err)
	}
}

func TestProcessPayoutSettles(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	rec := release(uuid.New(), 500)
	f.releases.add(rec)
	if err := f.svc.Enqueue(ctx, noopTx{}, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	payoutID := f.jobs[0]

	if err := f.svc.ProcessPayout(ctx, payoutID); err != nil {
		t.Fatalf("ProcessPayout: %v", err)
	}
	p, _ := f.payouts.GetByID(ctx, payoutID)
	if p.Status != models.PayoutStatusSettled {
		t.Errorf("status: got %s, want settled", p.Status)
	}
	// 2% of 500 is 10.
	if p.Gross != 500 || p.Fee != 10 || p.Net != 490 {
		t.Errorf("amounts: gross=%d fee=%d net=%d, want 500/10/490", p.Gross, p.Fee, p.Net)
	}
	if p.RailTxID == nil {
		t.Error("rail tx id must be recorded on settlement")
	}
	if f.rail.callCount() != 1 {
		t.Fatalf("rail transfers: got %d, want 1", f.rail.callCount())
	}
	req := f.rail.calls[0]
	if req.IdempotencyKey != payoutID.String() || req.Amount != 490 {
		t.Errorf("transfer request: %+v", req)
	}
	if !f.invoices.seen[rec.MilestoneID] {
		t.Error("settlement must generate the milestone invoice")
	}
	if n := f.log.count(rec.ContractID, models.EventPayoutSettled); n != 1 {
		t.Errorf("payout.settled events: got %d, want 1", n)
	}
}

// Processing a settled payout again must not touch the rail.
func TestProcessPayoutIdempotent(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	rec := release(uuid.New(), 500)
	f.releases.add(rec)
	if err := f.svc.Enqueue(ctx, noopTx{}, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	payoutID := f.jobs[0]

	if err := f.svc.ProcessPayout(ctx, payoutID); err != nil {
		t.Fatalf("first ProcessPayout: %v", err)
	}
	if err := f.svc.ProcessPayout(ctx, payoutID); err != nil {
		t.Fatalf("second ProcessPayout: %v", err)
	}
	if f.rail.callCount() != 1 {
		t.Errorf("rail transfers: got %d, want exactly 1", f.rail.callCount())
	}
	if n := f.log.count(rec.ContractID, models.EventPayoutSettled); n != 1 {
		t.Errorf("payout.settled events: got %d, want 1", n)
	}
}

func TestProcessPayoutRailFailure(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	rec := release(uuid.New(), 500)
	f.releases.add(rec)
	if err := f.svc.Enqueue(ctx, noopTx{}, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	payoutID := f.jobs[0]
	f.rail.failNext = 1

	err := f.svc.ProcessPayout(ctx, payoutID)
	if !errors.Is(err, ErrRailTransfer) {
		t.Fatalf("expected ErrRailTransfer, got: %v", err)
	}
	p, _ := f.payouts.GetByID(ctx, payoutID)
	if p.Status != models.PayoutStatusProcessing {
		t.Errorf("status after rail failure: got %s, want processing", p.Status)
	}
	if p.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", p.RetryCount)
	}

	// The retry settles with the same idempotency key.
	if err := f.svc.ProcessPayout(ctx, payoutID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.rail.calls[0].IdempotencyKey != f.rail.calls[1].IdempotencyKey {
		t.Error("retries must reuse the payout's idempotency key")
	}
	p, _ = f.payouts.GetByID(ctx, payoutID)
	if p.Status != models.PayoutStatusSettled {
		t.Errorf("status after retry: got %s, want settled", p.Status)
	}
}

// MarkFailed is terminal and emits exactly one failure event per affected
// contract, no matter how often it is called.
func TestMarkFailed(t *testing.T) {
	f := newFixture(CadencePeriodic)
	ctx := context.Background()
	freelancerID := uuid.New()
	a := release(freelancerID, 500)
	b := release(freelancerID, 300)
	f.releases.add(a)
	f.releases.add(b)
	if _, err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	payoutID := f.jobs[0]

	if err := f.svc.MarkFailed(ctx, payoutID, "retries exhausted"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	p, _ := f.payouts.GetByID(ctx, payoutID)
	if p.Status != models.PayoutStatusFailed {
		t.Errorf("status: got %s, want failed", p.Status)
	}
	for _, rec := range []*models.ReleaseRecord{a, b} {
		if n := f.log.count(rec.ContractID, models.EventPayoutFailed); n != 1 {
			t.Errorf("payout.failed events for contract %s: got %d, want 1", rec.ContractID, n)
		}
	}

	// Repeated MarkFailed is a no-op.
	if err := f.svc.MarkFailed(ctx, payoutID, "retries exhausted"); err != nil {
		t.Fatalf("second MarkFailed: %v", err)
	}
	for _, rec := range []*models.ReleaseRecord{a, b} {
		if n := f.log.count(rec.ContractID, models.EventPayoutFailed); n != 1 {
			t.Errorf("events after repeat for contract %s: got %d, want 1", rec.ContractID, n)
		}
	}

	// A failed payout refuses further processing.
	if err := f.svc.ProcessPayout(ctx, payoutID); !errors.Is(err, ErrPayoutTerminal) {
		t.Errorf("expected ErrPayoutTerminal, got: %v", err)
	}
	if f.rail.callCount() != 0 {
		t.Errorf("rail transfers on failed payout: got %d, want 0", f.rail.callCount())
	}
}

func TestGetPayout(t *testing.T) {
	f := newFixture(CadenceImmediate)
	ctx := context.Background()
	rec := release(uuid.New(), 500)
	f.releases.add(rec)
	if err := f.svc.Enqueue(ctx, noopTx{}, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p, milestoneIDs, err := f.svc.GetPayout(ctx, f.jobs[0])
	if err != nil {
		t.Fatalf("GetPayout: %v", err)
	}
	if p.ID != f.jobs[0] {
		t.Errorf("payout id: got %s", p.ID)
	}
	if len(milestoneIDs) != 1 || milestoneIDs[0] != rec.MilestoneID {
		t.Errorf("milestone ids: %v", milestoneIDs)
	}
}
