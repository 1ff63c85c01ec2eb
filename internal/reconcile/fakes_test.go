package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roundup-engine-go/internal/database"
	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/payment"
	"roundup-engine-go/internal/store"

	"github.com/shopspring/decimal"
)

var (
	testNow         = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	testWindowStart = testNow.Add(-24 * time.Hour)
	testWindowEnd   = testNow
)

// fakeRail approves by default and is idempotent on the create key.
type fakeRail struct {
	mu sync.Mutex

	decision      string
	authorizeErrs []error
	createErrs    []error
	// lostResponses records the transfer but reports a transient error,
	// the way a timed-out create looks to the caller.
	lostResponses   int
	amountDelta     decimal.Decimal
	authorizedDelta decimal.Decimal
	onCreate      func(params payment.CreateTransferParams)

	authorizeCalls int
	createCalls    int
	keys           []string
	byKey          map[string]*models.RailTransfer
	statuses       map[string]string
}

func newFakeRail() *fakeRail {
	return &fakeRail{
		decision: models.DecisionApproved,
		byKey:    make(map[string]*models.RailTransfer),
		statuses: make(map[string]string),
	}
}

func (r *fakeRail) AuthorizeTransfer(_ context.Context, params payment.AuthorizeTransferParams) (*models.TransferAuthorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.authorizeCalls++
	if len(r.authorizeErrs) > 0 {
		err := r.authorizeErrs[0]
		r.authorizeErrs = r.authorizeErrs[1:]
		return nil, err
	}
	auth := &models.TransferAuthorization{
		Id:       fmt.Sprintf("auth_%d", r.authorizeCalls),
		Decision: r.decision,
		Amount:   params.Amount.Add(r.authorizedDelta),
	}
	if r.decision != models.DecisionApproved {
		auth.Rationale = "NSF: insufficient funds"
	}
	return auth, nil
}

func (r *fakeRail) CreateTransfer(_ context.Context, params payment.CreateTransferParams) (*models.RailTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.createCalls++
	r.keys = append(r.keys, params.IdempotencyKey)
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		return nil, err
	}
	if r.onCreate != nil {
		r.onCreate(params)
	}

	transfer, ok := r.byKey[params.IdempotencyKey]
	if !ok {
		transfer = &models.RailTransfer{
			Id:              fmt.Sprintf("tr_%d", len(r.byKey)+1),
			AuthorizationId: params.AuthorizationId,
			AccountId:       params.Account.AccountId,
			Amount:          params.Amount.Add(r.amountDelta),
			Status:          payment.RailStatusPending,
		}
		r.byKey[params.IdempotencyKey] = transfer
		r.statuses[transfer.Id] = payment.RailStatusPending
	}

	if r.lostResponses > 0 {
		r.lostResponses--
		return nil, fmt.Errorf("%w: response lost", payment.ErrTransient)
	}
	t := *transfer
	return &t, nil
}

func (r *fakeRail) GetTransfer(_ context.Context, transferId string) (*models.RailTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.byKey {
		if t.Id == transferId {
			out := *t
			out.Status = r.statuses[transferId]
			return &out, nil
		}
	}
	return nil, &payment.RailError{StatusCode: 404, Type: "TRANSFER_ERROR", Code: "TRANSFER_NOT_FOUND"}
}

func (r *fakeRail) transferCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

type fakeHolds struct {
	mu        sync.Mutex
	statuses  map[string]string
	getErrs   map[string]error
	getCalls  int
	cancelled []string
}

func newFakeHolds() *fakeHolds {
	return &fakeHolds{statuses: make(map[string]string), getErrs: make(map[string]error)}
}

func (h *fakeHolds) GetHold(_ context.Context, holdId string) (*models.Hold, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.getCalls++
	if err, ok := h.getErrs[holdId]; ok {
		return nil, err
	}
	status, ok := h.statuses[holdId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payment.ErrHoldNotFound, holdId)
	}
	return &models.Hold{Id: holdId, Status: status, Amount: decimal.RequireFromString("1.00")}, nil
}

func (h *fakeHolds) CancelHold(_ context.Context, holdId string) (*models.Hold, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancelled = append(h.cancelled, holdId)
	h.statuses[holdId] = models.HoldStatusCanceled
	return &models.Hold{Id: holdId, Status: models.HoldStatusCanceled}, nil
}

func (h *fakeHolds) cancelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cancelled)
}

type fakeJournal struct {
	mu       sync.Mutex
	recorded []store.AllocationEntry
	reverted []string
}

func (j *fakeJournal) RecordAllocation(_ context.Context, entry store.AllocationEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recorded = append(j.recorded, entry)
	return nil
}

func (j *fakeJournal) RevertAllocation(_ context.Context, attemptKey string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reverted = append(j.reverted, attemptKey)
	return nil
}

func (j *fakeJournal) Close() {}

type harness struct {
	store   *database.Service
	rail    *fakeRail
	holds   *fakeHolds
	journal *fakeJournal
	metrics *observability.Metrics
	orch    *Orchestrator
	webhook *WebhookReconciler
}

func testSettings() models.ReconcileConfig {
	return models.ReconcileConfig{
		WorkerPoolSize:     4,
		RailConcurrency:    4,
		MaxRetries:         2,
		InitialBackoff:     time.Millisecond,
		ReservationRetries: 5,
		OrphanWindow:       time.Minute,
	}
}

func newTestStore(t *testing.T) *database.Service {
	t.Helper()
	svc, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "roundups.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func newHarness(t *testing.T, settings models.ReconcileConfig) *harness {
	t.Helper()
	h := &harness{
		store:   newTestStore(t),
		rail:    newFakeRail(),
		holds:   newFakeHolds(),
		journal: &fakeJournal{},
		metrics: observability.NewMetrics(),
	}

	orch, err := NewOrchestrator(Config{
		Store:    h.store,
		Rail:     h.rail,
		Holds:    h.holds,
		Journal:  h.journal,
		Metrics:  h.metrics,
		Settings: settings,
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	h.orch = orch
	h.webhook = NewWebhookReconciler(h.store, h.journal, h.metrics, settings.OrphanWindow)
	return h
}

// seedUser creates the user with the given source accounts and, when
// withDestination is set, the acct_loan destination.
func (h *harness) seedUser(t *testing.T, userId string, withDestination bool, sources ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.CreateUser(ctx, userId, "User "+userId, userId+"@example.com"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	for _, accountId := range sources {
		if _, err := h.store.UpsertLinkedAccount(ctx, models.LinkedAccount{
			UserId:      userId,
			AccountId:   accountId,
			AccessToken: "access-" + accountId,
			Purpose:     models.AccountPurposeSource,
		}); err != nil {
			t.Fatalf("UpsertLinkedAccount failed: %v", err)
		}
	}
	if withDestination {
		if _, err := h.store.UpsertLinkedAccount(ctx, models.LinkedAccount{
			UserId:    userId,
			AccountId: "acct_loan",
			Purpose:   models.AccountPurposeDestination,
		}); err != nil {
			t.Fatalf("UpsertLinkedAccount failed: %v", err)
		}
	}
}

// seedSubscription creates a subscription and brings collected to the
// given amount through a reservation on an unrelated account.
func (h *harness) seedSubscription(t *testing.T, userId, fee, collected string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.InitializeSubscription(ctx, userId, decimal.RequireFromString(fee), testNow); err != nil {
		t.Fatalf("InitializeSubscription failed: %v", err)
	}
	amount := decimal.RequireFromString(collected)
	if !amount.IsPositive() {
		return
	}
	if _, err := h.store.ReserveAllocation(ctx, store.ReserveAllocationParams{
		Digest:             "seed-" + userId,
		UserId:             userId,
		AccountId:          "acct_seed",
		WindowStart:        testWindowStart,
		WindowEnd:          testWindowEnd,
		Total:              amount,
		SubscriptionAmount: amount,
		LoanAmount:         decimal.Zero,
		TransactionIds:     []string{"seed-" + userId},
	}); err != nil {
		t.Fatalf("Seeding collected amount failed: %v", err)
	}
}

// ingest records purchases on the account, each with a fresh hold.
func (h *harness) ingest(t *testing.T, userId, accountId string, amounts ...string) []models.Transaction {
	t.Helper()
	ctx := context.Background()
	txns := make([]models.Transaction, 0, len(amounts))
	for i, amount := range amounts {
		id := fmt.Sprintf("%s-%s-%d", userId, accountId, i)
		holdId := "hold_" + id
		h.holds.mu.Lock()
		h.holds.statuses[holdId] = models.HoldStatusRequiresCapture
		h.holds.mu.Unlock()

		txn, err := h.store.IngestTransaction(ctx, store.IngestTransactionParams{
			Id:        id,
			UserId:    userId,
			AccountId: accountId,
			Name:      "Coffee",
			Amount:    decimal.RequireFromString(amount),
			HoldId:    holdId,
			CreatedAt: testNow.Add(-time.Hour),
		})
		if err != nil {
			t.Fatalf("IngestTransaction failed: %v", err)
		}
		txns = append(txns, *txn)
	}
	return txns
}

func (h *harness) reconcile(t *testing.T, userId string) *models.ReconciliationResult {
	t.Helper()
	result, err := h.orch.ReconcileUser(context.Background(), userId, testWindowStart, testWindowEnd)
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	return result
}

func (h *harness) collected(t *testing.T, userId string) string {
	t.Helper()
	sub, err := h.store.GetSubscription(context.Background(), userId)
	if err != nil || sub == nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	return sub.Collected.StringFixed(models.MoneyPlaces)
}

func (h *harness) statuses(t *testing.T, txns []models.Transaction) map[string]int {
	t.Helper()
	ids := make([]string, len(txns))
	for i, txn := range txns {
		ids[i] = txn.Id
	}
	current, err := h.store.GetTransactionsByIds(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetTransactionsByIds failed: %v", err)
	}
	counts := make(map[string]int)
	for _, txn := range current {
		counts[txn.RoundUpStatus]++
	}
	return counts
}

// counterValue sums a counter family across the series matching labels.
func counterValue(t *testing.T, m *observability.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue series
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
