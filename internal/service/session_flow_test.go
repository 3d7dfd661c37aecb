package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"session-wallet/internal/adapter/storage/memory"
	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flowFixture runs the session service over the memory store and the
// holdings ledger, so custody effects are observable.
type flowFixture struct {
	store    *memory.Store
	holdings *memory.HoldingRepo
	events   *memory.EventRepo
	custody  *LedgerCustody
	svc      *SessionServiceImpl
}

func newFlowFixture(restrict bool) *flowFixture {
	store := memory.NewStore()
	holdings := memory.NewHoldingRepo(store)
	events := memory.NewEventRepo(store)
	custody := NewLedgerCustody(holdings, store, fixedClock{testNow}, newTestLogger())
	svc := NewSessionService(SessionServiceDeps{
		Sessions:          memory.NewSessionRepo(store),
		Events:            events,
		Custody:           custody,
		Transactor:        store,
		Clock:             fixedClock{testNow},
		Log:               newTestLogger(),
		Program:           sessionTestProgram,
		RestrictPurchases: restrict,
	})
	return &flowFixture{store: store, holdings: holdings, events: events, custody: custody, svc: svc}
}

func (f *flowFixture) seed(id string, balance int64) {
	f.holdings.Seed(domain.Holding{ID: id, Owner: id, Balance: balance})
}

func (f *flowFixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.custody.Balance(context.Background(), id)
	if apperror.Is(err, apperror.CodeNotFound) {
		return 0
	}
	require.NoError(t, err)
	return b
}

func TestSessionFlow_Lifecycle(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 5000)
	ctx := context.Background()

	w, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{
		Caller: "backend", SessionID: "sess-001", InitialFunding: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.balance(t, w.HoldingID()))
	assert.Equal(t, int64(4000), f.balance(t, "backend"))

	receipt, err := f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
		Caller: "backend", SessionID: "sess-001", Amount: 300,
		ServiceID: "svc-a", RecipientHolding: "svc-a",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(700), receipt.RemainingBalance)
	assert.Equal(t, int64(300), f.balance(t, "svc-a"))

	funded, err := f.svc.FundSession(ctx, ports.FundRequest{
		Caller: "backend", SessionID: "sess-001", Amount: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), funded.CurrentBalance)
	assert.Equal(t, int64(200), funded.TotalFunded)

	closed, err := f.svc.CloseSession(ctx, ports.CloseRequest{
		Caller: "backend", SessionID: "sess-001", TreasuryHolding: "treasury",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), closed.RefundedAmount)
	assert.Equal(t, int64(300), closed.TotalSpent)
	assert.Equal(t, int64(200), closed.TotalFunded)

	assert.Equal(t, int64(0), f.balance(t, w.HoldingID()))
	assert.Equal(t, int64(900), f.balance(t, "treasury"))
	assert.Equal(t, int64(5000), f.balance(t, "backend")+f.balance(t, "svc-a")+f.balance(t, "treasury"))

	snapshot, err := f.svc.GetSession(ctx, "sess-001")
	require.NoError(t, err)
	assert.False(t, snapshot.IsActive)
	assert.True(t, snapshot.Reconciles())

	// Every mutation after close fails and leaves the record untouched.
	_, err = f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
		Caller: "backend", SessionID: "sess-001", Amount: 1, ServiceID: "svc-a", RecipientHolding: "svc-a",
	})
	assertAppError(t, err, apperror.CodeSessionClosed)
	_, err = f.svc.FundSession(ctx, ports.FundRequest{Caller: "backend", SessionID: "sess-001", Amount: 1})
	assertAppError(t, err, apperror.CodeSessionClosed)
	_, err = f.svc.CloseSession(ctx, ports.CloseRequest{Caller: "backend", SessionID: "sess-001"})
	assertAppError(t, err, apperror.CodeSessionClosed)

	after, err := f.svc.GetSession(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, snapshot, after)

	// A closed session still occupies its address.
	_, err = f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-001"})
	assertAppError(t, err, apperror.CodeAddressOccupied)

	records, total, err := f.svc.ListEvents(ctx, "sess-001", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, records, 4)
	assert.Equal(t, domain.EventSessionClosed, records[0].Type)
	assert.Equal(t, domain.EventSessionCreated, records[3].Type)
}

func TestSessionFlow_FailedInitializeLeavesNoRecord(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 100)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{
		Caller: "backend", SessionID: "sess-poor", InitialFunding: 101,
	})
	assertAppError(t, err, apperror.CodeInsufficientFunds)

	_, err = f.svc.GetSession(ctx, "sess-poor")
	assertAppError(t, err, apperror.CodeNotFound)
	assert.Equal(t, int64(100), f.balance(t, "backend"))

	// The address is free for a retry.
	_, err = f.svc.InitializeSession(ctx, ports.InitializeRequest{
		Caller: "backend", SessionID: "sess-poor", InitialFunding: 100,
	})
	require.NoError(t, err)
}

func TestSessionFlow_AuthorityScoping(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 1000)
	f.seed("sponsor", 1000)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-auth", InitialFunding: 500})
	require.NoError(t, err)

	// Anyone may top up.
	_, err = f.svc.FundSession(ctx, ports.FundRequest{Caller: "sponsor", SessionID: "sess-auth", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(900), f.balance(t, "sponsor"))

	// A funder cannot move someone else's holding.
	_, err = f.svc.FundSession(ctx, ports.FundRequest{Caller: "sponsor", SessionID: "sess-auth", Amount: 100, SourceHolding: "backend"})
	assertAppError(t, err, apperror.CodeUnauthorized)

	_, err = f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
		Caller: "sponsor", SessionID: "sess-auth", Amount: 10, ServiceID: "svc", RecipientHolding: "sponsor",
	})
	assertAppError(t, err, apperror.CodeUnauthorized)

	_, err = f.svc.CloseSession(ctx, ports.CloseRequest{Caller: "sponsor", SessionID: "sess-auth", TreasuryHolding: "sponsor"})
	assertAppError(t, err, apperror.CodeUnauthorized)

	w, err := f.svc.GetSession(ctx, "sess-auth")
	require.NoError(t, err)
	assert.Equal(t, int64(600), w.CurrentBalance)
	assert.True(t, w.IsActive)
}

func TestSessionFlow_UnrestrictedPurchases(t *testing.T) {
	f := newFlowFixture(false)
	f.seed("backend", 1000)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-open", InitialFunding: 500})
	require.NoError(t, err)

	receipt, err := f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
		Caller: "game-client", SessionID: "sess-open", Amount: 50, ServiceID: "svc", RecipientHolding: "svc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(450), receipt.RemainingBalance)

	// Close stays with the authority.
	_, err = f.svc.CloseSession(ctx, ports.CloseRequest{Caller: "game-client", SessionID: "sess-open"})
	assertAppError(t, err, apperror.CodeUnauthorized)
}

func TestSessionFlow_CloseDefaultsToAuthorityHolding(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 1000)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-home", InitialFunding: 400})
	require.NoError(t, err)

	closed, err := f.svc.CloseSession(ctx, ports.CloseRequest{Caller: "backend", SessionID: "sess-home"})
	require.NoError(t, err)
	assert.Equal(t, int64(400), closed.RefundedAmount)
	assert.Equal(t, int64(0), closed.TotalSpent)
	assert.Equal(t, int64(1000), f.balance(t, "backend"))
}

func TestSessionFlow_IdempotentPurchase(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 1000)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-idem", InitialFunding: 1000})
	require.NoError(t, err)

	req := ports.PurchaseRequest{
		Caller: "backend", SessionID: "sess-idem", Amount: 250,
		ServiceID: "svc", RecipientHolding: "svc", IdempotencyKey: "order-42",
	}
	first, err := f.svc.ExecutePurchase(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.ExecutePurchase(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, int64(250), f.balance(t, "svc"))

	req.Amount = 300
	_, err = f.svc.ExecutePurchase(ctx, req)
	assertAppError(t, err, apperror.CodeIdempotencyConflict)

	w, err := f.svc.GetSession(ctx, "sess-idem")
	require.NoError(t, err)
	assert.Equal(t, int64(750), w.CurrentBalance)
}

func TestSessionFlow_IdempotencyKeyIsScopedToCaller(t *testing.T) {
	f := newFlowFixture(false)
	f.seed("backend", 1000)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-scope", InitialFunding: 1000})
	require.NoError(t, err)

	req := ports.PurchaseRequest{
		Caller: "backend", SessionID: "sess-scope", Amount: 250,
		ServiceID: "svc", RecipientHolding: "svc", IdempotencyKey: "order-7",
	}
	first, err := f.svc.ExecutePurchase(ctx, req)
	require.NoError(t, err)

	// Another caller presenting the same key gets a purchase of their own, not the receipt.
	req.Caller = "stranger"
	other, err := f.svc.ExecutePurchase(ctx, req)
	require.NoError(t, err)
	assert.False(t, other.Replayed)
	assert.NotEqual(t, first.EventID, other.EventID)
	assert.Equal(t, int64(500), f.balance(t, "svc"))

	restricted := newFlowFixture(true)
	restricted.seed("backend", 1000)
	_, err = restricted.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-scope", InitialFunding: 1000})
	require.NoError(t, err)
	req.Caller = "backend"
	_, err = restricted.svc.ExecutePurchase(ctx, req)
	require.NoError(t, err)
	req.Caller = "stranger"
	_, err = restricted.svc.ExecutePurchase(ctx, req)
	assertAppError(t, err, apperror.CodeUnauthorized)
}

func TestSessionFlow_SessionHoldingOnlyMovesWithItsRecord(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 1100)
	ctx := context.Background()

	w, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-victim", InitialFunding: 1000})
	require.NoError(t, err)

	// An identity spelling the session address cannot fund another session from it.
	_, err = f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: w.HoldingID(), SessionID: "sink"})
	require.NoError(t, err)
	_, err = f.svc.FundSession(ctx, ports.FundRequest{
		Caller: w.HoldingID(), SourceHolding: w.HoldingID(), SessionID: "sink", Amount: 1000,
	})
	assertAppError(t, err, apperror.CodeUnauthorized)
	assert.Equal(t, int64(1000), f.balance(t, w.HoldingID()))

	// Nor can a purchase credit a session holding behind its record.
	other, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-other", InitialFunding: 100})
	require.NoError(t, err)
	_, err = f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
		Caller: "backend", SessionID: "sess-victim", Amount: 10, ServiceID: "svc", RecipientHolding: other.HoldingID(),
	})
	assertAppError(t, err, apperror.CodeHoldingMismatch)
	assert.Equal(t, int64(100), f.balance(t, other.HoldingID()))

	closed, err := f.svc.CloseSession(ctx, ports.CloseRequest{Caller: "backend", SessionID: "sess-victim", TreasuryHolding: "treasury"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), closed.RefundedAmount)
	assert.Equal(t, int64(1000), f.balance(t, "treasury"))
	assert.Equal(t, int64(0), f.balance(t, w.HoldingID()))
}

func TestSessionFlow_ConcurrentPurchasesNeverOverspend(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 1000)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-race", InitialFunding: 1000})
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
				Caller: "backend", SessionID: "sess-race", Amount: 30,
				ServiceID: "svc", RecipientHolding: fmt.Sprintf("svc-%d", i%3),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assertAppError(t, err, apperror.CodeInsufficientBalance)
	}
	assert.Equal(t, 33, succeeded)

	w, err := f.svc.GetSession(ctx, "sess-race")
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.CurrentBalance)
	assert.Equal(t, int64(990), w.TotalSpent)
	assert.True(t, w.Reconciles())
	assert.Equal(t, int64(990), f.balance(t, "svc-0")+f.balance(t, "svc-1")+f.balance(t, "svc-2"))
	assert.Equal(t, int64(10), f.balance(t, w.HoldingID()))
}

func TestSessionFlow_ConcurrentSameKeySpendsOnce(t *testing.T) {
	f := newFlowFixture(true)
	f.seed("backend", 1000)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{Caller: "backend", SessionID: "sess-dupkey", InitialFunding: 1000})
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	receipts := make([]*ports.PurchaseReceipt, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
				Caller: "backend", SessionID: "sess-dupkey", Amount: 100,
				ServiceID: "svc", RecipientHolding: "svc", IdempotencyKey: "same",
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range errs {
		require.NoError(t, errs[i])
		if !receipts[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(100), f.balance(t, "svc"))
}

// Random operation sequences must keep every session reconciled and never
// create or destroy value across holdings.
func TestSessionFlow_ConservationUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	f := newFlowFixture(true)
	const supply = int64(1_000_000)
	f.seed("backend", supply)
	ctx := context.Background()

	sessions := []string{"p-1", "p-2", "p-3"}
	for _, id := range sessions {
		_, err := f.svc.InitializeSession(ctx, ports.InitializeRequest{
			Caller: "backend", SessionID: id, InitialFunding: rng.Int63n(5000),
		})
		require.NoError(t, err)
	}

	for i := 0; i < 300; i++ {
		id := sessions[rng.Intn(len(sessions))]
		amount := rng.Int63n(2000)
		var err error
		switch rng.Intn(10) {
		case 0, 1, 2:
			_, err = f.svc.FundSession(ctx, ports.FundRequest{Caller: "backend", SessionID: id, Amount: amount})
		case 9:
			_, err = f.svc.CloseSession(ctx, ports.CloseRequest{Caller: "backend", SessionID: id})
		default:
			_, err = f.svc.ExecutePurchase(ctx, ports.PurchaseRequest{
				Caller: "backend", SessionID: id, Amount: amount, ServiceID: "svc", RecipientHolding: "merchant",
			})
		}
		if err != nil {
			require.True(t,
				apperror.Is(err, apperror.CodeInsufficientBalance) || apperror.Is(err, apperror.CodeSessionClosed),
				"unexpected error: %v", err)
		}
	}

	total := f.balance(t, "backend") + f.balance(t, "merchant")
	for _, id := range sessions {
		w, err := f.svc.GetSession(ctx, id)
		require.NoError(t, err)
		assert.True(t, w.Reconciles(), "session %s does not reconcile: %+v", id, w)
		assert.Equal(t, w.CurrentBalance, f.balance(t, w.HoldingID()))
		total += w.CurrentBalance
	}
	assert.Equal(t, supply, total)
}
