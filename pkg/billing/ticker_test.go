package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/orchestrator/pkg/credits"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

type fakeAttestor struct{ paused bool }

func (f *fakeAttestor) BillingPaused(vmID string, now time.Time) bool { return f.paused }

type fakeFunds struct{ available float64 }

func (f *fakeFunds) HasSufficient(ctx context.Context, userID, wallet string, required float64) (bool, error) {
	return f.available >= required, nil
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped map[string]string // vmID -> reason
}

func (f *fakeStopper) StopVM(ctx context.Context, vmID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped == nil {
		f.stopped = make(map[string]string)
	}
	f.stopped[vmID] = reason
	return nil
}

func (f *fakeStopper) reasonFor(vmID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[vmID]
}

type fixture struct {
	ticker   *Ticker
	store    storage.Store
	attestor *fakeAttestor
	funds    *fakeFunds
	stopper  *fakeStopper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	attestor := &fakeAttestor{}
	funds := &fakeFunds{available: 1000}
	stopper := &fakeStopper{}
	ticker := NewTicker(store, attestor, funds, credits.NewService(store, nil), stopper, Config{
		Interval:       5 * time.Minute,
		GraceCycles:    3,
		PlatformFeeBps: 1500,
	})
	return &fixture{ticker: ticker, store: store, attestor: attestor, funds: funds, stopper: stopper}
}

// runningVM seeds a tenant VM that has been running unbilled for one hour at
// 0.10 USDC per hour.
func (f *fixture) runningVM(t *testing.T, id string) *types.VirtualMachine {
	t.Helper()
	vm := &types.VirtualMachine{
		ID: id, OwnerID: "0xaa", NodeID: "n1",
		Status: types.VMStatusRunning,
		Spec:   &types.VMSpec{VMType: types.VMTypeGeneral, VCPUs: 2, MemoryBytes: 1, DiskBytes: 1},
		Billing: &types.BillingInfo{
			HourlyRate:    0.10,
			LastBillingAt: time.Now().Add(-time.Hour),
		},
		StartedAt: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, f.store.SaveVM(vm))
	return vm
}

func TestBillsElapsedPeriod(t *testing.T) {
	f := newFixture(t)
	f.runningVM(t, "v1")

	f.ticker.Tick(context.Background())

	records, err := f.store.ListUnpaidUsageByUser("0xaa")
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.InDelta(t, 0.10, r.TotalCost, 0.001)
	assert.InDelta(t, 0.085, r.NodeShare, 0.001)
	assert.InDelta(t, 0.015, r.PlatformFee, 0.001)
	assert.True(t, r.AttestationVerified)
	assert.Equal(t, "n1", r.NodeID)

	vm, err := f.store.GetVM("v1")
	require.NoError(t, err)
	assert.InDelta(t, 60, vm.Billing.VerifiedRuntimeMinutes, 1)
	assert.InDelta(t, 0.10, vm.Billing.TotalBilled, 0.001)
	assert.False(t, vm.Billing.LastBillingAt.IsZero())
}

func TestAttestationPauseSkipsBilling(t *testing.T) {
	f := newFixture(t)
	f.runningVM(t, "v1")
	f.attestor.paused = true

	f.ticker.Tick(context.Background())

	records, err := f.store.ListUnpaidUsageByUser("0xaa")
	require.NoError(t, err)
	assert.Empty(t, records)

	vm, err := f.store.GetVM("v1")
	require.NoError(t, err)
	assert.InDelta(t, 60, vm.Billing.UnverifiedRuntimeMinutes, 1)
	assert.Equal(t, 0.0, vm.Billing.TotalBilled)
}

func TestShortPeriodSkipped(t *testing.T) {
	f := newFixture(t)
	vm := f.runningVM(t, "v1")
	vm.Billing.LastBillingAt = time.Now().Add(-30 * time.Second)
	require.NoError(t, f.store.SaveVM(vm))

	f.ticker.Tick(context.Background())

	records, err := f.store.ListUnpaidUsageByUser("0xaa")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOnlyRunningGeneralVMsBilled(t *testing.T) {
	f := newFixture(t)

	stopped := f.runningVM(t, "v1")
	stopped.Status = types.VMStatusStopped
	require.NoError(t, f.store.SaveVM(stopped))

	system := f.runningVM(t, "v2")
	system.Spec.VMType = types.VMTypeDht
	require.NoError(t, f.store.SaveVM(system))

	f.ticker.Tick(context.Background())

	records, err := f.store.ListUnpaidUsageByUser("0xaa")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreditsBurnBeforeEscrow(t *testing.T) {
	f := newFixture(t)
	f.runningVM(t, "v1")
	require.NoError(t, f.store.SaveCreditGrant(&types.CreditGrant{
		ID: "g1", UserID: "0xaa", Type: types.CreditPromo,
		OriginalAmount: 0.04, RemainingAmount: 0.04, CreatedAt: time.Now(),
	}))

	f.ticker.Tick(context.Background())

	// 0.10 cycle: 0.04 from credits, 0.06 recorded against escrow
	records, err := f.store.ListUnpaidUsageByUser("0xaa")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 0.06, records[0].TotalCost, 0.001)

	grant, err := f.store.GetCreditGrant("g1")
	require.NoError(t, err)
	assert.InDelta(t, 0, grant.RemainingAmount, 1e-9)

	vm, err := f.store.GetVM("v1")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, vm.Billing.TotalBilled, 0.001)
}

func TestCreditsCoveringFullCycleSkipRecord(t *testing.T) {
	f := newFixture(t)
	f.runningVM(t, "v1")
	require.NoError(t, f.store.SaveCreditGrant(&types.CreditGrant{
		ID: "g1", UserID: "0xaa", Type: types.CreditPromo,
		OriginalAmount: 5, RemainingAmount: 5, CreatedAt: time.Now(),
	}))

	f.ticker.Tick(context.Background())

	records, err := f.store.ListUnpaidUsageByUser("0xaa")
	require.NoError(t, err)
	assert.Empty(t, records, "fully credit-covered cycles settle nothing on chain")

	vm, err := f.store.GetVM("v1")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, vm.Billing.TotalBilled, 0.001)
}

func TestGracePeriodThenStop(t *testing.T) {
	f := newFixture(t)
	vm := f.runningVM(t, "v1")
	f.funds.available = 0

	for cycle := 1; cycle <= 2; cycle++ {
		f.ticker.Tick(context.Background())
		got, err := f.store.GetVM(vm.ID)
		require.NoError(t, err)
		assert.Equal(t, cycle, got.Billing.InsufficientFundsCycles)
		assert.Empty(t, f.stopper.reasonFor(vm.ID), "still within grace")
	}

	f.ticker.Tick(context.Background())
	assert.Eventually(t, func() bool {
		return f.stopper.reasonFor(vm.ID) == OutOfFundsReason
	}, 2*time.Second, 10*time.Millisecond)

	records, err := f.store.ListUnpaidUsageByUser("0xaa")
	require.NoError(t, err)
	assert.Empty(t, records, "missed cycles are never billed")
}

func TestFundsRecoveryResetsGraceCounter(t *testing.T) {
	f := newFixture(t)
	vm := f.runningVM(t, "v1")

	f.funds.available = 0
	f.ticker.Tick(context.Background())
	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Billing.InsufficientFundsCycles)

	f.funds.available = 1000
	f.ticker.Tick(context.Background())
	got, err = f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Billing.InsufficientFundsCycles)
}
