package deposit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/escrow"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

type fakeChain struct {
	head       uint64
	deposits   []escrow.Deposit
	scanRanges [][2]uint64
}

func (f *fakeChain) CurrentBlock(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) ScanDeposits(ctx context.Context, from, to uint64) ([]escrow.Deposit, error) {
	f.scanRanges = append(f.scanRanges, [2]uint64{from, to})
	var out []escrow.Deposit
	for _, d := range f.deposits {
		if d.BlockNumber >= from && d.BlockNumber <= to {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeChain) GetConfirmedBalance(ctx context.Context, wallet string) (float64, error) {
	return 0, nil
}
func (f *fakeChain) ExecuteSettlement(ctx context.Context, item escrow.SettlementItem) (string, error) {
	return "", nil
}
func (f *fakeChain) ExecuteBatchSettlement(ctx context.Context, items []escrow.SettlementItem) (string, error) {
	return "", nil
}
func (f *fakeChain) WaitConfirmed(ctx context.Context, txHash string) error { return nil }

func newTestMonitor(t *testing.T, chain *fakeChain) (*Monitor, storage.Store) {
	t.Helper()
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := NewMonitor(store, chain, events.NewBroker(), Config{
		RequiredConfirmations: 20,
		ScanChunk:             100,
		ChainID:               1337,
	})
	return m, store
}

func TestFirstTickStartsAtHead(t *testing.T) {
	chain := &fakeChain{head: 5000, deposits: []escrow.Deposit{
		{Wallet: "0xaa", Amount: 10, TxHash: "0x1", BlockNumber: 4000},
	}}
	m, store := newTestMonitor(t, chain)

	m.Tick(context.Background())

	// no history replay: nothing scanned, cursor parked at head
	assert.Empty(t, chain.scanRanges)
	block, err := store.GetLastProcessedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), block)
}

func TestTracksUnconfirmedDeposit(t *testing.T) {
	chain := &fakeChain{head: 1000}
	m, store := newTestMonitor(t, chain)
	require.NoError(t, store.SetLastProcessedBlock(999))

	chain.head = 1005
	chain.deposits = []escrow.Deposit{
		{Wallet: "0xaa", Amount: 10, TxHash: "0x1", BlockNumber: 1000},
	}
	m.Tick(context.Background())

	d, err := store.GetPendingDeposit("0x1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), d.Confirmations)
	assert.Equal(t, uint64(1000), d.BlockNumber)
	assert.InDelta(t, 10.0, d.Amount, 1e-9)
}

func TestAlreadyConfirmedDepositNotTracked(t *testing.T) {
	chain := &fakeChain{head: 1030, deposits: []escrow.Deposit{
		{Wallet: "0xaa", Amount: 10, TxHash: "0x1", BlockNumber: 1000},
	}}
	m, store := newTestMonitor(t, chain)
	require.NoError(t, store.SetLastProcessedBlock(999))

	m.Tick(context.Background())

	_, err := store.GetPendingDeposit("0x1")
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestSweepDeletesAtThreshold(t *testing.T) {
	chain := &fakeChain{head: 1019}
	m, store := newTestMonitor(t, chain)
	require.NoError(t, store.SetLastProcessedBlock(1019))
	require.NoError(t, store.SavePendingDeposit(&types.PendingDeposit{
		TxHash: "0x1", WalletAddress: "0xaa", Amount: 10, BlockNumber: 1000,
	}))

	// 19 confirmations: still pending, count refreshed
	m.Tick(context.Background())
	d, err := store.GetPendingDeposit("0x1")
	require.NoError(t, err)
	assert.Equal(t, uint64(19), d.Confirmations)

	// 20 confirmations: gone
	chain.head = 1020
	m.Tick(context.Background())
	_, err = store.GetPendingDeposit("0x1")
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestSweepHandlesReorgSkippedEvent(t *testing.T) {
	// the row exists but no event for it was seen this pass; the sweep
	// still clears it once it is buried deep enough
	chain := &fakeChain{head: 2000}
	m, store := newTestMonitor(t, chain)
	require.NoError(t, store.SetLastProcessedBlock(2000))
	require.NoError(t, store.SavePendingDeposit(&types.PendingDeposit{
		TxHash: "0xold", WalletAddress: "0xaa", Amount: 3, BlockNumber: 100,
	}))

	m.Tick(context.Background())

	_, err := store.GetPendingDeposit("0xold")
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestScanWindowBounded(t *testing.T) {
	chain := &fakeChain{head: 1500}
	m, store := newTestMonitor(t, chain)
	require.NoError(t, store.SetLastProcessedBlock(1000))

	m.Tick(context.Background())

	require.Len(t, chain.scanRanges, 1)
	assert.Equal(t, [2]uint64{1001, 1100}, chain.scanRanges[0])

	block, err := store.GetLastProcessedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), block)

	// next tick picks up where the window ended
	m.Tick(context.Background())
	require.Len(t, chain.scanRanges, 2)
	assert.Equal(t, [2]uint64{1101, 1200}, chain.scanRanges[1])
}
