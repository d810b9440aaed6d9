// Package deposit watches the chain for Deposited events and tracks each
// deposit until it reaches the confirmation threshold. Below the threshold a
// PendingDeposit row exists so the balance engine can show the incoming
// amount; at or above it the row is deleted and the contract's confirmed
// balance takes over.
package deposit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/escrow"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// Config for the deposit monitor.
type Config struct {
	ScanInterval          time.Duration
	ScanChunk             uint64 // max blocks per ScanDeposits window
	RequiredConfirmations uint64
	ChainID               uint64
}

// Monitor runs the periodic scan loop.
type Monitor struct {
	store  storage.Store
	chain  escrow.Escrow
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewMonitor(store storage.Store, chain escrow.Escrow, broker *events.Broker, cfg Config) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.ScanChunk == 0 || cfg.ScanChunk > 100 {
		cfg.ScanChunk = 100
	}
	return &Monitor{
		store:  store,
		chain:  chain,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("deposit-monitor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the scan loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the scan loop and waits for the current tick to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	m.Tick(context.Background())
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(context.Background())
		}
	}
}

// Tick performs one scan pass: read new blocks in bounded windows, upsert
// unconfirmed deposits, then sweep rows that crossed the threshold.
func (m *Monitor) Tick(ctx context.Context) {
	latest, err := m.chain.CurrentBlock(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("chain head unavailable, skipping scan")
		return
	}

	if err := m.scanNewBlocks(ctx, latest); err != nil {
		m.logger.Warn().Err(err).Msg("deposit scan failed")
	}
	if err := m.sweepConfirmed(latest); err != nil {
		m.logger.Warn().Err(err).Msg("confirmed deposit sweep failed")
	}

	pending, err := m.store.ListPendingDeposits()
	if err == nil {
		metrics.PendingDepositsTotal.Set(float64(len(pending)))
	}
}

func (m *Monitor) scanNewBlocks(ctx context.Context, latest uint64) error {
	last, err := m.store.GetLastProcessedBlock()
	if err != nil {
		return err
	}
	if last == 0 {
		// first run: start at the head rather than replaying history
		last = latest
	}
	if latest <= last {
		return nil
	}

	from := last + 1
	to := latest
	if to-from+1 > m.cfg.ScanChunk {
		to = from + m.cfg.ScanChunk - 1
	}

	deposits, err := m.chain.ScanDeposits(ctx, from, to)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		m.track(d, latest)
	}

	if err := m.store.SetLastProcessedBlock(to); err != nil {
		return err
	}
	metrics.DepositScanHeight.Set(float64(to))
	return nil
}

func (m *Monitor) track(d escrow.Deposit, latest uint64) {
	confirmations := latest - d.BlockNumber

	if confirmations >= m.cfg.RequiredConfirmations {
		// already buried; the contract balance reflects it
		return
	}

	existing, err := m.store.GetPendingDeposit(d.TxHash)
	pd := &types.PendingDeposit{
		TxHash:        d.TxHash,
		WalletAddress: d.Wallet,
		Amount:        d.Amount,
		BlockNumber:   d.BlockNumber,
		Confirmations: confirmations,
		ChainID:       m.cfg.ChainID,
		FirstSeenAt:   time.Now(),
	}
	if err == nil {
		pd.FirstSeenAt = existing.FirstSeenAt
	}
	if err := m.store.SavePendingDeposit(pd); err != nil {
		m.logger.Error().Err(err).Str("tx_hash", d.TxHash).Msg("failed to persist pending deposit")
		return
	}
	m.logger.Info().
		Str("tx_hash", d.TxHash).
		Str("wallet", d.Wallet).
		Float64("amount", d.Amount).
		Uint64("confirmations", confirmations).
		Msg("tracking pending deposit")
}

// sweepConfirmed deletes every pending deposit buried under the required
// depth. Runs against the full set, not just freshly scanned events, so a
// reorg that hid an event from a prior pass still resolves.
func (m *Monitor) sweepConfirmed(latest uint64) error {
	pending, err := m.store.ListPendingDeposits()
	if err != nil {
		return err
	}
	for _, d := range pending {
		confirmations := latest - d.BlockNumber
		if confirmations < m.cfg.RequiredConfirmations {
			d.Confirmations = confirmations
			if err := m.store.SavePendingDeposit(d); err != nil {
				m.logger.Error().Err(err).Str("tx_hash", d.TxHash).Msg("failed to update confirmations")
			}
			continue
		}

		if err := m.store.DeletePendingDeposit(d.TxHash); err != nil {
			m.logger.Error().Err(err).Str("tx_hash", d.TxHash).Msg("failed to delete confirmed deposit")
			continue
		}
		m.logger.Info().
			Str("tx_hash", d.TxHash).
			Str("wallet", d.WalletAddress).
			Float64("amount", d.Amount).
			Msg("deposit confirmed")
		m.broker.Publish(&events.Event{
			ID:        uuid.New().String(),
			Type:      events.EventDepositConfirmed,
			Timestamp: time.Now(),
			OwnerID:   d.WalletAddress,
			Message:   "deposit confirmed",
			Metadata: map[string]string{
				"txHash": d.TxHash,
				"wallet": d.WalletAddress,
			},
		})
	}
	return nil
}
