// Package settlement moves unpaid usage on chain. Records are grouped per
// (user, node) pair, dust groups are held back until they accumulate, and a
// group's records flip to settled only after the transaction is confirmed.
package settlement

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/escrow"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
)

// Config for the settlement ticker.
type Config struct {
	Interval  time.Duration
	MinAmount float64 // groups below this stay unpaid until they grow
	Batch     bool    // use batchReportUsage instead of one tx per group
}

// group is the unit of settlement: all unpaid usage one user owes one node.
type group struct {
	userWallet string
	nodeWallet string
	total      float64
	ids        []string
	vmIDs      []string
}

// Ticker is the settlement loop.
type Ticker struct {
	store  storage.Store
	chain  escrow.Escrow
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewTicker(store storage.Store, chain escrow.Escrow, broker *events.Broker, cfg Config) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	return &Ticker{
		store:  store,
		chain:  chain,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("settlement"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (t *Ticker) Start() {
	go t.run()
}

func (t *Ticker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Ticker) run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Tick(context.Background())
		}
	}
}

// Tick settles every eligible group once.
func (t *Ticker) Tick(ctx context.Context) {
	groups, err := t.eligibleGroups()
	if err != nil {
		t.logger.Error().Err(err).Msg("settlement scan failed")
		return
	}
	if len(groups) == 0 {
		return
	}

	if t.cfg.Batch {
		t.settleBatched(ctx, groups)
		return
	}
	for _, g := range groups {
		t.settleSingle(ctx, g)
	}
}

func (t *Ticker) eligibleGroups() ([]*group, error) {
	records, err := t.store.ListUnpaidUsage()
	if err != nil {
		return nil, err
	}

	byPair := make(map[string]*group)
	for _, r := range records {
		key := r.UserID + "|" + r.NodeID
		g, ok := byPair[key]
		if !ok {
			node, err := t.store.GetNode(r.NodeID)
			if err != nil {
				t.logger.Warn().Str("node_id", r.NodeID).Msg("unpaid usage for unknown node, skipping")
				continue
			}
			g = &group{userWallet: r.UserID, nodeWallet: node.WalletAddress}
			byPair[key] = g
		}
		g.total = escrow.Round6(g.total + r.TotalCost)
		g.ids = append(g.ids, r.ID)
		g.vmIDs = appendUnique(g.vmIDs, r.VMID)
	}

	var out []*group
	for _, g := range byPair {
		if g.total < t.cfg.MinAmount {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].userWallet != out[j].userWallet {
			return out[i].userWallet < out[j].userWallet
		}
		return out[i].nodeWallet < out[j].nodeWallet
	})
	return out, nil
}

func (t *Ticker) settleSingle(ctx context.Context, g *group) {
	txHash, err := t.chain.ExecuteSettlement(ctx, escrow.SettlementItem{
		UserWallet: g.userWallet,
		NodeWallet: g.nodeWallet,
		Amount:     g.total,
		VMID:       strings.Join(g.vmIDs, ","),
	})
	if err != nil {
		metrics.SettlementsFailedTotal.Inc()
		t.logger.Error().Err(err).
			Str("user", g.userWallet).
			Str("node", g.nodeWallet).
			Float64("amount", g.total).
			Msg("settlement submission failed")
		return
	}
	metrics.SettlementsSubmittedTotal.WithLabelValues("single").Inc()
	t.confirmAndMark(ctx, txHash, g.ids, g.total)
}

// settleBatched packs groups into batchReportUsage calls, at most 100 items
// per transaction.
func (t *Ticker) settleBatched(ctx context.Context, groups []*group) {
	for start := 0; start < len(groups); start += escrow.MaxBatchItems {
		end := start + escrow.MaxBatchItems
		if end > len(groups) {
			end = len(groups)
		}
		chunk := groups[start:end]

		items := make([]escrow.SettlementItem, 0, len(chunk))
		var ids []string
		var total float64
		for _, g := range chunk {
			items = append(items, escrow.SettlementItem{
				UserWallet: g.userWallet,
				NodeWallet: g.nodeWallet,
				Amount:     g.total,
				VMID:       strings.Join(g.vmIDs, ","),
			})
			ids = append(ids, g.ids...)
			total = escrow.Round6(total + g.total)
		}

		txHash, err := t.chain.ExecuteBatchSettlement(ctx, items)
		if err != nil {
			metrics.SettlementsFailedTotal.Inc()
			t.logger.Error().Err(err).Int("items", len(items)).Msg("batch settlement submission failed")
			continue
		}
		metrics.SettlementsSubmittedTotal.WithLabelValues("batch").Inc()
		t.confirmAndMark(ctx, txHash, ids, total)
	}
}

// confirmAndMark waits out the confirmation depth and then flips the records
// in one atomic store operation. A revert leaves everything unpaid for the
// next tick.
func (t *Ticker) confirmAndMark(ctx context.Context, txHash string, ids []string, total float64) {
	if err := t.chain.WaitConfirmed(ctx, txHash); err != nil {
		metrics.SettlementsFailedTotal.Inc()
		t.logger.Error().Err(err).Str("tx_hash", txHash).Msg("settlement transaction not confirmed, will retry")
		return
	}
	if err := t.store.MarkUsageSettled(ids, txHash); err != nil {
		t.logger.Error().Err(err).Str("tx_hash", txHash).Msg("failed to mark usage settled")
		return
	}
	metrics.SettlementsConfirmedTotal.Inc()
	t.logger.Info().
		Str("tx_hash", txHash).
		Int("records", len(ids)).
		Float64("amount", total).
		Msg("settlement confirmed")
	t.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventSettlementComplete,
		Timestamp: time.Now(),
		Message:   "settlement confirmed",
		Metadata:  map[string]string{"txHash": txHash},
	})
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
