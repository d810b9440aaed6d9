// Package billing accrues usage for running tenant VMs. A cycle only charges
// a VM whose attestation is passing; unverified runtime is tracked separately
// and never billed. Credits burn before escrow balance, and a tenant who
// cannot cover a cycle gets a bounded grace window before the VM is stopped.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/credits"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/escrow"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// OutOfFundsReason marks stops caused by billing, distinguishable from user
// stops.
const OutOfFundsReason = "out-of-funds"

// minBillablePeriod skips cycles that would bill dust intervals.
const minBillablePeriod = time.Minute

// Attestor reports whether billing is allowed for a VM right now.
type Attestor interface {
	BillingPaused(vmID string, now time.Time) bool
}

// Funds answers affordability questions for a tenant.
type Funds interface {
	HasSufficient(ctx context.Context, userID, wallet string, required float64) (bool, error)
}

// Stopper powers a VM off.
type Stopper interface {
	StopVM(ctx context.Context, vmID, reason string) error
}

// Config for the billing ticker.
type Config struct {
	Interval       time.Duration
	GraceCycles    int
	PlatformFeeBps int
}

// Ticker is the billing loop.
type Ticker struct {
	store    storage.Store
	attestor Attestor
	funds    Funds
	credits  *credits.Service
	stopper  Stopper
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewTicker(store storage.Store, attestor Attestor, funds Funds, credits *credits.Service, stopper Stopper, cfg Config) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.GraceCycles <= 0 {
		cfg.GraceCycles = 3
	}
	return &Ticker{
		store:    store,
		attestor: attestor,
		funds:    funds,
		credits:  credits,
		stopper:  stopper,
		cfg:      cfg,
		logger:   log.WithComponent("billing"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
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

// Tick bills every running tenant VM once.
func (t *Ticker) Tick(ctx context.Context) {
	metrics.BillingCyclesTotal.Inc()

	vms, err := t.store.ListVMs()
	if err != nil {
		t.logger.Error().Err(err).Msg("billing scan failed")
		return
	}
	for _, vm := range vms {
		if vm.Status != types.VMStatusRunning {
			continue
		}
		if vm.Spec == nil || vm.Spec.VMType != types.VMTypeGeneral {
			continue
		}
		t.billVM(ctx, vm.ID)
	}
}

func (t *Ticker) billVM(ctx context.Context, vmID string) {
	t.store.Lock(vmID)
	defer t.store.Unlock(vmID)

	vm, err := t.store.GetVM(vmID)
	if err != nil || vm.Status != types.VMStatusRunning {
		return
	}
	if vm.Billing == nil {
		vm.Billing = &types.BillingInfo{}
	}

	now := t.now()
	periodStart := vm.Billing.LastBillingAt
	if periodStart.IsZero() {
		periodStart = vm.StartedAt
	}
	if periodStart.IsZero() {
		return
	}
	period := now.Sub(periodStart)
	if period < minBillablePeriod {
		return
	}
	minutes := period.Minutes()

	if t.attestor.BillingPaused(vm.ID, now) {
		vm.Billing.UnverifiedRuntimeMinutes += minutes
		vm.Billing.LastBillingAt = now
		metrics.UsageSkippedAttestation.Inc()
		t.logger.Warn().Str("vm_id", vm.ID).Float64("minutes", minutes).Msg("attestation paused, runtime unverified")
		if err := t.store.SaveVM(vm); err != nil {
			t.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to persist unverified runtime")
		}
		return
	}

	cost := escrow.Round6(period.Hours() * vm.Billing.HourlyRate)
	if cost == 0 {
		return
	}

	ok, err := t.funds.HasSufficient(ctx, vm.OwnerID, vm.OwnerID, cost)
	if err != nil {
		t.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("balance check failed, skipping cycle")
		return
	}
	if !ok {
		t.handleInsufficientFunds(ctx, vm, cost)
		return
	}

	consumed, err := t.credits.Consume(vm.OwnerID, cost, now)
	if err != nil {
		t.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("credit consumption failed, skipping cycle")
		return
	}
	escrowPart := escrow.Round6(cost - consumed)

	if escrowPart > 0 {
		nodeShare, platformFee := escrow.Split(escrowPart, t.cfg.PlatformFeeBps)
		record := &types.UsageRecord{
			ID:                  uuid.New().String(),
			VMID:                vm.ID,
			UserID:              vm.OwnerID,
			NodeID:              vm.NodeID,
			PeriodStart:         periodStart,
			PeriodEnd:           now,
			TotalCost:           escrowPart,
			NodeShare:           nodeShare,
			PlatformFee:         platformFee,
			AttestationVerified: true,
			CreatedAt:           now,
		}
		if err := t.store.SaveUsageRecord(record); err != nil {
			t.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to persist usage record")
			return
		}
		metrics.UsageRecordedTotal.Inc()
	}

	vm.Billing.LastBillingAt = now
	vm.Billing.TotalBilled = escrow.Round6(vm.Billing.TotalBilled + cost)
	vm.Billing.VerifiedRuntimeMinutes += minutes
	vm.Billing.InsufficientFundsCycles = 0
	if err := t.store.SaveVM(vm); err != nil {
		t.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to persist billing state")
		return
	}

	t.logger.Debug().
		Str("vm_id", vm.ID).
		Float64("cost", cost).
		Float64("credits", consumed).
		Msg("vm billed")
}

// handleInsufficientFunds counts the miss and stops the VM once the grace
// window is spent. The current period stays unbilled either way.
func (t *Ticker) handleInsufficientFunds(ctx context.Context, vm *types.VirtualMachine, cost float64) {
	vm.Billing.InsufficientFundsCycles++
	t.logger.Warn().
		Str("vm_id", vm.ID).
		Str("owner", vm.OwnerID).
		Float64("cost", cost).
		Int("cycles", vm.Billing.InsufficientFundsCycles).
		Msg("insufficient funds for billing cycle")

	stop := vm.Billing.InsufficientFundsCycles >= t.cfg.GraceCycles
	if err := t.store.SaveVM(vm); err != nil {
		t.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to persist grace counter")
		return
	}
	if !stop {
		return
	}

	// stop takes the vm lock itself; release ours first
	go func() {
		if err := t.stopper.StopVM(ctx, vm.ID, OutOfFundsReason); err != nil && !errdefs.Is(err, errdefs.KindConflict) {
			t.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("out-of-funds stop failed")
		}
	}()
}
