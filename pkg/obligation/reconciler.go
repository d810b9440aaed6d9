// Package obligation drives durable node duties to completion. Each
// obligation names a handler by type; the reconciler scans for due work every
// tick, dispatches, and applies the handler's verdict with exponential
// backoff on retry.
package obligation

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

const (
	// DefaultScanInterval is the reconciler tick.
	DefaultScanInterval = 10 * time.Second

	// DefaultMaxAttempts fails an obligation permanently.
	DefaultMaxAttempts = 10

	// backoffBase and backoffCap shape the retry schedule: 30s, 1m, 2m, ...
	// capped at 30m.
	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute
)

// Outcome is a handler's verdict on one attempt.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetry
	OutcomeFail
)

// Result pairs an outcome with its reason.
type Result struct {
	Outcome Outcome
	Reason  string
}

func Completed() Result          { return Result{Outcome: OutcomeCompleted} }
func Retry(reason string) Result { return Result{Outcome: OutcomeRetry, Reason: reason} }
func Fail(reason string) Result  { return Result{Outcome: OutcomeFail, Reason: reason} }

// Handler performs one attempt at an obligation.
type Handler func(ctx context.Context, o *types.Obligation) Result

// Reconciler owns the Obligation aggregate.
type Reconciler struct {
	store       storage.Store
	handlers    map[types.ObligationType]Handler
	interval    time.Duration
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func NewReconciler(store storage.Store, interval time.Duration, maxAttempts int) *Reconciler {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Reconciler{
		store:       store,
		handlers:    make(map[types.ObligationType]Handler),
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      log.WithComponent("obligation"),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// RegisterHandler installs the handler for an obligation type.
func (r *Reconciler) RegisterHandler(t types.ObligationType, h Handler) {
	r.handlers[t] = h
}

// Start launches the scan loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop terminates the loop and waits for the in-progress tick.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Tick(context.Background())
		}
	}
}

// Ensure creates an obligation for (type, resource) unless one is already
// active. Safe to call on every registration or heartbeat.
func (r *Reconciler) Ensure(t types.ObligationType, resourceID string) (*types.Obligation, error) {
	existing, err := r.store.ListObligationsByResource(t, resourceID)
	if err != nil {
		return nil, err
	}
	for _, o := range existing {
		switch o.State {
		case types.ObligationPending, types.ObligationInFlight, types.ObligationRetryScheduled, types.ObligationCompleted:
			return o, nil
		}
	}

	now := r.now()
	o := &types.Obligation{
		ID:            uuid.New().String(),
		Type:          t,
		ResourceID:    resourceID,
		State:         types.ObligationPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.SaveObligation(o); err != nil {
		return nil, err
	}
	r.logger.Info().Str("obligation_id", o.ID).Str("type", string(t)).Str("resource_id", resourceID).Msg("obligation created")
	return o, nil
}

// relayMinBenchmark gates which public nodes are asked to host a relay VM.
const relayMinBenchmark = 2000

// BootstrapNode seeds the duties every node owes at registration: a DHT VM
// always, a relay assignment when the node sits behind CGNAT, and a relay VM
// when the node is publicly routable and fast enough to carry peers.
func (r *Reconciler) BootstrapNode(node *types.Node) error {
	if _, err := r.Ensure(types.ObligationRunDht, node.ID); err != nil {
		return err
	}
	if node.NATType == types.NATCGNAT {
		if _, err := r.Ensure(types.ObligationAssignRelay, node.ID); err != nil {
			return err
		}
	}
	if node.NATType == types.NATNone && node.PublicIP != "" &&
		node.Hardware != nil && node.Hardware.BenchmarkScore >= relayMinBenchmark {
		if _, err := r.Ensure(types.ObligationRunRelay, node.ID); err != nil {
			return err
		}
	}
	return nil
}

// Satisfy completes the active obligation for (type, resource) from outside
// the dispatch path, e.g. when a system VM turns healthy.
func (r *Reconciler) Satisfy(t types.ObligationType, resourceID string) error {
	existing, err := r.store.ListObligationsByResource(t, resourceID)
	if err != nil {
		return err
	}
	for _, o := range existing {
		switch o.State {
		case types.ObligationPending, types.ObligationInFlight, types.ObligationRetryScheduled:
			o.State = types.ObligationCompleted
			o.LastError = ""
			if err := r.store.SaveObligation(o); err != nil {
				return err
			}
			r.logger.Info().Str("obligation_id", o.ID).Str("type", string(t)).Msg("obligation satisfied")
			return nil
		}
	}
	return errdefs.New(errdefs.KindNotFound, "no active obligation for resource")
}

// Tick runs one scan pass over due obligations.
func (r *Reconciler) Tick(ctx context.Context) {
	due, err := r.store.ListDueObligations(r.now())
	if err != nil {
		r.logger.Error().Err(err).Msg("due obligation scan failed")
		return
	}
	for _, o := range due {
		r.dispatch(ctx, o)
	}
	r.refreshGauges()
}

func (r *Reconciler) dispatch(ctx context.Context, o *types.Obligation) {
	handler, ok := r.handlers[o.Type]
	if !ok {
		// no handler registered yet; leave the obligation due
		return
	}

	o.State = types.ObligationInFlight
	if err := r.store.SaveObligation(o); err != nil {
		r.logger.Error().Err(err).Str("obligation_id", o.ID).Msg("failed to mark in-flight")
		return
	}

	result := handler(ctx, o)
	r.apply(o, result)
}

func (r *Reconciler) apply(o *types.Obligation, result Result) {
	now := r.now()
	label := "completed"
	switch result.Outcome {
	case OutcomeCompleted:
		o.State = types.ObligationCompleted
		o.LastError = ""
	case OutcomeRetry:
		o.Attempts++
		o.LastError = result.Reason
		if o.Attempts >= r.maxAttempts {
			o.State = types.ObligationFailed
			label = "exhausted"
			r.logger.Error().Str("obligation_id", o.ID).Str("type", string(o.Type)).Int("attempts", o.Attempts).Str("reason", result.Reason).Msg("obligation attempts exhausted")
		} else {
			o.State = types.ObligationRetryScheduled
			o.NextAttemptAt = now.Add(backoff(o.Attempts))
			label = "retry"
		}
	case OutcomeFail:
		o.State = types.ObligationFailed
		o.LastError = result.Reason
		label = "failed"
	}

	if err := r.store.SaveObligation(o); err != nil {
		r.logger.Error().Err(err).Str("obligation_id", o.ID).Msg("failed to persist obligation result")
		return
	}
	metrics.ObligationDispatchTotal.WithLabelValues(string(o.Type), label).Inc()
}

func (r *Reconciler) refreshGauges() {
	counts := make(map[types.ObligationState]int)
	for _, state := range []types.ObligationState{
		types.ObligationPending, types.ObligationInFlight, types.ObligationCompleted,
		types.ObligationFailed, types.ObligationRetryScheduled,
	} {
		counts[state] = 0
	}
	all, err := r.store.ListObligations()
	if err != nil {
		return
	}
	for _, o := range all {
		counts[o.State]++
	}
	for state, n := range counts {
		metrics.ObligationsByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

// backoff doubles per attempt from the base, capped.
func backoff(attempts int) time.Duration {
	d := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempts-1)))
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
