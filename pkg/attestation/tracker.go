// Package attestation tracks per-VM liveness from heartbeat samples and
// decides whether billing is allowed. Billing pauses when samples go stale or
// fail repeatedly, and resumes on the first valid sample.
package attestation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/types"
)

// DefaultSampleInterval is the expected spacing of heartbeat samples.
const DefaultSampleInterval = 30 * time.Second

// failureThreshold pauses billing after this many consecutive invalid
// samples.
const failureThreshold = 3

// Liveness is one VM's attestation state.
type Liveness struct {
	VMID                string
	LastSampleAt        time.Time
	LastSampleValid     bool
	ConsecutiveFailures int
	BillingPaused       bool
}

// Tracker keeps liveness state in memory; it is rebuilt from heartbeats after
// a restart, which at worst pauses billing until the next sample.
type Tracker struct {
	broker        *events.Broker
	staleDeadline time.Duration
	logger        zerolog.Logger

	mu    sync.RWMutex
	byVM  map[string]*Liveness
	owner map[string]string // vmID -> ownerID, for event scoping
}

func NewTracker(broker *events.Broker, sampleInterval time.Duration) *Tracker {
	if sampleInterval <= 0 {
		sampleInterval = DefaultSampleInterval
	}
	return &Tracker{
		broker:        broker,
		staleDeadline: 3 * sampleInterval,
		logger:        log.WithComponent("attestation"),
		byVM:          make(map[string]*Liveness),
		owner:         make(map[string]string),
	}
}

// Observe records one heartbeat sample for a VM.
func (t *Tracker) Observe(vm *types.VirtualMachine, sample types.AttestationSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byVM[vm.ID]
	if !ok {
		l = &Liveness{VMID: vm.ID}
		t.byVM[vm.ID] = l
	}
	t.owner[vm.ID] = vm.OwnerID

	l.LastSampleAt = sample.Timestamp
	if l.LastSampleAt.IsZero() {
		l.LastSampleAt = time.Now()
	}
	l.LastSampleValid = sample.Valid

	wasPaused := l.BillingPaused
	if sample.Valid {
		l.ConsecutiveFailures = 0
		l.BillingPaused = false
	} else {
		l.ConsecutiveFailures++
		if l.ConsecutiveFailures >= failureThreshold {
			l.BillingPaused = true
		}
	}

	if l.BillingPaused != wasPaused {
		t.announceLocked(vm.ID, l.BillingPaused)
	}
}

// BillingPaused reports whether usage accrual is currently suspended for the
// VM. Staleness is evaluated at call time, so a VM whose samples stopped
// arriving pauses without any further input.
func (t *Tracker) BillingPaused(vmID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byVM[vmID]
	if !ok {
		// never attested: do not bill
		return true
	}
	if now.Sub(l.LastSampleAt) > t.staleDeadline && !l.BillingPaused {
		l.BillingPaused = true
		t.announceLocked(vmID, true)
	}
	return l.BillingPaused
}

// State returns a copy of the VM's liveness, or nil if unseen.
func (t *Tracker) State(vmID string) *Liveness {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.byVM[vmID]
	if !ok {
		return nil
	}
	copied := *l
	return &copied
}

// Forget drops state for a deleted VM.
func (t *Tracker) Forget(vmID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byVM, vmID)
	delete(t.owner, vmID)
}

// announceLocked publishes the pause flip. Caller holds t.mu.
func (t *Tracker) announceLocked(vmID string, paused bool) {
	eventType := events.EventAttestationResumed
	msg := "attestation restored, billing resumed"
	if paused {
		eventType = events.EventAttestationPaused
		msg = "attestation failing, billing paused"
	}
	t.logger.Warn().Str("vm_id", vmID).Bool("paused", paused).Msg(msg)
	t.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		OwnerID:   t.owner[vmID],
		VMID:      vmID,
		Message:   msg,
	})
}
