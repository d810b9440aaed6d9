package attestation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/types"
)

func sample(valid bool, at time.Time) types.AttestationSample {
	return types.AttestationSample{Valid: valid, Timestamp: at}
}

func TestNeverAttestedVMIsPaused(t *testing.T) {
	tr := NewTracker(events.NewBroker(), 30*time.Second)
	assert.True(t, tr.BillingPaused("v1", time.Now()))
}

func TestConsecutiveFailuresPauseBilling(t *testing.T) {
	tr := NewTracker(events.NewBroker(), 30*time.Second)
	vm := &types.VirtualMachine{ID: "v1", OwnerID: "u1"}
	now := time.Now()

	tr.Observe(vm, sample(true, now))
	assert.False(t, tr.BillingPaused("v1", now))

	tr.Observe(vm, sample(false, now))
	tr.Observe(vm, sample(false, now))
	assert.False(t, tr.BillingPaused("v1", now), "two failures are below the threshold")

	tr.Observe(vm, sample(false, now))
	assert.True(t, tr.BillingPaused("v1", now))

	l := tr.State("v1")
	require.NotNil(t, l)
	assert.Equal(t, 3, l.ConsecutiveFailures)
}

func TestValidSampleResumesBilling(t *testing.T) {
	tr := NewTracker(events.NewBroker(), 30*time.Second)
	vm := &types.VirtualMachine{ID: "v1", OwnerID: "u1"}
	now := time.Now()

	for i := 0; i < 3; i++ {
		tr.Observe(vm, sample(false, now))
	}
	require.True(t, tr.BillingPaused("v1", now))

	tr.Observe(vm, sample(true, now))
	assert.False(t, tr.BillingPaused("v1", now))
	assert.Equal(t, 0, tr.State("v1").ConsecutiveFailures)
}

func TestStaleSamplesPauseBilling(t *testing.T) {
	tr := NewTracker(events.NewBroker(), 30*time.Second)
	vm := &types.VirtualMachine{ID: "v1", OwnerID: "u1"}
	now := time.Now()

	tr.Observe(vm, sample(true, now))
	// stale deadline is 3x the sample interval
	assert.False(t, tr.BillingPaused("v1", now.Add(89*time.Second)))
	assert.True(t, tr.BillingPaused("v1", now.Add(91*time.Second)))
}

func TestPauseFlipPublishesEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tr := NewTracker(broker, 30*time.Second)
	vm := &types.VirtualMachine{ID: "v1", OwnerID: "u1"}
	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.Observe(vm, sample(false, now))
	}

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventAttestationPaused, ev.Type)
		assert.Equal(t, "v1", ev.VMID)
		assert.Equal(t, "u1", ev.OwnerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no attestation.paused event")
	}
}

func TestForgetDropsState(t *testing.T) {
	tr := NewTracker(events.NewBroker(), 30*time.Second)
	vm := &types.VirtualMachine{ID: "v1", OwnerID: "u1"}
	tr.Observe(vm, sample(true, time.Now()))
	require.NotNil(t, tr.State("v1"))

	tr.Forget("v1")
	assert.Nil(t, tr.State("v1"))
}
