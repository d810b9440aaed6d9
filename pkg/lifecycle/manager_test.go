package lifecycle

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/orchestrator/pkg/commandbus"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/scheduler"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

const gb = int64(1 << 30)

type fakePlacer struct {
	candidates []*scheduler.Candidate
	err        error
}

func (f *fakePlacer) Schedule(spec *types.VMSpec) ([]*scheduler.Candidate, error) {
	return f.candidates, f.err
}

type fixture struct {
	m      *Manager
	store  storage.Store
	bus    *commandbus.Bus
	placer *fakePlacer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := commandbus.NewBus(store)
	placer := &fakePlacer{}
	m := NewManager(store, bus, placer, events.NewBroker())
	return &fixture{m: m, store: store, bus: bus, placer: placer}
}

func (f *fixture) seedNode(t *testing.T, id string) *types.Node {
	t.Helper()
	node := &types.Node{
		ID:       id,
		PublicIP: "198.51.100.7",
		Status:   types.NodeStatusOnline,
		Hardware: &types.Hardware{CPUCores: 8, MemoryBytes: 64 * gb, DiskBytes: 500 * gb, BenchmarkScore: 3000},
		Pricing:  &types.Pricing{CPUPerHour: 0.01},
	}
	require.NoError(t, f.store.SaveNode(node))
	return node
}

func spec() *types.VMSpec {
	return &types.VMSpec{
		VMType:      types.VMTypeGeneral,
		VCPUs:       2,
		MemoryBytes: 4 * gb,
		DiskBytes:   40 * gb,
		QualityTier: types.TierStandard,
	}
}

func TestCreateVMCanonicalName(t *testing.T) {
	f := newFixture(t)

	vm, err := f.m.CreateVM(context.Background(), "u1", "My Web App!", spec())
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^my-web-app-[0-9a-f]{4}$`), vm.Name)
	assert.Equal(t, types.VMStatusPending, vm.Status)

	// system VMs keep their requested name verbatim
	sys, err := f.m.CreateVM(context.Background(), SystemOwner, "dht-n1", spec())
	require.NoError(t, err)
	assert.Equal(t, "dht-n1", sys.Name)
}

func TestCreateVMRejectsEmptySpec(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.CreateVM(context.Background(), "u1", "web", &types.VMSpec{})
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidInput))
}

func TestPlacementDispatchesCreate(t *testing.T) {
	f := newFixture(t)
	node := f.seedNode(t, "n1")
	f.placer.candidates = []*scheduler.Candidate{{Node: node, Score: 1}}

	vm, err := f.m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)
	f.m.reconcile(vm.ID)

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusProvisioning, got.Status)
	assert.Equal(t, "n1", got.NodeID)
	assert.InDelta(t, 0.02, got.Billing.HourlyRate, 1e-9)

	cmds := f.bus.Drain("n1")
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CommandCreateVM, cmds[0].Type)

	var payload types.CreateVMPayload
	require.NoError(t, json.Unmarshal(cmds[0].Payload, &payload))
	assert.Equal(t, vm.ID, payload.VMID)
	assert.Equal(t, got.Name, payload.Name)
}

// flakyBus fails dispatch to selected nodes, delegating the rest.
type flakyBus struct {
	*commandbus.Bus
	failFor map[string]bool
}

func (b *flakyBus) Enqueue(ctx context.Context, nodeID string, cmdType types.CommandType, payload any) (*types.Command, error) {
	if b.failFor[nodeID] {
		return nil, errdefs.New(errdefs.KindUpstream, "node %s unreachable", nodeID)
	}
	return b.Bus.Enqueue(ctx, nodeID, cmdType, payload)
}

func TestPlacementFallsBackToNextCandidate(t *testing.T) {
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := &flakyBus{Bus: commandbus.NewBus(store), failFor: map[string]bool{"n1": true}}
	placer := &fakePlacer{}
	m := NewManager(store, bus, placer, events.NewBroker())

	seed := func(id string) *types.Node {
		node := &types.Node{
			ID: id, PublicIP: "198.51.100.7", Status: types.NodeStatusOnline,
			Hardware: &types.Hardware{CPUCores: 8, MemoryBytes: 64 * gb, DiskBytes: 500 * gb, BenchmarkScore: 3000},
			Pricing:  &types.Pricing{CPUPerHour: 0.01},
		}
		require.NoError(t, store.SaveNode(node))
		return node
	}
	placer.candidates = []*scheduler.Candidate{
		{Node: seed("n1"), Score: 2},
		{Node: seed("n2"), Score: 1},
	}

	vm, err := m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)
	m.reconcile(vm.ID)

	got, err := store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusProvisioning, got.Status)
	assert.Equal(t, "n2", got.NodeID, "dispatch failure on the top candidate falls back to the runner-up")

	cmds := bus.Drain("n2")
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CommandCreateVM, cmds[0].Type)
}

func TestPlacementErrorsAfterAllCandidatesFail(t *testing.T) {
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := &flakyBus{Bus: commandbus.NewBus(store), failFor: map[string]bool{"n1": true, "n2": true}}
	placer := &fakePlacer{}
	m := NewManager(store, bus, placer, events.NewBroker())

	placer.candidates = []*scheduler.Candidate{
		{Node: &types.Node{ID: "n1", Pricing: &types.Pricing{}}, Score: 2},
		{Node: &types.Node{ID: "n2", Pricing: &types.Pricing{}}, Score: 1},
	}

	vm, err := m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)
	m.reconcile(vm.ID)

	got, err := store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, got.Status)
	assert.Contains(t, got.StatusMessage, "every candidate")
}

func TestPlacementFailureMarksError(t *testing.T) {
	f := newFixture(t)
	f.placer.err = errdefs.New(errdefs.KindResourceExhausted, "no node can host the requested spec")

	vm, err := f.m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)
	f.m.reconcile(vm.ID)

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, got.Status)
	assert.Contains(t, got.StatusMessage, "placement failed")
}

func provisionedVM(t *testing.T, f *fixture) *types.VirtualMachine {
	t.Helper()
	node := f.seedNode(t, "n1")
	f.placer.candidates = []*scheduler.Candidate{{Node: node, Score: 1}}
	vm, err := f.m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)
	f.m.reconcile(vm.ID)
	f.bus.Drain("n1")
	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	return got
}

func TestHeartbeatPromotesProvisioningToRunning(t *testing.T) {
	f := newFixture(t)
	vm := provisionedVM(t, f)

	f.m.HandleVMReports("n1", []VMReport{{VMID: vm.ID, PowerState: types.PowerStateRunning, PrivateIP: "192.168.5.2"}})

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())
	assert.Equal(t, "192.168.5.2", got.Network.PrivateIP)

	route, err := f.store.GetRoute(got.Name)
	require.NoError(t, err)
	assert.Equal(t, vm.ID, route.VMID)
	assert.Equal(t, "198.51.100.7", route.NodeHost())
}

func TestReportFromWrongNodeIgnored(t *testing.T) {
	f := newFixture(t)
	vm := provisionedVM(t, f)

	f.m.HandleVMReports("n-other", []VMReport{{VMID: vm.ID, PowerState: types.PowerStateRunning}})

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusProvisioning, got.Status)
}

func TestFalsePositiveDeletingRecovery(t *testing.T) {
	f := newFixture(t)
	vm := provisionedVM(t, f)

	// the VM was wrongly pushed into Deleting, and a ghost replacement
	// was spawned on the same node
	require.NoError(t, f.store.SaveVM(&types.VirtualMachine{
		ID: vm.ID, OwnerID: "u1", NodeID: "n1", Name: vm.Name,
		Spec: vm.Spec, Status: types.VMStatusDeleting, UpdatedAt: time.Now(),
	}))
	ghost := &types.VirtualMachine{
		ID: "ghost-1", OwnerID: "u1", NodeID: "n1", Name: "web-ffff",
		Spec: spec(), Status: types.VMStatusProvisioning,
	}
	require.NoError(t, f.store.SaveVM(ghost))

	f.m.HandleVMReports("n1", []VMReport{{VMID: vm.ID, PowerState: types.PowerStateRunning}})

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, got.Status)
	assert.Equal(t, "Recovered from false-positive Deleting", got.StatusMessage)

	assert.Eventually(t, func() bool {
		g, err := f.store.GetVM("ghost-1")
		return err == nil && g.Status == types.VMStatusDeleted
	}, 2*time.Second, 10*time.Millisecond, "ghost duplicate should be reaped")
}

func runningVM(t *testing.T, f *fixture) *types.VirtualMachine {
	t.Helper()
	vm := provisionedVM(t, f)
	f.m.HandleVMReports("n1", []VMReport{{VMID: vm.ID, PowerState: types.PowerStateRunning}})
	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	return got
}

func TestStopLifecycle(t *testing.T) {
	f := newFixture(t)
	vm := runningVM(t, f)

	require.NoError(t, f.m.StopVM(context.Background(), vm.ID, "user requested"))

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStopping, got.Status)
	_, err = f.store.GetRoute(vm.Name)
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound), "route removed when leaving Running")

	cmds := f.bus.Drain("n1")
	require.Len(t, cmds, 1)
	require.Equal(t, types.CommandStopVM, cmds[0].Type)

	require.NoError(t, f.bus.Acknowledge("n1", cmds[0].ID, &types.Acknowledgment{Success: true}))
	got, err = f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStopped, got.Status)

	// start brings it back
	require.NoError(t, f.m.StartVM(context.Background(), vm.ID))
	cmds = f.bus.Drain("n1")
	require.Len(t, cmds, 1)
	require.Equal(t, types.CommandStartVM, cmds[0].Type)
	require.NoError(t, f.bus.Acknowledge("n1", cmds[0].ID, &types.Acknowledgment{Success: true}))

	got, err = f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, got.Status)
	_, err = f.store.GetRoute(vm.Name)
	assert.NoError(t, err)
}

func TestStopEventCarriesReason(t *testing.T) {
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := commandbus.NewBus(store)
	placer := &fakePlacer{}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	m := NewManager(store, bus, placer, broker)

	node := &types.Node{
		ID: "n1", PublicIP: "198.51.100.7", Status: types.NodeStatusOnline,
		Hardware: &types.Hardware{CPUCores: 8, MemoryBytes: 64 * gb, DiskBytes: 500 * gb, BenchmarkScore: 3000},
		Pricing:  &types.Pricing{CPUPerHour: 0.01},
	}
	require.NoError(t, store.SaveNode(node))
	placer.candidates = []*scheduler.Candidate{{Node: node, Score: 1}}

	vm, err := m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)
	m.reconcile(vm.ID)
	bus.Drain("n1")
	m.HandleVMReports("n1", []VMReport{{VMID: vm.ID, PowerState: types.PowerStateRunning}})

	sub := broker.Subscribe()
	t.Cleanup(func() { broker.Unsubscribe(sub) })

	require.NoError(t, m.StopVM(context.Background(), vm.ID, "insufficient balance"))
	cmds := bus.Drain("n1")
	require.Len(t, cmds, 1)
	require.NoError(t, bus.Acknowledge("n1", cmds[0].ID, &types.Acknowledgment{Success: true}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventVMStopped {
				assert.Equal(t, "insufficient balance", ev.Message)
				return
			}
		case <-deadline:
			t.Fatal("no vm.stopped event observed")
		}
	}
}

func TestStopRequiresRunning(t *testing.T) {
	f := newFixture(t)
	vm := provisionedVM(t, f)
	err := f.m.StopVM(context.Background(), vm.ID, "")
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))
}

func TestDeleteLifecycle(t *testing.T) {
	f := newFixture(t)
	vm := runningVM(t, f)

	require.NoError(t, f.m.DeleteVM(context.Background(), vm.ID))

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusDeleting, got.Status)

	cmds := f.bus.Drain("n1")
	require.Len(t, cmds, 1)
	require.Equal(t, types.CommandDeleteVM, cmds[0].Type)
	require.NoError(t, f.bus.Acknowledge("n1", cmds[0].ID, &types.Acknowledgment{Success: true}))

	got, err = f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusDeleted, got.Status)
}

func TestDeleteBeforePlacementIsImmediate(t *testing.T) {
	f := newFixture(t)
	vm, err := f.m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)

	require.NoError(t, f.m.DeleteVM(context.Background(), vm.ID))
	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusDeleted, got.Status)
}

func TestDeleteFinalizedAfterGrace(t *testing.T) {
	f := newFixture(t)
	vm := runningVM(t, f)
	require.NoError(t, f.m.DeleteVM(context.Background(), vm.ID))
	f.bus.Drain("n1")

	// jump past the grace period
	f.m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	f.m.reconcile(vm.ID)

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusDeleted, got.Status)
}

func TestAllocatePortRoundTrip(t *testing.T) {
	f := newFixture(t)
	vm := runningVM(t, f)

	require.NoError(t, f.m.AllocatePort(context.Background(), vm.ID, 22, "tcp"))
	cmds := f.bus.Drain("n1")
	require.Len(t, cmds, 1)
	require.Equal(t, types.CommandAllocatePort, cmds[0].Type)

	data, _ := json.Marshal(types.AllocatePortResult{VMPort: 22, PublicPort: 31022, Protocol: "tcp"})
	require.NoError(t, f.bus.Acknowledge("n1", cmds[0].ID, &types.Acknowledgment{Success: true, Data: data}))

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	require.Len(t, got.Network.PortMappings, 1)
	assert.Equal(t, 31022, got.Network.PortMappings[0].PublicPort)

	assert.Error(t, f.m.AllocatePort(context.Background(), vm.ID, 22, "icmp"))
}

func TestCreateAckFailureMarksError(t *testing.T) {
	f := newFixture(t)
	node := f.seedNode(t, "n1")
	f.placer.candidates = []*scheduler.Candidate{{Node: node, Score: 1}}

	vm, err := f.m.CreateVM(context.Background(), "u1", "web", spec())
	require.NoError(t, err)
	f.m.reconcile(vm.ID)

	cmds := f.bus.Drain("n1")
	require.Len(t, cmds, 1)
	require.NoError(t, f.bus.Acknowledge("n1", cmds[0].ID, &types.Acknowledgment{
		Success: false, ErrorMessage: "disk full",
	}))

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, got.Status)
	assert.Contains(t, got.StatusMessage, "disk full")
}

func TestProvisioningTimeout(t *testing.T) {
	f := newFixture(t)
	vm := provisionedVM(t, f)

	f.m.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	f.m.reconcile(vm.ID)

	got, err := f.store.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, got.Status)
	assert.Equal(t, "provisioning timed out", got.StatusMessage)
}
