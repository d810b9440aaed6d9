// Package lifecycle drives every VM through its state machine. All work for
// one VM runs on the same worker, selected by hashing the VM id over a
// bounded pool, so transitions for a given VM never race each other.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/commandbus"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/scheduler"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

const (
	// defaultWorkers bounds the reconcile pool.
	defaultWorkers = 8

	// reconcileInterval re-enqueues every non-terminal VM.
	reconcileInterval = 30 * time.Second

	// deleteGrace finalizes a Deleting VM that got neither an ack nor a
	// heartbeat.
	deleteGrace = 10 * time.Minute

	// provisioningDeadline fails a VM whose agent never reported it alive.
	provisioningDeadline = 15 * time.Minute

	// nameRetries is how many fresh suffixes are tried on collision.
	nameRetries = 3

	// defaultTargetPort is where the agent's in-VM proxy listens.
	defaultTargetPort = 80
)

// SystemOwner marks VMs owned by the control plane itself.
const SystemOwner = "system"

// Bus is the command-fabric surface the manager needs.
type Bus interface {
	Enqueue(ctx context.Context, nodeID string, cmdType types.CommandType, payload any) (*types.Command, error)
	RegisterHandler(t types.CommandType, h commandbus.ResultHandler)
}

// Placer yields ordered placement candidates.
type Placer interface {
	Schedule(spec *types.VMSpec) ([]*scheduler.Candidate, error)
}

// Manager owns the VirtualMachine aggregate.
type Manager struct {
	store  storage.Store
	bus    Bus
	placer Placer
	broker *events.Broker
	logger zerolog.Logger
	now    func() time.Time // swappable for deadline tests

	workers []chan string
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

func NewManager(store storage.Store, bus Bus, placer Placer, broker *events.Broker) *Manager {
	m := &Manager{
		store:  store,
		bus:    bus,
		placer: placer,
		broker: broker,
		logger: log.WithComponent("lifecycle"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	m.workers = make([]chan string, defaultWorkers)
	for i := range m.workers {
		m.workers[i] = make(chan string, 64)
	}

	bus.RegisterHandler(types.CommandCreateVM, m.onCreateAck)
	bus.RegisterHandler(types.CommandStartVM, m.onStartAck)
	bus.RegisterHandler(types.CommandStopVM, m.onStopAck)
	bus.RegisterHandler(types.CommandDeleteVM, m.onDeleteAck)
	bus.RegisterHandler(types.CommandAllocatePort, m.onAllocatePortAck)
	return m
}

// Start launches the worker pool and the periodic re-enqueue loop.
func (m *Manager) Start() {
	for i := range m.workers {
		m.wg.Add(1)
		go m.worker(m.workers[i])
	}
	m.wg.Add(1)
	go m.reenqueueLoop()
}

// Stop drains the pool.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) worker(ch chan string) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case vmID := <-ch:
			m.reconcile(vmID)
		}
	}
}

func (m *Manager) reenqueueLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			vms, err := m.store.ListVMs()
			if err != nil {
				continue
			}
			for _, vm := range vms {
				switch vm.Status {
				case types.VMStatusDeleted, types.VMStatusError:
				default:
					m.Enqueue(vm.ID)
				}
			}
		}
	}
}

// Enqueue schedules a reconcile pass for the VM on its keyed worker.
func (m *Manager) Enqueue(vmID string) {
	h := fnv.New32a()
	h.Write([]byte(vmID))
	ch := m.workers[h.Sum32()%uint32(len(m.workers))]
	select {
	case ch <- vmID:
	default:
		// worker backlog full; the periodic loop re-enqueues
	}
}

// CreateVM validates, names and persists a new VM in Pending and kicks off
// placement. For system VMs the requested name is used verbatim.
func (m *Manager) CreateVM(ctx context.Context, ownerID, requestedName string, spec *types.VMSpec) (*types.VirtualMachine, error) {
	if spec == nil || spec.VCPUs <= 0 || spec.MemoryBytes <= 0 || spec.DiskBytes <= 0 {
		return nil, errdefs.New(errdefs.KindInvalidInput, "vm spec must set vcpus, memory and disk")
	}
	if spec.VMType == "" {
		spec.VMType = types.VMTypeGeneral
	}
	if spec.QualityTier == "" {
		spec.QualityTier = types.TierStandard
	}

	name, err := m.allocateName(ownerID, requestedName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	vm := &types.VirtualMachine{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Name:       name,
		Spec:       spec,
		Status:     types.VMStatusPending,
		PowerState: types.PowerStateUnknown,
		Network:    &types.NetworkConfig{},
		Billing:    &types.BillingInfo{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.SaveVM(vm); err != nil {
		return nil, err
	}

	m.publish(events.EventVMCreated, vm, "vm created")
	m.logger.Info().Str("vm_id", vm.ID).Str("name", name).Str("owner", ownerID).Msg("vm created")
	m.Enqueue(vm.ID)
	return vm, nil
}

// CreateVMOnNode provisions a VM directly on the given node, bypassing the
// scheduler. System VMs tied to a node's obligations are created this way.
func (m *Manager) CreateVMOnNode(ctx context.Context, ownerID, requestedName, nodeID string, spec *types.VMSpec) (*types.VirtualMachine, error) {
	if spec == nil || spec.VCPUs <= 0 || spec.MemoryBytes <= 0 || spec.DiskBytes <= 0 {
		return nil, errdefs.New(errdefs.KindInvalidInput, "vm spec must set vcpus, memory and disk")
	}
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if spec.VMType == "" {
		spec.VMType = types.VMTypeGeneral
	}
	if spec.QualityTier == "" {
		spec.QualityTier = types.TierStandard
	}

	name, err := m.allocateName(ownerID, requestedName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	vm := &types.VirtualMachine{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		NodeID:     node.ID,
		Name:       name,
		Spec:       spec,
		Status:     types.VMStatusProvisioning,
		PowerState: types.PowerStateUnknown,
		Network:    &types.NetworkConfig{},
		Billing:    &types.BillingInfo{HourlyRate: scheduler.HourlyRate(node.Pricing, spec)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.SaveVM(vm); err != nil {
		return nil, err
	}

	if _, err := m.bus.Enqueue(ctx, node.ID, types.CommandCreateVM, &types.CreateVMPayload{
		VMID:        vm.ID,
		Name:        vm.Name,
		VCPUs:       spec.VCPUs,
		MemoryBytes: spec.MemoryBytes,
		DiskBytes:   spec.DiskBytes,
		ImageID:     spec.ImageID,
		SSHKey:      spec.SSHKey,
		VMType:      spec.VMType,
	}); err != nil {
		m.mutate(vm.ID, func(vm *types.VirtualMachine) error {
			vm.Status = types.VMStatusError
			vm.StatusMessage = fmt.Sprintf("create dispatch failed: %v", err)
			return nil
		})
		return nil, err
	}

	m.publish(events.EventVMCreated, vm, "vm created")
	m.logger.Info().Str("vm_id", vm.ID).Str("name", name).Str("node_id", node.ID).Msg("vm created on pinned node")
	return vm, nil
}

// allocateName derives the canonical name and reserves it within the owner's
// namespace. System VM names pass through untouched.
func (m *Manager) allocateName(ownerID, requested string) (string, error) {
	if ownerID == SystemOwner {
		if requested == "" {
			return "", errdefs.New(errdefs.KindInvalidInput, "system vm requires an explicit name")
		}
		return requested, nil
	}
	for i := 0; i < nameRetries; i++ {
		name := types.CanonicalName(requested)
		_, err := m.store.GetVMByName(ownerID, name)
		if errdefs.Is(err, errdefs.KindNotFound) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errdefs.New(errdefs.KindConflict, "could not allocate a unique vm name")
}

// StartVM powers on a stopped VM.
func (m *Manager) StartVM(ctx context.Context, vmID string) error {
	return m.withVM(vmID, func(vm *types.VirtualMachine) error {
		if vm.Status != types.VMStatusStopped {
			return errdefs.New(errdefs.KindConflict, "vm is not stopped")
		}
		if _, err := m.bus.Enqueue(ctx, vm.NodeID, types.CommandStartVM, &types.VMRefPayload{VMID: vm.ID}); err != nil {
			return err
		}
		vm.StatusMessage = "start requested"
		return nil
	})
}

// StopVM powers off a running VM. Reason is recorded so out-of-funds stops
// are distinguishable from user stops.
func (m *Manager) StopVM(ctx context.Context, vmID, reason string) error {
	return m.withVM(vmID, func(vm *types.VirtualMachine) error {
		if vm.Status != types.VMStatusRunning {
			return errdefs.New(errdefs.KindConflict, "vm is not running")
		}
		if _, err := m.bus.Enqueue(ctx, vm.NodeID, types.CommandStopVM, &types.StopVMPayload{VMID: vm.ID, Reason: reason}); err != nil {
			return err
		}
		vm.Status = types.VMStatusStopping
		vm.StatusMessage = reason
		if vm.Billing != nil {
			vm.Billing.StoppedReason = reason
		}
		m.deregisterRoute(vm)
		return nil
	})
}

// RestartVM reboots a running VM in place.
func (m *Manager) RestartVM(ctx context.Context, vmID string) error {
	return m.withVM(vmID, func(vm *types.VirtualMachine) error {
		if vm.Status != types.VMStatusRunning {
			return errdefs.New(errdefs.KindConflict, "vm is not running")
		}
		_, err := m.bus.Enqueue(ctx, vm.NodeID, types.CommandRestartVM, &types.VMRefPayload{VMID: vm.ID})
		return err
	})
}

// DeleteVM tears the VM down. Finalization happens on the agent's ack, or
// after the grace period if the node never answers.
func (m *Manager) DeleteVM(ctx context.Context, vmID string) error {
	return m.withVM(vmID, func(vm *types.VirtualMachine) error {
		switch vm.Status {
		case types.VMStatusDeleted:
			return nil
		case types.VMStatusDeleting:
			return nil
		case types.VMStatusPending, types.VMStatusPlacing:
			// never reached a node; nothing to tear down
			vm.Status = types.VMStatusDeleted
			vm.StatusMessage = "deleted before placement"
			m.publish(events.EventVMDeleted, vm, "vm deleted")
			return nil
		}
		if _, err := m.bus.Enqueue(ctx, vm.NodeID, types.CommandDeleteVM, &types.VMRefPayload{VMID: vm.ID}); err != nil {
			return err
		}
		m.deregisterRoute(vm)
		vm.Status = types.VMStatusDeleting
		vm.StatusMessage = "delete requested"
		return nil
	})
}

// AllocatePort asks the VM's host to forward a public port.
func (m *Manager) AllocatePort(ctx context.Context, vmID string, vmPort int, protocol string) error {
	if protocol != "tcp" && protocol != "udp" {
		return errdefs.New(errdefs.KindInvalidInput, "protocol must be tcp or udp")
	}
	vm, err := m.store.GetVM(vmID)
	if err != nil {
		return err
	}
	if vm.Status != types.VMStatusRunning {
		return errdefs.New(errdefs.KindConflict, "vm is not running")
	}
	_, err = m.bus.Enqueue(ctx, vm.NodeID, types.CommandAllocatePort, &types.AllocatePortPayload{
		VMID: vmID, VMPort: vmPort, Protocol: protocol,
	})
	return err
}

// reconcile advances one VM a single step.
func (m *Manager) reconcile(vmID string) {
	vm, err := m.store.GetVM(vmID)
	if err != nil {
		return
	}

	switch vm.Status {
	case types.VMStatusPending:
		m.place(vm)
	case types.VMStatusProvisioning:
		m.MarkProvisioningTimeout(vmID, provisioningDeadline)
	case types.VMStatusDeleting:
		if m.now().Sub(vm.UpdatedAt) > deleteGrace {
			m.mutate(vmID, func(vm *types.VirtualMachine) error {
				if vm.Status != types.VMStatusDeleting {
					return nil
				}
				m.finalizeDelete(vm, "delete finalized after grace period")
				return nil
			})
		}
	}
}

// place runs the scheduler and dispatches the create command to the best
// candidate.
func (m *Manager) place(vm *types.VirtualMachine) {
	m.mutate(vm.ID, func(vm *types.VirtualMachine) error {
		if vm.Status != types.VMStatusPending {
			return nil
		}
		vm.Status = types.VMStatusPlacing
		return nil
	})

	candidates, err := m.placer.Schedule(vm.Spec)
	if err != nil {
		m.mutate(vm.ID, func(vm *types.VirtualMachine) error {
			vm.Status = types.VMStatusError
			vm.StatusMessage = fmt.Sprintf("placement failed: %v", err)
			m.publish(events.EventVMError, vm, vm.StatusMessage)
			return nil
		})
		return
	}

	// candidates are ordered best-first; advance to the next node when
	// dispatch to the chosen one fails
	m.mutate(vm.ID, func(vm *types.VirtualMachine) error {
		for _, chosen := range candidates {
			_, err := m.bus.Enqueue(context.Background(), chosen.Node.ID, types.CommandCreateVM, &types.CreateVMPayload{
				VMID:        vm.ID,
				Name:        vm.Name,
				VCPUs:       vm.Spec.VCPUs,
				MemoryBytes: vm.Spec.MemoryBytes,
				DiskBytes:   vm.Spec.DiskBytes,
				ImageID:     vm.Spec.ImageID,
				SSHKey:      vm.Spec.SSHKey,
				VMType:      vm.Spec.VMType,
			})
			if err != nil {
				m.logger.Warn().Err(err).Str("vm_id", vm.ID).Str("node_id", chosen.Node.ID).Msg("create dispatch failed, trying next candidate")
				continue
			}
			vm.NodeID = chosen.Node.ID
			if vm.Billing == nil {
				vm.Billing = &types.BillingInfo{}
			}
			vm.Billing.HourlyRate = scheduler.HourlyRate(chosen.Node.Pricing, vm.Spec)
			vm.Status = types.VMStatusProvisioning
			vm.StatusMessage = "provisioning on " + chosen.Node.ID
			m.logger.Info().Str("vm_id", vm.ID).Str("node_id", chosen.Node.ID).Float64("score", chosen.Score).Msg("vm placed")
			return nil
		}
		vm.Status = types.VMStatusError
		vm.StatusMessage = "create dispatch failed on every candidate"
		m.publish(events.EventVMError, vm, vm.StatusMessage)
		return nil
	})
}

// withVM runs fn under the VM's per-id lock and persists the mutation.
func (m *Manager) withVM(vmID string, fn func(*types.VirtualMachine) error) error {
	m.store.Lock(vmID)
	defer m.store.Unlock(vmID)

	vm, err := m.store.GetVM(vmID)
	if err != nil {
		return err
	}
	if err := fn(vm); err != nil {
		return err
	}
	vm.UpdatedAt = time.Now()
	return m.store.SaveVM(vm)
}

// mutate is withVM with errors logged instead of returned, for async paths.
func (m *Manager) mutate(vmID string, fn func(*types.VirtualMachine) error) {
	if err := m.withVM(vmID, fn); err != nil {
		m.logger.Error().Err(err).Str("vm_id", vmID).Msg("vm mutation failed")
	}
}

// markRunning transitions the VM into Running and registers its route.
// Caller must hold the VM's lock via withVM/mutate.
func (m *Manager) markRunning(vm *types.VirtualMachine, message string) {
	wasRunning := vm.Status == types.VMStatusRunning
	vm.Status = types.VMStatusRunning
	vm.PowerState = types.PowerStateRunning
	vm.StatusMessage = message
	if vm.StartedAt.IsZero() {
		vm.StartedAt = time.Now()
	}
	m.registerRoute(vm)
	if !wasRunning {
		m.publish(events.EventVMStarted, vm, message)
	}
}

// finalizeDelete moves the VM to its terminal state. Caller holds the lock.
func (m *Manager) finalizeDelete(vm *types.VirtualMachine, message string) {
	m.deregisterRoute(vm)
	vm.Status = types.VMStatusDeleted
	vm.PowerState = types.PowerStateStopped
	vm.StatusMessage = message
	m.publish(events.EventVMDeleted, vm, message)
	m.logger.Info().Str("vm_id", vm.ID).Msg("vm deleted")
}

// registerRoute projects the VM into the proxy's routing table.
func (m *Manager) registerRoute(vm *types.VirtualMachine) {
	node, err := m.store.GetNode(vm.NodeID)
	if err != nil {
		m.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("route registration: node lookup failed")
		return
	}
	route := &types.Route{
		Subdomain:    vm.Name,
		VMID:         vm.ID,
		NodeID:       node.ID,
		NodePublicIP: node.PublicIP,
		AgentPort:    node.AgentPort,
		TargetPort:   defaultTargetPort,
		Status:       types.RouteStatusActive,
		UpdatedAt:    time.Now(),
	}
	if node.CGNATInfo != nil {
		route.TunnelIP = node.CGNATInfo.TunnelIP
	}
	if vm.Network != nil {
		route.VMPrivateIP = vm.Network.PrivateIP
	}
	if err := m.store.SaveRoute(route); err != nil {
		m.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("route registration failed")
	}
}

func (m *Manager) deregisterRoute(vm *types.VirtualMachine) {
	if err := m.store.DeleteRoute(vm.Name); err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
		m.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("route deregistration failed")
	}
}

func (m *Manager) publish(t events.EventType, vm *types.VirtualMachine, message string) {
	m.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		OwnerID:   vm.OwnerID,
		VMID:      vm.ID,
		NodeID:    vm.NodeID,
		Message:   message,
	})
}

// onCreateAck lands the agent's network assignment, or fails the VM.
func (m *Manager) onCreateAck(cmd *types.Command, ack *types.Acknowledgment) error {
	if !ack.Success {
		m.mutate(vmIDOf(cmd), func(vm *types.VirtualMachine) error {
			vm.Status = types.VMStatusError
			vm.StatusMessage = "agent rejected create: " + ack.ErrorMessage
			m.publish(events.EventVMError, vm, vm.StatusMessage)
			return nil
		})
		return nil
	}
	var result types.CreateVMResult
	if len(ack.Data) > 0 {
		if err := json.Unmarshal(ack.Data, &result); err != nil {
			return errdefs.Wrap(errdefs.KindInvalidInput, err, "decode create-vm result")
		}
	}
	m.mutate(vmIDOf(cmd), func(vm *types.VirtualMachine) error {
		if vm.Network == nil {
			vm.Network = &types.NetworkConfig{}
		}
		vm.Network.PrivateIP = result.PrivateIP
		vm.Network.MACAddress = result.MACAddress
		return nil
	})
	return nil
}

func (m *Manager) onStartAck(cmd *types.Command, ack *types.Acknowledgment) error {
	m.mutate(vmIDOf(cmd), func(vm *types.VirtualMachine) error {
		if !ack.Success {
			vm.StatusMessage = "start failed: " + ack.ErrorMessage
			return nil
		}
		m.markRunning(vm, "started")
		return nil
	})
	return nil
}

func (m *Manager) onStopAck(cmd *types.Command, ack *types.Acknowledgment) error {
	m.mutate(vmIDOf(cmd), func(vm *types.VirtualMachine) error {
		if !ack.Success {
			vm.StatusMessage = "stop failed: " + ack.ErrorMessage
			return nil
		}
		if vm.Status == types.VMStatusStopping {
			vm.Status = types.VMStatusStopped
			vm.PowerState = types.PowerStateStopped
			reason := "stopped"
			if vm.Billing != nil && vm.Billing.StoppedReason != "" {
				reason = vm.Billing.StoppedReason
			}
			m.publish(events.EventVMStopped, vm, reason)
		}
		return nil
	})
	return nil
}

func (m *Manager) onDeleteAck(cmd *types.Command, ack *types.Acknowledgment) error {
	m.mutate(vmIDOf(cmd), func(vm *types.VirtualMachine) error {
		if !ack.Success {
			vm.StatusMessage = "delete failed: " + ack.ErrorMessage
			return nil
		}
		if vm.Status == types.VMStatusDeleting {
			m.finalizeDelete(vm, "deleted")
		}
		return nil
	})
	return nil
}

// onAllocatePortAck writes the granted mapping into the VM's network config.
func (m *Manager) onAllocatePortAck(cmd *types.Command, ack *types.Acknowledgment) error {
	if !ack.Success {
		m.logger.Warn().Str("command_id", cmd.ID).Str("error", ack.ErrorMessage).Msg("port allocation rejected")
		return nil
	}
	var result types.AllocatePortResult
	if err := json.Unmarshal(ack.Data, &result); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "decode allocate-port result")
	}
	m.mutate(vmIDOf(cmd), func(vm *types.VirtualMachine) error {
		if vm.Network == nil {
			vm.Network = &types.NetworkConfig{}
		}
		vm.Network.PortMappings = append(vm.Network.PortMappings, &types.PortMapping{
			VMPort:     result.VMPort,
			PublicPort: result.PublicPort,
			Protocol:   result.Protocol,
		})
		return nil
	})
	return nil
}

// vmIDOf extracts the vmId field shared by all command payloads.
func vmIDOf(cmd *types.Command) string {
	var ref types.VMRefPayload
	if err := json.Unmarshal(cmd.Payload, &ref); err != nil {
		return ""
	}
	return ref.VMID
}

// Metrics refresh for the VM gauge, called by the node health sweep.
func (m *Manager) RefreshGauges() {
	vms, err := m.store.ListVMs()
	if err != nil {
		return
	}
	counts := make(map[types.VMStatus]int)
	for _, vm := range vms {
		counts[vm.Status]++
	}
	for _, status := range []types.VMStatus{
		types.VMStatusPending, types.VMStatusPlacing, types.VMStatusProvisioning,
		types.VMStatusRunning, types.VMStatusStopping, types.VMStatusStopped,
		types.VMStatusDeleting, types.VMStatusDeleted, types.VMStatusError,
	} {
		metrics.VMsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
