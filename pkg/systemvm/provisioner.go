// Package systemvm drives the node.run-dht, node.run-relay and
// node.assign-relay obligations: every node hosts a DHT VM, eligible public
// nodes host a relay VM, and CGNAT nodes get wired to a relay. The
// provisioner is a set of obligation handlers; the reconciler supplies the
// retry and backoff machinery.
package systemvm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/relay"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

const (
	dhtImageID   = "decloud-dht"
	relayImageID = "decloud-relay"
)

// Provisioner implements the system-VM obligation handlers.
type Provisioner struct {
	store  storage.Store
	vms    *lifecycle.Manager
	relays *relay.Manager
	logger zerolog.Logger
}

func NewProvisioner(store storage.Store, vms *lifecycle.Manager, relays *relay.Manager) *Provisioner {
	return &Provisioner{
		store:  store,
		vms:    vms,
		relays: relays,
		logger: log.WithComponent("systemvm"),
	}
}

// Register wires the handlers into the reconciler.
func (p *Provisioner) Register(r *obligation.Reconciler) {
	r.RegisterHandler(types.ObligationRunDht, p.HandleRunDht)
	r.RegisterHandler(types.ObligationRunRelay, p.HandleRunRelay)
	r.RegisterHandler(types.ObligationAssignRelay, p.HandleAssignRelay)
}

// HandleRunDht keeps one DHT VM alive on the node. The obligation completes
// when the VM runs; the node's heartbeat re-satisfies it once the DHT
// service itself reports healthy.
func (p *Provisioner) HandleRunDht(ctx context.Context, o *types.Obligation) obligation.Result {
	return p.ensureSystemVM(ctx, o, types.VMTypeDht, types.SystemVMRoleDht, &types.VMSpec{
		VMType:      types.VMTypeDht,
		VCPUs:       1,
		MemoryBytes: 1 << 30,
		DiskBytes:   10 << 30,
		QualityTier: types.TierStandard,
		ImageID:     dhtImageID,
	})
}

// HandleRunRelay keeps one relay VM alive on the node. Beyond the VM
// running, the relay must report its WireGuard endpoint via heartbeat before
// the obligation completes.
func (p *Provisioner) HandleRunRelay(ctx context.Context, o *types.Obligation) obligation.Result {
	result := p.ensureSystemVM(ctx, o, types.VMTypeRelay, types.SystemVMRoleRelay, &types.VMSpec{
		VMType:      types.VMTypeRelay,
		VCPUs:       1,
		MemoryBytes: 2 << 30,
		DiskBytes:   10 << 30,
		QualityTier: types.TierStandard,
		ImageID:     relayImageID,
	})
	if result.Outcome != obligation.OutcomeCompleted {
		return result
	}

	node, err := p.store.GetNode(o.ResourceID)
	if err != nil {
		return obligation.Retry(err.Error())
	}
	if node.RelayInfo == nil || node.RelayInfo.Status != types.RelayStatusActive {
		return obligation.Retry("relay vm running, waiting for wireguard endpoint")
	}
	return obligation.Completed()
}

// HandleAssignRelay wires a CGNAT node to a relay.
func (p *Provisioner) HandleAssignRelay(ctx context.Context, o *types.Obligation) obligation.Result {
	err := p.relays.AssignRelay(ctx, o.ResourceID)
	switch {
	case err == nil:
		return obligation.Completed()
	case errdefs.Is(err, errdefs.KindInvalidInput):
		// the node is not actually behind CGNAT; the duty is moot
		return obligation.Fail(err.Error())
	default:
		// no relay capacity yet, or the relay VM is still coming up
		return obligation.Retry(err.Error())
	}
}

// ensureSystemVM creates or tracks the node's system VM of the given type.
func (p *Provisioner) ensureSystemVM(ctx context.Context, o *types.Obligation, vmType types.VMType, role types.SystemVMRole, spec *types.VMSpec) obligation.Result {
	nodeID := o.ResourceID
	if _, err := p.store.GetNode(nodeID); err != nil {
		return obligation.Fail(fmt.Sprintf("node gone: %v", err))
	}

	vm, err := p.findSystemVM(nodeID, vmType)
	if err != nil {
		return obligation.Retry(err.Error())
	}

	if vm == nil {
		name := systemVMName(role, nodeID)
		vm, err = p.vms.CreateVMOnNode(ctx, lifecycle.SystemOwner, name, nodeID, spec)
		if err != nil {
			p.recordObligation(nodeID, role, "", types.ObligationRetryScheduled, err.Error())
			return obligation.Retry(fmt.Sprintf("create %s vm: %v", vmType, err))
		}
		p.logger.Info().Str("node_id", nodeID).Str("vm_id", vm.ID).Str("role", string(role)).Msg("system vm created")
		p.recordObligation(nodeID, role, vm.ID, types.ObligationInFlight, "")
		return obligation.Retry("system vm provisioning")
	}

	switch vm.Status {
	case types.VMStatusRunning:
		p.recordObligation(nodeID, role, vm.ID, types.ObligationCompleted, "")
		return obligation.Completed()
	case types.VMStatusError:
		// leave the wreck for inspection and provision a replacement next
		// attempt
		p.recordObligation(nodeID, role, vm.ID, types.ObligationRetryScheduled, vm.StatusMessage)
		if err := p.vms.DeleteVM(ctx, vm.ID); err != nil {
			p.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed system vm teardown")
		}
		return obligation.Retry(fmt.Sprintf("system vm failed: %s", vm.StatusMessage))
	default:
		return obligation.Retry(fmt.Sprintf("system vm %s", vm.Status))
	}
}

// findSystemVM returns the node's live system VM of the given type, if any.
func (p *Provisioner) findSystemVM(nodeID string, vmType types.VMType) (*types.VirtualMachine, error) {
	vms, err := p.store.ListVMsByNode(nodeID)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.OwnerID != lifecycle.SystemOwner || vm.Spec == nil || vm.Spec.VMType != vmType {
			continue
		}
		switch vm.Status {
		case types.VMStatusDeleted, types.VMStatusDeleting:
			continue
		}
		return vm, nil
	}
	return nil, nil
}

// recordObligation mirrors progress onto the node's obligation ledger, which
// the scheduler reads for reputation.
func (p *Provisioner) recordObligation(nodeID string, role types.SystemVMRole, vmID string, state types.ObligationState, lastError string) {
	p.store.Lock(nodeID)
	defer p.store.Unlock(nodeID)

	node, err := p.store.GetNode(nodeID)
	if err != nil {
		return
	}
	var entry *types.SystemVMObligation
	for _, ob := range node.Obligations {
		if ob.Role == role {
			entry = ob
			break
		}
	}
	if entry == nil {
		entry = &types.SystemVMObligation{Role: role}
		node.Obligations = append(node.Obligations, entry)
	}
	if vmID != "" {
		entry.VMID = vmID
	}
	if lastError != "" && lastError != entry.LastError {
		entry.FailureCount++
	}
	entry.Status = state
	entry.LastError = lastError

	if err := p.store.SaveNode(node); err != nil {
		p.logger.Error().Err(err).Str("node_id", nodeID).Msg("obligation ledger update failed")
	}
}

func systemVMName(role types.SystemVMRole, nodeID string) string {
	short := strings.ReplaceAll(nodeID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s", role, short)
}
