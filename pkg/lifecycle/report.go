package lifecycle

import (
	"time"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/types"
)

// VMReport is one VM's state as carried by a node heartbeat.
type VMReport struct {
	VMID       string           `json:"vmId"`
	PowerState types.PowerState `json:"powerState"`
	PrivateIP  string           `json:"privateIp,omitempty"`
}

// HandleVMReports folds a node heartbeat's per-VM state into the aggregate.
// This is where Provisioning VMs come alive and where a VM wrongly pushed
// into Deleting gets rescued.
func (m *Manager) HandleVMReports(nodeID string, reports []VMReport) {
	for _, report := range reports {
		m.applyReport(nodeID, report)
	}
}

func (m *Manager) applyReport(nodeID string, report VMReport) {
	err := m.withVM(report.VMID, func(vm *types.VirtualMachine) error {
		if vm.NodeID != nodeID {
			// a node reporting someone else's VM is noise
			return nil
		}

		vm.PowerState = report.PowerState
		if report.PrivateIP != "" {
			if vm.Network == nil {
				vm.Network = &types.NetworkConfig{}
			}
			vm.Network.PrivateIP = report.PrivateIP
		}

		switch {
		case vm.Status == types.VMStatusProvisioning && report.PowerState == types.PowerStateRunning:
			m.markRunning(vm, "running")

		case vm.Status == types.VMStatusDeleting && report.PowerState == types.PowerStateRunning:
			// the delete was a false positive: the guest is alive and the
			// node just proved it. Restore it and clear out any duplicates
			// that were spawned to replace it.
			m.markRunning(vm, "Recovered from false-positive Deleting")
			m.logger.Warn().Str("vm_id", vm.ID).Str("node_id", nodeID).Msg("vm recovered from false-positive deleting")
			go m.reapGhosts(vm)

		case vm.Status == types.VMStatusRunning && report.PowerState == types.PowerStateStopped:
			vm.Status = types.VMStatusStopped
			vm.StatusMessage = "agent reports guest powered off"
			m.deregisterRoute(vm)
			m.publish(events.EventVMStopped, vm, vm.StatusMessage)
		}
		return nil
	})
	if err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
		m.logger.Error().Err(err).Str("vm_id", report.VMID).Msg("vm report failed to apply")
	}
}

// reapGhosts force-deletes duplicate VMs of the same type on the same node
// that were created while the survivor was wrongly considered dead.
func (m *Manager) reapGhosts(survivor *types.VirtualMachine) {
	ghosts, err := m.store.ListVMsByNode(survivor.NodeID)
	if err != nil {
		return
	}
	for _, ghost := range ghosts {
		if ghost.ID == survivor.ID || ghost.Spec == nil || survivor.Spec == nil {
			continue
		}
		if ghost.Spec.VMType != survivor.Spec.VMType {
			continue
		}
		switch ghost.Status {
		case types.VMStatusDeleted, types.VMStatusRunning:
			continue
		}
		m.mutate(ghost.ID, func(vm *types.VirtualMachine) error {
			m.finalizeDelete(vm, "ghost duplicate removed after false-positive recovery")
			return nil
		})
		m.logger.Warn().
			Str("ghost_vm_id", ghost.ID).
			Str("survivor_vm_id", survivor.ID).
			Msg("ghost vm reaped")
	}
}

// MarkProvisioningTimeout fails VMs stuck in Provisioning beyond the
// deadline; the periodic reconcile loop calls it indirectly via Enqueue.
func (m *Manager) MarkProvisioningTimeout(vmID string, deadline time.Duration) {
	m.mutate(vmID, func(vm *types.VirtualMachine) error {
		if vm.Status != types.VMStatusProvisioning {
			return nil
		}
		if m.now().Sub(vm.UpdatedAt) <= deadline {
			return nil
		}
		vm.Status = types.VMStatusError
		vm.StatusMessage = "provisioning timed out"
		m.publish(events.EventVMError, vm, vm.StatusMessage)
		return nil
	})
}
