// Package relay connects CGNAT nodes to the fleet through WireGuard tunnels
// terminated on relay VMs. Assignment is idempotent per node: pick the least
// loaded relay, carve a tunnel IP from the relay's /16, generate a key pair
// and push both sides' configuration through the command bus.
package relay

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// Bus is the command dispatch surface the relay manager needs.
type Bus interface {
	Enqueue(ctx context.Context, nodeID string, cmdType types.CommandType, payload any) (*types.Command, error)
}

// Manager assigns relays to CGNAT nodes.
type Manager struct {
	store  storage.Store
	bus    Bus
	cfg    config.Relay
	logger zerolog.Logger
}

func NewManager(store storage.Store, bus Bus, cfg config.Relay) *Manager {
	return &Manager{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: log.WithComponent("relay"),
	}
}

// AssignRelay gives the CGNAT node a relay tunnel. Calling it again for an
// already assigned node is a no-op.
func (m *Manager) AssignRelay(ctx context.Context, nodeID string) error {
	relayNodeID, err := m.assign(ctx, nodeID)
	if err != nil || relayNodeID == "" {
		return err
	}
	// the node lock is released before touching the relay node; the store
	// forbids holding two ids at once
	m.bumpRelayPeers(relayNodeID)
	return nil
}

// assign runs the per-node assignment under the node's own lock and returns
// the chosen relay node id, or "" when the node is already assigned.
func (m *Manager) assign(ctx context.Context, nodeID string) (string, error) {
	m.store.Lock(nodeID)
	defer m.store.Unlock(nodeID)

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return "", err
	}
	if node.NATType != types.NATCGNAT {
		return "", errdefs.New(errdefs.KindInvalidInput, "node %s is not behind cgnat", nodeID)
	}
	if node.CGNATInfo != nil && node.CGNATInfo.TunnelIP != "" {
		return "", nil
	}

	relayNode, err := m.selectRelay(node)
	if err != nil {
		return "", err
	}

	tunnelIP, err := m.allocateTunnelIP(relayNode)
	if err != nil {
		return "", err
	}

	relayVM, err := m.relayVM(relayNode.ID)
	if err != nil {
		return "", err
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "generate wireguard key")
	}

	// relay side first: the peer must exist before the node dials in
	_, err = m.bus.Enqueue(ctx, relayNode.ID, types.CommandAddWGPeer, &types.AddWGPeerPayload{
		RelayVMID: relayVM.ID,
		PeerKey:   key.PublicKey().String(),
		TunnelIP:  tunnelIP,
	})
	if err != nil {
		return "", err
	}
	_, err = m.bus.Enqueue(ctx, node.ID, types.CommandConfigureWG, &types.ConfigureWGPayload{
		PrivateKey:     key.String(),
		RelayEndpoint:  relayNode.RelayInfo.Endpoint,
		RelayPublicKey: relayNode.RelayInfo.PublicKey,
		TunnelIP:       tunnelIP,
	})
	if err != nil {
		return "", err
	}

	node.CGNATInfo = &types.CGNATInfo{
		AssignedRelayNodeID: relayNode.ID,
		RelayVMID:           relayVM.ID,
		TunnelIP:            tunnelIP,
	}
	node.UpdatedAt = time.Now()
	if err := m.store.SaveNode(node); err != nil {
		return "", err
	}

	m.logger.Info().
		Str("node_id", nodeID).
		Str("relay_node_id", relayNode.ID).
		Str("tunnel_ip", tunnelIP).
		Msg("relay assigned")
	return relayNode.ID, nil
}

func (m *Manager) bumpRelayPeers(relayNodeID string) {
	m.store.Lock(relayNodeID)
	defer m.store.Unlock(relayNodeID)

	fresh, err := m.store.GetNode(relayNodeID)
	if err != nil || fresh.RelayInfo == nil {
		return
	}
	fresh.RelayInfo.ActivePeers++
	if err := m.store.SaveNode(fresh); err != nil {
		m.logger.Error().Err(err).Str("relay_node_id", relayNodeID).Msg("failed to bump relay peer count")
	}
}

// selectRelay picks the active relay with the most headroom, preferring the
// node's own region on ties.
func (m *Manager) selectRelay(forNode *types.Node) (*types.Node, error) {
	nodes, err := m.store.ListNodesByStatus(types.NodeStatusOnline)
	if err != nil {
		return nil, err
	}

	var relays []*types.Node
	for _, n := range nodes {
		ri := n.RelayInfo
		if ri == nil || ri.Status != types.RelayStatusActive {
			continue
		}
		if ri.Capacity > 0 && ri.ActivePeers >= ri.Capacity {
			continue
		}
		relays = append(relays, n)
	}
	if len(relays) == 0 {
		return nil, errdefs.New(errdefs.KindResourceExhausted, "no relay with free capacity")
	}

	sort.Slice(relays, func(i, j int) bool {
		a, b := relays[i], relays[j]
		la := loadOf(a.RelayInfo)
		lb := loadOf(b.RelayInfo)
		if la != lb {
			return la < lb
		}
		sameA := a.Region == forNode.Region
		sameB := b.Region == forNode.Region
		if sameA != sameB {
			return sameA
		}
		return a.ID < b.ID
	})
	return relays[0], nil
}

func loadOf(ri *types.RelayInfo) float64 {
	if ri.Capacity <= 0 {
		return 0
	}
	return float64(ri.ActivePeers) / float64(ri.Capacity)
}

// EnsureSubnet lazily carves the relay's /16 out of the configured base, one
// second-octet step per relay.
func (m *Manager) EnsureSubnet(relayNode *types.Node) (string, error) {
	if relayNode.RelayInfo == nil {
		return "", errdefs.New(errdefs.KindInvalidInput, "node %s has no relay info", relayNode.ID)
	}
	if relayNode.RelayInfo.TunnelSubnet != "" {
		return relayNode.RelayInfo.TunnelSubnet, nil
	}

	base := net.ParseIP(m.cfg.TunnelSubnetBase).To4()
	if base == nil {
		return "", errdefs.New(errdefs.KindInternal, "invalid tunnel subnet base %q", m.cfg.TunnelSubnetBase)
	}

	used := make(map[string]bool)
	nodes, err := m.store.ListNodes()
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if n.RelayInfo != nil && n.RelayInfo.TunnelSubnet != "" {
			used[n.RelayInfo.TunnelSubnet] = true
		}
	}

	for step := 0; step < 256-int(base[1]); step++ {
		subnet := fmt.Sprintf("%d.%d.0.0/16", base[0], int(base[1])+step)
		if !used[subnet] {
			relayNode.RelayInfo.TunnelSubnet = subnet
			return subnet, m.store.SaveNode(relayNode)
		}
	}
	return "", errdefs.New(errdefs.KindResourceExhausted, "tunnel subnet space exhausted")
}

// allocateTunnelIP hands out the next free address in the relay's /16. The
// .0.1 address belongs to the relay itself.
func (m *Manager) allocateTunnelIP(relayNode *types.Node) (string, error) {
	subnet, err := m.EnsureSubnet(relayNode)
	if err != nil {
		return "", err
	}
	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "parse relay subnet %s", subnet)
	}
	base := network.IP.To4()

	used := map[string]bool{
		fmt.Sprintf("%d.%d.0.1", base[0], base[1]): true,
	}
	nodes, err := m.store.ListNodes()
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if n.CGNATInfo != nil && n.CGNATInfo.AssignedRelayNodeID == relayNode.ID {
			used[n.CGNATInfo.TunnelIP] = true
		}
	}

	for third := 0; third < 256; third++ {
		for fourth := 1; fourth < 255; fourth++ {
			ip := fmt.Sprintf("%d.%d.%d.%d", base[0], base[1], third, fourth)
			if !used[ip] {
				return ip, nil
			}
		}
	}
	return "", errdefs.New(errdefs.KindResourceExhausted, "relay %s tunnel pool exhausted", relayNode.ID)
}

// relayVM resolves the running relay VM hosted on the relay node.
func (m *Manager) relayVM(relayNodeID string) (*types.VirtualMachine, error) {
	vms, err := m.store.ListVMsByNode(relayNodeID, types.VMStatusRunning)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.Spec != nil && vm.Spec.VMType == types.VMTypeRelay {
			return vm, nil
		}
	}
	return nil, errdefs.New(errdefs.KindNotFound, "no running relay vm on node %s", relayNodeID)
}

// MarkRelayActive flips the node's relay to serving state once its relay VM
// reports healthy, recording endpoint and key.
func (m *Manager) MarkRelayActive(nodeID, endpoint, publicKey string) error {
	m.store.Lock(nodeID)
	defer m.store.Unlock(nodeID)

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if node.RelayInfo == nil {
		node.RelayInfo = &types.RelayInfo{Capacity: m.cfg.DefaultCapacity}
	}
	if node.RelayInfo.Capacity == 0 {
		node.RelayInfo.Capacity = m.cfg.DefaultCapacity
	}
	node.RelayInfo.Status = types.RelayStatusActive
	node.RelayInfo.Endpoint = endpoint
	node.RelayInfo.PublicKey = publicKey
	return m.store.SaveNode(node)
}
