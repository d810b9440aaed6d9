package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/orchestrator/pkg/commandbus"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, storage.Store, *commandbus.Bus) {
	t.Helper()
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := commandbus.NewBus(store)
	m := NewManager(store, bus, config.Default().Relay)
	return m, store, bus
}

func seedRelay(t *testing.T, store storage.Store, id, region string, activePeers int) *types.Node {
	t.Helper()
	node := &types.Node{
		ID:       id,
		Region:   region,
		Status:   types.NodeStatusOnline,
		PublicIP: "198.51.100.10",
		RelayInfo: &types.RelayInfo{
			Status:      types.RelayStatusActive,
			Capacity:    64,
			ActivePeers: activePeers,
			Endpoint:    "198.51.100.10:51820",
			PublicKey:   "relay-pub-key",
		},
	}
	require.NoError(t, store.SaveNode(node))
	require.NoError(t, store.SaveVM(&types.VirtualMachine{
		ID: "relay-vm-" + id, OwnerID: "system", NodeID: id, Name: "relay-" + id,
		Status: types.VMStatusRunning,
		Spec:   &types.VMSpec{VMType: types.VMTypeRelay, VCPUs: 1, MemoryBytes: 1, DiskBytes: 1},
	}))
	return node
}

func seedCGNATNode(t *testing.T, store storage.Store, id, region string) *types.Node {
	t.Helper()
	node := &types.Node{ID: id, Region: region, NATType: types.NATCGNAT, Status: types.NodeStatusOnline}
	require.NoError(t, store.SaveNode(node))
	return node
}

func TestAssignRelayEndToEnd(t *testing.T) {
	m, store, bus := newTestManager(t)
	seedRelay(t, store, "r1", "eu-west", 0)
	seedCGNATNode(t, store, "n1", "eu-west")

	require.NoError(t, m.AssignRelay(context.Background(), "n1"))

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	require.NotNil(t, node.CGNATInfo)
	assert.Equal(t, "r1", node.CGNATInfo.AssignedRelayNodeID)
	assert.Equal(t, "relay-vm-r1", node.CGNATInfo.RelayVMID)
	assert.Equal(t, "10.20.0.2", node.CGNATInfo.TunnelIP, ".0.1 is reserved for the relay")

	relayNode, err := store.GetNode("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, relayNode.RelayInfo.ActivePeers)
	assert.Equal(t, "10.20.0.0/16", relayNode.RelayInfo.TunnelSubnet)

	// relay host gets the peer, CGNAT node gets its tunnel config
	relayCmds := bus.Drain("r1")
	require.Len(t, relayCmds, 1)
	assert.Equal(t, types.CommandAddWGPeer, relayCmds[0].Type)
	var peer types.AddWGPeerPayload
	require.NoError(t, json.Unmarshal(relayCmds[0].Payload, &peer))
	assert.Equal(t, "relay-vm-r1", peer.RelayVMID)
	assert.Equal(t, "10.20.0.2", peer.TunnelIP)
	assert.NotEmpty(t, peer.PeerKey)

	nodeCmds := bus.Drain("n1")
	require.Len(t, nodeCmds, 1)
	assert.Equal(t, types.CommandConfigureWG, nodeCmds[0].Type)
	var cfg types.ConfigureWGPayload
	require.NoError(t, json.Unmarshal(nodeCmds[0].Payload, &cfg))
	assert.Equal(t, "198.51.100.10:51820", cfg.RelayEndpoint)
	assert.Equal(t, "relay-pub-key", cfg.RelayPublicKey)
	assert.Equal(t, "10.20.0.2", cfg.TunnelIP)
	assert.NotEmpty(t, cfg.PrivateKey)
	assert.NotEqual(t, peer.PeerKey, cfg.PrivateKey)
}

func TestAssignRelayIdempotent(t *testing.T) {
	m, store, bus := newTestManager(t)
	seedRelay(t, store, "r1", "eu-west", 0)
	seedCGNATNode(t, store, "n1", "eu-west")

	require.NoError(t, m.AssignRelay(context.Background(), "n1"))
	bus.Drain("r1")
	bus.Drain("n1")

	require.NoError(t, m.AssignRelay(context.Background(), "n1"))
	assert.Empty(t, bus.Drain("r1"), "second call must not dispatch again")

	relayNode, err := store.GetNode("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, relayNode.RelayInfo.ActivePeers)
}

func TestAssignRelayReleasesNodeLockBeforeRelayLock(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedRelay(t, store, "r1", "eu-west", 0)
	seedCGNATNode(t, store, "n1", "eu-west")

	// park the relay node's lock so the peer-count bump has to wait
	store.Lock("r1")

	done := make(chan error, 1)
	go func() { done <- m.AssignRelay(context.Background(), "n1") }()

	// the assignment itself completes under the node's own lock
	assert.Eventually(t, func() bool {
		node, err := store.GetNode("n1")
		return err == nil && node.CGNATInfo != nil && node.CGNATInfo.TunnelIP != ""
	}, 2*time.Second, 10*time.Millisecond)

	// n1's lock must be free while the bump waits on r1
	store.Lock("n1")
	store.Unlock("n1")

	store.Unlock("r1")
	require.NoError(t, <-done)

	relayNode, err := store.GetNode("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, relayNode.RelayInfo.ActivePeers)
}

func TestAssignRelayPrefersLeastLoaded(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedRelay(t, store, "r1", "eu-west", 30)
	seedRelay(t, store, "r2", "eu-west", 3)
	seedCGNATNode(t, store, "n1", "eu-west")

	require.NoError(t, m.AssignRelay(context.Background(), "n1"))
	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "r2", node.CGNATInfo.AssignedRelayNodeID)
}

func TestAssignRelayRegionTieBreak(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedRelay(t, store, "r1", "us-east", 5)
	seedRelay(t, store, "r2", "eu-west", 5)
	seedCGNATNode(t, store, "n1", "eu-west")

	require.NoError(t, m.AssignRelay(context.Background(), "n1"))
	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "r2", node.CGNATInfo.AssignedRelayNodeID)
}

func TestAssignRelayRejectsFullRelays(t *testing.T) {
	m, store, _ := newTestManager(t)
	relay := seedRelay(t, store, "r1", "eu-west", 64) // at capacity
	_ = relay
	seedCGNATNode(t, store, "n1", "eu-west")

	err := m.AssignRelay(context.Background(), "n1")
	assert.True(t, errdefs.Is(err, errdefs.KindResourceExhausted))
}

func TestAssignRelayRequiresCGNAT(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.SaveNode(&types.Node{ID: "n1", NATType: types.NATNone, Status: types.NodeStatusOnline}))

	err := m.AssignRelay(context.Background(), "n1")
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidInput))
}

func TestTunnelIPsDoNotCollide(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedRelay(t, store, "r1", "eu-west", 0)

	ips := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		seedCGNATNode(t, store, "n-"+id, "eu-west")
		require.NoError(t, m.AssignRelay(context.Background(), "n-"+id))
		node, err := store.GetNode("n-" + id)
		require.NoError(t, err)
		require.False(t, ips[node.CGNATInfo.TunnelIP], "duplicate tunnel ip %s", node.CGNATInfo.TunnelIP)
		ips[node.CGNATInfo.TunnelIP] = true
	}
}

func TestSubnetsArePerRelay(t *testing.T) {
	m, store, _ := newTestManager(t)
	r1 := seedRelay(t, store, "r1", "eu-west", 0)
	r2 := seedRelay(t, store, "r2", "eu-west", 0)

	s1, err := m.EnsureSubnet(r1)
	require.NoError(t, err)
	s2, err := m.EnsureSubnet(r2)
	require.NoError(t, err)
	assert.Equal(t, "10.20.0.0/16", s1)
	assert.Equal(t, "10.21.0.0/16", s2)
}

func TestMarkRelayActive(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.SaveNode(&types.Node{ID: "r1", Status: types.NodeStatusOnline}))

	require.NoError(t, m.MarkRelayActive("r1", "198.51.100.10:51820", "pubkey"))
	node, err := store.GetNode("r1")
	require.NoError(t, err)
	require.NotNil(t, node.RelayInfo)
	assert.Equal(t, types.RelayStatusActive, node.RelayInfo.Status)
	assert.Equal(t, 64, node.RelayInfo.Capacity)
	assert.Equal(t, "pubkey", node.RelayInfo.PublicKey)
}
