package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

func newSweeper(t *testing.T) (*Sweeper, storage.Store) {
	t.Helper()
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSweeper(store, events.NewBroker(), 90*time.Second, 15*time.Second), store
}

func seedOnlineNode(t *testing.T, store storage.Store, id string, lastBeat time.Time) {
	t.Helper()
	require.NoError(t, store.SaveNode(&types.Node{
		ID: id, Status: types.NodeStatusOnline, LastHeartbeat: lastBeat,
	}))
}

func TestFreshNodeStaysOnline(t *testing.T) {
	s, store := newSweeper(t)
	seedOnlineNode(t, store, "n1", time.Now().Add(-30*time.Second))

	s.Tick()

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
}

func TestOverdueNodeExpires(t *testing.T) {
	s, store := newSweeper(t)
	seedOnlineNode(t, store, "n1", time.Now().Add(-5*time.Minute))

	s.Tick()

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, node.Status)
}

func TestExpiryDeactivatesRoutes(t *testing.T) {
	s, store := newSweeper(t)
	seedOnlineNode(t, store, "n1", time.Now().Add(-5*time.Minute))
	require.NoError(t, store.SaveVM(&types.VirtualMachine{
		ID: "v1", NodeID: "n1", OwnerID: "u1", Status: types.VMStatusRunning,
	}))
	require.NoError(t, store.SaveRoute(&types.Route{
		Subdomain: "web-a1b2", VMID: "v1", NodeID: "n1", Status: types.RouteStatusActive,
	}))

	s.Tick()

	route, err := store.GetRoute("web-a1b2")
	require.NoError(t, err)
	assert.Equal(t, types.RouteStatusInactive, route.Status)
}

func TestReviveRestoresRoutes(t *testing.T) {
	s, store := newSweeper(t)
	require.NoError(t, store.SaveVM(&types.VirtualMachine{
		ID: "v1", NodeID: "n1", OwnerID: "u1", Status: types.VMStatusRunning,
	}))
	require.NoError(t, store.SaveRoute(&types.Route{
		Subdomain: "web-a1b2", VMID: "v1", NodeID: "n1", Status: types.RouteStatusInactive,
	}))

	node := &types.Node{ID: "n1", Status: types.NodeStatusOffline}
	assert.True(t, s.Revive(node))
	assert.Equal(t, types.NodeStatusOnline, node.Status)

	route, err := store.GetRoute("web-a1b2")
	require.NoError(t, err)
	assert.Equal(t, types.RouteStatusActive, route.Status)

	// already online: no-op
	assert.False(t, s.Revive(node))
}

func TestOfflineEventPublished(t *testing.T) {
	store, err := storage.NewCachedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	s := NewSweeper(store, broker, 90*time.Second, 15*time.Second)
	seedOnlineNode(t, store, "n1", time.Now().Add(-5*time.Minute))

	s.Tick()

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventNodeOffline, ev.Type)
		assert.Equal(t, "n1", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected node.offline event")
	}
}
