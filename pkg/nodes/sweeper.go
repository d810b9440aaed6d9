// Package nodes tracks fleet health. The sweeper demotes nodes whose
// heartbeats stop arriving and flips their routes off so the proxy fails
// fast instead of timing out against a dead host.
package nodes

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// Sweeper periodically expires nodes that missed their heartbeat deadline.
type Sweeper struct {
	store    storage.Store
	broker   *events.Broker
	deadline time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSweeper(store storage.Store, broker *events.Broker, deadline, interval time.Duration) *Sweeper {
	if deadline <= 0 {
		deadline = 90 * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{
		store:    store,
		broker:   broker,
		deadline: deadline,
		interval: interval,
		now:      time.Now,
		logger:   log.WithComponent("nodes"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-s.stopCh:
			return
		}
	}
}

// Tick expires overdue nodes and refreshes the fleet gauges.
func (s *Sweeper) Tick() {
	online, err := s.store.ListNodesByStatus(types.NodeStatusOnline)
	if err != nil {
		s.logger.Error().Err(err).Msg("list online nodes failed")
		return
	}

	now := s.now()
	for _, node := range online {
		if now.Sub(node.LastHeartbeat) <= s.deadline {
			continue
		}
		s.expire(node.ID)
	}

	s.refreshGauges()
}

func (s *Sweeper) expire(nodeID string) {
	s.store.Lock(nodeID)
	defer s.store.Unlock(nodeID)

	node, err := s.store.GetNode(nodeID)
	if err != nil || node.Status != types.NodeStatusOnline {
		return
	}
	node.Status = types.NodeStatusOffline
	if err := s.store.SaveNode(node); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("mark node offline failed")
		return
	}

	s.setRoutes(nodeID, types.RouteStatusInactive)
	s.logger.Warn().
		Str("node_id", nodeID).
		Time("last_heartbeat", node.LastHeartbeat).
		Msg("node missed heartbeat deadline, marked offline")
	s.broker.Publish(&events.Event{
		Type:    events.EventNodeOffline,
		NodeID:  nodeID,
		Message: "heartbeat deadline missed",
	})
}

// Revive promotes a node back to Online on a fresh heartbeat and restores
// its routes. Returns true when the node actually changed state.
func (s *Sweeper) Revive(node *types.Node) bool {
	if node.Status != types.NodeStatusOffline {
		return false
	}
	node.Status = types.NodeStatusOnline
	s.setRoutes(node.ID, types.RouteStatusActive)
	s.broker.Publish(&events.Event{
		Type:    events.EventNodeOnline,
		NodeID:  node.ID,
		Message: "heartbeat resumed",
	})
	return true
}

// setRoutes flips every route on the node's running VMs.
func (s *Sweeper) setRoutes(nodeID string, status types.RouteStatus) {
	vms, err := s.store.ListVMsByNode(nodeID, types.VMStatusRunning)
	if err != nil {
		return
	}
	for _, vm := range vms {
		route, err := s.store.GetRouteByVM(vm.ID)
		if err != nil || route.Status == status {
			continue
		}
		route.Status = status
		if err := s.store.SaveRoute(route); err != nil {
			s.logger.Error().Err(err).Str("subdomain", route.Subdomain).Msg("route status update failed")
		}
	}
}

func (s *Sweeper) refreshGauges() {
	all, err := s.store.ListNodes()
	if err != nil {
		return
	}
	counts := map[types.NodeStatus]float64{
		types.NodeStatusOnline:   0,
		types.NodeStatusOffline:  0,
		types.NodeStatusDraining: 0,
	}
	for _, node := range all {
		counts[node.Status]++
	}
	for status, n := range counts {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(n)
	}
}
