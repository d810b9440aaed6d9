// Package commandbus queues commands per node and delivers them over two
// paths: a direct push to the agent's receive endpoint and a pull drain the
// agent polls. Both paths may deliver the same command; agents deduplicate by
// command id. Acknowledgments route back to a handler registered per command
// type.
package commandbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// DefaultTTL bounds how long an undelivered command stays eligible.
const DefaultTTL = 10 * time.Minute

// pushTimeout caps one push attempt to an agent.
const pushTimeout = 5 * time.Second

// ResultHandler consumes the typed ack data for one command type. It runs on
// the acknowledge request path, so it must be quick.
type ResultHandler func(cmd *types.Command, ack *types.Acknowledgment) error

// Bus is the per-node command fabric.
type Bus struct {
	store  storage.Store
	client *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	queues   map[string][]*types.Command // nodeID -> FIFO
	handlers map[types.CommandType]ResultHandler
}

func NewBus(store storage.Store) *Bus {
	return &Bus{
		store:    store,
		client:   &http.Client{Timeout: pushTimeout},
		logger:   log.WithComponent("commandbus"),
		queues:   make(map[string][]*types.Command),
		handlers: make(map[types.CommandType]ResultHandler),
	}
}

// RegisterHandler installs the ack handler for a command type. Last
// registration wins.
func (b *Bus) RegisterHandler(t types.CommandType, h ResultHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = h
}

// Enqueue queues a command for the node and attempts an immediate push. The
// returned command carries the assigned id.
func (b *Bus) Enqueue(ctx context.Context, nodeID string, cmdType types.CommandType, payload any) (*types.Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "marshal %s payload", cmdType)
	}

	cmd := &types.Command{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Type:      cmdType,
		Payload:   raw,
		State:     types.CommandQueued,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(DefaultTTL),
	}

	b.mu.Lock()
	b.queues[nodeID] = append(b.queues[nodeID], cmd)
	b.mu.Unlock()
	metrics.CommandsQueuedTotal.WithLabelValues(string(cmdType)).Inc()

	b.logger.Debug().
		Str("command_id", cmd.ID).
		Str("node_id", nodeID).
		Str("type", string(cmdType)).
		Msg("command queued")

	go b.tryPush(context.WithoutCancel(ctx), cmd)
	return cmd, nil
}

// tryPush POSTs the command to the agent's receive endpoint. Failure is not
// terminal; the pull path picks the command up later.
func (b *Bus) tryPush(ctx context.Context, cmd *types.Command) {
	node, err := b.store.GetNode(cmd.NodeID)
	if err != nil {
		return
	}
	host := agentHost(node)
	if host == "" || node.AgentPort == 0 {
		return
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return
	}

	url := fmt.Sprintf("http://%s:%d/commands/receive", host, node.AgentPort)
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	b.transition(cmd.ID, cmd.NodeID, types.CommandPushAttempted)

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug().Err(err).Str("command_id", cmd.ID).Msg("push failed, leaving for pull")
		return
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		b.transition(cmd.ID, cmd.NodeID, types.CommandDelivered)
		metrics.CommandsDeliveredTotal.WithLabelValues("push").Inc()
		b.logger.Debug().Str("command_id", cmd.ID).Msg("command pushed")
	}
}

// Drain returns the node's commands still awaiting delivery, FIFO, marking
// them Delivered. Commands already delivered by push are included until
// acked; the agent deduplicates.
func (b *Bus) Drain(nodeID string) []*types.Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var out []*types.Command
	kept := b.queues[nodeID][:0]
	for _, cmd := range b.queues[nodeID] {
		if cmd.Expired(now) {
			cmd.State = types.CommandFailed
			cmd.Error = "expired before delivery"
			b.logger.Warn().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Msg("command expired")
			continue
		}
		kept = append(kept, cmd)
		cmd.State = types.CommandDelivered
		out = append(out, cmd)
		metrics.CommandsDeliveredTotal.WithLabelValues("pull").Inc()
	}
	b.queues[nodeID] = kept
	return out
}

// Acknowledge resolves a delivered command with the agent's result, invoking
// the type's result handler before marking the command Acked.
func (b *Bus) Acknowledge(nodeID, commandID string, ack *types.Acknowledgment) error {
	b.mu.Lock()
	var cmd *types.Command
	for _, c := range b.queues[nodeID] {
		if c.ID == commandID {
			cmd = c
			break
		}
	}
	handler := (ResultHandler)(nil)
	if cmd != nil {
		handler = b.handlers[cmd.Type]
	}
	b.mu.Unlock()

	if cmd == nil {
		return errdefs.New(errdefs.KindNotFound, "command not found")
	}

	if handler != nil {
		if err := handler(cmd, ack); err != nil {
			b.logger.Error().Err(err).
				Str("command_id", commandID).
				Str("type", string(cmd.Type)).
				Msg("ack handler failed")
		}
	}

	b.mu.Lock()
	if ack.Success {
		cmd.State = types.CommandAcked
	} else {
		cmd.State = types.CommandFailed
		cmd.Error = ack.ErrorMessage
	}
	b.remove(nodeID, commandID)
	b.mu.Unlock()

	outcome := "success"
	if !ack.Success {
		outcome = "failure"
	}
	metrics.CommandsAckedTotal.WithLabelValues(string(cmd.Type), outcome).Inc()

	b.logger.Info().
		Str("command_id", commandID).
		Str("node_id", nodeID).
		Str("type", string(cmd.Type)).
		Bool("success", ack.Success).
		Msg("command acknowledged")
	return nil
}

// Pending reports how many commands are queued for the node.
func (b *Bus) Pending(nodeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[nodeID])
}

// remove drops the command from the node's queue. Caller holds b.mu.
func (b *Bus) remove(nodeID, commandID string) {
	q := b.queues[nodeID]
	for i, c := range q {
		if c.ID == commandID {
			b.queues[nodeID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// transition updates the command state if it has not advanced past the given
// state already.
func (b *Bus) transition(commandID, nodeID string, state types.CommandState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.queues[nodeID] {
		if c.ID != commandID {
			continue
		}
		if c.State == types.CommandAcked || c.State == types.CommandFailed {
			return
		}
		if c.State == types.CommandDelivered && state == types.CommandPushAttempted {
			return
		}
		c.State = state
		return
	}
}

// agentHost picks the address the bus dials: the relay tunnel IP for CGNAT
// nodes, the public IP otherwise.
func agentHost(node *types.Node) string {
	if node.CGNATInfo != nil && node.CGNATInfo.TunnelIP != "" {
		return node.CGNATInfo.TunnelIP
	}
	return node.PublicIP
}
