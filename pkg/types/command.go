package types

import (
	"encoding/json"
	"time"
)

// CommandType identifies the operation a node agent must perform.
type CommandType string

const (
	CommandCreateVM      CommandType = "create-vm"
	CommandStartVM       CommandType = "start-vm"
	CommandStopVM        CommandType = "stop-vm"
	CommandRestartVM     CommandType = "restart-vm"
	CommandDeleteVM      CommandType = "delete-vm"
	CommandAllocatePort  CommandType = "allocate-port"
	CommandAddWGPeer     CommandType = "add-wireguard-peer"
	CommandConfigureWG   CommandType = "configure-wireguard"
	CommandHealthCheckVM CommandType = "health-check-vm"
)

// CommandState is the delivery state tracked by the command bus.
type CommandState string

const (
	CommandQueued        CommandState = "queued"
	CommandPushAttempted CommandState = "push-attempted"
	CommandDelivered     CommandState = "delivered"
	CommandAcked         CommandState = "acked"
	CommandFailed        CommandState = "failed"
)

// Command is one instruction queued for a node agent. Payload is an opaque
// JSON document whose shape is fixed by Type; the agent deduplicates by ID.
type Command struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"nodeId"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     CommandState    `json:"state"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the command should no longer be delivered.
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Acknowledgment is the agent's structured result for one command.
type Acknowledgment struct {
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// CreateVMPayload is the payload for CommandCreateVM.
type CreateVMPayload struct {
	VMID        string `json:"vmId"`
	Name        string `json:"name"` // hostname and cloud-init identity
	VCPUs       int    `json:"vcpus"`
	MemoryBytes int64  `json:"memBytes"`
	DiskBytes   int64  `json:"diskBytes"`
	ImageID     string `json:"imageId"`
	SSHKey      string `json:"sshKey,omitempty"`
	VMType      VMType `json:"vmType"`
}

// StopVMPayload is the payload for CommandStopVM.
type StopVMPayload struct {
	VMID   string `json:"vmId"`
	Reason string `json:"reason,omitempty"`
}

// VMRefPayload is shared by start, restart, delete and health-check commands.
type VMRefPayload struct {
	VMID string `json:"vmId"`
}

// AllocatePortPayload is the payload for CommandAllocatePort.
type AllocatePortPayload struct {
	VMID     string `json:"vmId"`
	VMPort   int    `json:"vmPort"`
	Protocol string `json:"protocol"`
}

// AllocatePortResult is the ack data for CommandAllocatePort.
type AllocatePortResult struct {
	VMPort     int    `json:"vmPort"`
	PublicPort int    `json:"publicPort"`
	Protocol   string `json:"protocol"`
}

// CreateVMResult is the ack data for CommandCreateVM.
type CreateVMResult struct {
	VMID       string `json:"vmId"`
	PrivateIP  string `json:"privateIp"`
	MACAddress string `json:"macAddress"`
}

// AddWGPeerPayload instructs a relay VM's host to add a WireGuard peer for a
// CGNAT node.
type AddWGPeerPayload struct {
	RelayVMID string `json:"relayVmId"`
	PeerKey   string `json:"peerPublicKey"`
	TunnelIP  string `json:"tunnelIp"`
}

// ConfigureWGPayload instructs a CGNAT node's agent to bring up its side of
// the relay tunnel.
type ConfigureWGPayload struct {
	PrivateKey     string `json:"privateKey"`
	RelayEndpoint  string `json:"relayEndpoint"`
	RelayPublicKey string `json:"relayPublicKey"`
	TunnelIP       string `json:"tunnelIp"`
}
