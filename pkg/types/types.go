package types

import (
	"time"
)

// Node represents an operator-owned machine that hosts tenant VMs.
type Node struct {
	ID            string
	WalletAddress string // EVM address, lower-cased; never the zero address
	PublicIP      string
	AgentPort     int
	NATType       NATType
	CGNATInfo     *CGNATInfo
	RelayInfo     *RelayInfo
	Hardware      *Hardware
	Pricing       *Pricing
	Region        string
	Obligations   []*SystemVMObligation
	Status        NodeStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NATType classifies how a node can be reached from the orchestrator.
type NATType string

const (
	NATNone      NATType = "none"
	NATFullCone  NATType = "full-cone"
	NATSymmetric NATType = "symmetric"
	NATCGNAT     NATType = "cgnat"
)

// NodeStatus represents the current state of a node.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusDraining NodeStatus = "draining"
)

// CGNATInfo records the relay assignment for a node without a routable
// public address.
type CGNATInfo struct {
	AssignedRelayNodeID string
	RelayVMID           string
	TunnelIP            string
}

// RelayInfo is present on nodes whose relay VM accepts WireGuard peers.
type RelayInfo struct {
	Status       RelayStatus
	Capacity     int
	ActivePeers  int
	Endpoint     string // host:port of the relay VM's WireGuard listener
	PublicKey    string // relay VM's WireGuard public key
	TunnelSubnet string // private /16 this relay hands tunnel IPs from
}

// RelayStatus represents the state of a node's relay VM.
type RelayStatus string

const (
	RelayStatusProvisioning RelayStatus = "provisioning"
	RelayStatusActive       RelayStatus = "active"
	RelayStatusFailed       RelayStatus = "failed"
)

// Hardware tracks node capacity and the benchmark result reported at
// registration.
type Hardware struct {
	CPUCores       int
	MemoryBytes    int64
	DiskBytes      int64
	BenchmarkScore float64
	GPUClass       string // empty when the node has no GPU
}

// Pricing is the operator-set hourly price sheet, in USDC (6 decimals).
type Pricing struct {
	CPUPerHour       float64
	MemPerGBPerHour  float64
	DiskPerGBPerHour float64
}

// SystemVMRole is a duty a node owes the control plane.
type SystemVMRole string

const (
	SystemVMRoleDht   SystemVMRole = "dht"
	SystemVMRoleRelay SystemVMRole = "relay"
)

// SystemVMObligation tracks a node's system-VM duty and its progress.
type SystemVMObligation struct {
	Role         SystemVMRole
	VMID         string
	Status       ObligationState
	FailureCount int
	LastError    string
}

// VirtualMachine represents a tenant or system VM.
type VirtualMachine struct {
	ID            string
	OwnerID       string // "system" for DHT/relay VMs
	NodeID        string
	Name          string // canonical DNS-safe name; also the hostname and subdomain
	Spec          *VMSpec
	Status        VMStatus
	StatusMessage string
	PowerState    PowerState
	Network       *NetworkConfig
	Billing       *BillingInfo
	StartedAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VMType distinguishes tenant workloads from system VMs.
type VMType string

const (
	VMTypeGeneral VMType = "general"
	VMTypeDht     VMType = "dht"
	VMTypeRelay   VMType = "relay"
)

// QualityTier is the coarse QoS class governing overcommit and node
// eligibility.
type QualityTier string

const (
	TierGuaranteed QualityTier = "guaranteed"
	TierStandard   QualityTier = "standard"
	TierBalanced   QualityTier = "balanced"
	TierBurstable  QualityTier = "burstable"
)

// VMSpec describes the requested shape of a VM.
type VMSpec struct {
	VMType      VMType
	VCPUs       int
	MemoryBytes int64
	DiskBytes   int64
	QualityTier QualityTier
	ImageID     string
	GPUClass    string  // required GPU class, empty for none
	MaxHourly   float64 // user price ceiling, 0 = no limit
	SSHKey      string
	Region      string
}

// VMStatus is the lifecycle state driven by the lifecycle manager.
type VMStatus string

const (
	VMStatusPending      VMStatus = "pending"
	VMStatusPlacing      VMStatus = "placing"
	VMStatusProvisioning VMStatus = "provisioning"
	VMStatusRunning      VMStatus = "running"
	VMStatusStopped      VMStatus = "stopped"
	VMStatusStopping     VMStatus = "stopping"
	VMStatusDeleting     VMStatus = "deleting"
	VMStatusDeleted      VMStatus = "deleted"
	VMStatusError        VMStatus = "error"
)

// PowerState is what the node agent last reported for the guest.
type PowerState string

const (
	PowerStateUnknown PowerState = "unknown"
	PowerStateRunning PowerState = "running"
	PowerStateStopped PowerState = "stopped"
)

// NetworkConfig holds the VM's addressing as rendered by the node agent.
type NetworkConfig struct {
	PrivateIP    string
	MACAddress   string
	PortMappings []*PortMapping
}

// PortMapping records a public port forwarded by the node agent to the VM.
type PortMapping struct {
	VMPort     int
	PublicPort int
	Protocol   string // "tcp" or "udp"
}

// BillingInfo is the per-VM billing ledger maintained by the billing ticker.
type BillingInfo struct {
	HourlyRate               float64 // USDC per hour
	TotalBilled              float64
	LastBillingAt            time.Time
	VerifiedRuntimeMinutes   float64
	UnverifiedRuntimeMinutes float64
	InsufficientFundsCycles  int
	StoppedReason            string
}

// ObligationType identifies the handler that drives an obligation.
type ObligationType string

const (
	ObligationRunDht      ObligationType = "node.run-dht"
	ObligationRunRelay    ObligationType = "node.run-relay"
	ObligationAssignRelay ObligationType = "node.assign-relay"
)

// ObligationState is the reconciler-facing state of an obligation.
type ObligationState string

const (
	ObligationPending        ObligationState = "pending"
	ObligationInFlight       ObligationState = "in-flight"
	ObligationCompleted      ObligationState = "completed"
	ObligationFailed         ObligationState = "failed"
	ObligationRetryScheduled ObligationState = "retry-scheduled"
)

// Obligation is a durable duty driven to completion with retry semantics.
// At most one obligation per (Type, ResourceID) may be in flight.
type Obligation struct {
	ID            string
	Type          ObligationType
	ResourceID    string // node id (or VM id for future obligation kinds)
	State         ObligationState
	NextAttemptAt time.Time
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UsageRecord is one billed interval for one VM. Once settled on chain the
// record is immutable.
type UsageRecord struct {
	ID                  string
	VMID                string
	UserID              string
	NodeID              string
	PeriodStart         time.Time
	PeriodEnd           time.Time
	TotalCost           float64 // USDC
	NodeShare           float64
	PlatformFee         float64
	AttestationVerified bool
	SettledOnChain      bool
	SettlementTxHash    string
	CreatedAt           time.Time
}

// PendingDeposit tracks an on-chain deposit still below the confirmation
// threshold. Keyed by transaction hash; deleted once the escrow contract's
// confirmed balance becomes the source of truth.
type PendingDeposit struct {
	TxHash        string
	WalletAddress string // lower-cased
	Amount        float64
	BlockNumber   uint64
	Confirmations uint64
	ChainID       uint64
	FirstSeenAt   time.Time
}

// RouteStatus gates whether the proxy will forward to a route.
type RouteStatus string

const (
	RouteStatusActive   RouteStatus = "active"
	RouteStatusInactive RouteStatus = "inactive"
)

// Route is the proxy-facing projection for one running VM, maintained by the
// lifecycle manager.
type Route struct {
	Subdomain    string // equals the VM's canonical name
	VMID         string
	NodeID       string
	NodePublicIP string
	TunnelIP     string // set when the host node is behind CGNAT
	AgentPort    int
	VMPrivateIP  string
	TargetPort   int
	Status       RouteStatus
	UpdatedAt    time.Time
}

// NodeHost returns the address the proxy should dial for this route: the
// relay tunnel IP when the host node is CGNAT, the public IP otherwise.
func (r *Route) NodeHost() string {
	if r.TunnelIP != "" {
		return r.TunnelIP
	}
	return r.NodePublicIP
}

// CreditGrantType distinguishes how a grant was issued.
type CreditGrantType string

const (
	CreditPromo    CreditGrantType = "promo"
	CreditReferral CreditGrantType = "referral"
	CreditManual   CreditGrantType = "manual"
)

// CreditGrant is off-chain spendable credit, consumed FIFO by expiry before
// escrow balance.
type CreditGrant struct {
	ID              string
	UserID          string
	Type            CreditGrantType
	Code            string // promo code that produced the grant, if any
	OriginalAmount  float64
	RemainingAmount float64
	ExpiresAt       time.Time // zero = never expires
	CreatedAt       time.Time
}

// Expired reports whether the grant can no longer be consumed at t.
func (g *CreditGrant) Expired(t time.Time) bool {
	return !g.ExpiresAt.IsZero() && !t.Before(g.ExpiresAt)
}

// AttestationSample is one signed liveness proof from a node heartbeat.
type AttestationSample struct {
	VMID      string
	Valid     bool
	Nonce     string
	Signature string
	Timestamp time.Time
}

// PerformanceMultiplier computes a node's scheduling performance factor from
// its benchmark relative to the baseline, capped at max.
func PerformanceMultiplier(benchmark, baseline, max float64) float64 {
	if baseline <= 0 {
		return 1
	}
	m := benchmark / baseline
	if m > max {
		return max
	}
	return m
}
