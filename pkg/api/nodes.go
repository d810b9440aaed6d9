package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/types"
)

type hardwareRequest struct {
	CPUCores       int     `json:"cpuCores"`
	MemoryBytes    int64   `json:"memoryBytes"`
	DiskBytes      int64   `json:"diskBytes"`
	BenchmarkScore float64 `json:"benchmarkScore"`
	GPUClass       string  `json:"gpuClass,omitempty"`
}

type pricingRequest struct {
	CPUPerHour       float64 `json:"cpuPerHour"`
	MemPerGBPerHour  float64 `json:"memPerGbPerHour"`
	DiskPerGBPerHour float64 `json:"diskPerGbPerHour"`
}

type registerNodeRequest struct {
	MachineID     string           `json:"machineId"`
	WalletAddress string           `json:"walletAddress"`
	PublicIP      string           `json:"publicIp,omitempty"`
	AgentPort     int              `json:"agentPort"`
	NATType       string           `json:"natType"`
	Region        string           `json:"region,omitempty"`
	Hardware      *hardwareRequest `json:"hardware"`
	Pricing       *pricingRequest  `json:"pricing"`
}

// handleRegisterNode admits (or re-admits) a node. The node id is derived
// from the machine id and wallet, so a reinstalled agent lands on the same
// identity and keeps its VMs and obligations.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MachineID == "" {
		writeError(w, errdefs.New(errdefs.KindInvalidInput, "machineId required"))
		return
	}
	if req.WalletAddress == "" || types.IsZeroAddress(req.WalletAddress) {
		writeError(w, errdefs.New(errdefs.KindInvalidInput, "valid walletAddress required"))
		return
	}
	if req.Hardware == nil || req.Hardware.CPUCores <= 0 {
		writeError(w, errdefs.New(errdefs.KindInvalidInput, "hardware inventory required"))
		return
	}

	nodeID := types.DeriveNodeID(req.MachineID, req.WalletAddress)

	s.Store.Lock(nodeID)
	node, err := s.Store.GetNode(nodeID)
	if err != nil {
		node = &types.Node{ID: nodeID, CreatedAt: time.Now()}
	}
	node.WalletAddress = strings.ToLower(req.WalletAddress)
	node.PublicIP = req.PublicIP
	node.AgentPort = req.AgentPort
	node.NATType = types.NATType(req.NATType)
	node.Region = req.Region
	node.Hardware = &types.Hardware{
		CPUCores:       req.Hardware.CPUCores,
		MemoryBytes:    req.Hardware.MemoryBytes,
		DiskBytes:      req.Hardware.DiskBytes,
		BenchmarkScore: req.Hardware.BenchmarkScore,
		GPUClass:       req.Hardware.GPUClass,
	}
	if req.Pricing != nil {
		node.Pricing = &types.Pricing{
			CPUPerHour:       req.Pricing.CPUPerHour,
			MemPerGBPerHour:  req.Pricing.MemPerGBPerHour,
			DiskPerGBPerHour: req.Pricing.DiskPerGBPerHour,
		}
	}
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = time.Now()
	saveErr := s.Store.SaveNode(node)
	s.Store.Unlock(nodeID)
	if saveErr != nil {
		writeError(w, saveErr)
		return
	}

	if err := s.Obligations.BootstrapNode(node); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("bootstrap obligations failed")
	}

	token, err := s.Tokens.Issue(nodeID, auth.RoleNode)
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().
		Str("node_id", nodeID).
		Str("wallet", node.WalletAddress).
		Str("nat_type", string(node.NATType)).
		Msg("node registered")
	writeJSON(w, http.StatusCreated, map[string]string{
		"nodeId": nodeID,
		"token":  token,
	})
}

type attestationReport struct {
	VMID      string    `json:"vmId"`
	Valid     bool      `json:"valid"`
	Nonce     string    `json:"nonce,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type relayReport struct {
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"publicKey"`
}

type heartbeatRequest struct {
	Status       string               `json:"status,omitempty"` // optional "draining"
	VMReports    []lifecycle.VMReport `json:"vmReports,omitempty"`
	Attestations []attestationReport  `json:"attestations,omitempty"`
	DHTHealthy   bool                 `json:"dhtHealthy,omitempty"`
	Relay        *relayReport         `json:"relay,omitempty"`
}

// requireNode enforces that the token's subject is the node in the path.
func requireNode(r *http.Request, nodeID string) error {
	claims, err := subject(r)
	if err != nil {
		return err
	}
	if claims.Role == auth.RoleOperator {
		return nil
	}
	if claims.Subject != nodeID {
		return errdefs.New(errdefs.KindForbidden, "token does not match node")
	}
	return nil
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if err := requireNode(r, nodeID); err != nil {
		writeError(w, err)
		return
	}

	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	s.Store.Lock(nodeID)
	node, err := s.Store.GetNode(nodeID)
	if err != nil {
		s.Store.Unlock(nodeID)
		writeError(w, err)
		return
	}
	node.LastHeartbeat = time.Now()
	switch {
	case req.Status == string(types.NodeStatusDraining):
		node.Status = types.NodeStatusDraining
	case node.Status == types.NodeStatusOffline:
		s.Sweeper.Revive(node)
		s.logger.Info().Str("node_id", nodeID).Msg("node heartbeat resumed")
	}
	saveErr := s.Store.SaveNode(node)
	s.Store.Unlock(nodeID)
	if saveErr != nil {
		writeError(w, saveErr)
		return
	}

	if req.Relay != nil {
		if err := s.Relays.MarkRelayActive(nodeID, req.Relay.Endpoint, req.Relay.PublicKey); err != nil {
			s.logger.Error().Err(err).Str("node_id", nodeID).Msg("relay status update failed")
		}
	}
	if req.DHTHealthy {
		if err := s.Obligations.Satisfy(types.ObligationRunDht, nodeID); err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
			s.logger.Error().Err(err).Str("node_id", nodeID).Msg("dht obligation satisfy failed")
		}
	}

	if len(req.VMReports) > 0 {
		s.VMs.HandleVMReports(nodeID, req.VMReports)
	}
	for _, sample := range req.Attestations {
		vm, err := s.Store.GetVM(sample.VMID)
		if err != nil || vm.NodeID != nodeID {
			continue
		}
		s.Attestor.Observe(vm, types.AttestationSample{
			VMID:      sample.VMID,
			Valid:     sample.Valid,
			Nonce:     sample.Nonce,
			Signature: sample.Signature,
			Timestamp: sample.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"pendingCommands": s.Bus.Pending(nodeID),
	})
}

// handlePendingCommands is the pull half of command delivery. Commands stay
// on the queue until acknowledged, so agents may see repeats and must
// deduplicate by command id.
func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if err := requireNode(r, nodeID); err != nil {
		writeError(w, err)
		return
	}

	commands := s.Bus.Drain(nodeID)
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	nodeID := vars["nodeId"]
	if err := requireNode(r, nodeID); err != nil {
		writeError(w, err)
		return
	}

	var ack types.Acknowledgment
	if err := decodeBody(r, &ack); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Bus.Acknowledge(nodeID, vars["commandId"], &ack); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
