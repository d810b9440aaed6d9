package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/types"
)

type createVMRequest struct {
	Name     string `json:"name"`
	SpecTier string `json:"specTier"`
	Image    string `json:"image"`
	Region   string `json:"region,omitempty"`
	SSHKey   string `json:"sshKey,omitempty"`

	// optional overrides of the tier's default shape
	VMType      string  `json:"vmType,omitempty"`
	VCPUs       int     `json:"vcpus,omitempty"`
	MemoryBytes int64   `json:"memoryBytes,omitempty"`
	DiskBytes   int64   `json:"diskBytes,omitempty"`
	GPUClass    string  `json:"gpuClass,omitempty"`
	MaxHourly   float64 `json:"maxHourly,omitempty"`
}

// tierShapes are the default VM sizes per quality tier, applied when the
// request does not override vcpus explicitly.
var tierShapes = map[types.QualityTier]types.VMSpec{
	types.TierBurstable:  {VCPUs: 1, MemoryBytes: 1 << 30, DiskBytes: 10 << 30},
	types.TierBalanced:   {VCPUs: 2, MemoryBytes: 2 << 30, DiskBytes: 20 << 30},
	types.TierStandard:   {VCPUs: 2, MemoryBytes: 4 << 30, DiskBytes: 40 << 30},
	types.TierGuaranteed: {VCPUs: 4, MemoryBytes: 8 << 30, DiskBytes: 80 << 30},
}

type portView struct {
	VMPort     int    `json:"vmPort"`
	PublicPort int    `json:"publicPort"`
	Protocol   string `json:"protocol"`
}

type vmView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url,omitempty"`
	Status        string     `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	PowerState    string     `json:"powerState"`
	NodeID        string     `json:"nodeId,omitempty"`
	VMType        string     `json:"vmType"`
	QualityTier   string     `json:"qualityTier"`
	VCPUs         int        `json:"vcpus"`
	MemoryBytes   int64      `json:"memoryBytes"`
	DiskBytes     int64      `json:"diskBytes"`
	Region        string     `json:"region,omitempty"`
	PrivateIP     string     `json:"privateIp,omitempty"`
	Ports         []portView `json:"ports,omitempty"`
	HourlyRate    float64    `json:"hourlyRate"`
	TotalBilled   float64    `json:"totalBilled"`
	StoppedReason string     `json:"stoppedReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
}

func (s *Server) vmView(vm *types.VirtualMachine) vmView {
	v := vmView{
		ID:            vm.ID,
		Name:          vm.Name,
		Status:        string(vm.Status),
		StatusMessage: vm.StatusMessage,
		PowerState:    string(vm.PowerState),
		NodeID:        vm.NodeID,
		CreatedAt:     vm.CreatedAt,
	}
	if vm.Status == types.VMStatusRunning && s.Domain != "" {
		v.URL = fmt.Sprintf("https://%s.%s", vm.Name, s.Domain)
	}
	if spec := vm.Spec; spec != nil {
		v.VMType = string(spec.VMType)
		v.QualityTier = string(spec.QualityTier)
		v.VCPUs = spec.VCPUs
		v.MemoryBytes = spec.MemoryBytes
		v.DiskBytes = spec.DiskBytes
		v.Region = spec.Region
	}
	if net := vm.Network; net != nil {
		v.PrivateIP = net.PrivateIP
		for _, p := range net.PortMappings {
			v.Ports = append(v.Ports, portView{VMPort: p.VMPort, PublicPort: p.PublicPort, Protocol: p.Protocol})
		}
	}
	if b := vm.Billing; b != nil {
		v.HourlyRate = b.HourlyRate
		v.TotalBilled = b.TotalBilled
		v.StoppedReason = b.StoppedReason
	}
	if !vm.StartedAt.IsZero() {
		started := vm.StartedAt
		v.StartedAt = &started
	}
	return v
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createVMRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, errdefs.NewCoded(errdefs.KindInvalidInput, "INVALID_NAME", "vm name must not be empty"))
		return
	}

	tier := types.QualityTier(req.SpecTier)
	spec := &types.VMSpec{
		VMType:      types.VMType(req.VMType),
		VCPUs:       req.VCPUs,
		MemoryBytes: req.MemoryBytes,
		DiskBytes:   req.DiskBytes,
		QualityTier: tier,
		ImageID:     req.Image,
		GPUClass:    req.GPUClass,
		MaxHourly:   req.MaxHourly,
		SSHKey:      req.SSHKey,
		Region:      req.Region,
	}
	if spec.VCPUs == 0 {
		shape, ok := tierShapes[tier]
		if !ok {
			writeError(w, errdefs.New(errdefs.KindInvalidInput, "unknown spec tier %q", req.SpecTier))
			return
		}
		spec.VCPUs = shape.VCPUs
		spec.MemoryBytes = shape.MemoryBytes
		spec.DiskBytes = shape.DiskBytes
	}

	vm, err := s.VMs.CreateVM(r.Context(), claims.Subject, req.Name, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"vmId":   vm.ID,
		"status": vm.Status,
		"name":   vm.Name,
	})
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	vms, err := s.Store.ListVMsByOwner(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]vmView, 0, len(vms))
	for _, vm := range vms {
		if vm.Status == types.VMStatusDeleted {
			continue
		}
		views = append(views, s.vmView(vm))
	}
	writeJSON(w, http.StatusOK, views)
}

// ownedVM loads the VM and enforces ownership. Foreign VMs read as absent so
// ids do not leak across tenants.
func (s *Server) ownedVM(r *http.Request, vmID string) (*types.VirtualMachine, error) {
	claims, err := subject(r)
	if err != nil {
		return nil, err
	}
	vm, err := s.Store.GetVM(vmID)
	if err != nil {
		return nil, err
	}
	if vm.OwnerID != claims.Subject && claims.Role != auth.RoleOperator {
		return nil, errdefs.New(errdefs.KindNotFound, "vm %s not found", vmID)
	}
	return vm, nil
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVM(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.vmView(vm))
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVM(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.VMs.DeleteVM(r.Context(), vm.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deleting"})
}

func (s *Server) handleStartVM(w http.ResponseWriter, r *http.Request) {
	s.vmAction(w, r, func(vmID string) error {
		return s.VMs.StartVM(r.Context(), vmID)
	})
}

func (s *Server) handleStopVM(w http.ResponseWriter, r *http.Request) {
	s.vmAction(w, r, func(vmID string) error {
		return s.VMs.StopVM(r.Context(), vmID, "user requested stop")
	})
}

func (s *Server) handleRestartVM(w http.ResponseWriter, r *http.Request) {
	s.vmAction(w, r, func(vmID string) error {
		return s.VMs.RestartVM(r.Context(), vmID)
	})
}

func (s *Server) vmAction(w http.ResponseWriter, r *http.Request, action func(vmID string) error) {
	vm, err := s.ownedVM(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := action(vm.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type allocatePortRequest struct {
	VMPort   int    `json:"vmPort"`
	Protocol string `json:"protocol"`
}

func (s *Server) handleAllocatePort(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVM(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	var req allocatePortRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.VMs.AllocatePort(r.Context(), vm.ID, req.VMPort, req.Protocol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type usageView struct {
	ID          string    `json:"id"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	TotalCost   float64   `json:"totalCost"`
	Settled     bool      `json:"settled"`
	TxHash      string    `json:"txHash,omitempty"`
}

func (s *Server) handleVMUsage(w http.ResponseWriter, r *http.Request) {
	vm, err := s.ownedVM(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := s.Store.ListUsageByVM(vm.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]usageView, 0, len(records))
	for _, rec := range records {
		views = append(views, usageView{
			ID:          rec.ID,
			PeriodStart: rec.PeriodStart,
			PeriodEnd:   rec.PeriodEnd,
			TotalCost:   rec.TotalCost,
			Settled:     rec.SettledOnChain,
			TxHash:      rec.SettlementTxHash,
		})
	}
	writeJSON(w, http.StatusOK, views)
}
