package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/types"
)

// CachedStore serves hot-path queries from in-memory projections loaded at
// startup and writes through to the BoltStore before acknowledging any
// mutation. It is the only Store implementation components see.
type CachedStore struct {
	backing *BoltStore

	mu       sync.RWMutex
	nodes    map[string]*types.Node
	vms      map[string]*types.VirtualMachine
	obls     map[string]*types.Obligation
	usage    map[string]*types.UsageRecord
	deposits map[string]*types.PendingDeposit
	routes   map[string]*types.Route
	credits  map[string]*types.CreditGrant

	ids *keyedMutex
}

// NewCachedStore opens the backing store and loads every aggregate into
// memory.
func NewCachedStore(dataDir string) (*CachedStore, error) {
	backing, err := NewBoltStore(dataDir)
	if err != nil {
		return nil, err
	}

	s := &CachedStore{
		backing:  backing,
		nodes:    make(map[string]*types.Node),
		vms:      make(map[string]*types.VirtualMachine),
		obls:     make(map[string]*types.Obligation),
		usage:    make(map[string]*types.UsageRecord),
		deposits: make(map[string]*types.PendingDeposit),
		routes:   make(map[string]*types.Route),
		credits:  make(map[string]*types.CreditGrant),
		ids:      newKeyedMutex(),
	}

	if err := s.load(); err != nil {
		backing.Close()
		return nil, err
	}
	return s, nil
}

func (s *CachedStore) load() error {
	nodes, err := s.backing.ListNodes()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}

	vms, err := s.backing.ListVMs()
	if err != nil {
		return err
	}
	for _, vm := range vms {
		s.vms[vm.ID] = vm
	}

	obls, err := s.backing.ListObligations()
	if err != nil {
		return err
	}
	for _, o := range obls {
		s.obls[o.ID] = o
	}

	usage, err := s.backing.ListUsageRecords()
	if err != nil {
		return err
	}
	for _, r := range usage {
		s.usage[r.ID] = r
	}

	deposits, err := s.backing.ListPendingDeposits()
	if err != nil {
		return err
	}
	for _, d := range deposits {
		s.deposits[d.TxHash] = d
	}

	routes, err := s.backing.ListRoutes()
	if err != nil {
		return err
	}
	for _, r := range routes {
		s.routes[r.Subdomain] = r
	}

	credits, err := s.backing.ListCreditGrants()
	if err != nil {
		return err
	}
	for _, g := range credits {
		s.credits[g.ID] = g
	}
	return nil
}

// Close closes the backing store.
func (s *CachedStore) Close() error {
	return s.backing.Close()
}

// Lock serializes mutations for one aggregate id.
func (s *CachedStore) Lock(id string) { s.ids.Lock(id) }

// Unlock releases the aggregate's mutation lock.
func (s *CachedStore) Unlock(id string) { s.ids.Unlock(id) }

// copyNode clones the aggregate including its pointer-typed sub-records, so
// neither side of a Get/Save can reach into the cache's copy.
func copyNode(n *types.Node) *types.Node {
	copied := *n
	if n.CGNATInfo != nil {
		info := *n.CGNATInfo
		copied.CGNATInfo = &info
	}
	if n.RelayInfo != nil {
		info := *n.RelayInfo
		copied.RelayInfo = &info
	}
	if n.Hardware != nil {
		hw := *n.Hardware
		copied.Hardware = &hw
	}
	if n.Pricing != nil {
		p := *n.Pricing
		copied.Pricing = &p
	}
	if n.Obligations != nil {
		copied.Obligations = make([]*types.SystemVMObligation, len(n.Obligations))
		for i, o := range n.Obligations {
			obl := *o
			copied.Obligations[i] = &obl
		}
	}
	return &copied
}

func copyVM(vm *types.VirtualMachine) *types.VirtualMachine {
	copied := *vm
	if vm.Spec != nil {
		spec := *vm.Spec
		copied.Spec = &spec
	}
	if vm.Network != nil {
		net := *vm.Network
		if vm.Network.PortMappings != nil {
			net.PortMappings = make([]*types.PortMapping, len(vm.Network.PortMappings))
			for i, p := range vm.Network.PortMappings {
				pm := *p
				net.PortMappings[i] = &pm
			}
		}
		copied.Network = &net
	}
	if vm.Billing != nil {
		b := *vm.Billing
		copied.Billing = &b
	}
	return &copied
}

// Node operations

func (s *CachedStore) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "node not found: %s", id)
	}
	return copyNode(n), nil
}

func (s *CachedStore) SaveNode(node *types.Node) error {
	node.UpdatedAt = time.Now()
	if err := s.backing.SaveNode(node); err != nil {
		return err
	}
	s.mu.Lock()
	s.nodes[node.ID] = copyNode(node)
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) DeleteNode(id string) error {
	if err := s.backing.DeleteNode(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) ListNodes() ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, copyNode(n))
	}
	sortByID(out, func(n *types.Node) string { return n.ID })
	return out, nil
}

func (s *CachedStore) ListNodesByStatus(status types.NodeStatus) ([]*types.Node, error) {
	nodes, _ := s.ListNodes()
	var out []*types.Node
	for _, n := range nodes {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

// VM operations

func (s *CachedStore) GetVM(id string) (*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "vm not found: %s", id)
	}
	return copyVM(vm), nil
}

func (s *CachedStore) SaveVM(vm *types.VirtualMachine) error {
	vm.UpdatedAt = time.Now()
	if err := s.backing.SaveVM(vm); err != nil {
		return err
	}
	s.mu.Lock()
	s.vms[vm.ID] = copyVM(vm)
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) DeleteVM(id string) error {
	if err := s.backing.DeleteVM(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.vms, id)
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) ListVMs() ([]*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, copyVM(vm))
	}
	sortByID(out, func(vm *types.VirtualMachine) string { return vm.ID })
	return out, nil
}

func (s *CachedStore) ListVMsByOwner(ownerID string) ([]*types.VirtualMachine, error) {
	vms, _ := s.ListVMs()
	var out []*types.VirtualMachine
	for _, vm := range vms {
		if vm.OwnerID == ownerID {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (s *CachedStore) ListVMsByNode(nodeID string, statuses ...types.VMStatus) ([]*types.VirtualMachine, error) {
	vms, _ := s.ListVMs()
	var out []*types.VirtualMachine
	for _, vm := range vms {
		if vm.NodeID != nodeID {
			continue
		}
		if len(statuses) == 0 {
			out = append(out, vm)
			continue
		}
		for _, st := range statuses {
			if vm.Status == st {
				out = append(out, vm)
				break
			}
		}
	}
	return out, nil
}

func (s *CachedStore) GetVMByName(ownerID, name string) (*types.VirtualMachine, error) {
	vms, _ := s.ListVMsByOwner(ownerID)
	for _, vm := range vms {
		if vm.Name == name && vm.Status != types.VMStatusDeleted {
			return vm, nil
		}
	}
	return nil, errdefs.New(errdefs.KindNotFound, "vm not found: %s/%s", ownerID, name)
}

// Obligation operations

func (s *CachedStore) GetObligation(id string) (*types.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.obls[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "obligation not found: %s", id)
	}
	copied := *o
	return &copied, nil
}

func (s *CachedStore) SaveObligation(o *types.Obligation) error {
	o.UpdatedAt = time.Now()
	if err := s.backing.SaveObligation(o); err != nil {
		return err
	}
	s.mu.Lock()
	s.obls[o.ID] = o
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) DeleteObligation(id string) error {
	if err := s.backing.DeleteObligation(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.obls, id)
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) ListObligations() ([]*types.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Obligation, 0, len(s.obls))
	for _, o := range s.obls {
		copied := *o
		out = append(out, &copied)
	}
	sortByID(out, func(o *types.Obligation) string { return o.ID })
	return out, nil
}

func (s *CachedStore) ListDueObligations(now time.Time) ([]*types.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Obligation
	for _, o := range s.obls {
		due := o.State == types.ObligationPending || o.State == types.ObligationRetryScheduled
		if due && !o.NextAttemptAt.After(now) {
			copied := *o
			out = append(out, &copied)
		}
	}
	sortByID(out, func(o *types.Obligation) string { return o.ID })
	return out, nil
}

func (s *CachedStore) ListObligationsByResource(t types.ObligationType, resourceID string) ([]*types.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Obligation
	for _, o := range s.obls {
		if o.Type == t && o.ResourceID == resourceID {
			copied := *o
			out = append(out, &copied)
		}
	}
	sortByID(out, func(o *types.Obligation) string { return o.ID })
	return out, nil
}

// Usage record operations

func (s *CachedStore) GetUsageRecord(id string) (*types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.usage[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "usage record not found: %s", id)
	}
	copied := *r
	return &copied, nil
}

func (s *CachedStore) SaveUsageRecord(r *types.UsageRecord) error {
	s.mu.RLock()
	existing, ok := s.usage[r.ID]
	s.mu.RUnlock()
	if ok && existing.SettledOnChain {
		return errdefs.New(errdefs.KindConflict, "usage record %s is settled and immutable", r.ID)
	}
	if err := s.backing.SaveUsageRecord(r); err != nil {
		return err
	}
	s.mu.Lock()
	s.usage[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) ListUnpaidUsageByUser(userID string) ([]*types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UsageRecord
	for _, r := range s.usage {
		if r.UserID == userID && !r.SettledOnChain {
			copied := *r
			out = append(out, &copied)
		}
	}
	sortByID(out, func(r *types.UsageRecord) string { return r.ID })
	return out, nil
}

func (s *CachedStore) ListUnpaidUsage() ([]*types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UsageRecord
	for _, r := range s.usage {
		if !r.SettledOnChain {
			copied := *r
			out = append(out, &copied)
		}
	}
	sortByID(out, func(r *types.UsageRecord) string { return r.ID })
	return out, nil
}

func (s *CachedStore) ListUsageByVM(vmID string) ([]*types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UsageRecord
	for _, r := range s.usage {
		if r.VMID == vmID {
			copied := *r
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (s *CachedStore) MarkUsageSettled(ids []string, txHash string) error {
	if err := s.backing.MarkUsageSettled(ids, txHash); err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range ids {
		if r, ok := s.usage[id]; ok {
			r.SettledOnChain = true
			r.SettlementTxHash = txHash
		}
	}
	s.mu.Unlock()
	return nil
}

// Pending deposit operations

func (s *CachedStore) GetPendingDeposit(txHash string) (*types.PendingDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deposits[txHash]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "pending deposit not found: %s", txHash)
	}
	copied := *d
	return &copied, nil
}

func (s *CachedStore) SavePendingDeposit(d *types.PendingDeposit) error {
	d.WalletAddress = strings.ToLower(d.WalletAddress)
	if err := s.backing.SavePendingDeposit(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.deposits[d.TxHash] = d
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) DeletePendingDeposit(txHash string) error {
	if err := s.backing.DeletePendingDeposit(txHash); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.deposits, txHash)
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) ListPendingDeposits() ([]*types.PendingDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.PendingDeposit, 0, len(s.deposits))
	for _, d := range s.deposits {
		copied := *d
		out = append(out, &copied)
	}
	sortByID(out, func(d *types.PendingDeposit) string { return d.TxHash })
	return out, nil
}

func (s *CachedStore) ListPendingDepositsByWallet(wallet string) ([]*types.PendingDeposit, error) {
	wallet = strings.ToLower(wallet)
	deposits, _ := s.ListPendingDeposits()
	var out []*types.PendingDeposit
	for _, d := range deposits {
		if d.WalletAddress == wallet {
			out = append(out, d)
		}
	}
	return out, nil
}

// Route operations

func (s *CachedStore) GetRoute(subdomain string) (*types.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[subdomain]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "route not found: %s", subdomain)
	}
	copied := *r
	return &copied, nil
}

func (s *CachedStore) GetRouteByVM(vmID string) (*types.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.routes {
		if r.VMID == vmID {
			copied := *r
			return &copied, nil
		}
	}
	return nil, errdefs.New(errdefs.KindNotFound, "route not found for vm: %s", vmID)
}

func (s *CachedStore) SaveRoute(r *types.Route) error {
	r.UpdatedAt = time.Now()
	if err := s.backing.SaveRoute(r); err != nil {
		return err
	}
	s.mu.Lock()
	s.routes[r.Subdomain] = r
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) DeleteRoute(subdomain string) error {
	if err := s.backing.DeleteRoute(subdomain); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.routes, subdomain)
	s.mu.Unlock()
	return nil
}

// Credit grant operations

func (s *CachedStore) GetCreditGrant(id string) (*types.CreditGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.credits[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "credit grant not found: %s", id)
	}
	copied := *g
	return &copied, nil
}

func (s *CachedStore) SaveCreditGrant(g *types.CreditGrant) error {
	if err := s.backing.SaveCreditGrant(g); err != nil {
		return err
	}
	s.mu.Lock()
	s.credits[g.ID] = g
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) ListCreditGrantsByUser(userID string) ([]*types.CreditGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.CreditGrant
	for _, g := range s.credits {
		if g.UserID == userID {
			copied := *g
			out = append(out, &copied)
		}
	}
	sortByID(out, func(g *types.CreditGrant) string { return g.ID })
	return out, nil
}

// Chain scan cursor

func (s *CachedStore) GetLastProcessedBlock() (uint64, error) {
	return s.backing.GetLastProcessedBlock()
}

func (s *CachedStore) SetLastProcessedBlock(block uint64) error {
	return s.backing.SetLastProcessedBlock(block)
}

// sortByID keeps list results deterministic for callers that iterate and for
// tests.
func sortByID[T any](items []T, key func(T) string) {
	sort.Slice(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })
}
