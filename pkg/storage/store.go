package storage

import (
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
)

// Store is the narrow query surface the control plane components use. Each
// aggregate has a single writer component; saves are whole-root replaces
// serialized per id via Lock/Unlock.
type Store interface {
	// Nodes
	GetNode(id string) (*types.Node, error)
	SaveNode(node *types.Node) error
	DeleteNode(id string) error
	ListNodes() ([]*types.Node, error)
	ListNodesByStatus(status types.NodeStatus) ([]*types.Node, error)

	// Virtual machines
	GetVM(id string) (*types.VirtualMachine, error)
	SaveVM(vm *types.VirtualMachine) error
	DeleteVM(id string) error
	ListVMs() ([]*types.VirtualMachine, error)
	ListVMsByOwner(ownerID string) ([]*types.VirtualMachine, error)
	ListVMsByNode(nodeID string, statuses ...types.VMStatus) ([]*types.VirtualMachine, error)
	GetVMByName(ownerID, name string) (*types.VirtualMachine, error)

	// Obligations
	GetObligation(id string) (*types.Obligation, error)
	SaveObligation(o *types.Obligation) error
	DeleteObligation(id string) error
	ListObligations() ([]*types.Obligation, error)
	ListDueObligations(now time.Time) ([]*types.Obligation, error)
	ListObligationsByResource(t types.ObligationType, resourceID string) ([]*types.Obligation, error)

	// Usage records
	GetUsageRecord(id string) (*types.UsageRecord, error)
	SaveUsageRecord(r *types.UsageRecord) error
	ListUnpaidUsageByUser(userID string) ([]*types.UsageRecord, error)
	ListUnpaidUsage() ([]*types.UsageRecord, error)
	ListUsageByVM(vmID string) ([]*types.UsageRecord, error)
	// MarkUsageSettled flips settledOnChain for all ids in one transaction.
	MarkUsageSettled(ids []string, txHash string) error

	// Pending deposits
	GetPendingDeposit(txHash string) (*types.PendingDeposit, error)
	SavePendingDeposit(d *types.PendingDeposit) error
	DeletePendingDeposit(txHash string) error
	ListPendingDeposits() ([]*types.PendingDeposit, error)
	ListPendingDepositsByWallet(wallet string) ([]*types.PendingDeposit, error)

	// Routes (keyed by subdomain)
	GetRoute(subdomain string) (*types.Route, error)
	GetRouteByVM(vmID string) (*types.Route, error)
	SaveRoute(r *types.Route) error
	DeleteRoute(subdomain string) error

	// Credit grants
	GetCreditGrant(id string) (*types.CreditGrant, error)
	SaveCreditGrant(g *types.CreditGrant) error
	ListCreditGrantsByUser(userID string) ([]*types.CreditGrant, error)

	// Chain scan cursor
	GetLastProcessedBlock() (uint64, error)
	SetLastProcessedBlock(block uint64) error

	// Lock serializes mutations for one aggregate id. Callers must not hold
	// a lock across a call that locks a different id.
	Lock(id string)
	Unlock(id string)

	Close() error
}

// keyedMutex provides a mutex per aggregate id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*entry)}
}

func (k *keyedMutex) Lock(id string) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &entry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedMutex) Unlock(id string) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
	}
	k.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}
