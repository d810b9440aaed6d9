package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes       = []byte("nodes")
	bucketVMs         = []byte("vms")
	bucketObligations = []byte("obligations")
	bucketUsage       = []byte("usage_records")
	bucketDeposits    = []byte("pending_deposits")
	bucketRoutes      = []byte("routes")
	bucketCredits     = []byte("credit_grants")
	bucketMeta        = []byte("meta")

	keyLastBlock = []byte("last_processed_block")
)

// BoltStore is the durable backing store. All aggregates are JSON documents
// keyed by their id; PendingDeposit is keyed by tx hash, Route by subdomain.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "decloud.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketVMs,
			bucketObligations,
			bucketUsage,
			bucketDeposits,
			bucketRoutes,
			bucketCredits,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "%s not found: %s", bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) forEach(bucket []byte, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return fn(v)
		})
	})
}

// Node operations

func (s *BoltStore) SaveNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.forEach(bucketNodes, func(v []byte) error {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		nodes = append(nodes, &node)
		return nil
	})
	return nodes, err
}

// VM operations

func (s *BoltStore) SaveVM(vm *types.VirtualMachine) error {
	return s.put(bucketVMs, vm.ID, vm)
}

func (s *BoltStore) GetVM(id string) (*types.VirtualMachine, error) {
	var vm types.VirtualMachine
	if err := s.get(bucketVMs, id, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) DeleteVM(id string) error {
	return s.delete(bucketVMs, id)
}

func (s *BoltStore) ListVMs() ([]*types.VirtualMachine, error) {
	var vms []*types.VirtualMachine
	err := s.forEach(bucketVMs, func(v []byte) error {
		var vm types.VirtualMachine
		if err := json.Unmarshal(v, &vm); err != nil {
			return err
		}
		vms = append(vms, &vm)
		return nil
	})
	return vms, err
}

// Obligation operations

func (s *BoltStore) SaveObligation(o *types.Obligation) error {
	return s.put(bucketObligations, o.ID, o)
}

func (s *BoltStore) GetObligation(id string) (*types.Obligation, error) {
	var o types.Obligation
	if err := s.get(bucketObligations, id, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *BoltStore) DeleteObligation(id string) error {
	return s.delete(bucketObligations, id)
}

func (s *BoltStore) ListObligations() ([]*types.Obligation, error) {
	var out []*types.Obligation
	err := s.forEach(bucketObligations, func(v []byte) error {
		var o types.Obligation
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

// Usage record operations

func (s *BoltStore) SaveUsageRecord(r *types.UsageRecord) error {
	return s.put(bucketUsage, r.ID, r)
}

func (s *BoltStore) GetUsageRecord(id string) (*types.UsageRecord, error) {
	var r types.UsageRecord
	if err := s.get(bucketUsage, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListUsageRecords() ([]*types.UsageRecord, error) {
	var out []*types.UsageRecord
	err := s.forEach(bucketUsage, func(v []byte) error {
		var r types.UsageRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

// MarkUsageSettled flips settledOnChain and stores the tx hash for every id
// in a single transaction; either all records are updated or none.
func (s *BoltStore) MarkUsageSettled(ids []string, txHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				return errdefs.New(errdefs.KindNotFound, "usage record not found: %s", id)
			}
			var r types.UsageRecord
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			r.SettledOnChain = true
			r.SettlementTxHash = txHash
			updated, err := json.Marshal(&r)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending deposit operations

func (s *BoltStore) SavePendingDeposit(d *types.PendingDeposit) error {
	return s.put(bucketDeposits, d.TxHash, d)
}

func (s *BoltStore) GetPendingDeposit(txHash string) (*types.PendingDeposit, error) {
	var d types.PendingDeposit
	if err := s.get(bucketDeposits, txHash, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) DeletePendingDeposit(txHash string) error {
	return s.delete(bucketDeposits, txHash)
}

func (s *BoltStore) ListPendingDeposits() ([]*types.PendingDeposit, error) {
	var out []*types.PendingDeposit
	err := s.forEach(bucketDeposits, func(v []byte) error {
		var d types.PendingDeposit
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		out = append(out, &d)
		return nil
	})
	return out, err
}

// Route operations

func (s *BoltStore) SaveRoute(r *types.Route) error {
	return s.put(bucketRoutes, r.Subdomain, r)
}

func (s *BoltStore) GetRoute(subdomain string) (*types.Route, error) {
	var r types.Route
	if err := s.get(bucketRoutes, subdomain, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) DeleteRoute(subdomain string) error {
	return s.delete(bucketRoutes, subdomain)
}

func (s *BoltStore) ListRoutes() ([]*types.Route, error) {
	var out []*types.Route
	err := s.forEach(bucketRoutes, func(v []byte) error {
		var r types.Route
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

// Credit grant operations

func (s *BoltStore) SaveCreditGrant(g *types.CreditGrant) error {
	return s.put(bucketCredits, g.ID, g)
}

func (s *BoltStore) GetCreditGrant(id string) (*types.CreditGrant, error) {
	var g types.CreditGrant
	if err := s.get(bucketCredits, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) ListCreditGrants() ([]*types.CreditGrant, error) {
	var out []*types.CreditGrant
	err := s.forEach(bucketCredits, func(v []byte) error {
		var g types.CreditGrant
		if err := json.Unmarshal(v, &g); err != nil {
			return err
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

// Chain scan cursor

func (s *BoltStore) GetLastProcessedBlock() (uint64, error) {
	var block uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyLastBlock)
		if data == nil {
			return nil
		}
		block = binary.BigEndian.Uint64(data)
		return nil
	})
	return block, err
}

func (s *BoltStore) SetLastProcessedBlock(block uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, block)
		return tx.Bucket(bucketMeta).Put(keyLastBlock, buf)
	})
}
