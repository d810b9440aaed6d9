// Package scheduler places VMs on nodes with a filter-then-score pipeline.
// Filtering drops nodes that cannot host the spec at all; scoring ranks the
// rest with configurable weights. The caller consumes candidates in order and
// falls back to the next on provisioning failure.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// Candidate is one placement option, best first.
type Candidate struct {
	Node  *types.Node
	Score float64
}

// Scheduler ranks nodes for VM placement.
type Scheduler struct {
	store  storage.Store
	logger zerolog.Logger

	mu  sync.RWMutex
	cfg config.Scheduler
}

func New(store storage.Store, cfg config.Scheduler) *Scheduler {
	return &Scheduler{
		store:  store,
		logger: log.WithComponent("scheduler"),
		cfg:    cfg,
	}
}

// SetWeights swaps the scoring weights at runtime. Tier gates are not
// affected.
func (s *Scheduler) SetWeights(latency, load, reputation, price, perf float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.WeightLatency = latency
	s.cfg.WeightLoad = load
	s.cfg.WeightReputation = reputation
	s.cfg.WeightPrice = price
	s.cfg.WeightPerf = perf
}

// Schedule returns eligible nodes ordered best first.
func (s *Scheduler) Schedule(spec *types.VMSpec) ([]*Candidate, error) {
	start := time.Now()
	defer func() {
		metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
	}()

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	nodes, err := s.store.ListNodesByStatus(types.NodeStatusOnline)
	if err != nil {
		return nil, err
	}

	type scored struct {
		node *types.Node
		rate float64
		load float64
	}
	var eligible []scored
	for _, node := range nodes {
		ok, loadFraction, err := s.fits(node, spec, cfg)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		eligible = append(eligible, scored{
			node: node,
			rate: HourlyRate(node.Pricing, spec),
			load: loadFraction,
		})
	}
	if len(eligible) == 0 {
		metrics.SchedulingFailuresTotal.Inc()
		return nil, errdefs.New(errdefs.KindResourceExhausted, "no node can host the requested spec")
	}

	// price is normalized against the most expensive eligible node
	var maxRate float64
	for _, e := range eligible {
		if e.rate > maxRate {
			maxRate = e.rate
		}
	}

	candidates := make([]*Candidate, 0, len(eligible))
	for _, e := range eligible {
		normalizedPrice := 0.0
		if maxRate > 0 {
			normalizedPrice = e.rate / maxRate
		}
		perf := types.PerformanceMultiplier(e.node.Hardware.BenchmarkScore, cfg.BaselineBenchmark, cfg.MaxPerfMultiplier)

		score := cfg.WeightLatency*latencyBonus(e.node, spec) +
			cfg.WeightLoad*(1-e.load) +
			cfg.WeightReputation*reputation(e.node) +
			cfg.WeightPrice*(1-normalizedPrice) +
			cfg.WeightPerf*(perf/cfg.MaxPerfMultiplier)

		candidates = append(candidates, &Candidate{Node: e.node, Score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Node.Hardware.BenchmarkScore != b.Node.Hardware.BenchmarkScore {
			return a.Node.Hardware.BenchmarkScore > b.Node.Hardware.BenchmarkScore
		}
		return a.Node.ID < b.Node.ID
	})

	s.logger.Debug().
		Int("candidates", len(candidates)).
		Str("best", candidates[0].Node.ID).
		Msg("placement computed")
	return candidates, nil
}

// fits applies the hard filters and reports the node's CPU load fraction with
// the new VM included.
func (s *Scheduler) fits(node *types.Node, spec *types.VMSpec, cfg config.Scheduler) (bool, float64, error) {
	if node.Hardware == nil {
		return false, 0, nil
	}

	if min, ok := cfg.TierMinBenchmark[string(spec.QualityTier)]; ok && node.Hardware.BenchmarkScore < min {
		return false, 0, nil
	}
	if spec.GPUClass != "" && node.Hardware.GPUClass != spec.GPUClass {
		return false, 0, nil
	}
	if spec.MaxHourly > 0 && HourlyRate(node.Pricing, spec) > spec.MaxHourly {
		return false, 0, nil
	}

	active, err := s.store.ListVMsByNode(node.ID,
		types.VMStatusPlacing, types.VMStatusProvisioning, types.VMStatusRunning,
		types.VMStatusStopping, types.VMStatusStopped)
	if err != nil {
		return false, 0, err
	}

	var usedVCPUs int
	var usedMem, usedDisk int64
	tiers := map[types.QualityTier]bool{spec.QualityTier: true}
	for _, vm := range active {
		if vm.Spec == nil {
			continue
		}
		usedVCPUs += vm.Spec.VCPUs
		usedMem += vm.Spec.MemoryBytes
		usedDisk += vm.Spec.DiskBytes
		tiers[vm.Spec.QualityTier] = true
	}

	// the strictest overcommit ratio among the tiers present wins
	ratio := 0.0
	for tier := range tiers {
		r, ok := cfg.TierOvercommit[string(tier)]
		if !ok {
			r = 1
		}
		if ratio == 0 || r < ratio {
			ratio = r
		}
	}
	effectiveCPU := float64(node.Hardware.CPUCores) * ratio

	if float64(usedVCPUs+spec.VCPUs) > effectiveCPU {
		return false, 0, nil
	}
	if usedMem+spec.MemoryBytes > node.Hardware.MemoryBytes {
		return false, 0, nil
	}
	if usedDisk+spec.DiskBytes > node.Hardware.DiskBytes {
		return false, 0, nil
	}

	load := 0.0
	if effectiveCPU > 0 {
		load = float64(usedVCPUs+spec.VCPUs) / effectiveCPU
	}
	return true, load, nil
}

// HourlyRate prices the spec against the operator's sheet, rounded to USDC
// precision. A node with no pricing is free to schedule system VMs onto.
func HourlyRate(p *types.Pricing, spec *types.VMSpec) float64 {
	if p == nil {
		return 0
	}
	const gb = float64(1 << 30)
	rate := p.CPUPerHour*float64(spec.VCPUs) +
		p.MemPerGBPerHour*float64(spec.MemoryBytes)/gb +
		p.DiskPerGBPerHour*float64(spec.DiskBytes)/gb
	return round6(rate)
}

func round6(v float64) float64 {
	return float64(int64(v*1e6+0.5)) / 1e6
}

// latencyBonus rewards nodes in the requested region. Without a requested
// region every node gets a neutral half bonus.
func latencyBonus(node *types.Node, spec *types.VMSpec) float64 {
	if spec.Region == "" {
		return 0.5
	}
	if node.Region == spec.Region {
		return 1
	}
	return 0
}

// reputation derives a 0..1 factor from the node's accumulated system-VM
// failures. A clean node scores 1; repeated failures decay it.
func reputation(node *types.Node) float64 {
	failures := 0
	for _, ob := range node.Obligations {
		failures += ob.FailureCount
	}
	return 1 / (1 + float64(failures))
}
