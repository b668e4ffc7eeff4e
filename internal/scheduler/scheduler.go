// Package scheduler implements the Advanced Scheduler (spec §4.4): gate
// check, availability filter, per-node scoring and selection, plus the
// targeted and parallel placement variants. It is a pure decision engine —
// it performs no I/O and suspends for nothing; its only external inputs are
// a registry snapshot and scheduling-gate state.
//
// Grounded on original_source/crates/claw-gateway/src/advanced_scheduler.rs
// (schedule / schedule_to_node / schedule_parallel / calculate_score /
// summarize_rejections), adapted into Go value types with the stage
// decomposition named after the teacher's gpuresources.go plugin stages
// (PreFilter/Filter/Score), here expressed as plain internal functions
// within one synchronous call instead of a framework plugin.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/capability"
	"github.com/clawbernetes/core/internal/errtax"
	"github.com/clawbernetes/core/internal/observability/tracing"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/api/resource"
)

// NodeLister is the read-only registry view the scheduler needs. The
// registry package satisfies it; tests may supply a fake. Len reports the
// total registered count (healthy or not), letting the caller distinguish
// "no nodes registered" from "nodes registered, none available" instead of
// collapsing both into the same error.
type NodeLister interface {
	AvailableNodes() []v1.RegisteredNode
	GetNode(id v1.NodeID) (v1.RegisteredNode, bool)
	Len() int
}

// ScheduleResult is the outcome of a successful placement decision.
type ScheduleResult struct {
	NodeID      v1.NodeID
	GPUIndices  []uint32
	GPUPriority uint32
	WorkerIndex *uint32
}

// Scheduler holds per-workload gate-clearing state. All other state is
// supplied per call via a NodeLister snapshot, keeping Schedule itself a
// pure function of (spec, registry snapshot, cleared gates).
type Scheduler struct {
	mu            sync.Mutex
	clearedGates  map[v1.WorkloadID]map[v1.SchedulingGate]bool
}

// New returns a Scheduler with no gates cleared.
func New() *Scheduler {
	return &Scheduler{clearedGates: make(map[v1.WorkloadID]map[v1.SchedulingGate]bool)}
}

// ClearGate records that gate has been cleared for workloadID.
func (s *Scheduler) ClearGate(workloadID v1.WorkloadID, gate v1.SchedulingGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared, ok := s.clearedGates[workloadID]
	if !ok {
		cleared = make(map[v1.SchedulingGate]bool)
		s.clearedGates[workloadID] = cleared
	}
	cleared[gate] = true
}

// IsGateCleared reports whether gate has been cleared for workloadID.
func (s *Scheduler) IsGateCleared(workloadID v1.WorkloadID, gate v1.SchedulingGate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearedGates[workloadID][gate]
}

func (s *Scheduler) pendingGates(workloadID v1.WorkloadID, spec v1.WorkloadSpec) []v1.SchedulingGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := s.clearedGates[workloadID]
	return lo.Filter(spec.Scheduling.SchedulingGates, func(g v1.SchedulingGate, _ int) bool {
		return !cleared[g]
	})
}

// scoredNode is a candidate that passed evaluation, with its score and the
// GPU selection it would receive.
type scoredNode struct {
	node   v1.RegisteredNode
	result capability.Result
	score  float64
}

// Schedule picks the best available node for spec, or returns a typed
// error (*errtax.Gated, errtax.ErrNoNodes, *errtax.NoSuitableNode).
func (s *Scheduler) Schedule(ctx context.Context, workloadID v1.WorkloadID, spec v1.WorkloadSpec, registry NodeLister) (ScheduleResult, error) {
	_, span := tracing.StartSchedule(ctx, workloadID.String(), "schedule")
	defer span.End()

	if pending := s.pendingGates(workloadID, spec); len(pending) > 0 {
		return ScheduleResult{}, &errtax.Gated{PendingGates: pending}
	}

	available := registry.AvailableNodes()
	if len(available) == 0 {
		if registry.Len() == 0 {
			return ScheduleResult{}, errtax.ErrNoNodes
		}
		return ScheduleResult{}, &errtax.NoSuitableNode{
			Reason:   "all nodes are unhealthy or draining",
			Rejected: nil,
		}
	}

	candidates, rejected := evaluateNodes(available, spec)
	if len(candidates) == 0 {
		return ScheduleResult{}, &errtax.NoSuitableNode{
			Reason:   summarizeRejections(rejected),
			Rejected: rejected,
		}
	}

	best := selectBest(candidates)
	return ScheduleResult{
		NodeID:      best.node.ID,
		GPUIndices:  best.result.GPUIndices,
		GPUPriority: best.result.GPUPriority,
	}, nil
}

// ScheduleToNode evaluates spec against exactly one target node.
func (s *Scheduler) ScheduleToNode(workloadID v1.WorkloadID, spec v1.WorkloadSpec, target v1.NodeID, registry NodeLister) (ScheduleResult, error) {
	if pending := s.pendingGates(workloadID, spec); len(pending) > 0 {
		return ScheduleResult{}, &errtax.Gated{PendingGates: pending}
	}

	node, ok := registry.GetNode(target)
	if !ok {
		return ScheduleResult{}, errtax.ErrNodeNotFound
	}
	if !node.Available() {
		return ScheduleResult{}, &errtax.NodeNotAvailable{NodeID: target, Reason: fmt.Sprintf("health status is %s", node.HealthStatus)}
	}

	result, err := capability.Evaluate(node, spec)
	if err != nil {
		return ScheduleResult{}, &errtax.NodeNotAvailable{NodeID: target, Reason: err.Error()}
	}

	return ScheduleResult{NodeID: target, GPUIndices: result.GPUIndices, GPUPriority: result.GPUPriority}, nil
}

// ScheduleParallel places an indexed/non-indexed parallel workload across
// the top-scoring N available nodes, where N = ParallelConfig.Completions.
func (s *Scheduler) ScheduleParallel(ctx context.Context, workloadID v1.WorkloadID, spec v1.WorkloadSpec, registry NodeLister) ([]ScheduleResult, error) {
	_, span := tracing.StartSchedule(ctx, workloadID.String(), "schedule_parallel")
	defer span.End()

	if spec.Scheduling.ParallelConfig == nil {
		return nil, fmt.Errorf("schedule_parallel requires a parallel_config")
	}
	cfg := *spec.Scheduling.ParallelConfig

	if pending := s.pendingGates(workloadID, spec); len(pending) > 0 {
		return nil, &errtax.Gated{PendingGates: pending}
	}

	available := registry.AvailableNodes()
	if len(available) == 0 {
		if registry.Len() == 0 {
			return nil, errtax.ErrNoNodes
		}
		return nil, &errtax.NoSuitableNode{
			Reason:   "all nodes are unhealthy or draining",
			Rejected: nil,
		}
	}

	candidates, rejected := evaluateNodes(available, spec)
	if uint32(len(candidates)) < cfg.Completions {
		return nil, &errtax.NoSuitableNode{
			Reason:   fmt.Sprintf("need %d workers, only %d suitable nodes", cfg.Completions, len(candidates)),
			Rejected: rejected,
		}
	}

	sorted := sortByScoreDesc(candidates)
	top := sorted[:cfg.Completions]

	results := make([]ScheduleResult, len(top))
	for i, c := range top {
		r := ScheduleResult{NodeID: c.node.ID, GPUIndices: c.result.GPUIndices, GPUPriority: c.result.GPUPriority}
		if cfg.CompletionMode == v1.CompletionIndexed {
			idx := uint32(i)
			r.WorkerIndex = &idx
		}
		results[i] = r
	}
	return results, nil
}

func evaluateNodes(nodes []v1.RegisteredNode, spec v1.WorkloadSpec) ([]scoredNode, []errtax.NodeRejection) {
	var candidates []scoredNode
	var rejected []errtax.NodeRejection

	for _, node := range nodes {
		result, err := capability.Evaluate(node, spec)
		if err != nil {
			rejected = append(rejected, errtax.NodeRejection{NodeID: node.ID, Reason: err.Error()})
			continue
		}
		candidates = append(candidates, scoredNode{
			node:   node,
			result: result,
			score:  calculateScore(node, spec, result),
		})
	}
	return candidates, rejected
}

func selectBest(candidates []scoredNode) scoredNode {
	sorted := sortByScoreDesc(candidates)
	return sorted[0]
}

// sortByScoreDesc orders candidates by score descending, ties broken by
// ascending NodeID string for a deterministic result.
func sortByScoreDesc(candidates []scoredNode) []scoredNode {
	sorted := make([]scoredNode, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		return sorted[i].node.ID.String() < sorted[j].node.ID.String()
	})
	return sorted
}

// calculateScore implements the scoring formula from spec §4.4: base
// 100.0, penalize GPU-count waste, reward higher-priority fallback tiers,
// reward memory headroom up to 2x, and soft label affinity.
func calculateScore(node v1.RegisteredNode, spec v1.WorkloadSpec, result capability.Result) float64 {
	score := 100.0

	effectiveGPUCount := float64(spec.GPUCount)
	if spec.Scheduling.GPURequirement != nil {
		effectiveGPUCount = float64(spec.Scheduling.GPURequirement.Count)
	}
	gpuWaste := float64(len(node.Capabilities.GPUs)) - effectiveGPUCount
	if gpuWaste < 0 {
		gpuWaste = -gpuWaste
	}
	score -= 5.0 * gpuWaste

	score += 10.0 * float64(result.GPUPriority)

	if spec.MemoryMB > 0 {
		have := node.Capabilities.MemoryQuantity()
		needed := resource.NewQuantity(int64(spec.MemoryMB)*1024*1024, resource.BinarySI)
		ratio := have.AsApproximateFloat64() / needed.AsApproximateFloat64()
		if ratio > 2.0 {
			ratio = 2.0
		}
		score += 5.0 * ratio
	}

	score += 3.0 * float64(capability.LabelMatchCount(node, spec))

	return score
}

// summarizeRejections groups rejections by their exact reason text and
// renders one "<count> node(s): <reason>" part per distinct reason, sorted
// by reason and joined with "; ", e.g. "3 node(s): insufficient memory:
// need 2048 MiB, have 1024 MiB; 1 node(s): label mismatch: need gpu=a100,
// have <absent>", matching the original scheduler's summarize_rejections.
func summarizeRejections(rejected []errtax.NodeRejection) string {
	groups := lo.GroupBy(rejected, func(r errtax.NodeRejection) string { return r.Reason })
	reasons := lo.Keys(groups)
	sort.Strings(reasons)

	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%d node(s): %s", len(groups[reason]), reason))
	}
	return joinSemicolon(parts)
}

func joinSemicolon(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
