// Package capability implements node/spec capability matching (spec §4.2):
// label selectors, condition requirements, CPU/memory headroom and GPU
// requirements. Generalized from the teacher's gpuresources PreFilter/
// Filter stage decomposition into a pure function with no scheduler
// framework dependency.
package capability

import (
	"fmt"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/gpuselector"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/api/resource"
)

// MemoryHeadroomMiB is added to a workload's requested memory before
// comparing against a node's capacity.
const MemoryHeadroomMiB uint64 = 0

// Result is a successful match: the GPU indices selected (if the workload
// requested GPUs) and the priority of the matching fallback tier.
type Result struct {
	GPUIndices []uint32
	GPUPriority uint32
}

// Evaluate reports whether node satisfies spec's scheduling requirements.
// On failure it returns a human-readable reason identifying the first
// failing criterion, in the order: label selector, conditions, CPU/memory
// headroom, GPU requirement.
func Evaluate(node v1.RegisteredNode, spec v1.WorkloadSpec) (Result, error) {
	caps := node.Capabilities

	for k, v := range spec.Scheduling.NodeSelector {
		if have, ok := caps.Labels[k]; !ok || have != v {
			observed := have
			if !ok {
				observed = "<absent>"
			}
			return Result{}, fmt.Errorf("label mismatch: need %s=%s, have %s", k, v, observed)
		}
	}

	for _, req := range spec.Scheduling.RequiredConditions {
		cond, ok := caps.Conditions[req.Type]
		satisfied := ok && cond.Status == v1.ConditionTrue
		if satisfied != req.Required {
			return Result{}, fmt.Errorf("condition not satisfied: %s", req.Type)
		}
	}

	if caps.CPUCores < spec.CPUCores {
		return Result{}, fmt.Errorf("insufficient cpu: need %d cores, have %d", spec.CPUCores, caps.CPUCores)
	}
	neededMiB := spec.MemoryMB + MemoryHeadroomMiB
	needed := resource.NewQuantity(int64(neededMiB)*1024*1024, resource.BinarySI)
	have := caps.MemoryQuantity()
	if have.Cmp(*needed) < 0 {
		return Result{}, fmt.Errorf("insufficient memory: need %d MiB, have %d MiB", neededMiB, caps.MemoryMiB)
	}

	if spec.Scheduling.GPURequirement != nil {
		match, err := gpuselector.MatchRequirement(*spec.Scheduling.GPURequirement, caps)
		if err != nil {
			return Result{}, err
		}
		return Result{GPUIndices: match.MatchedGPUs, GPUPriority: match.Priority}, nil
	}

	if spec.GPUCount > 0 {
		indices := lo.Map(caps.GPUs, func(g v1.GPUCapability, _ int) uint32 { return g.Index })
		if uint32(len(indices)) < spec.GPUCount {
			return Result{}, fmt.Errorf("insufficient gpus: need %d, have %d", spec.GPUCount, len(indices))
		}
		return Result{GPUIndices: indices[:spec.GPUCount]}, nil
	}

	return Result{}, nil
}

// LabelMatchCount counts how many of spec's node-selector entries are
// present on node, used by the scheduler's soft-affinity scoring term.
func LabelMatchCount(node v1.RegisteredNode, spec v1.WorkloadSpec) int {
	count := 0
	for k, v := range spec.Scheduling.NodeSelector {
		if have, ok := node.Capabilities.Labels[k]; ok && have == v {
			count++
		}
	}
	return count
}
