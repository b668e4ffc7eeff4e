// Package gpuselector implements GPU fallback-chain matching (spec §4.3):
// evaluate a GpuRequirement, recursing through its fallback chain, against
// a node's GPU capabilities. Grounded on the teacher's strategy_default.go
// group-then-score-then-select idiom and on the original advanced
// scheduler's match_requirement recursion, which this follows near
// line-for-line.
package gpuselector

import (
	"fmt"
	"sort"
	"strings"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/errtax"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Match is a successful fallback-tier match.
type Match struct {
	MatchedGPUs []uint32
	Priority    uint32
}

// MatchRequirement evaluates req (and, if necessary, its fallback chain)
// against caps. GPU indices in a returned Match are ascending. Priority
// never influences which tier matches - only the first tier in the chain
// that has enough matching GPUs is used.
func MatchRequirement(req v1.GPURequirement, caps v1.NodeCapabilities) (Match, error) {
	matched := matchingIndices(req, caps)
	if uint32(len(matched)) >= req.Count {
		sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
		return Match{MatchedGPUs: matched[:req.Count], Priority: req.Priority}, nil
	}

	reason := rejectReason(req, caps, len(matched))

	if req.Fallback != nil {
		m, err := MatchRequirement(*req.Fallback, caps)
		if err != nil {
			// Deepest rejection reason wins; propagate the fallback's.
			return Match{}, err
		}
		return m, nil
	}

	return Match{}, &errtax.NoMatch{Reason: reason}
}

// matchingIndices returns every GPU index on the node that satisfies req's
// shape constraints (memory, model pattern), independent of count.
func matchingIndices(req v1.GPURequirement, caps v1.NodeCapabilities) []uint32 {
	var out []uint32
	for _, g := range caps.GPUs {
		if req.MinMemoryMiB != nil {
			min := resource.NewQuantity(int64(*req.MinMemoryMiB)*1024*1024, resource.BinarySI)
			if g.MemoryQuantity().Cmp(*min) < 0 {
				continue
			}
		}
		if req.ModelPattern != nil && !strings.Contains(strings.ToLower(g.Name), strings.ToLower(*req.ModelPattern)) {
			continue
		}
		out = append(out, g.Index)
	}
	return out
}

func rejectReason(req v1.GPURequirement, caps v1.NodeCapabilities, found int) string {
	switch {
	case req.ModelPattern != nil && req.MinMemoryMiB != nil:
		return fmt.Sprintf("need %d gpu(s) matching %q with >= %d MiB, found %d of %d gpus on node",
			req.Count, *req.ModelPattern, *req.MinMemoryMiB, found, len(caps.GPUs))
	case req.ModelPattern != nil:
		return fmt.Sprintf("need %d gpu(s) matching %q, found %d of %d gpus on node",
			req.Count, *req.ModelPattern, found, len(caps.GPUs))
	case req.MinMemoryMiB != nil:
		return fmt.Sprintf("need %d gpu(s) with >= %d MiB, found %d of %d gpus on node",
			req.Count, *req.MinMemoryMiB, found, len(caps.GPUs))
	default:
		return fmt.Sprintf("need %d gpu(s), found %d of %d gpus on node", req.Count, found, len(caps.GPUs))
	}
}
