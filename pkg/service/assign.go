package service

import (
	"math/rand"

	"github.com/latticedb/lattice/pkg/affinity"
	"github.com/latticedb/lattice/pkg/topology"
	"github.com/latticedb/lattice/pkg/types"
)

// affinityKeyPartitions is the fixed hash-space size used to resolve a
// key-affinity singleton's primary, independent of any one user cache's
// configured partition count (spec §4.7 deployKeyAffinitySingleton).
const affinityKeyPartitions = 1024

// computeAssignment implements the assignment algorithm of spec §4.7,
// run only by the oldest node of topology version view.Version.
// current is the deployment's previously computed placement, if any,
// used to minimize migrations when distributing a remainder.
func computeAssignment(dep types.ServiceDeployment, view *topology.View, current map[string]int, backups int, rng *rand.Rand) types.ServiceAssignment {
	out := types.ServiceAssignment{Name: dep.Name, Topology: view.Version, Counts: map[string]int{}}

	// Step 1: affinity-pinned singleton.
	if len(dep.AffinityKey) > 0 {
		p := affinity.Partition(dep.AffinityKey, affinityKeyPartitions)
		primary := affinity.Primary(view.Nodes, p, backups, view.Version)
		if primary != "" {
			count := dep.TotalCount
			if dep.PerNodeCount > count {
				count = dep.PerNodeCount
			}
			if count < 1 {
				count = 1
			}
			out.Counts[primary] = count
		}
		return out
	}

	// Step 2: candidate set filtered by NodeFilter.
	candidates := filterNodes(view.Nodes, dep.NodeFilter)
	if len(candidates) == 0 {
		return out
	}

	// Step 3: base count per node.
	base := dep.PerNodeCount
	if dep.TotalCount > 0 {
		base = dep.TotalCount / len(candidates)
		if dep.PerNodeCount > 0 && base > dep.PerNodeCount {
			base = dep.PerNodeCount
		}
	}
	for _, n := range candidates {
		out.Counts[n.NodeID] = base
	}

	// Step 4: distribute the remainder, preferring nodes that already
	// host the service at base+1 (minimizes migrations), then the rest
	// in randomized order.
	if dep.TotalCount > 0 {
		remainder := dep.TotalCount % len(candidates)
		if remainder > 0 {
			var sticky, rest []string
			for _, n := range candidates {
				if current[n.NodeID] == base+1 {
					sticky = append(sticky, n.NodeID)
				} else {
					rest = append(rest, n.NodeID)
				}
			}
			rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
			ids := append(sticky, rest...)
			for i := 0; i < remainder; i++ {
				out.Counts[ids[i]]++
			}
		}
	}

	return out
}

func filterNodes(nodes []types.NodeInfo, filter map[string]string) []types.NodeInfo {
	if len(filter) == 0 {
		return nodes
	}
	var out []types.NodeInfo
	for _, n := range nodes {
		if matchesFilter(n, filter) {
			out = append(out, n)
		}
	}
	return out
}

func matchesFilter(n types.NodeInfo, filter map[string]string) bool {
	for k, v := range filter {
		if n.Attributes[k] != v {
			return false
		}
	}
	return true
}
