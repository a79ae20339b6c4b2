package affinity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/types"
)

func nodeSet(ids ...string) []types.NodeInfo {
	nodes := make([]types.NodeInfo, len(ids))
	for i, id := range ids {
		nodes[i] = types.NodeInfo{NodeID: id, Order: uint64(i)}
	}
	return nodes
}

func TestMapIsDeterministic(t *testing.T) {
	nodes := nodeSet("a", "b", "c", "d", "e")

	first := Map(nodes, 42, 1, 7)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Map(nodes, 42, 1, 7))
	}
}

func TestMapOrderIndependentOfInputOrder(t *testing.T) {
	ordered := nodeSet("a", "b", "c", "d")
	shuffled := nodeSet("d", "b", "a", "c")

	require.Equal(t, Map(ordered, 1, 2, 3), Map(shuffled, 1, 2, 3))
}

func TestMapReturnsRequestedReplicaCount(t *testing.T) {
	nodes := nodeSet("a", "b", "c", "d", "e")

	m := Map(nodes, 1, 2, 1)
	require.Len(t, m, 3)

	seen := make(map[string]bool)
	for _, id := range m {
		require.False(t, seen[id], "node %s appears twice in affinity map", id)
		seen[id] = true
	}
}

func TestMapClampsReplicasToLiveNodeCount(t *testing.T) {
	nodes := nodeSet("a", "b")
	m := Map(nodes, 1, 5, 1)
	require.Len(t, m, 2)
}

func TestMapEmptyNodeSet(t *testing.T) {
	require.Nil(t, Map(nil, 1, 1, 1))
	require.Equal(t, "", Primary(nil, 1, 1, 1))
	require.Nil(t, Backups(nil, 1, 1, 1))
}

func TestRemovingOneNodeOnlyMovesItsPartitions(t *testing.T) {
	full := nodeSet("a", "b", "c", "d", "e")
	reduced := nodeSet("a", "b", "c", "d") // "e" removed

	moved := 0
	const partitions = 1024
	for p := 0; p < partitions; p++ {
		before := Primary(full, p, 1, 1)
		after := Primary(reduced, p, 1, 1)
		if before != after {
			moved++
			require.Equal(t, "e", before, "partition %d moved but its old primary wasn't the removed node", p)
		}
	}
	require.Greater(t, moved, 0)
	// Rendezvous hashing: only the removed node's own partitions should move.
	require.Less(t, moved, partitions)
}

func TestBackupsExcludesPrimary(t *testing.T) {
	nodes := nodeSet("a", "b", "c", "d")
	primary := Primary(nodes, 10, 2, 1)
	backups := Backups(nodes, 10, 2, 1)
	for _, b := range backups {
		require.NotEqual(t, primary, b)
	}
}

func TestOwnsAgreesWithMap(t *testing.T) {
	nodes := nodeSet("a", "b", "c")
	m := Map(nodes, 5, 1, 1)
	for _, n := range nodes {
		expect := false
		for _, id := range m {
			if id == n.NodeID {
				expect = true
			}
		}
		require.Equal(t, expect, Owns(nodes, 5, 1, 1, n.NodeID))
	}
}

func TestPartitionDistributesAcrossRange(t *testing.T) {
	counts := make(map[int]int)
	for i := 0; i < 10000; i++ {
		p := Partition(types.Key([]byte{byte(i), byte(i >> 8)}), 16)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, 16)
		counts[p]++
	}
	require.Len(t, counts, 16, "expected every partition bucket to receive at least one key")
}
