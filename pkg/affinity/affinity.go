// Package affinity implements the Affinity Map (spec §4.1): a
// deterministic function from a partition id, plus the current
// Topology View, to the ordered list of nodes that own it — a primary
// followed by its backups. Every node computes the same assignment
// independently from the same topology snapshot, so no coordination
// round-trip is needed to answer "who owns partition P".
package affinity

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/latticedb/lattice/pkg/types"
)

// Partition returns the partition id that key belongs to, given
// count partitions. Uses xxhash for its speed and strong avalanche
// behavior, consistent with the rest of the grid's key-hashing needs.
func Partition(key types.Key, count int) int {
	h := xxhash.Sum64(key)
	return int(h % uint64(count))
}

// Map computes the Affinity Map for one partition: the ordered list of
// node ids owning it, primary first, at topology version topo. nodes
// must be the live node set at that version, and the result is
// deterministic for the same (nodes, topo, partitionID, backups)
// input — any two nodes computing it independently agree.
//
// This is rendezvous (highest-random-weight) hashing: each node gets a
// pseudo-random score for (partitionID, topo, nodeID), and the nodes
// are ranked by descending score — the top scorer is primary, the next
// `backups` are backups. Unlike modulo-based ring hashing, rendezvous
// hashing minimizes reshuffled partitions when the node set changes:
// only the partitions owned by a removed node move, redistributing
// across the survivors rather than cascading around a ring.
func Map(nodes []types.NodeInfo, partitionID int, backups int, topo uint64) []string {
	if len(nodes) == 0 {
		return nil
	}

	replicas := backups + 1
	if replicas > len(nodes) {
		replicas = len(nodes)
	}

	type scored struct {
		nodeID string
		score  uint64
	}
	ranked := make([]scored, len(nodes))
	for i, n := range nodes {
		ranked[i] = scored{nodeID: n.NodeID, score: partitionNodeScore(partitionID, topo, n.NodeID)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].nodeID < ranked[j].nodeID
	})

	out := make([]string, replicas)
	for i := 0; i < replicas; i++ {
		out[i] = ranked[i].nodeID
	}
	return out
}

func partitionNodeScore(partitionID int, topo uint64, nodeID string) uint64 {
	h := xxhash.New()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], topo)
	binary.BigEndian.PutUint64(buf[8:16], uint64(partitionID))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(nodeID))
	return h.Sum64()
}

// Primary returns the primary node id owning partitionID at topo, or
// "" if nodes is empty.
func Primary(nodes []types.NodeInfo, partitionID int, backups int, topo uint64) string {
	m := Map(nodes, partitionID, backups, topo)
	if len(m) == 0 {
		return ""
	}
	return m[0]
}

// Backups returns the backup node ids (excluding the primary) owning
// partitionID at topo.
func Backups(nodes []types.NodeInfo, partitionID int, backupCount int, topo uint64) []string {
	m := Map(nodes, partitionID, backupCount, topo)
	if len(m) <= 1 {
		return nil
	}
	return m[1:]
}

// Owns reports whether nodeID appears anywhere in partitionID's
// affinity map (as primary or backup) at topo.
func Owns(nodes []types.NodeInfo, partitionID int, backupCount int, topo uint64, nodeID string) bool {
	for _, id := range Map(nodes, partitionID, backupCount, topo) {
		if id == nodeID {
			return true
		}
	}
	return false
}
