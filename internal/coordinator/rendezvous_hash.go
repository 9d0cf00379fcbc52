package coordinator

import (
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/soltixdb/searchcoord/internal/models"
)

// RendezvousHash ranks nodes for a key by highest random weight (HRW).
// Every coordinator computes the same ranking for the same key and node set, so placement
// is stable across restarts and moves as few namespaces as possible when nodes come and go.
// Lookup is O(N), fine for fleets of tens of nodes.
type RendezvousHash struct {
	nodes []models.Node
}

// NewRendezvousHash builds a hash over nodes. Node order does not matter.
func NewRendezvousHash(nodes []models.Node) *RendezvousHash {
	sorted := make([]models.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UUID < sorted[j].UUID })
	return &RendezvousHash{nodes: sorted}
}

// NamespaceKey is the placement key of a root namespace
func NamespaceKey(rootNamespaceID int64) string {
	return "namespace:" + strconv.FormatInt(rootNamespaceID, 10)
}

func weight(key, nodeUUID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{':'})
	h.Write([]byte(nodeUUID))
	return h.Sum64()
}

// GetNode returns the highest-weight node for key, or false when there are no nodes
func (rh *RendezvousHash) GetNode(key string) (models.Node, bool) {
	if len(rh.nodes) == 0 {
		return models.Node{}, false
	}

	var best models.Node
	var bestWeight uint64
	for i, n := range rh.nodes {
		w := weight(key, n.UUID)
		if i == 0 || w > bestWeight {
			best, bestWeight = n, w
		}
	}
	return best, true
}

// Rank returns every node ordered by descending weight for key
func (rh *RendezvousHash) Rank(key string) []models.Node {
	type nodeWeight struct {
		node   models.Node
		weight uint64
	}

	weights := make([]nodeWeight, len(rh.nodes))
	for i, n := range rh.nodes {
		weights[i] = nodeWeight{n, weight(key, n.UUID)}
	}
	sort.SliceStable(weights, func(i, j int) bool {
		return weights[i].weight > weights[j].weight
	})

	out := make([]models.Node, len(weights))
	for i, w := range weights {
		out[i] = w.node
	}
	return out
}

// GetNodes returns up to count highest-weight nodes for key that satisfy fits
func (rh *RendezvousHash) GetNodes(key string, count int, fits func(models.Node) bool) []models.Node {
	var out []models.Node
	for _, n := range rh.Rank(key) {
		if len(out) >= count {
			break
		}
		if fits == nil || fits(n) {
			out = append(out, n)
		}
	}
	return out
}

// NodeCount returns the number of nodes in the hash
func (rh *RendezvousHash) NodeCount() int {
	return len(rh.nodes)
}
