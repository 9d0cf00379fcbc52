package coordinator

import (
	"fmt"
	"sort"
	"testing"

	"github.com/soltixdb/searchcoord/internal/models"
)

func testNodes(uuids ...string) []models.Node {
	nodes := make([]models.Node, len(uuids))
	for i, u := range uuids {
		nodes[i] = models.Node{ID: int64(i + 1), UUID: u}
	}
	return nodes
}

func uuidsOf(nodes []models.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.UUID
	}
	return out
}

func TestNewRendezvousHash(t *testing.T) {
	rh := NewRendezvousHash(nil)
	if rh == nil {
		t.Fatal("Expected non-nil RendezvousHash")
	}
	if rh.NodeCount() != 0 {
		t.Errorf("Expected 0 initial nodes, got %d", rh.NodeCount())
	}
}

func TestRendezvousHash_GetNode(t *testing.T) {
	rh := NewRendezvousHash(testNodes("node1", "node2"))

	node, ok := rh.GetNode("test-key")
	if !ok || node.UUID == "" {
		t.Fatal("Expected a node")
	}

	node2, _ := rh.GetNode("test-key")
	if node.UUID != node2.UUID {
		t.Error("Expected consistent node for same key")
	}
}

func TestRendezvousHash_GetNode_Empty(t *testing.T) {
	rh := NewRendezvousHash(nil)
	if _, ok := rh.GetNode("key"); ok {
		t.Error("Expected no node from empty hash")
	}
}

func TestRendezvousHash_InputOrderIrrelevant(t *testing.T) {
	a := NewRendezvousHash(testNodes("alpha", "bravo", "charlie"))
	b := NewRendezvousHash(testNodes("charlie", "alpha", "bravo"))

	for i := 0; i < 50; i++ {
		key := NamespaceKey(int64(i))
		ra, rb := uuidsOf(a.Rank(key)), uuidsOf(b.Rank(key))
		if fmt.Sprint(ra) != fmt.Sprint(rb) {
			t.Fatalf("Key %q ranked differently: %v vs %v", key, ra, rb)
		}
	}
}

func TestRendezvousHash_RankContainsEveryNode(t *testing.T) {
	rh := NewRendezvousHash(testNodes("n1", "n2", "n3", "n4"))
	ranked := uuidsOf(rh.Rank("namespace:9"))
	sort.Strings(ranked)
	if fmt.Sprint(ranked) != "[n1 n2 n3 n4]" {
		t.Errorf("Rank should be a permutation of the nodes, got %v", ranked)
	}
}

func TestRendezvousHash_GetNodes(t *testing.T) {
	rh := NewRendezvousHash(testNodes("node1", "node2", "node3"))

	nodes := rh.GetNodes("test-key", 2, nil)
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].UUID == nodes[1].UUID {
		t.Error("Expected distinct nodes")
	}
}

func TestRendezvousHash_GetNodes_MoreThanAvailable(t *testing.T) {
	rh := NewRendezvousHash(testNodes("node1", "node2"))
	if nodes := rh.GetNodes("key", 5, nil); len(nodes) != 2 {
		t.Errorf("Expected 2 nodes (all available), got %d", len(nodes))
	}
}

func TestRendezvousHash_GetNodes_FitsSkipsNodes(t *testing.T) {
	rh := NewRendezvousHash(testNodes("node1", "node2", "node3"))
	ranked := rh.Rank("key")

	skip := ranked[0].UUID
	nodes := rh.GetNodes("key", 1, func(n models.Node) bool { return n.UUID != skip })
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 node, got %d", len(nodes))
	}
	if nodes[0].UUID != ranked[1].UUID {
		t.Errorf("Expected fallback to second-ranked %q, got %q", ranked[1].UUID, nodes[0].UUID)
	}

	none := rh.GetNodes("key", 3, func(models.Node) bool { return false })
	if len(none) != 0 {
		t.Errorf("Expected no nodes when nothing fits, got %v", uuidsOf(none))
	}
}

func TestRendezvousHash_GetNode_ConsistentWithRank(t *testing.T) {
	rh := NewRendezvousHash(testNodes("node1", "node2", "node3"))

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		single, _ := rh.GetNode(key)
		if ranked := rh.Rank(key); ranked[0].UUID != single.UUID {
			t.Errorf("Key %q: GetNode=%q but Rank starts with %q", key, single.UUID, ranked[0].UUID)
		}
	}
}

func TestRendezvousHash_MinimalDisruption(t *testing.T) {
	before := NewRendezvousHash(testNodes("node1", "node2", "node3"))
	after := NewRendezvousHash(testNodes("node1", "node3"))

	moved := 0
	for i := 0; i < 100; i++ {
		key := NamespaceKey(int64(i))
		was, _ := before.GetNode(key)
		now, _ := after.GetNode(key)
		if was.UUID != now.UUID {
			// only keys on the removed node may move
			if was.UUID != "node2" {
				t.Errorf("Key %q moved from %q to %q but was not on removed node", key, was.UUID, now.UUID)
			}
			moved++
		}
	}

	if moved == 0 {
		t.Error("Expected some keys to move after removing a node")
	}
}

func TestNamespaceKey(t *testing.T) {
	if got := NamespaceKey(42); got != "namespace:42" {
		t.Errorf("Expected namespace:42, got %q", got)
	}
}
