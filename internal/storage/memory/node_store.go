package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/sitecloner/internal/proxy"
)

// NodeStore keeps proxy nodes in memory.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string]proxy.Node
}

// NewNodeStore constructs a NodeStore.
func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[string]proxy.Node)}
}

// CreateNode stores a new node.
func (s *NodeStore) CreateNode(_ context.Context, node proxy.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.ID]; exists {
		return proxy.ErrNodeExists
	}
	s.nodes[node.ID] = copyNode(node)
	return nil
}

// GetNode fetches a node by ID.
func (s *NodeStore) GetNode(_ context.Context, nodeID string) (proxy.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return proxy.Node{}, proxy.ErrNodeNotFound
	}
	return copyNode(node), nil
}

// ListNodes returns nodes for ownerID, or every node when ownerID is empty.
func (s *NodeStore) ListNodes(_ context.Context, ownerID string) ([]proxy.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proxy.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if ownerID == "" || n.OwnerID == ownerID {
			out = append(out, copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

// UpdateNode applies fn atomically.
func (s *NodeStore) UpdateNode(_ context.Context, nodeID string, fn func(*proxy.Node) error) (proxy.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return proxy.Node{}, proxy.ErrNodeNotFound
	}
	working := copyNode(node)
	if err := fn(&working); err != nil {
		return proxy.Node{}, err
	}
	s.nodes[nodeID] = copyNode(working)
	return working, nil
}

func copyNode(n proxy.Node) proxy.Node {
	cp := n
	if n.PendingWindow != nil {
		w := *n.PendingWindow
		cp.PendingWindow = &w
	}
	if n.LastSeenAt != nil {
		t := *n.LastSeenAt
		cp.LastSeenAt = &t
	}
	if n.LastSettledAt != nil {
		t := *n.LastSettledAt
		cp.LastSettledAt = &t
	}
	return cp
}
