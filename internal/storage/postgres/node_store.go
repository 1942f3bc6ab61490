package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecloner/internal/proxy"
)

const (
	insertNodeSQL = `INSERT INTO proxy_nodes (id, owner_id, registered_at, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`
	selectNodeSQL       = `SELECT doc FROM proxy_nodes WHERE id = $1`
	selectNodeLockedSQL = `SELECT doc FROM proxy_nodes WHERE id = $1 FOR UPDATE`
	updateNodeSQL       = `UPDATE proxy_nodes SET doc = $2 WHERE id = $1`
	listNodesSQL        = `SELECT doc FROM proxy_nodes WHERE ($1 = '' OR owner_id = $1) ORDER BY registered_at, id`
)

// NodeStore persists proxy nodes in Postgres.
type NodeStore struct {
	db DB
}

// NewNodeStore constructs a NodeStore on db.
func NewNodeStore(db DB) *NodeStore {
	return &NodeStore{db: db}
}

// CreateNode inserts a new node.
func (s *NodeStore) CreateNode(ctx context.Context, node proxy.Node) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node: %w", err)
	}
	tag, err := s.db.Exec(ctx, insertNodeSQL, node.ID, node.OwnerID, node.RegisteredAt, doc)
	if err != nil {
		return fmt.Errorf("insert node %s: %w", node.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return proxy.ErrNodeExists
	}
	return nil
}

// GetNode fetches a node by ID.
func (s *NodeStore) GetNode(ctx context.Context, nodeID string) (proxy.Node, error) {
	return loadNode(s.db.QueryRow(ctx, selectNodeSQL, nodeID))
}

// ListNodes returns nodes for ownerID, or every node when ownerID is empty.
func (s *NodeStore) ListNodes(ctx context.Context, ownerID string) ([]proxy.Node, error) {
	rows, err := s.db.Query(ctx, listNodesSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return decodeAll[proxy.Node](rows, "node")
}

// UpdateNode locks the node row and applies fn.
func (s *NodeStore) UpdateNode(ctx context.Context, nodeID string, fn func(*proxy.Node) error) (proxy.Node, error) {
	var out proxy.Node
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		node, err := loadNode(tx.QueryRow(ctx, selectNodeLockedSQL, nodeID))
		if err != nil {
			return err
		}
		if err := fn(&node); err != nil {
			return err
		}
		doc, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encode node: %w", err)
		}
		if _, err := tx.Exec(ctx, updateNodeSQL, nodeID, doc); err != nil {
			return fmt.Errorf("update node %s: %w", nodeID, err)
		}
		out = node
		return nil
	})
	if err != nil {
		return proxy.Node{}, err
	}
	return out, nil
}

func loadNode(row pgx.Row) (proxy.Node, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return proxy.Node{}, proxy.ErrNodeNotFound
		}
		return proxy.Node{}, fmt.Errorf("load node: %w", err)
	}
	var node proxy.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return proxy.Node{}, fmt.Errorf("decode node: %w", err)
	}
	return node, nil
}
