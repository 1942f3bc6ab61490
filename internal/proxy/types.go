package proxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// ErrNodeNotFound is returned for unknown node IDs.
var ErrNodeNotFound = fmt.Errorf("proxy node %w", clone.ErrNotFound)

// ErrNodeExists is returned when a node ID is registered twice.
var ErrNodeExists = errors.New("proxy node already registered")

// Node is a user-contributed egress proxy.
type Node struct {
	ID                    string        `json:"id"`
	OwnerID               string        `json:"owner_id"`
	Host                  string        `json:"host"`
	Port                  int           `json:"port"`
	Country               string        `json:"country"`
	IsOnline              bool          `json:"is_online"`
	SuccessRate           float64       `json:"success_rate"`
	TotalRequests         int64         `json:"total_requests"`
	BytesServed           int64         `json:"bytes_served"`
	CreditsEarned         clone.Credits `json:"credits_earned"`
	RegistrationBonusPaid bool          `json:"registration_bonus_paid"`
	RegisteredAt          time.Time     `json:"registered_at"`
	LastSeenAt            *time.Time    `json:"last_seen_at,omitempty"`
	LastSettledAt         *time.Time    `json:"last_settled_at,omitempty"`
	// PendingWindow is a drained window whose ledger credit has not yet been
	// confirmed. The next settlement retries it under the same reference.
	PendingWindow *Window `json:"pending_window,omitempty"`
}

// Window is one settlement period of usage for a node.
type Window struct {
	ID        string        `json:"id"`
	Requests  int64         `json:"requests"`
	Successes int64         `json:"successes"`
	Bytes     int64         `json:"bytes"`
	Credits   clone.Credits `json:"credits"`
	ClosedAt  time.Time     `json:"closed_at"`
}

// SuccessRate is the fraction of requests in the window that succeeded.
func (w Window) SuccessRate() float64 {
	if w.Requests <= 0 {
		return 0
	}
	return math.Min(1, float64(w.Successes)/float64(w.Requests))
}

// Reference is the idempotency key used when crediting this window.
func (w Window) Reference() string {
	return "proxy-window:" + w.ID
}

// Rates are the accrual constants. All are configurable.
type Rates struct {
	PerRequest        clone.Credits
	PerMB             clone.Credits
	SuccessThreshold  float64
	SuccessBonus      float64
	RegistrationBonus clone.Credits
}

// Accrue computes credits for a window:
// (requests*PerRequest + MB*PerMB), multiplied by SuccessBonus when the
// window's success rate is at least SuccessThreshold.
func (r Rates) Accrue(w Window) clone.Credits {
	base := r.PerRequest*clone.Credits(w.Requests) +
		clone.Credits(math.Round(float64(r.PerMB)*float64(w.Bytes)/1e6))
	if w.Requests > 0 && r.SuccessBonus > 0 && w.SuccessRate() >= r.SuccessThreshold {
		return base.MulFloat(r.SuccessBonus)
	}
	return base
}

// Registration describes a node being added to the network.
type Registration struct {
	OwnerID string
	Host    string
	Port    int
	Country string
}

// Store persists proxy nodes.
type Store interface {
	CreateNode(ctx context.Context, node Node) error
	GetNode(ctx context.Context, nodeID string) (Node, error)
	ListNodes(ctx context.Context, ownerID string) ([]Node, error)
	UpdateNode(ctx context.Context, nodeID string, fn func(*Node) error) (Node, error)
}
