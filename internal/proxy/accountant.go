// Package proxy meters bandwidth contributed by user proxy nodes and settles
// the earnings into the credit ledger.
//
// RecordUsage sits on the request path of the proxy transport, so it only
// takes a shared lock and bumps atomic counters. Settlement drains those
// counters into a stamped window and credits the owner exactly once per window.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/metrics"
)

// Crediter is the slice of the ledger the accountant needs.
type Crediter interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Account, error)
	Reverse(ctx context.Context, ownerID string, amount clone.Credits, reference, reason string) (ledger.Account, error)
}

// Config tunes the accountant.
type Config struct {
	Rates             Rates
	SettleInterval    time.Duration
	SettleConcurrency int
}

// liveCounters is a node's open usage window. Reporters hold gate shared
// while they add, and drain holds it exclusively so the three counters are
// read as one snapshot.
type liveCounters struct {
	gate      sync.RWMutex
	requests  atomic.Int64
	successes atomic.Int64
	bytes     atomic.Int64
	settleMu  sync.Mutex
}

func (c *liveCounters) add(requests, successes, bytes int64) {
	c.gate.RLock()
	c.requests.Add(requests)
	c.successes.Add(successes)
	c.bytes.Add(bytes)
	c.gate.RUnlock()
}

func (c *liveCounters) swap() (requests, successes, bytes int64) {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.requests.Swap(0), c.successes.Swap(0), c.bytes.Swap(0)
}

// Accountant meters proxy usage and settles it into the ledger.
type Accountant struct {
	store    Store
	ledger   Crediter
	clock    clone.Clock
	idGen    clone.IDGenerator
	cfg      Config
	logger   *zap.Logger
	counters sync.Map // node ID -> *liveCounters
}

// NewAccountant constructs an Accountant.
func NewAccountant(
	store Store,
	crediter Crediter,
	clock clone.Clock,
	idGen clone.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SettleConcurrency <= 0 {
		cfg.SettleConcurrency = 4
	}
	return &Accountant{
		store:  store,
		ledger: crediter,
		clock:  clock,
		idGen:  idGen,
		cfg:    cfg,
		logger: logger,
	}
}

// Load primes usage counters for every persisted node so RecordUsage accepts
// reports after a restart.
func (a *Accountant) Load(ctx context.Context) error {
	nodes, err := a.store.ListNodes(ctx, "")
	if err != nil {
		return fmt.Errorf("load proxy nodes: %w", err)
	}
	for _, n := range nodes {
		a.counters.LoadOrStore(n.ID, &liveCounters{})
	}
	a.logger.Info("proxy nodes loaded", zap.Int("count", len(nodes)))
	return nil
}

// Register adds a node and pays the one-time registration bonus.
func (a *Accountant) Register(ctx context.Context, reg Registration) (Node, error) {
	if reg.OwnerID == "" {
		return Node{}, &clone.ValidationError{Field: "owner_id", Reason: "required"}
	}
	if reg.Host == "" {
		return Node{}, &clone.ValidationError{Field: "host", Reason: "required"}
	}
	if reg.Port <= 0 || reg.Port > 65535 {
		return Node{}, &clone.ValidationError{Field: "port", Reason: "must be between 1 and 65535"}
	}
	id, err := a.idGen.NewID()
	if err != nil {
		return Node{}, fmt.Errorf("register proxy node: %w", err)
	}
	now := a.clock.Now()
	node := Node{
		ID:           id,
		OwnerID:      reg.OwnerID,
		Host:         reg.Host,
		Port:         reg.Port,
		Country:      reg.Country,
		IsOnline:     true,
		RegisteredAt: now,
		LastSeenAt:   &now,
	}
	if err := a.store.CreateNode(ctx, node); err != nil {
		return Node{}, fmt.Errorf("register proxy node: %w", err)
	}
	a.counters.LoadOrStore(id, &liveCounters{})
	a.logger.Info("proxy node registered",
		zap.String("node_id", id),
		zap.String("owner_id", reg.OwnerID),
		zap.String("country", reg.Country),
	)
	paid, err := a.payRegistrationBonus(ctx, node)
	if err != nil {
		a.logger.Warn("registration bonus deferred", zap.String("node_id", id), zap.Error(err))
		return node, nil
	}
	return paid, nil
}

// RecordUsage adds usage to the node's open window. It waits only while a
// settlement swaps the window out, and reports false when the node is unknown and the report was dropped.
func (a *Accountant) RecordUsage(nodeID string, requestsServed, bytesTransferred int64, success bool) bool {
	v, ok := a.counters.Load(nodeID)
	if !ok {
		metrics.ObserveProxyUsageDropped()
		return false
	}
	if requestsServed < 0 || bytesTransferred < 0 {
		return false
	}
	var successes int64
	if success {
		successes = requestsServed
	}
	v.(*liveCounters).add(requestsServed, successes, bytesTransferred)
	return true
}

// Settle closes the node's current window and credits its owner. Calling it
// again without new usage accrues nothing.
func (a *Accountant) Settle(ctx context.Context, nodeID string) (clone.Credits, error) {
	credits, err := a.settle(ctx, nodeID)
	metrics.ObserveSettlement(credits.Float(), err)
	return credits, err
}

func (a *Accountant) settle(ctx context.Context, nodeID string) (clone.Credits, error) {
	node, err := a.store.GetNode(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("settle node %s: %w", nodeID, err)
	}
	v, _ := a.counters.LoadOrStore(nodeID, &liveCounters{})
	c := v.(*liveCounters)
	c.settleMu.Lock()
	defer c.settleMu.Unlock()

	if !node.RegistrationBonusPaid {
		if _, err := a.payRegistrationBonus(ctx, node); err != nil {
			a.logger.Warn("registration bonus retry failed", zap.String("node_id", nodeID), zap.Error(err))
		}
	}

	node, err = a.store.GetNode(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("settle node %s: %w", nodeID, err)
	}
	window := node.PendingWindow
	if window == nil {
		window, err = a.drain(ctx, nodeID, c)
		if err != nil || window == nil {
			return 0, err
		}
	}

	if window.Credits > 0 {
		_, err = a.ledger.Credit(ctx, ledger.CreditRequest{
			OwnerID:     node.OwnerID,
			Amount:      window.Credits,
			Source:      ledger.SourceProxy,
			Reference:   window.Reference(),
			Description: "proxy node " + nodeID,
		})
		if err != nil {
			return 0, fmt.Errorf("settle node %s: credit window %s: %w", nodeID, window.ID, err)
		}
	}

	now := a.clock.Now()
	_, err = a.store.UpdateNode(ctx, nodeID, func(n *Node) error {
		if n.PendingWindow == nil || n.PendingWindow.ID != window.ID {
			return nil
		}
		n.TotalRequests += window.Requests
		n.BytesServed += window.Bytes
		n.CreditsEarned += window.Credits
		if window.Requests > 0 {
			n.SuccessRate = window.SuccessRate()
		}
		n.LastSettledAt = &now
		n.PendingWindow = nil
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("settle node %s: fold window: %w", nodeID, err)
	}
	a.logger.Info("proxy window settled",
		zap.String("node_id", nodeID),
		zap.String("window_id", window.ID),
		zap.Int64("requests", window.Requests),
		zap.Int64("bytes", window.Bytes),
		zap.Float64("success_rate", window.SuccessRate()),
		zap.Stringer("credits", window.Credits),
	)
	return window.Credits, nil
}

// drain swaps the live counters into a stamped window and persists it as the
// node's pending window. It returns nil when there was no usage.
func (a *Accountant) drain(ctx context.Context, nodeID string, c *liveCounters) (*Window, error) {
	requests, successes, bytes := c.swap()
	if requests == 0 && bytes == 0 {
		return nil, nil
	}
	restore := func() { c.add(requests, successes, bytes) }
	id, err := a.idGen.NewID()
	if err != nil {
		restore()
		return nil, fmt.Errorf("settle node %s: window id: %w", nodeID, err)
	}
	window := &Window{
		ID:        id,
		Requests:  requests,
		Successes: successes,
		Bytes:     bytes,
		ClosedAt:  a.clock.Now(),
	}
	window.Credits = a.cfg.Rates.Accrue(*window)
	_, err = a.store.UpdateNode(ctx, nodeID, func(n *Node) error {
		n.PendingWindow = window
		return nil
	})
	if err != nil {
		restore()
		return nil, fmt.Errorf("settle node %s: persist window: %w", nodeID, err)
	}
	return window, nil
}

// SettleAll settles every node with bounded concurrency. Failures are logged
// and the first one is returned after all nodes were attempted.
func (a *Accountant) SettleAll(ctx context.Context) error {
	nodes, err := a.store.ListNodes(ctx, "")
	if err != nil {
		return fmt.Errorf("settle all: %w", err)
	}
	var g errgroup.Group
	g.SetLimit(a.cfg.SettleConcurrency)
	for _, n := range nodes {
		nodeID := n.ID
		g.Go(func() error {
			if _, err := a.Settle(ctx, nodeID); err != nil {
				a.logger.Warn("proxy settlement failed", zap.String("node_id", nodeID), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("settle all: %w", err)
	}
	return nil
}

// Run settles all nodes every SettleInterval until ctx is canceled.
func (a *Accountant) Run(ctx context.Context) {
	if a.cfg.SettleInterval <= 0 {
		a.logger.Info("periodic proxy settlement disabled")
		return
	}
	ticker := time.NewTicker(a.cfg.SettleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.SettleAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("periodic settlement incomplete", zap.Error(err))
			}
		}
	}
}

// SetOnline records a heartbeat or disconnect.
func (a *Accountant) SetOnline(ctx context.Context, nodeID string, online bool) (Node, error) {
	now := a.clock.Now()
	node, err := a.store.UpdateNode(ctx, nodeID, func(n *Node) error {
		n.IsOnline = online
		n.LastSeenAt = &now
		return nil
	})
	if err != nil {
		return Node{}, fmt.Errorf("set node %s online=%t: %w", nodeID, online, err)
	}
	return node, nil
}

// Reverse claws back credits from a node, e.g. after abuse is detected.
func (a *Accountant) Reverse(ctx context.Context, nodeID string, amount clone.Credits, reason string) (Node, error) {
	node, err := a.store.GetNode(ctx, nodeID)
	if err != nil {
		return Node{}, fmt.Errorf("reverse node %s: %w", nodeID, err)
	}
	if amount > node.CreditsEarned {
		return Node{}, &clone.ValidationError{Field: "amount", Reason: "exceeds credits earned by node"}
	}
	ref, err := a.idGen.NewID()
	if err != nil {
		return Node{}, fmt.Errorf("reverse node %s: %w", nodeID, err)
	}
	if _, err := a.ledger.Reverse(ctx, node.OwnerID, amount, "proxy-reversal:"+ref, reason); err != nil {
		return Node{}, fmt.Errorf("reverse node %s: %w", nodeID, err)
	}
	node, err = a.store.UpdateNode(ctx, nodeID, func(n *Node) error {
		n.CreditsEarned -= amount
		if n.CreditsEarned < 0 {
			n.CreditsEarned = 0
		}
		return nil
	})
	if err != nil {
		return Node{}, fmt.Errorf("reverse node %s: %w", nodeID, err)
	}
	a.logger.Warn("proxy credits reversed",
		zap.String("node_id", nodeID),
		zap.Stringer("amount", amount),
		zap.String("reason", reason),
	)
	return node, nil
}

// Node fetches one node.
func (a *Accountant) Node(ctx context.Context, nodeID string) (Node, error) {
	node, err := a.store.GetNode(ctx, nodeID)
	if err != nil {
		return Node{}, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return node, nil
}

// Nodes lists nodes for an owner.
func (a *Accountant) Nodes(ctx context.Context, ownerID string) ([]Node, error) {
	nodes, err := a.store.ListNodes(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list nodes for %s: %w", ownerID, err)
	}
	return nodes, nil
}

func (a *Accountant) payRegistrationBonus(ctx context.Context, node Node) (Node, error) {
	if a.cfg.Rates.RegistrationBonus <= 0 {
		return node, nil
	}
	_, err := a.ledger.Credit(ctx, ledger.CreditRequest{
		OwnerID:     node.OwnerID,
		Amount:      a.cfg.Rates.RegistrationBonus,
		Source:      ledger.SourceProxy,
		Reference:   "proxy-registration:" + node.ID,
		Description: "proxy node registration bonus",
	})
	if err != nil {
		return node, fmt.Errorf("pay registration bonus: %w", err)
	}
	updated, err := a.store.UpdateNode(ctx, node.ID, func(n *Node) error {
		if !n.RegistrationBonusPaid {
			n.RegistrationBonusPaid = true
			n.CreditsEarned += a.cfg.Rates.RegistrationBonus
		}
		return nil
	})
	if err != nil {
		return node, fmt.Errorf("mark registration bonus: %w", err)
	}
	return updated, nil
}
