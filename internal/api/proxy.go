package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/proxy"
)

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.deps.Proxies.Register(r.Context(), proxy.Registration{
		OwnerID: ownerFrom(r.Context()),
		Host:    req.Host,
		Port:    req.Port,
		Country: req.Country,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"node": node})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Proxies.Nodes(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []proxy.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, ok := s.ownedNode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": node})
}

// recordUsage accepts a usage report from the node's agent. Reports for
// unknown nodes are dropped and answered with 404.
func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	node, ok := s.ownedNode(w, r)
	if !ok {
		return
	}
	if !s.deps.Proxies.RecordUsage(node.ID, req.RequestsServed, req.BytesTransferred, req.Success) {
		s.fail(w, r, fmt.Errorf("usage for %s: %w", node.ID, proxy.ErrNodeNotFound))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	node, ok := s.ownedNode(w, r)
	if !ok {
		return
	}
	online := req.Online == nil || *req.Online
	node, err := s.deps.Proxies.SetOnline(r.Context(), node.ID, online)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": node})
}

func (s *Server) settleNode(w http.ResponseWriter, r *http.Request) {
	node, ok := s.ownedNode(w, r)
	if !ok {
		return
	}
	credits, err := s.deps.Proxies.Settle(r.Context(), node.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": node.ID, "credited": credits})
}

func (s *Server) ownedNode(w http.ResponseWriter, r *http.Request) (proxy.Node, bool) {
	nodeID := chi.URLParam(r, "node_id")
	node, err := s.deps.Proxies.Node(r.Context(), nodeID)
	if err != nil {
		s.fail(w, r, err)
		return proxy.Node{}, false
	}
	if node.OwnerID != ownerFrom(r.Context()) {
		s.fail(w, r, fmt.Errorf("proxy node %s: %w", nodeID, clone.ErrForbidden))
		return proxy.Node{}, false
	}
	return node, true
}
