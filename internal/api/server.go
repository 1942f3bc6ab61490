package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/metrics"
	"github.com/JakeFAU/sitecloner/internal/orchestrator"
	"github.com/JakeFAU/sitecloner/internal/proxy"
	"github.com/JakeFAU/sitecloner/internal/recovery"
)

// OwnerHeader carries the caller identity. Authentication happens upstream.
const OwnerHeader = "X-Owner-ID"

const defaultRequestTimeout = 60 * time.Second

// Jobs is the job surface of the orchestrator.
type Jobs interface {
	Submit(ctx context.Context, ownerID, rawURL string, opts clone.Options) (clone.Job, error)
	RerunIncremental(ctx context.Context, ownerID, jobID string) (clone.Job, error)
	Pause(ctx context.Context, ownerID, jobID string) (clone.Job, error)
	Resume(ctx context.Context, ownerID, jobID string) (clone.Job, error)
	Stop(ctx context.Context, ownerID, jobID, reason string) (clone.Job, error)
	Delete(ctx context.Context, ownerID, jobID string) error
	Get(ctx context.Context, ownerID, jobID string) (clone.Job, error)
	List(ctx context.Context, ownerID string, filter clone.JobFilter) ([]clone.Job, error)
}

// Verifications records verification reports.
type Verifications interface {
	Record(ctx context.Context, jobID string, report clone.VerificationReport) (clone.Job, error)
}

// Accounts is the caller-facing part of the credit ledger.
type Accounts interface {
	OpenAccount(ctx context.Context, ownerID, planTier string) (ledger.Account, error)
	Account(ctx context.Context, ownerID string) (ledger.Account, error)
	Transactions(ctx context.Context, ownerID string, limit int) ([]ledger.Transaction, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Account, error)
}

// Proxies is the proxy contribution accountant.
type Proxies interface {
	Register(ctx context.Context, reg proxy.Registration) (proxy.Node, error)
	RecordUsage(nodeID string, requestsServed, bytesTransferred int64, success bool) bool
	SetOnline(ctx context.Context, nodeID string, online bool) (proxy.Node, error)
	Settle(ctx context.Context, nodeID string) (clone.Credits, error)
	Node(ctx context.Context, nodeID string) (proxy.Node, error)
	Nodes(ctx context.Context, ownerID string) ([]proxy.Node, error)
}

// Sites is the disaster recovery scheduler.
type Sites interface {
	AddSite(ctx context.Context, ownerID string, spec recovery.SiteSpec) (recovery.Site, error)
	UpdateSite(ctx context.Context, ownerID, siteID string, spec recovery.SiteSpec) (recovery.Site, error)
	RemoveSite(ctx context.Context, ownerID, siteID string) error
	Sites(ctx context.Context, ownerID string) ([]recovery.Site, error)
	Site(ctx context.Context, ownerID, siteID string) (recovery.Site, error)
	Backups(ctx context.Context, ownerID, siteID string) ([]recovery.BackupVersion, error)
	FailoverEvents(ctx context.Context, ownerID, siteID string) ([]recovery.FailoverEvent, error)
	RecordProbe(ctx context.Context, ownerID, siteID string, probe recovery.Probe) (recovery.Site, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps groups the services behind the API. Proxies and Sites are optional;
// their routes are only mounted when set.
type Deps struct {
	Jobs          Jobs
	Verifications Verifications
	Accounts      Accounts
	Proxies       Proxies
	Sites         Sites
	Ready         []ReadinessCheck
}

// Options controls middleware behavior.
type Options struct {
	// APIKey enables key checking when non-empty.
	APIKey string
	// UsageKey is the key proxy agents present with usage reports. It falls
	// back to APIKey; with neither set, usage reports are refused.
	UsageKey       string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the services.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger}
	usageKey := opts.UsageKey
	if usageKey == "" {
		usageKey = opts.APIKey
	}
	if deps.Proxies != nil && usageKey == "" {
		logger.Warn("no usage key configured, proxy usage reports will be refused")
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Use(ownerMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
				r.Post("/stop", s.stopJob)
				r.Post("/rerun", s.rerunJob)
				r.Post("/verification", s.recordVerification)
			})
		})
		r.Route("/account", func(r chi.Router) {
			r.Get("/", s.getAccount)
			r.Post("/", s.openAccount)
			r.Post("/credits", s.creditAccount)
			r.Get("/transactions", s.listTransactions)
		})
		if deps.Proxies != nil {
			r.Route("/proxy/nodes", func(r chi.Router) {
				r.Post("/", s.registerNode)
				r.Get("/", s.listNodes)
				r.Route("/{node_id}", func(r chi.Router) {
					r.Get("/", s.getNode)
					r.With(apiKeyMiddleware(usageKey)).Post("/usage", s.recordUsage)
					r.Post("/heartbeat", s.heartbeat)
					r.Post("/settle", s.settleNode)
				})
			})
		}
		if deps.Sites != nil {
			r.Route("/recovery/sites", func(r chi.Router) {
				r.Post("/", s.addSite)
				r.Get("/", s.listSites)
				r.Route("/{site_id}", func(r chi.Router) {
					r.Get("/", s.getSite)
					r.Put("/", s.updateSite)
					r.Delete("/", s.removeSite)
					r.Post("/probes", s.recordProbe)
					r.Get("/backups", s.listBackups)
					r.Get("/failovers", s.listFailovers)
				})
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail maps a service error onto an HTTP status and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	var verr *clone.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]string{"error": verr.Error(), "field": verr.Field})
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, clone.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, clone.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, clone.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, clone.ErrInvalidTransition),
		errors.Is(err, clone.ErrVerificationRecorded),
		errors.Is(err, clone.ErrVerificationForbidden),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, proxy.ErrNodeExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type ownerKey struct{}

type requestIDKey struct{}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("owner_id", r.Header.Get(OwnerHeader)),
				zap.String("request_id", requestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// apiKeyMiddleware rejects requests whose key does not match expected. An
// empty expected key rejects everything.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if expected == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
