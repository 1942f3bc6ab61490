package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clock/fake"
	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/id/sequence"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/lifecycle"
	"github.com/JakeFAU/sitecloner/internal/orchestrator"
	"github.com/JakeFAU/sitecloner/internal/policy/simple"
	"github.com/JakeFAU/sitecloner/internal/proxy"
	queuemem "github.com/JakeFAU/sitecloner/internal/queue/memory"
	"github.com/JakeFAU/sitecloner/internal/recovery"
	"github.com/JakeFAU/sitecloner/internal/storage/memory"
	"github.com/JakeFAU/sitecloner/internal/verification"
)

const (
	alice   = "alice"
	mallory = "mallory"
)

type testEnv struct {
	handler http.Handler
	ledger  *ledger.Ledger
	machine *lifecycle.Machine
	key     string
}

// as returns a copy of e that sends key as X-API-Key.
func (e *testEnv) as(key string) *testEnv {
	c := *e
	c.key = key
	return &c
}

func newTestEnv(t *testing.T, opts Options, ready ...ReadinessCheck) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := fake.New(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	l := ledger.New(memory.NewLedgerStore(), clock, sequence.New("res"),
		ledger.Config{Plans: map[string]clone.Credits{"starter": clone.WholeCredits(10)}}, zap.NewNop())
	for _, owner := range []string{alice, mallory} {
		_, err := l.OpenAccount(ctx, owner, "starter")
		require.NoError(t, err)
	}
	pricing := ledger.Pricing{PerPage: clone.WholeCredits(1)}
	jobs := memory.NewJobStore()
	machine := lifecycle.New(jobs, l, nil, clock, lifecycle.Config{Pricing: pricing}, zap.NewNop())
	svc := orchestrator.New(orchestrator.Deps{
		Jobs:    jobs,
		Queue:   queuemem.NewQueue(16),
		Ledger:  l,
		Machine: machine,
		Policy:  simple.New(false),
		Remover: memory.NewBlobStore(),
		Clock:   clock,
		IDs:     sequence.New("job"),
	}, orchestrator.Config{
		Pricing:       pricing,
		Defaults:      clone.Options{MaxPages: 5, MaxDepth: 2, ExportFormat: "zip"},
		MaxPagesLimit: 100,
		ExportFormats: []string{"zip", "html"},
	}, zap.NewNop())
	accountant := proxy.NewAccountant(memory.NewNodeStore(), l, clock, sequence.New("node"), proxy.Config{
		Rates: proxy.Rates{PerRequest: clone.CreditsFromFloat(0.01)},
	}, zap.NewNop())
	sites := recovery.New(memory.NewSiteStore(), svc, nil, clock, sequence.New("site"), recovery.Config{}, zap.NewNop())

	server := NewServer(Deps{
		Jobs:          svc,
		Verifications: verification.NewRecorder(jobs, clock, zap.NewNop()),
		Accounts:      l,
		Proxies:       accountant,
		Sites:         sites,
		Ready:         ready,
	}, opts, zap.NewNop())
	return &testEnv{handler: server.Handler(), ledger: l, machine: machine}
}

func (e *testEnv) do(t *testing.T, method, path, owner string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	if e.key != "" {
		req.Header.Set("X-API-Key", e.key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func field(t *testing.T, payload map[string]any, key, name string) any {
	t.Helper()
	obj, ok := payload[key].(map[string]any)
	require.True(t, ok, "missing %q in %v", key, payload)
	return obj[name]
}

func TestSubmitAndGetJob(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})

	rec, body := e.do(t, http.MethodPost, "/v1/jobs", alice, map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := field(t, body, "job", "id").(string)
	require.Equal(t, "/v1/jobs/"+jobID, rec.Header().Get("Location"))
	require.Equal(t, string(clone.JobStatusPending), field(t, body, "job", "status"))

	rec, body = e.do(t, http.MethodGet, "/v1/jobs/"+jobID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://example.com", field(t, body, "job", "target_url"))

	rec, _ = e.do(t, http.MethodGet, "/v1/jobs/"+jobID, mallory, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/v1/jobs/missing", alice, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = e.do(t, http.MethodGet, "/v1/jobs?status=pending", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["jobs"], 1)

	acct, err := e.ledger.Account(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, clone.WholeCredits(5), acct.Reserved)
}

func TestRequestsWithoutOwnerAreRejected(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})

	rec, _ := e.do(t, http.MethodGet, "/v1/jobs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitErrorsMapToStatusCodes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})

	tests := []struct {
		name   string
		body   any
		status int
		field  string
	}{
		{name: "malformed", body: `{"url":`, status: http.StatusBadRequest, field: "body"},
		{name: "missing url", body: map[string]any{"max_pages": 3}, status: http.StatusBadRequest, field: "url"},
		{name: "negative pages", body: map[string]any{"url": "https://example.com", "max_pages": -1}, status: http.StatusBadRequest, field: "max_pages"},
		{name: "unsupported scheme", body: map[string]any{"url": "ftp://example.com"}, status: http.StatusBadRequest},
		{name: "unknown export", body: map[string]any{"url": "https://example.com", "export_format": "pdf"}, status: http.StatusBadRequest, field: "export_format"},
		{name: "insufficient credit", body: map[string]any{"url": "https://example.com", "max_pages": 50}, status: http.StatusPaymentRequired},
	}
	for _, tc := range tests {
		rec, body := e.do(t, http.MethodPost, "/v1/jobs", alice, tc.body)
		require.Equal(t, tc.status, rec.Code, tc.name)
		if tc.field != "" {
			require.Equal(t, tc.field, body["field"], tc.name)
		}
	}

	rec, body := e.do(t, http.MethodGet, "/v1/jobs", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["jobs"])
}

func TestJobControlRoutes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})

	_, body := e.do(t, http.MethodPost, "/v1/jobs", alice, map[string]any{"url": "https://example.com", "max_pages": 3})
	jobID := field(t, body, "job", "id").(string)

	// Pending jobs cannot be paused.
	rec, _ := e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/pause", alice, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	_, err := e.machine.Claim(context.Background(), jobID, "worker-1")
	require.NoError(t, err)

	rec, body = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/pause", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(clone.JobStatusPaused), field(t, body, "job", "status"))

	rec, _ = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/resume", mallory, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/resume", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(clone.JobStatusProcessing), field(t, body, "job", "status"))

	rec, body = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/stop", alice, map[string]any{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(clone.JobStatusFailed), field(t, body, "job", "status"))
	require.Equal(t, "changed my mind", field(t, body, "job", "failure_reason"))

	rec, _ = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/stop", alice, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	acct, err := e.ledger.Account(context.Background(), alice)
	require.NoError(t, err)
	require.Zero(t, acct.Reserved)
	require.Equal(t, clone.WholeCredits(10), acct.Balance)
}

func TestRecordVerification(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})

	_, body := e.do(t, http.MethodPost, "/v1/jobs", alice, map[string]any{"url": "https://example.com"})
	jobID := field(t, body, "job", "id").(string)
	report := map[string]any{
		"passed":  true,
		"score":   92,
		"summary": "looks right",
		"checks":  []map[string]any{{"name": "links", "passed": true}},
	}

	// Pending jobs do not accept reports.
	rec, _ := e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/verification", alice, report)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/verification", alice, map[string]any{
		"score": 50, "summary": "x", "checks": []map[string]any{{"passed": true}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "checks[0].name", body["field"])

	_, err := e.machine.Stop(context.Background(), jobID, "")
	require.NoError(t, err)

	rec, _ = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/verification", mallory, report)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/verification", alice, report)
	require.Equal(t, http.StatusOK, rec.Code)
	verificationOut, ok := field(t, body, "job", "verification").(map[string]any)
	require.True(t, ok)
	require.InDelta(t, 92, verificationOut["score"], 0)

	rec, _ = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/verification", alice, report)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteAndRerun(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})
	ctx := context.Background()

	_, body := e.do(t, http.MethodPost, "/v1/jobs", alice, map[string]any{"url": "https://example.com", "max_pages": 2})
	jobID := field(t, body, "job", "id").(string)

	// Only completed jobs can seed a rerun.
	rec, _ := e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/rerun", alice, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	_, err := e.machine.Claim(ctx, jobID, "worker-1")
	require.NoError(t, err)
	_, err = e.machine.Complete(ctx, jobID, "worker-1", lifecycle.Completion{
		OutputLocation: "memory://clones/" + jobID,
		PagesCloned:    2,
	})
	require.NoError(t, err)

	rec, body = e.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/rerun", alice, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, jobID, field(t, body, "job", "parent_job_id"))

	rec, _ = e.do(t, http.MethodDelete, "/v1/jobs/"+jobID, mallory, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodDelete, "/v1/jobs/"+jobID, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/v1/jobs/"+jobID, alice, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountRoutes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})

	rec, body := e.do(t, http.MethodPost, "/v1/account", "bob", map[string]any{"plan_tier": "starter"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.InDelta(t, 10, field(t, body, "account", "balance"), 0)

	rec, _ = e.do(t, http.MethodPost, "/v1/account", "bob", map[string]any{"plan_tier": "starter"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/account", "carol", map[string]any{"plan_tier": "platinum"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/v1/account", "carol", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/v1/account/credits", "bob", map[string]any{
		"amount": "2.5", "source": "purchase", "reference": "order-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 12.5, field(t, body, "account", "balance"), 1e-9)

	// Replaying the same reference does not credit twice.
	rec, body = e.do(t, http.MethodPost, "/v1/account/credits", "bob", map[string]any{
		"amount": "2.5", "source": "purchase", "reference": "order-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 12.5, field(t, body, "account", "available"), 1e-9)

	rec, _ = e.do(t, http.MethodPost, "/v1/account/credits", "bob", map[string]any{"amount": 5, "source": "proxy"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, http.MethodGet, "/v1/account/transactions?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, body["transactions"])
}

func TestProxyRoutes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{UsageKey: "agent-key"})
	agent := e.as("agent-key")

	rec, body := e.do(t, http.MethodPost, "/v1/proxy/nodes", alice, map[string]any{"host": "10.0.0.7", "port": 3128, "country": "US"})
	require.Equal(t, http.StatusCreated, rec.Code)
	nodeID := field(t, body, "node", "id").(string)

	rec, _ = e.do(t, http.MethodPost, "/v1/proxy/nodes", alice, map[string]any{"host": "10.0.0.7", "port": 70000})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	usage := map[string]any{"requests_served": 100, "bytes_transferred": 0, "success": true}
	rec, _ = agent.do(t, http.MethodPost, "/v1/proxy/nodes/"+nodeID+"/usage", mallory, usage)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = agent.do(t, http.MethodPost, "/v1/proxy/nodes/unknown/usage", alice, usage)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = agent.do(t, http.MethodPost, "/v1/proxy/nodes/"+nodeID+"/usage", alice, usage)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/v1/proxy/nodes/"+nodeID+"/settle", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 1, body["credited"], 1e-9)

	rec, body = e.do(t, http.MethodPost, "/v1/proxy/nodes/"+nodeID+"/settle", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 0, body["credited"], 0)

	rec, body = e.do(t, http.MethodPost, "/v1/proxy/nodes/"+nodeID+"/heartbeat", alice, map[string]any{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, field(t, body, "node", "is_online"))

	rec, body = e.do(t, http.MethodGet, "/v1/proxy/nodes", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["nodes"], 1)

	acct, err := e.ledger.Account(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, clone.WholeCredits(1), acct.ProxyCredits)
}

func TestRecoveryRoutes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{})

	rec, body := e.do(t, http.MethodPost, "/v1/recovery/sites", alice, map[string]any{
		"url": "https://example.com", "failover_enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	siteID := field(t, body, "site", "id").(string)

	rec, _ = e.do(t, http.MethodGet, "/v1/recovery/sites/"+siteID, mallory, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/v1/recovery/sites/"+siteID+"/probes", alice, map[string]any{
		"status": "offline", "response_time_ms": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(recovery.StatusOffline), field(t, body, "site", "status"))

	rec, _ = e.do(t, http.MethodPost, "/v1/recovery/sites/"+siteID+"/probes", alice, map[string]any{"status": "sideways"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, http.MethodPut, "/v1/recovery/sites/"+siteID, alice, map[string]any{
		"url": "https://example.com", "sync_enabled": true, "sync_interval_minutes": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, field(t, body, "site", "sync_enabled"))

	rec, body = e.do(t, http.MethodGet, "/v1/recovery/sites/"+siteID+"/backups", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["backups"])

	rec, body = e.do(t, http.MethodGet, "/v1/recovery/sites/"+siteID+"/failovers", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["failovers"])

	rec, _ = e.do(t, http.MethodDelete, "/v1/recovery/sites/"+siteID, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = e.do(t, http.MethodGet, "/v1/recovery/sites", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["sites"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Options{APIKey: "secret"})

	rec, _ := e.do(t, http.MethodGet, "/v1/account", alice, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.Header.Set(OwnerHeader, alice)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	e.handler.ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	rec, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageReportsRequireServiceKey(t *testing.T) {
	t.Parallel()

	usage := map[string]any{"requests_served": 10, "bytes_transferred": 0, "success": true}
	register := func(e *testEnv) string {
		rec, body := e.do(t, http.MethodPost, "/v1/proxy/nodes", alice, map[string]any{"host": "10.0.0.8", "port": 3128})
		require.Equal(t, http.StatusCreated, rec.Code)
		return field(t, body, "node", "id").(string)
	}

	// Owner identity alone is not enough, even with auth disabled.
	open := newTestEnv(t, Options{})
	nodeID := register(open)
	rec, _ := open.do(t, http.MethodPost, "/v1/proxy/nodes/"+nodeID+"/usage", alice, usage)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	agents := newTestEnv(t, Options{UsageKey: "agent-key"})
	nodeID = register(agents)
	path := "/v1/proxy/nodes/" + nodeID + "/usage"
	rec, _ = agents.do(t, http.MethodPost, path, alice, usage)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = agents.as("wrong").do(t, http.MethodPost, path, alice, usage)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = agents.as("agent-key").do(t, http.MethodPost, path, alice, usage)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Without a dedicated key the service API key is accepted.
	keyed := newTestEnv(t, Options{APIKey: "secret"}).as("secret")
	nodeID = register(keyed)
	rec, _ = keyed.do(t, http.MethodPost, "/v1/proxy/nodes/"+nodeID+"/usage", alice, usage)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestReadyzRunsChecks(t *testing.T) {
	t.Parallel()

	healthy := newTestEnv(t, Options{}, func(context.Context) error { return nil })
	rec, body := healthy.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", body["status"])

	broken := newTestEnv(t, Options{}, func(context.Context) error { return errors.New("db down") })
	rec, _ = broken.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusTooManyRequests, statusFor(orchestrator.ErrRateLimited))
	require.Equal(t, http.StatusConflict, statusFor(&clone.TransitionError{JobID: "j", From: clone.JobStatusCompleted, Op: "pause"}))
	require.Equal(t, http.StatusBadRequest, statusFor(&clone.ValidationError{Field: "url", Reason: "required"}))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
