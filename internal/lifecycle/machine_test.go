package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clock/fake"
	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/id/sequence"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/lifecycle"
	"github.com/JakeFAU/sitecloner/internal/progress"
	"github.com/JakeFAU/sitecloner/internal/storage/memory"
)

const (
	owner  = "alice"
	worker = "worker-1"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	clock   *fake.Clock
	jobs    *memory.JobStore
	ledger  *ledger.Ledger
	pricing ledger.Pricing
	machine *lifecycle.Machine
	events  *recordingEmitter
}

func newHarness(t *testing.T, cfg lifecycle.Config) *harness {
	t.Helper()
	clock := fake.New(time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC))
	l := ledger.New(memory.NewLedgerStore(), clock, sequence.New("txn"),
		ledger.Config{Plans: map[string]clone.Credits{"standard": clone.WholeCredits(10)}}, zap.NewNop())
	_, err := l.OpenAccount(context.Background(), owner, "standard")
	require.NoError(t, err)

	cfg.Pricing = ledger.Pricing{PerPage: clone.WholeCredits(1)}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	events := &recordingEmitter{}
	jobs := memory.NewJobStore()
	return &harness{
		clock:   clock,
		jobs:    jobs,
		ledger:  l,
		pricing: cfg.Pricing,
		machine: lifecycle.New(jobs, l, events, clock, cfg, zap.NewNop()),
		events:  events,
	}
}

// submit reserves credits and stores a pending job the way the orchestrator does.
func (h *harness) submit(t *testing.T, id string, maxPages int, verify bool) clone.Job {
	t.Helper()
	ctx := context.Background()
	amount := h.pricing.Estimate(maxPages)
	res, err := h.ledger.Reserve(ctx, owner, id, amount)
	require.NoError(t, err)
	job := clone.Job{
		ID:              id,
		OwnerID:         owner,
		TargetURL:       "https://example.com",
		Status:          clone.JobStatusPending,
		Options:         clone.Options{MaxPages: maxPages, MaxDepth: 3, Verify: verify},
		ReservationID:   res.ID,
		CreditsReserved: amount,
		CreatedAt:       h.clock.Now(),
	}
	require.NoError(t, h.jobs.CreateJob(ctx, job))
	return job
}

func (h *harness) running(t *testing.T, id string, maxPages int, verify bool) clone.Job {
	t.Helper()
	h.submit(t, id, maxPages, verify)
	job, err := h.machine.Claim(context.Background(), id, worker)
	require.NoError(t, err)
	return job
}

func (h *harness) balance(t *testing.T) ledger.Account {
	t.Helper()
	acct, err := h.ledger.Account(context.Background(), owner)
	require.NoError(t, err)
	return acct
}

func TestClaimHasSingleWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lifecycle.Config{})
	h.submit(t, "job-1", 5, false)

	var wins atomic.Int32
	var transitionErrs atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := h.machine.Claim(context.Background(), "job-1", "worker-"+string(rune('a'+n)))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, clone.ErrInvalidTransition):
				transitionErrs.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(15), transitionErrs.Load())

	job, err := h.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)
	require.Equal(t, []progress.Stage{progress.StageJobStart}, h.events.Stages())
}

// Ten credits with five pages reserved and three cloned leaves seven.
func TestCompleteCommitsActualPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "job-1", 5, false)
	require.Equal(t, clone.WholeCredits(5), h.balance(t).Reserved)

	_, err := h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 3, AssetsCaptured: 9, Percent: 60})
	require.NoError(t, err)

	job, err := h.machine.Complete(ctx, "job-1", worker, lifecycle.Completion{
		OutputLocation: "mem://output/job-1",
		ExportLocation: "mem://output/job-1/export.zip",
		PagesCloned:    3,
		AssetsCaptured: 9,
	})
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusCompleted, job.Status)
	require.Equal(t, 100, job.ProgressPercent)
	require.Equal(t, "mem://output/job-1", job.OutputLocation)
	require.NotNil(t, job.CompletedAt)
	require.Nil(t, job.Verification)

	acct := h.balance(t)
	require.Equal(t, clone.WholeCredits(7), acct.Balance)
	require.Equal(t, clone.Credits(0), acct.Reserved)

	_, err = h.machine.Pause(ctx, "job-1")
	require.ErrorIs(t, err, clone.ErrInvalidTransition)
}

// Pausing freezes counters until resume, and resume keeps them.
func TestPauseFreezesProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "job-1", 10, false)
	_, err := h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 4, AssetsCaptured: 12, Percent: 40})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	paused, err := h.machine.Pause(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusPaused, paused.Status)
	require.NotNil(t, paused.PausedAt)
	require.Equal(t, h.clock.Now(), *paused.PausedAt)

	_, err = h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 5, Percent: 50})
	require.ErrorIs(t, err, clone.ErrJobPaused)
	stored, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 4, stored.PagesCloned)

	_, err = h.machine.Pause(ctx, "job-1")
	require.ErrorIs(t, err, clone.ErrInvalidTransition)

	resumed, err := h.machine.Resume(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusProcessing, resumed.Status)
	require.Nil(t, resumed.PausedAt)
	require.Equal(t, 4, resumed.PagesCloned)
	require.Equal(t, 12, resumed.AssetsCaptured)

	_, err = h.machine.Resume(ctx, "job-1")
	require.ErrorIs(t, err, clone.ErrInvalidTransition)
}

// Stopping a paused job fails it and releases the hold.
func TestStopPausedJobReleasesCredits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "job-1", 6, false)
	_, err := h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 2, Percent: 20})
	require.NoError(t, err)
	_, err = h.machine.Pause(ctx, "job-1")
	require.NoError(t, err)

	job, err := h.machine.Stop(ctx, "job-1", "customer cancelled")
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusFailed, job.Status)
	require.Equal(t, "customer cancelled", job.FailureReason)
	require.Nil(t, job.PausedAt)
	require.Equal(t, 2, job.PagesCloned, "partial progress stays visible")
	last := job.LogEntries[len(job.LogEntries)-1]
	require.Equal(t, "Clone stopped", last.Message)
	require.Equal(t, "customer cancelled", last.Details)

	acct := h.balance(t)
	require.Equal(t, clone.WholeCredits(10), acct.Balance)
	require.Equal(t, clone.Credits(0), acct.Reserved)

	_, err = h.machine.Stop(ctx, "job-1", "")
	require.ErrorIs(t, err, clone.ErrInvalidTransition)
	require.Equal(t, progress.StageJobError, h.events.Stages()[len(h.events.Stages())-1])
}

func TestStopPendingJobCancelsClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.submit(t, "job-1", 3, false)

	job, err := h.machine.Stop(ctx, "job-1", "")
	require.NoError(t, err)
	require.Equal(t, "stopped by user", job.FailureReason)

	_, err = h.machine.Claim(ctx, "job-1", worker)
	require.ErrorIs(t, err, clone.ErrInvalidTransition)
	require.Equal(t, clone.Credits(0), h.balance(t).Reserved)
}

func TestFailChargesPartialWhenConfigured(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{ChargePartialOnFailure: true})
	h.running(t, "job-1", 8, false)
	_, err := h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 2, Percent: 25})
	require.NoError(t, err)

	_, err = h.machine.Fail(ctx, "job-1", "intruder", errors.New("boom"))
	require.ErrorIs(t, err, clone.ErrNotWorker)

	job, err := h.machine.Fail(ctx, "job-1", worker, errors.New("target unreachable"))
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusFailed, job.Status)
	require.Equal(t, []string{"target unreachable"}, job.Errors)
	require.Equal(t, clone.WholeCredits(8), h.balance(t).Balance)
}

func TestProgressIsMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "job-1", 10, false)

	job, err := h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 6, AssetsCaptured: 10, Percent: 60, CurrentURL: "https://example.com/six"})
	require.NoError(t, err)
	require.Equal(t, 60, job.ProgressPercent)

	job, err = h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 2, AssetsCaptured: 1, Percent: 10})
	require.NoError(t, err)
	require.Equal(t, 6, job.PagesCloned)
	require.Equal(t, 10, job.AssetsCaptured)
	require.Equal(t, 60, job.ProgressPercent)
	require.Equal(t, "https://example.com/six", job.CurrentURL)

	job, err = h.machine.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 10, Percent: 100})
	require.NoError(t, err)
	require.Equal(t, 99, job.ProgressPercent, "only completion reaches 100")

	_, err = h.machine.RecordProgress(ctx, "job-1", "worker-2", lifecycle.Progress{PagesCloned: 11})
	require.ErrorIs(t, err, clone.ErrNotWorker)
}

func TestCompleteRequiresVerificationWhenRequested(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "job-1", 4, true)
	h.running(t, "job-2", 4, true)

	_, err := h.machine.Complete(ctx, "job-1", worker, lifecycle.Completion{PagesCloned: 4})
	require.ErrorIs(t, err, clone.ErrVerificationPending)
	stored, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusProcessing, stored.Status)

	_, err = h.jobs.UpdateJob(ctx, "job-1", func(job *clone.Job) error {
		job.StagedVerification = &clone.VerificationReport{Passed: true, Score: 97, Summary: "ok"}
		return nil
	})
	require.NoError(t, err)

	job, err := h.machine.Complete(ctx, "job-1", worker, lifecycle.Completion{PagesCloned: 4})
	require.NoError(t, err)
	require.NotNil(t, job.Verification)
	require.Equal(t, 97, job.Verification.Score)
	require.Nil(t, job.StagedVerification)

	skipped, err := h.machine.Complete(ctx, "job-2", worker, lifecycle.Completion{PagesCloned: 4, SkipVerification: true})
	require.NoError(t, err)
	require.Nil(t, skipped.Verification)
	require.Equal(t, 100, skipped.ProgressPercent)
}

func TestCompleteRejectedWhilePaused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "job-1", 4, false)
	_, err := h.machine.Pause(ctx, "job-1")
	require.NoError(t, err)

	_, err = h.machine.Complete(ctx, "job-1", worker, lifecycle.Completion{PagesCloned: 4})
	var terr *clone.TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, clone.JobStatusPaused, terr.From)
	require.Equal(t, "complete", terr.Op)
}

func TestLogsAreAppendOnlyAcrossTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "job-1", 4, false)
	require.NoError(t, h.machine.AppendLog(ctx, "job-1", worker, clone.LogInfo, "Fetched robots.txt", ""))
	require.NoError(t, h.machine.RecordError(ctx, "job-1", worker, "GET /missing: 404"))
	_, err := h.machine.Pause(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, h.machine.AppendLog(ctx, "job-1", worker, clone.LogInfo, "Holding at checkpoint", ""))
	_, err = h.machine.Resume(ctx, "job-1")
	require.NoError(t, err)

	job, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	messages := make([]string, 0, len(job.LogEntries))
	for _, entry := range job.LogEntries {
		messages = append(messages, entry.Message)
	}
	require.Equal(t, []string{
		"Clone started",
		"Fetched robots.txt",
		"GET /missing: 404",
		"Clone paused",
		"Holding at checkpoint",
		"Clone resumed",
	}, messages)
	require.Equal(t, []string{"GET /missing: 404"}, job.Errors)
}

func TestCheckpointBlocksWhilePaused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{PollInterval: time.Hour})
	h.running(t, "job-1", 4, false)
	require.NoError(t, h.machine.Checkpoint(ctx, "job-1", worker))

	_, err := h.machine.Pause(ctx, "job-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.machine.Checkpoint(ctx, "job-1", worker) }()

	select {
	case err := <-done:
		t.Fatalf("checkpoint returned while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = h.machine.Resume(ctx, "job-1")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not wake on resume")
	}
}

func TestCheckpointReportsStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{PollInterval: time.Hour})
	h.running(t, "job-1", 4, false)
	_, err := h.machine.Pause(ctx, "job-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.machine.Checkpoint(ctx, "job-1", worker) }()
	time.Sleep(20 * time.Millisecond)

	_, err = h.machine.Stop(ctx, "job-1", "")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.ErrorIs(t, err, clone.ErrStopRequested)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not wake on stop")
	}
}

func TestCheckpointHonorsContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lifecycle.Config{PollInterval: time.Hour})
	h.running(t, "job-1", 4, false)
	_, err := h.machine.Pause(context.Background(), "job-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.machine.Checkpoint(ctx, "job-1", worker), context.DeadlineExceeded)
}

func TestFailStaleExpiresHungWorkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	h.running(t, "hung", 2, false)
	h.running(t, "paused", 2, false)
	_, err := h.machine.Pause(ctx, "paused")
	require.NoError(t, err)

	h.clock.Advance(20 * time.Minute)
	h.running(t, "fresh", 2, false)

	n, err := h.machine.FailStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	hung, err := h.jobs.GetJob(ctx, "hung")
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusFailed, hung.Status)
	require.Contains(t, hung.FailureReason, "unresponsive")

	for _, id := range []string{"paused", "fresh"} {
		job, err := h.jobs.GetJob(ctx, id)
		require.NoError(t, err)
		require.False(t, job.Status.Terminal(), id)
	}
	require.Equal(t, clone.WholeCredits(4), h.balance(t).Reserved)
}

// flakySettler fails the next `failures` ledger calls, then delegates.
type flakySettler struct {
	inner    lifecycle.CreditSettler
	failures atomic.Int32
}

func (f *flakySettler) Commit(ctx context.Context, reservationID string, actual clone.Credits) (ledger.Account, error) {
	if f.failures.Add(-1) >= 0 {
		return ledger.Account{}, errors.New("ledger unavailable")
	}
	return f.inner.Commit(ctx, reservationID, actual)
}

func (f *flakySettler) Release(ctx context.Context, reservationID string) (ledger.Account, error) {
	if f.failures.Add(-1) >= 0 {
		return ledger.Account{}, errors.New("ledger unavailable")
	}
	return f.inner.Release(ctx, reservationID)
}

func TestSettleOutstandingRetriesFailedLedgerCalls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	settler := &flakySettler{inner: h.ledger}
	settler.failures.Store(2)
	m := lifecycle.New(h.jobs, settler, progress.NopEmitter{}, h.clock,
		lifecycle.Config{Pricing: h.pricing, PollInterval: time.Minute}, zap.NewNop())

	h.submit(t, "job-1", 5, false)
	h.submit(t, "job-2", 5, false)
	_, err := m.Claim(ctx, "job-1", worker)
	require.NoError(t, err)
	_, err = m.Claim(ctx, "job-2", worker)
	require.NoError(t, err)
	_, err = m.RecordProgress(ctx, "job-1", worker, lifecycle.Progress{PagesCloned: 3, Percent: 60})
	require.NoError(t, err)

	done, err := m.Complete(ctx, "job-1", worker, lifecycle.Completion{PagesCloned: 3})
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusCompleted, done.Status)
	require.Equal(t, &clone.Settlement{Commit: true, Amount: clone.WholeCredits(3)}, done.PendingSettlement)

	failed, err := m.Fail(ctx, "job-2", worker, errors.New("target unreachable"))
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusFailed, failed.Status)
	require.Equal(t, &clone.Settlement{}, failed.PendingSettlement)

	acct := h.balance(t)
	require.Equal(t, clone.WholeCredits(10), acct.Reserved)

	n, err := m.SettleOutstanding(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	acct = h.balance(t)
	require.Equal(t, clone.WholeCredits(7), acct.Balance)
	require.Equal(t, clone.Credits(0), acct.Reserved)
	for _, id := range []string{"job-1", "job-2"} {
		job, err := h.jobs.GetJob(ctx, id)
		require.NoError(t, err)
		require.Nil(t, job.PendingSettlement, id)
	}

	n, err = m.SettleOutstanding(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSettleTreatsClosedReservationAsSettled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, lifecycle.Config{})
	job := h.running(t, "job-1", 5, false)
	_, err := h.ledger.Release(ctx, job.ReservationID)
	require.NoError(t, err)

	done, err := h.machine.Complete(ctx, "job-1", worker, lifecycle.Completion{PagesCloned: 2})
	require.NoError(t, err)
	require.Nil(t, done.PendingSettlement)
	require.Equal(t, clone.WholeCredits(10), h.balance(t).Balance)
}
