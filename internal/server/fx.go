// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecloner/internal/api"
	"github.com/JakeFAU/sitecloner/internal/clock/system"
	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/config"
	collycrawler "github.com/JakeFAU/sitecloner/internal/crawler/colly"
	"github.com/JakeFAU/sitecloner/internal/dispatcher"
	"github.com/JakeFAU/sitecloner/internal/id/uuid"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/lifecycle"
	"github.com/JakeFAU/sitecloner/internal/logging"
	"github.com/JakeFAU/sitecloner/internal/metrics"
	"github.com/JakeFAU/sitecloner/internal/orchestrator"
	"github.com/JakeFAU/sitecloner/internal/policy"
	"github.com/JakeFAU/sitecloner/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecloner/internal/policy/simple"
	"github.com/JakeFAU/sitecloner/internal/progress"
	progresssinks "github.com/JakeFAU/sitecloner/internal/progress/sinks"
	"github.com/JakeFAU/sitecloner/internal/proxy"
	memorypublisher "github.com/JakeFAU/sitecloner/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitecloner/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/sitecloner/internal/queue/memory"
	"github.com/JakeFAU/sitecloner/internal/recovery"
	gcsstorage "github.com/JakeFAU/sitecloner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitecloner/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitecloner/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitecloner/internal/storage/postgres"
	"github.com/JakeFAU/sitecloner/internal/telemetry"
	"github.com/JakeFAU/sitecloner/internal/verification"
	"github.com/JakeFAU/sitecloner/internal/worker"
)

// blobBackend is what the crawler and the orchestrator need from storage.
type blobBackend interface {
	clone.BlobStore
	clone.BlobReader
	clone.OutputRemover
}

// stores groups the persistence layer chosen by configuration.
type stores struct {
	jobs   clone.JobStore
	ledger ledger.Store
	nodes  proxy.Store
	sites  recovery.Store
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	jobs       *orchestrator.Service
	accountant *proxy.Accountant
	scheduler  *recovery.Scheduler

	queue        *queuememory.Queue
	progressHub  *progress.Hub
	publisher    clone.Publisher
	pubsubClient *pubsub.Client
	storage      *storage.Client
	pool         *pgxpool.Pool
	tracer       *sdktrace.TracerProvider
}

// Run starts every background component and the HTTP server, then blocks
// until ctx is canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.accountant.Load(ctx); err != nil {
		return err
	}
	if _, err := a.jobs.RequeuePending(ctx); err != nil {
		return err
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start recovery scheduler: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Workers.Count))
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.accountant.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases infrastructure in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if p, ok := a.publisher.(interface{ Close() error }); ok {
		if err := p.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr on some platforms; nothing to do about it.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Int("workers", cfg.Workers.Count),
	)

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.closeInfrastructure(closeCtx)
		app.closeObservability(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
	}

	st, err := a.setupStores(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}

	clock := system.New()
	ids := uuid.New()
	pricing := ledger.Pricing{
		PerPage:  clone.CreditsFromFloat(cfg.Ledger.PerPage),
		StartFee: clone.CreditsFromFloat(cfg.Ledger.StartFee),
	}

	credits := ledger.New(st.ledger, clock, ids, ledger.Config{Plans: planCredits(cfg.Ledger.Plans)}, a.logger.Named("ledger"))
	machine := lifecycle.New(st.jobs, credits, emitter, clock, lifecycle.Config{
		Pricing:                pricing,
		ChargePartialOnFailure: cfg.Ledger.ChargePartialOnFailure,
		PollInterval:           cfg.Workers.PollInterval,
	}, a.logger.Named("lifecycle"))

	a.queue = queuememory.NewQueue(cfg.Workers.QueueDepth)
	a.jobs = orchestrator.New(orchestrator.Deps{
		Jobs:    st.jobs,
		Queue:   a.queue,
		Ledger:  credits,
		Machine: machine,
		Policy: policy.Chain{
			simple.New(cfg.Jobs.AllowPrivateTargets, cfg.Jobs.DeniedHosts...),
			ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit.SubmitRPS, DefaultBurst: cfg.RateLimit.SubmitBurst}),
		},
		Remover: blobs,
		Emitter: emitter,
		Clock:   clock,
		IDs:     ids,
	}, orchestrator.Config{
		Pricing: pricing,
		Defaults: clone.Options{
			MaxPages:     cfg.Jobs.DefaultMaxPages,
			MaxDepth:     cfg.Jobs.DefaultMaxDepth,
			ExportFormat: cfg.Jobs.DefaultExportFormat,
		},
		MaxPagesLimit: cfg.Jobs.MaxPagesLimit,
		MaxDepthLimit: cfg.Jobs.MaxDepthLimit,
		ExportFormats: cfg.Jobs.ExportFormats,
	}, a.logger.Named("orchestrator"))

	recorder := verification.NewRecorder(st.jobs, clock, a.logger.Named("verification"))
	a.dispatch = a.setupDispatcher(st.jobs, machine, recorder, blobs)

	a.accountant = proxy.NewAccountant(st.nodes, credits, clock, ids, proxy.Config{
		Rates: proxy.Rates{
			PerRequest:        clone.CreditsFromFloat(cfg.Proxy.PerRequest),
			PerMB:             clone.CreditsFromFloat(cfg.Proxy.PerMB),
			SuccessThreshold:  cfg.Proxy.SuccessThreshold,
			SuccessBonus:      cfg.Proxy.SuccessBonus,
			RegistrationBonus: clone.CreditsFromFloat(cfg.Proxy.RegistrationBonus),
		},
		SettleInterval:    cfg.Proxy.SettleInterval,
		SettleConcurrency: cfg.Proxy.SettleConcurrency,
	}, a.logger.Named("proxy"))

	deps := api.Deps{
		Jobs:          a.jobs,
		Verifications: recorder,
		Accounts:      credits,
		Proxies:       a.accountant,
	}
	if cfg.Recovery.Enabled {
		var recoveryPub clone.Publisher
		if a.pubsubClient != nil {
			recoveryPub = a.publisher
		}
		a.scheduler = recovery.New(st.sites, a.jobs, recoveryPub, clock, ids, recovery.Config{
			GracePeriod:        cfg.Recovery.GracePeriod,
			EvaluateSpec:       cfg.Recovery.EvaluateSpec,
			MinIntervalMinutes: cfg.Recovery.MinIntervalMinutes,
			BackupOptions: clone.Options{
				MaxPages:     cfg.Recovery.BackupMaxPages,
				MaxDepth:     cfg.Recovery.BackupMaxDepth,
				ExportFormat: cfg.Jobs.DefaultExportFormat,
			},
			EventTopic: cfg.PubSub.RecoveryTopic,
		}, a.logger.Named("recovery"))
		deps.Sites = a.scheduler
	}
	if a.pool != nil {
		pool := a.pool
		deps.Ready = append(deps.Ready, func(ctx context.Context) error { return pool.Ping(ctx) })
	}

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(deps, api.Options{
		APIKey:         apiKey,
		UsageKey:       cfg.Auth.UsageKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, state is kept in memory")
		return stores{
			jobs:   memorystorage.NewJobStore(),
			ledger: memorystorage.NewLedgerStore(),
			nodes:  memorystorage.NewNodeStore(),
			sites:  memorystorage.NewSiteStore(),
		}, nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.logger.Info("postgres stores initialized")
	return stores{
		jobs:   pgstore.NewJobStore(pool),
		ledger: pgstore.NewLedgerStore(pool),
		nodes:  pgstore.NewNodeStore(pool),
		sites:  pgstore.NewSiteStore(pool),
	}, nil
}

func (a *App) setupBlobs(ctx context.Context) (blobBackend, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("event_topic", a.cfg.PubSub.EventTopic),
		zap.String("recovery_topic", a.cfg.PubSub.RecoveryTopic),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	pcfg := a.cfg.Progress
	var sinkList []progress.Sink
	if pcfg.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pcfg.Prometheus {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if a.pubsubClient != nil && a.cfg.PubSub.EventTopic != "" {
		sink, err := progresssinks.NewPublisherSink(a.publisher, a.cfg.PubSub.EventTopic, a.logger.Named("progress_pubsub"))
		if err != nil {
			return nil, fmt.Errorf("progress publisher sink: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if len(sinkList) == 0 {
		a.logger.Info("no progress sinks configured")
		return progress.NopEmitter{}, nil
	}
	hubCfg := progress.Config{
		BufferSize:     pcfg.BufferSize,
		MaxBatchEvents: pcfg.MaxBatchEvents,
		MaxBatchWait:   pcfg.MaxBatchWait,
		SinkTimeout:    pcfg.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupDispatcher(
	jobs clone.JobStore,
	machine *lifecycle.Machine,
	recorder *verification.Recorder,
	blobs blobBackend,
) *dispatcher.Dispatcher {
	cfg := a.cfg
	throttle := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit.FetchRPS, DefaultBurst: cfg.RateLimit.FetchBurst})
	crawler := collycrawler.New(collycrawler.Config{
		UserAgent:        cfg.Crawler.UserAgent,
		RespectRobots:    cfg.Crawler.RespectRobots,
		Timeout:          cfg.Crawler.Timeout,
		Delay:            cfg.Crawler.Delay,
		OutputPrefix:     cfg.Storage.Prefix,
		MaxAssetsPerPage: cfg.Crawler.MaxAssetsPerPage,
		BlockedDomains:   cfg.Crawler.BlockedDomains,
	}, blobs, throttle, a.logger.Named("crawler"))

	workers := make([]*worker.Worker, 0, cfg.Workers.Count)
	for i := range cfg.Workers.Count {
		workers = append(workers, worker.New(
			a.queue,
			jobs,
			machine,
			crawler,
			nil,
			recorder,
			worker.Config{
				ID:           fmt.Sprintf("worker-%d", i),
				MaxAttempts:  cfg.Workers.MaxAttempts,
				RetryBackoff: cfg.Workers.RetryBackoff,
				VerifyWait:   cfg.Workers.VerifyWait,
			},
			a.logger.Named("worker"),
		))
	}
	return dispatcher.New(a.queue, workers, machine, dispatcher.Config{
		HungAfter:     cfg.Workers.HungAfter,
		SweepInterval: cfg.Workers.SweepInterval,
	}, a.logger.Named("dispatcher"))
}

func planCredits(plans map[string]float64) map[string]clone.Credits {
	out := make(map[string]clone.Credits, len(plans))
	for tier, amount := range plans {
		out[tier] = clone.CreditsFromFloat(amount)
	}
	return out
}

// Migrate applies the Postgres schema using the configured DSN.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required to migrate")
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("database schema is up to date")
	return nil
}
