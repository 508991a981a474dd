package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/api"
	"github.com/maheshrc27/postflow-analytics/internal/api/handlers"
	"github.com/maheshrc27/postflow-analytics/internal/archive"
	job "github.com/maheshrc27/postflow-analytics/internal/jobs"
	"github.com/maheshrc27/postflow-analytics/internal/lock"
	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
	"github.com/maheshrc27/postflow-analytics/internal/provider/meta"
	"github.com/maheshrc27/postflow-analytics/internal/provider/youtube"
	"github.com/maheshrc27/postflow-analytics/internal/queue"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
	"github.com/maheshrc27/postflow-analytics/internal/repository/memory"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
	"github.com/maheshrc27/postflow-analytics/internal/service"
	"github.com/maheshrc27/postflow-analytics/internal/supervisor"
)

type repositories struct {
	accounts  repository.AccountRepository
	posts     repository.PostRepository
	snapshots repository.MetricSnapshotRepository
	runs      repository.SyncRunRepository
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	repos, db, err := openRepositories(cfg.Database)
	if err != nil {
		return err
	}
	if db != nil {
		defer closeDB(db)
	}

	backendName, err := queue.ChooseBackend(cfg.Scheduler.Backend, func() error {
		return queue.Probe(ctx, cfg.Redis)
	})
	if err != nil {
		return err
	}

	locker, closeLocker := newLocker(cfg.Sync, cfg.Redis)
	defer closeLocker()

	if cfg.Security.SecretKey == "" {
		logger.Warn("security.secret_key is empty, stored credentials cannot be decrypted")
	}
	credentials := service.NewCredentialService(cfg.Security.SecretKey)
	providers := newProviderRegistry(cfg.Providers)

	var archiver service.RunArchiver
	r2, err := archive.NewR2Archive(ctx, cfg.R2)
	if err != nil {
		return err
	}
	if r2 != nil {
		archiver = r2
	}

	var backend scheduler.JobBackend
	if backendName == scheduler.BackendQueue {
		backend = queue.NewBackend(cfg.Redis, cfg.Queue, logger)
	} else {
		backend = scheduler.NewTimerBackend(cfg.Scheduler.TimerConcurrency, logger)
	}
	registry := scheduler.NewRegistry(backend, cfg.Scheduler.FailureThreshold, logger)

	engine := service.NewUpsertEngine(cfg.Sync, repos.snapshots, repos.accounts, locker)
	strategy := service.NewStrategyService(cfg.Strategy)
	executor := service.NewSyncExecutor(cfg.Sync, repos.accounts, repos.posts, repos.runs, engine, credentials, providers, archiver)
	syncService := service.NewSyncService(repos.accounts, repos.runs, repos.snapshots, strategy, executor, engine, registry, registry)

	registry.HandleWorkKind(scheduler.WorkAccountSync, job.SyncWorkHandler(syncService))

	jobFuncs := map[string]scheduler.JobFunc{
		config.JobAccountSync:     job.NewAccountSyncJob(repos.accounts, registry).Run,
		config.JobSnapshotCleanup: job.NewSnapshotCleanupJob(repos.accounts, engine, cfg.Scheduler.CleanupDays).Run,
		config.JobQueueCleanup:    job.NewQueueCleanupJob(backend, cfg.Queue.Retention).Run,
		config.JobCredentialCheck: job.NewCredentialCheckJob(repos.accounts, credentials, providers, cfg.Scheduler.CredentialExpiryWarning).Run,
	}
	if err := registerJobs(registry, cfg.Scheduler.Jobs, jobFuncs); err != nil {
		return err
	}

	app := api.NewApp(api.Options{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		SecretKey:    cfg.Security.SecretKey,
		AccessLogs:   true,
	}, api.Handlers{
		Sync:   handlers.NewSyncHandler(syncService),
		Jobs:   handlers.NewJobHandler(registry),
		Queues: handlers.NewQueueHandler(backend, cfg.Queue.Retention),
		Health: handlers.NewHealthHandler(backend.Name(), registry),
	})

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddWorkService(supervisor.NewSchedulerService(registry, 30*time.Second))
	tree.AddAPIService(supervisor.NewHTTPService(app, cfg.Server.Addr, 10*time.Second))

	logger.Info("server starting", "addr", cfg.Server.Addr, "backend", backend.Name(), "platforms", providers.Platforms())
	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newLocker returns the snapshot key locker. Only the redis lock backend
// opens a client; the returned func closes it.
func newLocker(cfg config.SyncConfig, rc config.RedisConfig) (lock.Locker, func()) {
	if cfg.LockBackend != "redis" {
		km := lock.NewKeyedMutex()
		km.MaxWait = cfg.LockWait
		return km, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	return lock.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait), func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis lock client", "error", err)
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openRepositories connects to Postgres, or falls back to in-memory
// repositories when no URI is configured.
func openRepositories(cfg config.DatabaseConfig) (*repositories, *sql.DB, error) {
	if cfg.PostgresURI == "" {
		slog.Warn("database.postgres_uri is empty, using in-memory repositories")
		return &repositories{
			accounts:  memory.NewAccountRepository(),
			posts:     memory.NewPostRepository(),
			snapshots: memory.NewMetricSnapshotRepository(),
			runs:      memory.NewSyncRunRepository(),
		}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := repository.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	return &repositories{
		accounts:  repository.NewAccountRepository(db),
		posts:     repository.NewPostRepository(db),
		snapshots: repository.NewMetricSnapshotRepository(db),
		runs:      repository.NewSyncRunRepository(db),
	}, db, nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
		return
	}
	slog.Info("database connection closed")
}

func newProviderRegistry(cfg config.ProvidersConfig) *provider.Registry {
	registry := provider.NewRegistry()
	httpClient := &http.Client{Timeout: time.Minute}

	instagram := meta.Instagram
	if cfg.InstagramBaseURL != "" {
		instagram.BaseURL = cfg.InstagramBaseURL
	}
	facebook := meta.Facebook
	if cfg.FacebookBaseURL != "" {
		facebook.BaseURL = cfg.FacebookBaseURL
	}
	var youtubeOpts []option.ClientOption
	if cfg.YoutubeEndpoint != "" {
		youtubeOpts = append(youtubeOpts, option.WithEndpoint(cfg.YoutubeEndpoint))
	}

	registry.Register(models.PlatformInstagram, meta.NewFactory(instagram, httpClient), guardConfig(cfg.Instagram))
	registry.Register(models.PlatformFacebook, meta.NewFactory(facebook, httpClient), guardConfig(cfg.Facebook))
	registry.Register(models.PlatformYoutube, youtube.NewFactory(youtubeOpts...), guardConfig(cfg.Youtube))
	return registry
}

func guardConfig(p config.ProviderConfig) provider.GuardConfig {
	return provider.GuardConfig{
		RequestsPerSecond:   p.RequestsPerSecond,
		Burst:               p.Burst,
		BreakerMinRequests:  p.BreakerMinRequests,
		BreakerFailureRatio: p.BreakerFailureRatio,
		BreakerOpenTimeout:  p.BreakerOpenTimeout,
	}
}

func registerJobs(registry *scheduler.SchedulerRegistry, jobs map[string]config.JobConfig, funcs map[string]scheduler.JobFunc) error {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fn, ok := funcs[name]
		if !ok {
			slog.Warn("ignoring unknown job in configuration", "job", name)
			continue
		}
		jc := jobs[name]
		cadence, err := config.ParseCadence(jc.Cadence)
		if err != nil {
			return err
		}
		if err := registry.Register(scheduler.Job{
			Name:    name,
			Cadence: cadence,
			Enabled: !jc.Disabled,
			Queue:   jc.Queue,
			Run:     fn,
		}); err != nil {
			return err
		}
	}
	return nil
}
