package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/opspilot/opspilot/backoff"
	"github.com/opspilot/opspilot/cache"
	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/clock"
	"github.com/opspilot/opspilot/codehost"
	"github.com/opspilot/opspilot/config"
	"github.com/opspilot/opspilot/events"
	"github.com/opspilot/opspilot/fsscan"
	"github.com/opspilot/opspilot/handlers"
	"github.com/opspilot/opspilot/httpapi"
	"github.com/opspilot/opspilot/janitor"
	"github.com/opspilot/opspilot/llmclient"
	"github.com/opspilot/opspilot/lock"
	"github.com/opspilot/opspilot/logscan"
	"github.com/opspilot/opspilot/notify"
	"github.com/opspilot/opspilot/orchestrator"
	"github.com/opspilot/opspilot/queue"
	"github.com/opspilot/opspilot/store"
	"github.com/opspilot/opspilot/synctrack"
	"github.com/opspilot/opspilot/task"
	"github.com/opspilot/opspilot/vectorstore"
	"github.com/opspilot/opspilot/watch"
	"github.com/opspilot/opspilot/worker"
	"github.com/opspilot/opspilot/workflow"
)

const (
	cacheBucket     = "OPSPILOT_CACHE"
	lockBucket      = "OPSPILOT_LOCKS"
	syncStateBucket = "OPSPILOT_KBSYNC"

	jobConsumer    = "opspilot-workers"
	resultConsumer = "opspilot-orchestrator"
)

// App wires every component of the engine. Which components Start
// launches depends on the role: the API surface and the orchestrator for
// serve, the executors for worker, both for a single-process deployment.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage tiers
	store      *store.Store
	cacheStore cache.Store
	snaps      *cache.Snapshots
	locks      lock.Manager
	queue      *queue.Queue

	// Engine
	registry *task.Registry
	orch     *orchestrator.Orchestrator
	worker   *worker.Worker
	janitor  *janitor.Janitor
	watcher  *watch.Watcher

	// HTTP
	httpServer *http.Server
	registerer *prometheus.Registry
}

// Role selects which components an App process runs.
type Role int

const (
	// RoleAll runs the API, the orchestrator, and the executors in one
	// process. The default for small deployments and the embedded broker.
	RoleAll Role = iota

	// RoleServe runs the API surface, the orchestrator loop, the
	// retention janitor, and the optional runbook watcher.
	RoleServe

	// RoleWorker runs only the task executors.
	RoleWorker
)

// NewApp builds an unstarted App from cfg.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start connects the storage tiers and launches the role's components.
func (a *App) Start(ctx context.Context, role Role) error {
	if err := a.connectNATS(ctx); err != nil {
		return fmt.Errorf("failed to connect NATS: %w", err)
	}

	st, err := store.Open(a.cfg.Database.DSN, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	a.store = st
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}

	if err := a.buildAdapters(ctx); err != nil {
		return err
	}
	if err := a.buildEngine(ctx); err != nil {
		return err
	}

	if role == RoleAll || role == RoleServe {
		if err := a.startServe(ctx); err != nil {
			return err
		}
	}
	if role == RoleAll || role == RoleWorker {
		if err := a.worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}
	a.logger.Info("opspilot started",
		"http_addr", a.cfg.HTTP.Addr,
		"embedded_nats", a.embeddedServer != nil,
		"redis", a.cfg.Redis.Addr != "")
	return nil
}

// connectNATS connects to the configured broker, starting an embedded
// server when no external URL is set.
func (a *App) connectNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", a.cfg.NATS.URL, err)
		}
		a.natsConn = conn
	} else {
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("failed to create embedded server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded server did not become ready")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("failed to connect to embedded server: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// buildAdapters creates the cache, lock, and queue tiers. Redis backs
// the cache and locks when an address is configured, JetStream KV
// buckets otherwise.
func (a *App) buildAdapters(ctx context.Context) error {
	if a.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", a.cfg.Redis.Addr, err)
		}
		a.cacheStore = cache.NewRedis(client)
		a.locks = lock.NewRedis(client, clock.Real{})
	} else {
		kvCache, err := cache.NewKV(ctx, a.js, cacheBucket, cache.DefaultTTL)
		if err != nil {
			return err
		}
		a.cacheStore = kvCache

		kvLocks, err := lock.NewKV(ctx, a.js, lockBucket, clock.Real{})
		if err != nil {
			return err
		}
		a.locks = kvLocks
	}
	a.snaps = cache.NewSnapshots(a.cacheStore)

	qcfg := queue.DefaultConfig()
	qcfg.Stream = a.cfg.NATS.Stream
	qcfg.AckWait = a.cfg.Worker.HardTimeLimit() + time.Minute
	q, err := queue.New(ctx, a.js, qcfg)
	if err != nil {
		return err
	}
	a.queue = q
	return nil
}

// buildEngine registers the task handlers and wires the orchestrator and
// worker around the shared adapters.
func (a *App) buildEngine(ctx context.Context) error {
	a.registerer = prometheus.NewRegistry()
	a.registerer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	emitter := events.NewEmitter(a.logger, a.registerer)

	syncState, err := synctrack.NewKVState(ctx, a.js, syncStateBucket)
	if err != nil {
		return err
	}

	retry := backoff.Policy{
		MaxRetries: a.cfg.Retry.MaxRetries,
		Base:       a.cfg.Retry.BackoffBase(),
		Max:        a.cfg.Retry.BackoffMax(),
		Jitter:     true,
	}
	deps := &handlers.Deps{
		Store:      a.store,
		LLM:        a.buildLLM(),
		CodeHost:   a.buildCodeHost(),
		Notifier:   a.buildNotifier(),
		Vectors:    a.buildVectors(),
		Logs:       logscan.New(),
		Files:      fsscan.New(),
		Changes:    synctrack.New(syncState),
		Cache:      a.cacheStore,
		RunbookDir: a.cfg.Runbooks.Dir,
		Retry:      &retry,
		Clock:      clock.Real{},
		Logger:     a.logger,
	}
	a.registry = task.NewRegistry()
	handlers.Register(a.registry, deps)

	results, err := a.queue.Results(ctx, resultConsumer)
	if err != nil {
		return err
	}
	defs := orchestrator.BuiltinDefinitions()
	if kb, ok := defs[workflow.KindKBSync]; ok {
		kb.LockLease = a.cfg.Locks.KBSyncLease()
		defs[workflow.KindKBSync] = kb
	}
	a.orch = orchestrator.New(defs, a.registry, a.store, a.queue,
		orchestrator.NewQueueResults(results), a.locks, a.snaps, emitter, clock.Real{}, a.logger)

	jobs, err := a.queue.Jobs(ctx, jobConsumer)
	if err != nil {
		return err
	}
	wcfg := worker.DefaultConfig()
	wcfg.Concurrency = a.cfg.Worker.Prefetch
	wcfg.SoftLimit = a.cfg.Worker.SoftTimeLimit()
	wcfg.HardLimit = a.cfg.Worker.HardTimeLimit()
	wcfg.MaxTasksPerChild = a.cfg.Worker.MaxTasksPerChild
	a.worker = worker.New(wcfg, a.registry, a.store, worker.NewQueueSource(jobs),
		a.queue, a.snaps, emitter, clock.Real{}, a.logger)

	a.janitor = janitor.New(a.store,
		time.Duration(a.cfg.Retention.ResultRetentionDays)*24*time.Hour,
		a.cfg.Retention.Schedule, clock.Real{}, a.logger)
	return nil
}

// startServe launches the orchestrator loop, the retention janitor, the
// optional runbook watcher, and the HTTP surface.
func (a *App) startServe(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := a.janitor.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	if a.cfg.Runbooks.Watch {
		w, err := watch.New(a.cfg.Runbooks.Dir, a.cfg.Runbooks.WatchDebounce, a.orch, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create runbook watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start runbook watcher: %w", err)
		}
		a.watcher = w
	}

	api := httpapi.New(a.orch, a.store, a.snaps, a.registerer, a.logger)
	a.httpServer = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

func (a *App) buildLLM() capability.LLM {
	return llmclient.New(llmclient.Config{
		APIKey:  a.cfg.LLM.APIKey,
		BaseURL: a.cfg.LLM.BaseURL,
		Model:   a.cfg.LLM.Model,
	})
}

func (a *App) buildCodeHost() capability.CodeHost {
	return codehost.New(codehost.Config{
		Enabled: a.cfg.GitHub.Enabled,
		Token:   a.cfg.GitHub.Token,
		Repo:    a.cfg.GitHub.Repo,
		BaseURL: a.cfg.GitHub.BaseURL,
	}, a.logger)
}

func (a *App) buildNotifier() capability.Notifier {
	channels := []notify.Channel{notify.NewLog(a.logger)}
	if a.cfg.Slack.WebhookURL != "" {
		channels = append(channels, notify.NewSlack(a.cfg.Slack.WebhookURL))
	}
	return notify.NewFanout(a.logger, channels...)
}

func (a *App) buildVectors() capability.VectorStore {
	if !a.cfg.Vectors.Enabled {
		return vectorstore.Disabled{}
	}
	return vectorstore.New(vectorstore.Config{
		BaseURL:    a.cfg.Vectors.URL,
		Collection: a.cfg.Vectors.Collection,
	}, a.logger)
}

// Shutdown stops components in dependency order: no new triggers, then
// drain the loops, then close the storage tiers.
func (a *App) Shutdown(timeout time.Duration) {
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown failed", "error", err)
		}
		cancel()
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("watcher stop failed", "error", err)
		}
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.worker != nil && a.worker.IsRunning() {
		if err := a.worker.Stop(timeout); err != nil {
			a.logger.Warn("worker stop failed", "error", err)
		}
	}
	if a.orch != nil && a.orch.IsRunning() {
		if err := a.orch.Stop(timeout); err != nil {
			a.logger.Warn("orchestrator stop failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("nats drain failed", "error", err)
		}
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	a.logger.Info("opspilot stopped")
}
