package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/taskmill/internal/api"
	"github.com/you/taskmill/internal/batch"
	"github.com/you/taskmill/internal/config"
	"github.com/you/taskmill/internal/crawl"
	"github.com/you/taskmill/internal/credit"
	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/jobs"
	"github.com/you/taskmill/internal/logging"
	"github.com/you/taskmill/internal/metrics"
	"github.com/you/taskmill/internal/queue"
	"github.com/you/taskmill/internal/runner"
	"github.com/you/taskmill/internal/storage/memory"
	"github.com/you/taskmill/internal/storage/postgres"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: in-memory by default, Postgres-backed when a DSN is configured.
	var (
		creditStore credit.Store      = memory.NewCreditStore()
		queueRepo   crawl.QueueRepo   = memory.NewCrawlQueue()
		historyRepo crawl.HistoryRepo = memory.NewHistory()
		archive     jobs.Recorder     = memory.NewJobArchive()
	)
	if cfg.PostgresDSN != "" {
		migrate(cfg.PostgresDSN, log)
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("postgres connect failed", zap.Error(err))
		}
		defer pool.Close()
		pg := postgres.New(pool)
		creditStore = pg.Credits
		queueRepo = pg.Queue
		historyRepo = pg.History
		archive = pg.Jobs
		log.Info("postgres storage enabled")
	}
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		queueRepo = queue.NewDedupQueue(queueRepo, queue.NewMarks(rdb, 0), log)
		log.Info("redis dedup fast path enabled", zap.String("addr", cfg.RedisAddr))
	}

	store := jobs.NewStore(jobs.WithLogCap(cfg.JobLogCap))
	jobs.Mirror(store, archive, log)

	ledger := credit.NewLedger(creditStore)
	credit.AutoRefund(store, ledger, log)
	pricing := credit.StaticPricing{
		domain.TypeScriptGeneration: cfg.ScriptCost,
		domain.TypeVideoGeneration:  cfg.VideoCost,
	}

	// Terminal jobs feed the job metrics.
	store.OnEvent(func(ev jobs.Event) {
		if ev.Kind != jobs.EventTerminal {
			return
		}
		metrics.JobsTotal.WithLabelValues(string(ev.Job.Type), string(ev.Job.Status)).Inc()
		metrics.JobDuration.WithLabelValues(string(ev.Job.Type)).
			Observe(ev.Job.UpdatedAt.Sub(ev.Job.CreatedAt).Seconds())
	})

	sup := runner.NewSupervisor(store, runner.NewExecLauncher(), runner.Config{
		KillGrace:      cfg.KillGrace,
		DefaultTimeout: cfg.JobTimeout,
		Timeouts: map[domain.JobType]time.Duration{
			domain.TypeScriptGeneration: cfg.ScriptTimeout,
			domain.TypeVideoGeneration:  cfg.VideoTimeout,
			domain.TypeCrawl:            cfg.CrawlTimeout,
		},
	}, log)

	engine := crawl.NewEngine(
		queueRepo, historyRepo,
		crawl.NewHTTPExtractor(30*time.Second),
		meteredProcessor{crawl.NewPageProcessor(30 * time.Second)},
		cfg.CrawlWorkers, cfg.CrawlPoll, log,
	)
	engine.Start(ctx)

	batches := batch.NewController(store, cfg.BatchConcurrency, log)
	batches.Register(batch.FuncAction{
		ActionName: "queue-delete",
		Fn: func(ctx context.Context, actorID, itemID string) error {
			_, err := queueRepo.DeleteByIDs(ctx, actorID, []string{itemID})
			return err
		},
	})
	batches.Register(batch.FuncAction{
		ActionName: "queue-retry",
		Fn: func(ctx context.Context, actorID, itemID string) error {
			return engine.Retry(ctx, actorID, itemID)
		},
	})

	h := api.NewHandler(store, ledger, pricing, sup, engine, batches, cfg.WorkerBin, log)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	engine.Stop()
	sup.Shutdown(shutdownCtx)
	batches.Shutdown(shutdownCtx)
}

// meteredProcessor counts drained queue items by outcome.
type meteredProcessor struct {
	inner crawl.ItemProcessor
}

func (p meteredProcessor) Process(ctx context.Context, item domain.CrawlQueueItem) error {
	err := p.inner.Process(ctx, item)
	if err != nil {
		metrics.CrawlItemsTotal.WithLabelValues(string(domain.QueueFailed)).Inc()
	} else {
		metrics.CrawlItemsTotal.WithLabelValues(string(domain.QueueDone)).Inc()
	}
	return err
}

func migrate(dsn string, log *zap.Logger) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatal("open database for migrations failed", zap.Error(err))
	}
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
}
