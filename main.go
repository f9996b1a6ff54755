package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	graphadapter "mailarchive/adapter/out/graph"
	"mailarchive/adapter/out/objectstore"
	"mailarchive/adapter/out/persistence"
	"mailarchive/config"
	in "mailarchive/core/port/in"
	"mailarchive/core/service/identity"
	"mailarchive/core/service/ingest"
	"mailarchive/core/service/mailparser"
	"mailarchive/core/service/mergedetect"
	"mailarchive/core/service/patchwriter"
	"mailarchive/core/service/query"
	"mailarchive/core/service/threadbuilder"
	"mailarchive/infra/database"
	"mailarchive/pkg/cache"
	"mailarchive/pkg/metrics"
	"mailarchive/pkg/resilience"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	mode := flag.String("mode", "populate", "Run mode: setup, reset, test, populate, threads, stats, reprocess-merges")
	limit := flag.Int("limit", 0, "limit on commits scanned by populate (0 = no limit)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	log = log.With().Str("run_id", cfg.RunID).Logger()

	deps, cleanup, err := wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "setup":
		runSetup(ctx, deps, log)
	case "reset":
		runReset(ctx, deps, log)
	case "test":
		runTest(ctx, deps, log)
	case "populate":
		runPopulate(ctx, deps, log, *limit)
	case "threads":
		runThreads(ctx, deps, log)
	case "stats":
		runStats(ctx, deps, log)
	case "reprocess-merges":
		runReprocessMerges(ctx, deps, log)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

// deps bundles every wired collaborator one CLI subcommand might need.
type deps struct {
	pool  *pgxpool.Pool
	sqlDB *sqlx.DB

	admin       *database.AdminService
	orchestrate *ingest.Orchestrator
	builder     *threadbuilder.Builder
	reprocess   *mergedetect.ReprocessService
	queries     *query.Service
	timings     *metrics.OpTimings

	redisClient *redis.Client
	neo4jDriver neo4j.DriverWithContext
}

func wire(cfg *config.Config, log zerolog.Logger) (*deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	dbCfg := &database.PostgresConfig{
		MaxConns:        cfg.MaxConnections,
		MinConns:        cfg.MinConnections,
		MaxConnLifetime: cfg.MaxConnLifetime(),
		MaxConnIdleTime: cfg.MaxConnIdleTime(),
	}

	pool, err := database.NewPostgresWithConfig(cfg.DatabaseURL(), dbCfg)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connect postgres: %w", err)
	}
	closers = append(closers, pool.Close)

	sqlDB, err := database.NewSQLX(cfg.DatabaseURL(), dbCfg)
	if err != nil {
		cleanup()
		return nil, cleanup, fmt.Errorf("connect sqlx: %w", err)
	}
	closers = append(closers, func() { sqlDB.Close() })

	var redisClient *redis.Client
	var queryCache query.Cache
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, query cache disabled")
		} else {
			closers = append(closers, func() { redisClient.Close() })
			queryCache = cache.NewRedisCache(redisClient)
		}
	}

	var neo4jDriver neo4j.DriverWithContext
	var mirror *graphadapter.ThreadMirror
	if cfg.Neo4jURL != "" {
		neo4jDriver, err = graphadapter.NewDriver(cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			log.Warn().Err(err).Msg("neo4j unavailable, thread graph mirror disabled")
		} else {
			closers = append(closers, func() { neo4jDriver.Close(context.Background()) })
			mirror = graphadapter.NewThreadMirror(neo4jDriver, "neo4j", log)
		}
	}

	authors := persistence.NewAuthorAdapter(sqlDB)
	patches := persistence.NewPatchAdapter(sqlDB)
	threads := persistence.NewThreadAdapter(sqlDB)
	stats := persistence.NewQueryAdapter(sqlDB)

	breaker := resilience.New(resilience.Config{
		Name:             "object_reader",
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Timeout:          time.Duration(cfg.BreakerTimeoutSecs) * time.Second,
	})
	store := objectstore.NewGitReader(cfg.GitDir, breaker, log)

	parser := mailparser.New(log)
	merge := mergedetect.New(log)
	ident := identity.New(authors, log)
	writer := patchwriter.New(authors, patches, log)

	orchestrator := ingest.New(ingest.Params{
		Store:             store,
		Authors:           authors,
		Patches:           patches,
		Parser:            parser,
		Merge:             merge,
		Ident:             ident,
		Writer:            writer,
		ParseBatchSize:    cfg.ParseBatchSize,
		DBInsertBatchSize: cfg.DBInsertBatchSize,
		ChannelBufferSize: cfg.ChannelBufferSize,
		ParseWorkers:      cfg.ObjectReaderWorkers,
		ProgressInterval:  cfg.ProgressInterval(),
	}, log)

	var threadGraphMirror threadbuilder.GraphMirror
	if mirror != nil {
		threadGraphMirror = mirror
	}
	builder := threadbuilder.New(patches, threads, threadGraphMirror, log)

	reprocess := mergedetect.NewReprocessService(merge, patches)

	queries := query.New(authors, patches, threads, stats, queryCache, cfg.CacheTTL(), log)

	return &deps{
		pool:        pool,
		sqlDB:       sqlDB,
		admin:       database.NewAdminService(pool),
		orchestrate: orchestrator,
		builder:     builder,
		reprocess:   reprocess,
		queries:     queries,
		timings:     metrics.NewOpTimings(256),
		redisClient: redisClient,
		neo4jDriver: neo4jDriver,
	}, cleanup, nil
}

func runSetup(ctx context.Context, d *deps, log zerolog.Logger) {
	if err := d.admin.SetupDatabase(ctx); err != nil {
		log.Fatal().Err(err).Msg("setup failed")
	}
	log.Info().Msg("schema bootstrapped")
}

func runReset(ctx context.Context, d *deps, log zerolog.Logger) {
	if err := d.admin.ResetDatabase(ctx); err != nil {
		log.Fatal().Err(err).Msg("reset failed")
	}
	log.Info().Msg("schema reset and re-bootstrapped")
}

func runTest(ctx context.Context, d *deps, log zerolog.Logger) {
	if err := d.admin.TestConnection(ctx); err != nil {
		log.Fatal().Err(err).Msg("connection test failed")
	}
	poolStats := database.GetPoolStats(d.pool)
	log.Info().
		Int32("total_conns", poolStats.TotalConns).
		Int32("acquired_conns", poolStats.AcquiredConns).
		Msg("connection ok")

	report := metrics.ReportSQLPool(d.sqlDB.DB)
	log.Info().
		Int("open_conns", report.OpenConns).
		Int("in_use", report.InUse).
		Str("condition", string(report.Condition)).
		Msg("sqlx pool health")
}

func runPopulate(ctx context.Context, d *deps, log zerolog.Logger, limit int) {
	start := time.Now()
	result, err := d.orchestrate.Populate(ctx, limit, func(ev in.ProgressEvent) {
		log.Info().Int64("current", ev.Current).Int64("total", ev.Total).Msg(ev.Message)
	})
	d.timings.Observe("populate", time.Since(start))
	if err != nil {
		log.Fatal().Err(err).Msg("populate failed")
	}
	for _, e := range result.Errors {
		log.Warn().Err(e).Msg("populate recorded a non-fatal error")
	}
	d.queries.InvalidateCache(ctx)
	log.Info().
		Int("commits_seen", result.CommitsSeen).
		Int("commits_skipped", result.CommitsSkipped).
		Int64("patches_inserted", result.PatchesInserted).
		Dur("duration", result.Duration).
		Msg("populate complete")
}

func runThreads(ctx context.Context, d *deps, log zerolog.Logger) {
	start := time.Now()
	result, err := d.builder.BuildThreads(ctx)
	d.timings.Observe("build_threads", time.Since(start))
	if err != nil {
		log.Fatal().Err(err).Msg("build_threads failed")
	}
	d.queries.InvalidateCache(ctx)
	log.Info().
		Int("threads_built", result.ThreadsBuilt).
		Int("members_linked", result.MembersLinked).
		Int("roots_orphaned", result.RootsOrphaned).
		Dur("duration", result.Duration).
		Msg("build_threads complete")
}

func runReprocessMerges(ctx context.Context, d *deps, log zerolog.Logger) {
	annotated, err := d.reprocess.ReprocessMergeNotifications(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("reprocess_merge_notifications failed")
	}
	d.queries.InvalidateCache(ctx)
	log.Info().Int("annotated", annotated).Msg("reprocess_merge_notifications complete")
}

func runStats(ctx context.Context, d *deps, log zerolog.Logger) {
	start := time.Now()
	stats, err := d.queries.GetDatabaseStats(ctx)
	d.timings.Observe("get_database_stats", time.Since(start))
	if err != nil {
		log.Fatal().Err(err).Msg("get_database_stats failed")
	}

	log.Info().
		Int64("authors", stats.TotalAuthors).
		Int64("patches", stats.TotalPatches).
		Int64("threads", stats.TotalThreads).
		Int64("series", stats.TotalSeries).
		Int64("merges", stats.TotalMerges).
		Msg("database stats")

	summary := d.timings.Summary("get_database_stats")
	log.Info().
		Dur("p50", summary.P50).
		Dur("p95", summary.P95).
		Dur("p99", summary.P99).
		Msg("get_database_stats latency")

	report := metrics.ReportSQLPool(d.sqlDB.DB)
	log.Info().
		Int("open_conns", report.OpenConns).
		Int("idle", report.Idle).
		Str("condition", string(report.Condition)).
		Msg("store pool")
}
