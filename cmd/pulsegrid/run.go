package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/pulsegrid/pulsegrid/internal/admission"
	"github.com/pulsegrid/pulsegrid/internal/audit"
	"github.com/pulsegrid/pulsegrid/internal/enhance/premium"
	"github.com/pulsegrid/pulsegrid/internal/enhance/rule"
	"github.com/pulsegrid/pulsegrid/internal/httpapi"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/pipeline"
	"github.com/pulsegrid/pulsegrid/internal/score"
	"github.com/pulsegrid/pulsegrid/internal/stream"
	"github.com/pulsegrid/pulsegrid/internal/tier"
)

type infraFlags struct {
	listenAddr   string
	redisAddr    string
	postgresDSN  string
	streamURL    string
	gatewayURL   string
	gatewayKey   string
	modelRPS     float64
	drainTimeout time.Duration
}

func bindInfraFlags(fs *pflag.FlagSet, f *infraFlags) {
	fs.StringVar(&f.listenAddr, "listen", envDefault("PULSEGRID_LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&f.redisAddr, "redis-addr", envDefault("PULSEGRID_REDIS_ADDR", ""), "redis address for the ledger and DLQ (empty runs in-memory)")
	fs.StringVar(&f.postgresDSN, "postgres-dsn", envDefault("PULSEGRID_POSTGRES_DSN", ""), "postgres DSN for pulses, tiers and audit (empty runs in-memory)")
	fs.StringVar(&f.streamURL, "stream-url", envDefault("PULSEGRID_STREAM_URL", ""), "websocket URL of the change stream (empty runs an idle in-memory source)")
	fs.StringVar(&f.gatewayURL, "gateway-url", envDefault("PULSEGRID_GATEWAY_URL", ""), "model gateway base URL")
	fs.StringVar(&f.gatewayKey, "gateway-key", envDefault("PULSEGRID_GATEWAY_KEY", ""), "model gateway API key")
	fs.Float64Var(&f.modelRPS, "model-rps", 5, "model invocation rate limit per second")
	fs.DurationVar(&f.drainTimeout, "drain-timeout", 30*time.Second, "graceful shutdown budget")
}

func newRunCmd() *cobra.Command {
	var flags infraFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the enhancement pipeline and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), flags)
		},
	}
	bindInfraFlags(cmd.Flags(), &flags)
	return cmd
}

func runPipeline(parent context.Context, flags infraFlags) error {
	log := newLogger()
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, err := newResolver()
	if err != nil {
		return err
	}
	if _, err := resolver.Snapshot(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Spend tracking and the DLQ share the redis instance. Without one the
	// process still runs, with per-process state only.
	var (
		ldg ledger.Ledger
		dlq pipeline.DLQ
	)
	if flags.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: flags.redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", flags.redisAddr, err)
		}
		defer rdb.Close()
		ldg = ledger.NewRedis(rdb)
		dlq = pipeline.NewRedisDLQ(rdb)
		log.Info().Str("addr", flags.redisAddr).Msg("redis connected")
	} else {
		ldg = ledger.NewMemory()
		dlq = pipeline.NewMemoryDLQ()
		log.Warn().Msg("no redis configured, ledger and DLQ are in-memory")
	}

	var (
		store   ingest.Store
		history admission.HistoryProvider
		tiers   tier.Store
		rec     audit.Recorder
	)
	if flags.postgresDSN != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", flags.postgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		pg := ingest.NewPostgresStore(db, log)
		store, history = pg, pg
		tiers = tier.NewPostgresStore(db)
		rec = audit.NewPostgresRecorder(db)
		log.Info().Msg("postgres connected")
	} else {
		mem := ingest.NewMemoryStore(log)
		store, history = mem, mem
		tiers = tier.NewMemoryStore()
		rec = audit.NewMemoryRecorder()
		log.Warn().Msg("no postgres configured, storage is in-memory")
	}

	var source stream.Source
	if flags.streamURL != "" {
		source = stream.NewWSSource(flags.streamURL)
		log.Info().Str("url", flags.streamURL).Msg("consuming websocket stream")
	} else {
		source = stream.NewMemorySource(4)
		log.Warn().Msg("no stream configured, source is an idle in-memory queue")
	}

	client := &premium.HTTPClient{BaseURL: flags.gatewayURL, APIKey: flags.gatewayKey}
	limiter := rate.NewLimiter(rate.Limit(flags.modelRPS), 1)
	enhancer := premium.NewEnhancer(client, resolver, ldg, rec, limiter, log)
	controller := admission.NewController(resolver, score.NewScorer(nil), ldg, tiers, history, log)

	orch, err := pipeline.NewOrchestrator(source, controller, enhancer, rule.NewEnhancer(nil), store, dlq, rec, resolver, log)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(flags.listenAddr, store, dlq, log)
	errc := make(chan error, 2)
	go func() {
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		errc <- orch.Run(ctx)
	}()

	log.Info().Str("version", version).Msg("pipeline running")
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errc:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("component failed")
		}
	}
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), flags.drainTimeout)
	defer cancel()
	if err := api.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("stopped")
	return nil
}
