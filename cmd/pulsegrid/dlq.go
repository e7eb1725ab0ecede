package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pulsegrid/pulsegrid/internal/admission"
	"github.com/pulsegrid/pulsegrid/internal/audit"
	"github.com/pulsegrid/pulsegrid/internal/enhance/premium"
	"github.com/pulsegrid/pulsegrid/internal/enhance/rule"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/pipeline"
	"github.com/pulsegrid/pulsegrid/internal/score"
	"github.com/pulsegrid/pulsegrid/internal/stream"
	"github.com/pulsegrid/pulsegrid/internal/tier"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead-letter queue",
	}
	cmd.AddCommand(newDLQListCmd(), newDLQReplayCmd())
	return cmd
}

func openDLQ(ctx context.Context, redisAddr string) (pipeline.DLQ, func(), error) {
	if redisAddr == "" {
		return nil, nil, fmt.Errorf("dlq commands need --redis-addr; the in-memory queue dies with the process")
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis %s: %w", redisAddr, err)
	}
	return pipeline.NewRedisDLQ(rdb), func() { rdb.Close() }, nil
}

func newDLQListCmd() *cobra.Command {
	var (
		redisAddr string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print dead letters as JSON, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dlq, closeFn, err := openDLQ(cmd.Context(), redisAddr)
			if err != nil {
				return err
			}
			defer closeFn()

			letters, err := dlq.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, dl := range letters {
				if err := enc.Encode(dl); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d dead letters\n", len(letters))
			return nil
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis-addr", envDefault("PULSEGRID_REDIS_ADDR", ""), "redis address holding the DLQ")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum letters to print")
	return cmd
}

// newDLQReplayCmd pops dead letters and runs them through a fresh pipeline.
// Events that fail again land back on the queue, so replay is safe to rerun.
func newDLQReplayCmd() *cobra.Command {
	var flags infraFlags
	var count int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reprocess dead letters through the pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return replayDLQ(cmd.Context(), cmd, flags, count)
		},
	}
	bindInfraFlags(cmd.Flags(), &flags)
	cmd.Flags().IntVar(&count, "count", 10, "maximum letters to replay")
	return cmd
}

func replayDLQ(ctx context.Context, cmd *cobra.Command, flags infraFlags, count int) error {
	log := newLogger()

	resolver, err := newResolver()
	if err != nil {
		return err
	}

	dlq, closeDLQ, err := openDLQ(ctx, flags.redisAddr)
	if err != nil {
		return err
	}
	defer closeDLQ()
	rdb := redis.NewClient(&redis.Options{Addr: flags.redisAddr})
	defer rdb.Close()
	ldg := ledger.NewRedis(rdb)

	if flags.postgresDSN == "" {
		return fmt.Errorf("dlq replay needs --postgres-dsn; replayed records must land in durable storage")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", flags.postgresDSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()
	store := ingest.NewPostgresStore(db, log)
	tiers := tier.NewPostgresStore(db)
	rec := audit.NewPostgresRecorder(db)

	client := &premium.HTTPClient{BaseURL: flags.gatewayURL, APIKey: flags.gatewayKey}
	limiter := rate.NewLimiter(rate.Limit(flags.modelRPS), 1)
	enhancer := premium.NewEnhancer(client, resolver, ldg, rec, limiter, log)
	controller := admission.NewController(resolver, score.NewScorer(nil), ldg, tiers, store, log)

	source := stream.NewMemorySource(1)
	orch, err := pipeline.NewOrchestrator(source, controller, enhancer, rule.NewEnhancer(nil), store, dlq, rec, resolver, log)
	if err != nil {
		return err
	}

	replayed := 0
	for replayed < count {
		dl, err := dlq.Pop(ctx)
		if err != nil {
			return err
		}
		if dl == nil {
			break
		}
		source.Publish(dl.Event.Kind, dl.Event.Pulse)
		replayed++
	}
	if replayed == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "dead-letter queue is empty")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()
	for source.Pending() > 0 {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()
	<-done

	depth, _ := dlq.Depth(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events, %d still dead-lettered\n", replayed, depth)
	return nil
}
