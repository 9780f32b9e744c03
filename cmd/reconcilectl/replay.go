package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/giggatek/reconciler/internal/archive"
	"github.com/giggatek/reconciler/internal/db"
	"github.com/giggatek/reconciler/internal/middleware"
	"github.com/giggatek/reconciler/internal/notify"
	"github.com/giggatek/reconciler/internal/payment"
	"github.com/giggatek/reconciler/internal/reconcile"
)

// replayDeps are the pieces the replay command runs against.
type replayDeps struct {
	store   payment.Store
	archive archive.Archiver
	sink    notify.Sink
	cleanup func()
}

var openReplayDeps = func(ctx context.Context, st *cliState) (*replayDeps, error) {
	cfg := st.cfg
	if !cfg.ArchiveEnabled() {
		return nil, errors.New("replay needs ARCHIVE_BUCKET and credentials")
	}
	arch, err := archive.NewS3Archiver(archive.S3Config{
		Bucket:          cfg.ArchiveBucket,
		Region:          cfg.ArchiveRegion,
		Endpoint:        cfg.ArchiveEndpoint,
		AccessKeyID:     cfg.ArchiveAccessKeyID,
		SecretAccessKey: cfg.ArchiveSecretAccessKey,
	})
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, err
	}
	deps := &replayDeps{
		store: payment.NewPostgresStore(conn, payment.PostgresConfig{
			TxTimeout:   cfg.DBTxTimeout,
			LockTimeout: cfg.DBLockTimeout,
		}, st.logger),
		archive: arch,
		sink:    notify.NewLogSink(st.logger),
		cleanup: func() { conn.Close() },
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		deps.sink = notify.NewRedisSink(client, cfg.NotifyQueueKey)
		deps.cleanup = func() {
			client.Close()
			conn.Close()
		}
	}
	return deps, nil
}

func replayCmd(st *cliState) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "replay <archive-key>",
		Short: "Reconcile an archived webhook delivery again",
		Long: `Load a delivery that failed to reconcile from the payload archive and run it
through the reconciliation pipeline again. The event was verified when it was
received; the ledger turns a replay of an already reconciled event into a no-op.

Examples:
  reconcilectl replay failed/stripe/2026/03/15/pi_123-<uuid>.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ctx = middleware.WithRequestID(ctx, "replay-"+uuid.NewString())

			deps, err := openReplayDeps(ctx, st)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			report, err := runReplay(ctx, st, deps, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall time limit for the replay")
	return cmd
}

func runReplay(ctx context.Context, st *cliState, deps *replayDeps, key string) (*reconcile.Report, error) {
	dispatcher := notify.NewDispatcher(deps.sink, notify.DispatcherConfig{Workers: 1, QueueSize: 16}, nil, st.logger)
	applier := reconcile.NewApplier(deps.store, reconcile.ApplierConfig{
		BillingPeriodMonths: st.cfg.RentalBillingPeriodMonths,
	}, st.logger)
	processor := reconcile.NewProcessor(applier, deps.store, st.logger,
		reconcile.WithArchive(deps.archive),
		reconcile.WithNotifier(dispatcher),
	)

	report, err := processor.Replay(ctx, key)

	// Deliver committed notifications before exiting.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if cerr := dispatcher.Close(closeCtx); cerr != nil {
		st.logger.Warn("notifications not delivered", "error", cerr)
	}
	return report, err
}
