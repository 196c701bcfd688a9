// Package ingester wires the bulk ingestion engine together: a submission
// service in front, a worker pool working through staged chunks behind it and
// periodic sweeps keeping the staging and idempotency tables trim.
package ingester

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/merchstream/ingester/internal/common/app"
	"github.com/merchstream/ingester/internal/common/database"
	"github.com/merchstream/ingester/internal/common/retry"
	"github.com/merchstream/ingester/internal/common/task"
	"github.com/merchstream/ingester/internal/ingester/configuration"
	"github.com/merchstream/ingester/internal/ingester/filestore"
	"github.com/merchstream/ingester/internal/ingester/idempotency"
	"github.com/merchstream/ingester/internal/ingester/metrics"
	"github.com/merchstream/ingester/internal/ingester/queue"
	"github.com/merchstream/ingester/internal/ingester/repository"
	"github.com/merchstream/ingester/internal/ingester/schema"
	"github.com/merchstream/ingester/internal/ingester/stagingdb"
	"github.com/merchstream/ingester/internal/ingester/tracker"
)

// Ingester is the assembled engine. Service is the entry point for transport
// layers embedding it; everything else runs on the worker pool started by
// Start.
type Ingester struct {
	Service *Service

	config    *configuration.IngesterConfiguration
	db        *pgxpool.Pool
	tracker   *tracker.Tracker
	staging   *stagingdb.StagingDb
	guard     *idempotency.Guard
	processor *Processor
	queue     *queue.WorkQueue
}

// New opens the database, applies migrations and assembles the engine.
func New(ctx context.Context, config *configuration.IngesterConfiguration) (*Ingester, error) {
	config.ApplyDefaults()

	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return nil, err
	}
	if err := database.UpdateDatabase(ctx, db, schema.Migrations()); err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.Get()
	retrier := retry.NewExecutor(config.MaxAttempts, config.RetryBaseDelay)

	files, err := filestore.NewLocalStore(config.SpoolDirectory)
	if err != nil {
		db.Close()
		return nil, err
	}

	tr := tracker.NewTracker(db, retrier, config.ErrorSampleSize)
	staging := stagingdb.NewStagingDb(db, m, retrier)
	guard, err := idempotency.NewGuard(db, retrier, config.IdempotencyTTL, 4096)
	if err != nil {
		db.Close()
		return nil, err
	}

	workQueue := queue.NewWorkQueue(config.QueueCapacity)
	processor := NewProcessor(tr, staging, files, m,
		config.BatchSize, config.ErrorSampleSize, config.ChunkTimeBudget,
		func(uploadID uuid.UUID) { workQueue.Enqueue(uploadID) })
	service := NewService(tr, guard, repository.NewStatusRepository(db), files, m, workQueue.Enqueue)

	return &Ingester{
		Service:   service,
		config:    config,
		db:        db,
		tracker:   tr,
		staging:   staging,
		guard:     guard,
		processor: processor,
		queue:     workQueue,
	}, nil
}

// Start runs the worker pool and the periodic sweeps, blocking until the
// context is cancelled.
func (i *Ingester) Start(ctx context.Context) {
	logger := log.StandardLogger().WithField("service", "Ingester")

	taskManager := task.NewBackgroundTaskManager("merchstream_ingester_")
	defer taskManager.StopAll(10 * time.Second)
	taskManager.Register(func() {
		purged, err := i.staging.PurgeProcessed(ctx, i.config.StagingRetention)
		if err != nil {
			logger.WithError(err).Warn("Staging purge failed")
		} else if purged > 0 {
			logger.Infof("Purged %d processed staging rows", purged)
		}
	}, i.config.SweepInterval, "staging_purge")
	i.guard.PeriodicCleanup(ctx, i.config.SweepInterval)

	// The queue is in-memory, so work accepted before a restart must be
	// re-discovered from the chunk table.
	stranded, err := i.tracker.UploadsWithPendingChunks(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to scan for unprocessed uploads")
	}
	for _, uploadID := range stranded {
		if !i.queue.Enqueue(uploadID) {
			logger.Warnf("Could not queue unprocessed upload %s", uploadID)
		}
	}
	if len(stranded) > 0 {
		logger.Infof("Re-queued %d uploads with unprocessed chunks", len(stranded))
	}

	logger.Infof("Starting %d upload workers", i.config.WorkerCount)
	i.queue.Run(ctx, i.config.WorkerCount, i.processor.ProcessUpload)
}

// Close releases the database pool.
func (i *Ingester) Close() {
	i.db.Close()
}

// Run starts the ingestion engine and blocks until a shutdown signal arrives.
func Run(config *configuration.IngesterConfiguration) {
	logger := log.StandardLogger().WithField("service", "Ingester")
	ctx := app.CreateContextWithShutdown()

	logger.Info("Ingester starting")

	engine, err := New(ctx, config)
	if err != nil {
		logger.WithError(err).Error("Failed to assemble ingestion engine")
		panic(err)
	}
	defer engine.Close()

	if config.Metrics.Port > 0 {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(fmt.Sprintf(":%d", config.Metrics.Port), nil)
			if err != nil {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	engine.Start(ctx)
	logger.Info("Ingester stopped")
}
