package ingester

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/merchstream/ingester/internal/ingester/codec"
	"github.com/merchstream/ingester/internal/ingester/filestore"
	"github.com/merchstream/ingester/internal/ingester/metrics"
	"github.com/merchstream/ingester/internal/ingester/model"
	"github.com/merchstream/ingester/internal/ingester/validation"
)

// uploadTracker is the slice of the tracker the processor needs.
type uploadTracker interface {
	UploadByID(ctx context.Context, uploadID uuid.UUID) (*model.Upload, error)
	PendingChunks(ctx context.Context, uploadID uuid.UUID) ([]*model.Chunk, error)
	MarkChunk(ctx context.Context, chunkID uuid.UUID, status model.ChunkStatus, rows int, rowsFailed int, sample []model.RowError) error
	MarkUpload(ctx context.Context, uploadID uuid.UUID, status model.UploadStatus) error
	ResolveUploadStatus(ctx context.Context, uploadID uuid.UUID) (model.UploadStatus, error)
}

// stagingStore is the slice of the staging layer the processor needs.
type stagingStore interface {
	StageBatch(ctx context.Context, chunkID uuid.UUID, dataType model.DataType, rows []model.NormalizedRow, rowNumbers []int) (*model.StageResult, error)
	Promote(ctx context.Context, tenantID uuid.UUID, chunkID uuid.UUID, dataType model.DataType) (*model.PromoteResult, error)
}

// Processor works through the pending chunks of an upload: decode, validate,
// stage, promote. Chunks are visited in dependency order so rows never
// reference records promoted after them.
type Processor struct {
	tracker         uploadTracker
	staging         stagingStore
	files           filestore.Store
	metrics         *metrics.Metrics
	batchSize       int
	errorSampleSize int
	timeBudget      time.Duration
	// requeue is called when the time budget runs out with chunks left over,
	// so the remainder is picked up by a later run.
	requeue func(uploadID uuid.UUID)
}

func NewProcessor(
	tracker uploadTracker,
	staging stagingStore,
	files filestore.Store,
	m *metrics.Metrics,
	batchSize int,
	errorSampleSize int,
	timeBudget time.Duration,
	requeue func(uploadID uuid.UUID),
) *Processor {
	return &Processor{
		tracker:         tracker,
		staging:         staging,
		files:           files,
		metrics:         m,
		batchSize:       batchSize,
		errorSampleSize: errorSampleSize,
		timeBudget:      timeBudget,
		requeue:         requeue,
	}
}

// ProcessUpload runs all pending chunks of one upload. Chunk-level failures
// are recorded against the chunk and do not abort the rest of the upload;
// only bookkeeping failures surface as errors.
func (p *Processor) ProcessUpload(ctx context.Context, uploadID uuid.UUID) error {
	upload, err := p.tracker.UploadByID(ctx, uploadID)
	if err != nil {
		return err
	}
	if err := p.tracker.MarkUpload(ctx, uploadID, model.UploadProcessing); err != nil {
		return err
	}

	chunks, err := p.tracker.PendingChunks(ctx, uploadID)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(p.timeBudget)
	var result *multierror.Error
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			// Shutdown mid-upload: remaining chunks stay pending and are
			// picked up after restart via resume.
			return ctx.Err()
		}
		if i > 0 && time.Now().After(deadline) {
			log.Warnf("Time budget exhausted for upload %s with %d chunks left, re-queueing", uploadID, len(chunks)-i)
			if p.requeue != nil {
				p.requeue(uploadID)
			}
			return result.ErrorOrNil()
		}
		if err := p.processChunk(ctx, upload, chunk); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if _, err := p.tracker.ResolveUploadStatus(ctx, uploadID); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (p *Processor) processChunk(ctx context.Context, upload *model.Upload, chunk *model.Chunk) error {
	logger := log.WithFields(log.Fields{
		"uploadId":   upload.UploadID,
		"chunkId":    chunk.ChunkID,
		"chunkIndex": chunk.ChunkIndex,
		"dataType":   chunk.DataType,
	})

	if err := p.tracker.MarkChunk(ctx, chunk.ChunkID, model.ChunkProcessing, 0, 0, nil); err != nil {
		return err
	}

	outcome, err := p.ingestChunk(ctx, upload, chunk, logger)
	if err != nil {
		logger.WithError(err).Error("Chunk processing failed")
		p.metrics.RecordChunkProcessed(string(model.ChunkFailed))
		sample := []model.RowError{{Row: 0, Error: err.Error()}}
		return p.tracker.MarkChunk(ctx, chunk.ChunkID, model.ChunkFailed, 0, 0, sample)
	}

	status := model.ChunkCompleted
	if outcome.RowsFailed > 0 {
		status = model.ChunkCompletedWithErrors
	} else if outcome.RowsReceived == 0 {
		// Nothing to ingest, nothing promoted
		status = model.ChunkSkipped
	}
	p.metrics.RecordChunkProcessed(string(status))
	logger.WithFields(log.Fields{
		"rowsReceived": outcome.RowsReceived,
		"rowsInserted": outcome.RowsInserted,
		"rowsFailed":   outcome.RowsFailed,
	}).Info("Chunk processed")

	if err := p.tracker.MarkChunk(ctx, chunk.ChunkID, status, outcome.RowsReceived, outcome.RowsFailed, outcome.Errors); err != nil {
		return err
	}

	// The spool file has served its purpose
	if chunk.FilePath != "" {
		if err := p.files.Delete(ctx, chunk.FilePath); err != nil {
			logger.WithError(err).Warn("Failed to delete spool file")
		}
	}
	return nil
}

// ingestChunk decodes, validates, stages and promotes one chunk. Row-level
// problems are folded into the returned result; an error means the chunk as a
// whole could not be ingested.
func (p *Processor) ingestChunk(ctx context.Context, upload *model.Upload, chunk *model.Chunk, logger *log.Entry) (*model.ChunkResult, error) {
	if model.DependencyRank(chunk.DataType) >= len(model.DataTypesInDependencyOrder) {
		return nil, errors.Errorf("unknown data type %q", chunk.DataType)
	}

	f, err := p.files.Open(ctx, chunk.FilePath)
	if err != nil {
		return nil, errors.WithMessage(err, "opening chunk file")
	}
	defer f.Close()

	reader, err := codec.NewReader(f, chunk.FilePath, chunk.ContentType)
	if err != nil {
		return nil, errors.WithMessage(err, "opening chunk reader")
	}
	defer reader.Close()

	result := &model.ChunkResult{}
	batch := make([]model.NormalizedRow, 0, p.batchSize)
	numbers := make([]int, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		staged, err := p.staging.StageBatch(ctx, chunk.ChunkID, chunk.DataType, batch, numbers)
		if err != nil {
			return err
		}
		result.RowsInserted += staged.Inserted
		p.recordFailures(result, staged.Errors, staged.Failed)
		batch = batch[:0]
		numbers = numbers[:0]
		return nil
	}

	for {
		raw, rowNumber, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		result.RowsReceived++
		if err != nil {
			p.recordFailures(result, []model.RowError{{Row: rowNumber, Error: err.Error()}}, 1)
			continue
		}

		normalized, err := validation.ValidateRow(raw, upload.TenantID, chunk.DataType)
		if err != nil {
			p.recordFailures(result, []model.RowError{
				{Row: rowNumber, Error: err.Error(), Data: validation.SanitizePayload(map[string]interface{}(raw))},
			}, 1)
			continue
		}

		batch = append(batch, normalized)
		numbers = append(numbers, rowNumber)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	promoted, err := p.staging.Promote(ctx, upload.TenantID, chunk.ChunkID, chunk.DataType)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{
		"promoted": promoted.Promoted,
		"elapsed":  promoted.Elapsed,
	}).Debug("Chunk promoted")

	return result, nil
}

// recordFailures counts failed rows and keeps a bounded sample of their errors.
func (p *Processor) recordFailures(result *model.ChunkResult, sample []model.RowError, failed int) {
	result.RowsFailed += failed
	for _, e := range sample {
		if len(result.Errors) >= p.errorSampleSize {
			break
		}
		result.Errors = append(result.Errors, e)
	}
}
