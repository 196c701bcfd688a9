package ingester

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/merchstream/ingester/internal/common/ingesterrors"
	"github.com/merchstream/ingester/internal/ingester/filestore"
	"github.com/merchstream/ingester/internal/ingester/idempotency"
	"github.com/merchstream/ingester/internal/ingester/metrics"
	"github.com/merchstream/ingester/internal/ingester/model"
	"github.com/merchstream/ingester/internal/ingester/repository"
	"github.com/merchstream/ingester/internal/ingester/tracker"
)

const (
	submitStatusQueued    = "queued"
	submitStatusDuplicate = "duplicate"
)

// Service is the front door of the ingestion engine: it accepts chunk
// submissions, answers status queries and resumes interrupted uploads. The
// heavy lifting happens later on the worker pool; accepting a chunk only
// spools the file and registers the bookkeeping.
type Service struct {
	tracker *tracker.Tracker
	guard   *idempotency.Guard
	repo    *repository.StatusRepository
	files   filestore.Store
	metrics *metrics.Metrics
	enqueue func(uploadID uuid.UUID) bool
}

func NewService(
	tracker *tracker.Tracker,
	guard *idempotency.Guard,
	repo *repository.StatusRepository,
	files filestore.Store,
	m *metrics.Metrics,
	enqueue func(uploadID uuid.UUID) bool,
) *Service {
	return &Service{
		tracker: tracker,
		guard:   guard,
		repo:    repo,
		files:   files,
		metrics: m,
		enqueue: enqueue,
	}
}

// SubmitChunk accepts one chunk file. The filename prefix decides the record
// type; unknown prefixes are rejected before any work is done. Submissions
// carrying an idempotency key already answered before are replayed from the
// stored summary without touching the data again.
func (s *Service) SubmitChunk(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	dataType, ok := model.DataTypeFromFilename(req.Filename)
	if !ok {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "filename",
			Value:   req.Filename,
			Message: "filename must start with customers_, products_, orders_ or order_items_",
		})
	}

	path, checksum, size, err := s.files.Save(ctx, req.Filename, req.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "spooling chunk file")
	}
	discardSpool := func() {
		if err := s.files.Delete(ctx, path); err != nil {
			log.WithError(err).Warnf("Failed to delete spool file %s", path)
		}
	}

	// Releases a won claim when a later step fails, so the client's retry
	// with the same key is not locked out until the key expires.
	releaseClaim := func() {}
	if req.IdempotencyKey != "" {
		claimed, existing, err := s.guard.Begin(ctx, req.TenantID, req.IdempotencyKey, checksum)
		if err != nil {
			discardSpool()
			return nil, err
		}
		if claimed {
			releaseClaim = func() {
				if err := s.guard.Fail(ctx, req.TenantID, req.IdempotencyKey); err != nil {
					log.WithError(err).Warnf("Failed to release idempotency key %s", req.IdempotencyKey)
				}
			}
		}
		if !claimed {
			discardSpool()
			if existing != nil && existing.Status == idempotency.StatusCompleted {
				s.metrics.RecordIdempotentReplay()
				response := &model.SubmitResponse{}
				if err := json.Unmarshal(existing.ResponseSummary, response); err != nil {
					return nil, errors.WithStack(err)
				}
				return response, nil
			}
			return nil, errors.WithStack(&ingesterrors.ErrAlreadyExists{
				Type:    "idempotency key",
				Value:   req.IdempotencyKey,
				Message: "a submission with this key is still in flight",
			})
		}
	}

	upload, err := s.tracker.GetOrCreateUpload(ctx, req.TenantID, req.UploadToken)
	if err != nil {
		discardSpool()
		releaseClaim()
		return nil, err
	}

	chunk, deduplicated, err := s.tracker.AllocateChunk(ctx, upload, dataType, path, req.ContentType, checksum)
	if err != nil {
		discardSpool()
		releaseClaim()
		return nil, err
	}

	status := submitStatusQueued
	if deduplicated {
		// The earlier submission owns the spooled copy
		discardSpool()
		status = submitStatusDuplicate
	} else {
		if !s.enqueue(upload.UploadID) {
			// The chunk is registered and will be picked up by a later
			// submission or an explicit resume.
			log.Warnf("Could not queue upload %s for processing", upload.UploadID)
		}
	}

	log.WithFields(log.Fields{
		"tenantId":   req.TenantID,
		"uploadId":   upload.UploadID,
		"chunkId":    chunk.ChunkID,
		"chunkIndex": chunk.ChunkIndex,
		"dataType":   dataType,
		"bytes":      size,
		"status":     status,
	}).Info("Chunk accepted")

	response := &model.SubmitResponse{
		UploadID:       upload.UploadID,
		ChunkID:        chunk.ChunkID,
		UploadToken:    upload.UploadToken,
		DataType:       dataType,
		RowsReceived:   chunk.Rows,
		Status:         status,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.IdempotencyKey != "" {
		if err := s.guard.Complete(ctx, req.TenantID, req.IdempotencyKey, response); err != nil {
			releaseClaim()
			return nil, err
		}
	}
	return response, nil
}

// UploadStatus reports the aggregate state of an upload.
func (s *Service) UploadStatus(ctx context.Context, tenantID uuid.UUID, uploadToken string) (*model.UploadStatusReport, error) {
	return s.repo.UploadStatus(ctx, tenantID, uploadToken)
}

// ChunkErrors returns the stored row error samples of an upload keyed by
// chunk index.
func (s *Service) ChunkErrors(ctx context.Context, tenantID uuid.UUID, uploadToken string) (map[int][]model.RowError, error) {
	upload, err := s.tracker.GetUpload(ctx, tenantID, uploadToken)
	if err != nil {
		return nil, err
	}
	return s.repo.ChunkErrors(ctx, upload.UploadID)
}

// Resume re-queues the failed chunks of an upload. With indices given, only
// those chunk indexes are considered. An upload with pending chunks is
// re-triggered even when nothing failed, so work stranded by a restart or a
// full queue can be recovered through this call.
func (s *Service) Resume(ctx context.Context, tenantID uuid.UUID, uploadToken string, indices []int) (*model.ResumeResult, error) {
	result, err := s.tracker.Resume(ctx, tenantID, uploadToken, indices)
	if err != nil {
		return nil, err
	}
	if result.ChunksQueued > 0 || result.ChunksPending > 0 {
		if !s.enqueue(result.UploadID) {
			log.Warnf("Could not queue resumed upload %s for processing", result.UploadID)
		}
	}
	return result, nil
}
