// Package tracker maintains the upload and chunk bookkeeping tables. It hands
// out chunk indexes under a row lock on the owning upload, deduplicates
// resubmitted chunks by checksum and derives upload status from the states of
// the chunks underneath it.
package tracker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/merchstream/ingester/internal/common/ingesterrors"
	"github.com/merchstream/ingester/internal/common/retry"
	"github.com/merchstream/ingester/internal/ingester/model"
)

const chunkIndexConstraint = "unique_upload_chunk_index"

type Tracker struct {
	db              *pgxpool.Pool
	retrier         *retry.Executor
	errorSampleSize int
	allocAttempts   int
	allocBaseDelay  time.Duration
}

func NewTracker(db *pgxpool.Pool, retrier *retry.Executor, errorSampleSize int) *Tracker {
	return &Tracker{
		db:              db,
		retrier:         retrier,
		errorSampleSize: errorSampleSize,
		allocAttempts:   3,
		allocBaseDelay:  100 * time.Millisecond,
	}
}

// GetOrCreateUpload resolves an upload token to its upload, creating a fresh
// upload when the token is empty. A token belonging to a different tenant is
// reported as not found rather than revealing its existence.
func (t *Tracker) GetOrCreateUpload(ctx context.Context, tenantID uuid.UUID, uploadToken string) (*model.Upload, error) {
	if uploadToken == "" {
		upload := &model.Upload{
			UploadID:    uuid.New(),
			TenantID:    tenantID,
			UploadToken: "upl_" + uuid.NewString(),
			Status:      model.UploadPending,
		}
		err := t.retrier.Do(ctx, func() error {
			_, err := t.db.Exec(ctx, `
				INSERT INTO ingest_uploads (upload_id, tenant_id, upload_token, status)
				VALUES ($1, $2, $3, $4)`,
				upload.UploadID, upload.TenantID, upload.UploadToken, upload.Status)
			return err
		})
		if err != nil {
			return nil, errors.WithMessage(err, "creating upload")
		}
		return t.GetUpload(ctx, tenantID, upload.UploadToken)
	}
	return t.GetUpload(ctx, tenantID, uploadToken)
}

func (t *Tracker) GetUpload(ctx context.Context, tenantID uuid.UUID, uploadToken string) (*model.Upload, error) {
	upload := &model.Upload{}
	var manifest []byte
	err := t.retrier.Do(ctx, func() error {
		return t.db.QueryRow(ctx, `
			SELECT upload_id, tenant_id, upload_token, status, manifest, created_at, last_activity
			FROM ingest_uploads
			WHERE tenant_id = $1 AND upload_token = $2`,
			tenantID, uploadToken).
			Scan(&upload.UploadID, &upload.TenantID, &upload.UploadToken, &upload.Status,
				&manifest, &upload.CreatedAt, &upload.LastActivity)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.WithStack(&ingesterrors.ErrNotFound{Type: "upload", Value: uploadToken})
		}
		return nil, errors.WithMessage(err, "loading upload")
	}
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &upload.Manifest); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return upload, nil
}

// UploadByID loads an upload by its primary key. Used by the background
// workers, which receive upload ids rather than tokens.
func (t *Tracker) UploadByID(ctx context.Context, uploadID uuid.UUID) (*model.Upload, error) {
	upload := &model.Upload{}
	var manifest []byte
	err := t.retrier.Do(ctx, func() error {
		return t.db.QueryRow(ctx, `
			SELECT upload_id, tenant_id, upload_token, status, manifest, created_at, last_activity
			FROM ingest_uploads
			WHERE upload_id = $1`,
			uploadID).
			Scan(&upload.UploadID, &upload.TenantID, &upload.UploadToken, &upload.Status,
				&manifest, &upload.CreatedAt, &upload.LastActivity)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.WithStack(&ingesterrors.ErrNotFound{Type: "upload", Value: uploadID.String()})
		}
		return nil, errors.WithMessage(err, "loading upload")
	}
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &upload.Manifest); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return upload, nil
}

// AllocateChunk registers a new chunk under the upload and assigns it the next
// chunk index. The index is taken as max+1 under a row lock on the upload, so
// two concurrent submissions cannot receive the same index. If a chunk with
// the same checksum already exists under the upload it is returned as-is with
// deduplicated set; resubmitting the same file is a no-op.
func (t *Tracker) AllocateChunk(
	ctx context.Context,
	upload *model.Upload,
	dataType model.DataType,
	filePath string,
	contentType string,
	checksum string,
) (chunk *model.Chunk, deduplicated bool, err error) {
	for attempt := 0; attempt < t.allocAttempts; attempt++ {
		chunk, deduplicated, err = t.tryAllocateChunk(ctx, upload, dataType, filePath, contentType, checksum)
		if err == nil {
			return chunk, deduplicated, nil
		}
		// A concurrent submission can win the race for our index between the
		// lock release and our insert landing. Back off and take a new index.
		if !ingesterrors.IsUniqueViolation(err, chunkIndexConstraint) {
			return nil, false, err
		}
		log.Warnf("Chunk index collision for upload %s, retrying allocation.  Error was %v", upload.UploadID, err)
		time.Sleep(t.allocBaseDelay * time.Duration(attempt+1))
	}
	return nil, false, errors.WithStack(&ingesterrors.ErrMaxRetriesExceeded{
		Message:   "gave up allocating a chunk index",
		LastError: err,
	})
}

func (t *Tracker) tryAllocateChunk(
	ctx context.Context,
	upload *model.Upload,
	dataType model.DataType,
	filePath string,
	contentType string,
	checksum string,
) (*model.Chunk, bool, error) {
	var chunk *model.Chunk
	deduplicated := false
	err := pgx.BeginTxFunc(ctx, t.db, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		// Serialize allocations per upload
		_, err := tx.Exec(ctx,
			"SELECT 1 FROM ingest_uploads WHERE upload_id = $1 FOR UPDATE", upload.UploadID)
		if err != nil {
			return err
		}

		existing, err := chunkByChecksum(ctx, tx, upload.UploadID, checksum)
		if err != nil {
			return err
		}
		if existing != nil {
			chunk = existing
			deduplicated = true
			return nil
		}

		var nextIndex int
		err = tx.QueryRow(ctx,
			"SELECT coalesce(max(chunk_index), 0) + 1 FROM ingest_chunks WHERE upload_id = $1",
			upload.UploadID).Scan(&nextIndex)
		if err != nil {
			return err
		}

		chunk = &model.Chunk{
			ChunkID:     uuid.New(),
			UploadID:    upload.UploadID,
			ChunkIndex:  nextIndex,
			DataType:    dataType,
			FilePath:    filePath,
			ContentType: contentType,
			Checksum:    checksum,
			Status:      model.ChunkPending,
			ReceivedAt:  time.Now().UTC(),
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ingest_chunks (chunk_id, upload_id, chunk_index, data_type, file_path, content_type, checksum, status, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			chunk.ChunkID, chunk.UploadID, chunk.ChunkIndex, chunk.DataType, chunk.FilePath,
			chunk.ContentType, chunk.Checksum, chunk.Status, chunk.ReceivedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			"UPDATE ingest_uploads SET last_activity = now() WHERE upload_id = $1", upload.UploadID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return chunk, deduplicated, nil
}

func chunkByChecksum(ctx context.Context, tx pgx.Tx, uploadID uuid.UUID, checksum string) (*model.Chunk, error) {
	rows, err := tx.Query(ctx, chunkSelectSql+
		" WHERE upload_id = $1 AND checksum = $2 ORDER BY chunk_index LIMIT 1",
		uploadID, checksum)
	if err != nil {
		return nil, err
	}
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

const chunkSelectSql = `
	SELECT chunk_id, upload_id, chunk_index, data_type, file_path, content_type, checksum, status, rows, rows_failed, errors_sample, received_at
	FROM ingest_chunks`

func scanChunks(rows pgx.Rows) ([]*model.Chunk, error) {
	defer rows.Close()
	var chunks []*model.Chunk
	for rows.Next() {
		chunk := &model.Chunk{}
		var filePath *string
		var sample []byte
		err := rows.Scan(&chunk.ChunkID, &chunk.UploadID, &chunk.ChunkIndex, &chunk.DataType,
			&filePath, &chunk.ContentType, &chunk.Checksum, &chunk.Status, &chunk.Rows,
			&chunk.RowsFailed, &sample, &chunk.ReceivedAt)
		if err != nil {
			return nil, err
		}
		if filePath != nil {
			chunk.FilePath = *filePath
		}
		if len(sample) > 0 {
			if err := json.Unmarshal(sample, &chunk.ErrorsSample); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// MarkChunk records the outcome of processing a chunk. The error sample is
// bounded; overflowing errors are counted in rowsFailed but not stored.
func (t *Tracker) MarkChunk(ctx context.Context, chunkID uuid.UUID, status model.ChunkStatus, rowCount int, rowsFailed int, sample []model.RowError) error {
	if len(sample) > t.errorSampleSize {
		sample = sample[:t.errorSampleSize]
	}
	if sample == nil {
		sample = []model.RowError{}
	}
	sampleJson, err := json.Marshal(sample)
	if err != nil {
		return errors.WithStack(err)
	}
	return t.retrier.Do(ctx, func() error {
		_, err := t.db.Exec(ctx, `
			UPDATE ingest_chunks SET status = $1, rows = $2, rows_failed = $3, errors_sample = $4
			WHERE chunk_id = $5`,
			status, rowCount, rowsFailed, string(sampleJson), chunkID)
		if err != nil {
			return err
		}
		_, err = t.db.Exec(ctx, `
			UPDATE ingest_uploads SET last_activity = now()
			WHERE upload_id = (SELECT upload_id FROM ingest_chunks WHERE chunk_id = $1)`,
			chunkID)
		return err
	})
}

func (t *Tracker) MarkUpload(ctx context.Context, uploadID uuid.UUID, status model.UploadStatus) error {
	return t.retrier.Do(ctx, func() error {
		_, err := t.db.Exec(ctx, `
			UPDATE ingest_uploads SET status = $1, last_activity = now()
			WHERE upload_id = $2`,
			status, uploadID)
		return err
	})
}

// ResolveUploadStatus derives the upload status from its chunks and stores it.
// Any pending or processing chunk keeps the upload processing; otherwise the
// upload completes, with errors if any chunk failed or carried row errors, and
// fails outright when no chunk made it through.
func (t *Tracker) ResolveUploadStatus(ctx context.Context, uploadID uuid.UUID) (model.UploadStatus, error) {
	chunks, err := t.ChunksForUpload(ctx, uploadID)
	if err != nil {
		return "", err
	}
	status := deriveUploadStatus(chunks)
	if err := t.MarkUpload(ctx, uploadID, status); err != nil {
		return "", err
	}
	return status, nil
}

func deriveUploadStatus(chunks []*model.Chunk) model.UploadStatus {
	if len(chunks) == 0 {
		return model.UploadPending
	}
	completed, withErrors, failed := 0, 0, 0
	for _, c := range chunks {
		switch c.Status {
		case model.ChunkPending, model.ChunkProcessing:
			return model.UploadProcessing
		case model.ChunkCompleted, model.ChunkSkipped:
			completed++
		case model.ChunkCompletedWithErrors:
			withErrors++
		case model.ChunkFailed:
			failed++
		}
	}
	if completed == 0 && withErrors == 0 {
		return model.UploadFailed
	}
	if failed > 0 || withErrors > 0 {
		return model.UploadCompletedWithErrors
	}
	return model.UploadCompleted
}

// ChunksForUpload returns all chunks of an upload ordered by chunk index.
func (t *Tracker) ChunksForUpload(ctx context.Context, uploadID uuid.UUID) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	err := t.retrier.Do(ctx, func() error {
		rows, err := t.db.Query(ctx, chunkSelectSql+
			" WHERE upload_id = $1 ORDER BY chunk_index", uploadID)
		if err != nil {
			return err
		}
		chunks, err = scanChunks(rows)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "loading chunks")
	}
	return chunks, nil
}

// PendingChunks returns the chunks still to be processed, ordered so that
// record types are visited in dependency order and, within a type, in
// submission order.
func (t *Tracker) PendingChunks(ctx context.Context, uploadID uuid.UUID) ([]*model.Chunk, error) {
	chunks, err := t.ChunksForUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	pending := make([]*model.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Status == model.ChunkPending || c.Status == model.ChunkProcessing {
			pending = append(pending, c)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := model.DependencyRank(pending[i].DataType), model.DependencyRank(pending[j].DataType)
		if ri != rj {
			return ri < rj
		}
		return pending[i].ChunkIndex < pending[j].ChunkIndex
	})
	return pending, nil
}

// Resume re-queues the failed chunks of an upload so they are processed again.
// If indices is non-empty only the named chunk indexes are considered; chunks
// in any other state are left alone. The result also counts the chunks still
// awaiting processing afterwards, so the caller can re-trigger an upload whose
// pending work was stranded, for example by a restart.
func (t *Tracker) Resume(ctx context.Context, tenantID uuid.UUID, uploadToken string, indices []int) (*model.ResumeResult, error) {
	upload, err := t.GetUpload(ctx, tenantID, uploadToken)
	if err != nil {
		return nil, err
	}

	var requeued int64
	var pending int
	err = t.retrier.Do(ctx, func() error {
		sql := `UPDATE ingest_chunks SET status = $1, rows_failed = 0, errors_sample = '[]'
			WHERE upload_id = $2 AND status = $3`
		args := []interface{}{model.ChunkPending, upload.UploadID, model.ChunkFailed}
		if len(indices) > 0 {
			sql += " AND chunk_index = ANY($4)"
			args = append(args, indices)
		}
		tag, err := t.db.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		requeued = tag.RowsAffected()
		return t.db.QueryRow(ctx, `
			SELECT count(*) FROM ingest_chunks
			WHERE upload_id = $1 AND status IN ($2, $3)`,
			upload.UploadID, model.ChunkPending, model.ChunkProcessing).Scan(&pending)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "resuming upload")
	}

	status := upload.Status
	if requeued > 0 {
		status = model.UploadPending
		if err := t.MarkUpload(ctx, upload.UploadID, status); err != nil {
			return nil, err
		}
	}
	return &model.ResumeResult{
		UploadID:      upload.UploadID,
		UploadToken:   upload.UploadToken,
		ChunksQueued:  int(requeued),
		ChunksPending: pending,
		Status:        string(status),
	}, nil
}

// UploadsWithPendingChunks returns the ids of uploads that still have chunks
// waiting to be processed. Run at startup so work queued before a restart is
// picked up again; the work queue itself is in-memory and does not survive.
func (t *Tracker) UploadsWithPendingChunks(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := t.retrier.Do(ctx, func() error {
		rows, err := t.db.Query(ctx, `
			SELECT DISTINCT upload_id FROM ingest_chunks
			WHERE status IN ($1, $2)`,
			model.ChunkPending, model.ChunkProcessing)
		if err != nil {
			return err
		}
		defer rows.Close()
		ids = nil
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "listing uploads with pending chunks")
	}
	return ids, nil
}
