// Package repository answers read-only status queries over the bookkeeping
// tables. Queries are assembled with goqu and executed against the shared
// connection pool.
package repository

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/merchstream/ingester/internal/common/ingesterrors"
	"github.com/merchstream/ingester/internal/ingester/model"
)

var (
	dialect = goqu.Dialect("postgres")

	uploadTable = goqu.T("ingest_uploads")
	chunkTable  = goqu.T("ingest_chunks")

	upload_uploadId     = goqu.I("ingest_uploads.upload_id")
	upload_tenantId     = goqu.I("ingest_uploads.tenant_id")
	upload_uploadToken  = goqu.I("ingest_uploads.upload_token")
	upload_status       = goqu.I("ingest_uploads.status")
	upload_createdAt    = goqu.I("ingest_uploads.created_at")
	upload_lastActivity = goqu.I("ingest_uploads.last_activity")

	chunk_uploadId = goqu.I("ingest_chunks.upload_id")
)

type StatusRepository struct {
	db *pgxpool.Pool
}

func NewStatusRepository(db *pgxpool.Pool) *StatusRepository {
	return &StatusRepository{db: db}
}

// UploadStatus aggregates the state of an upload and its chunks into one
// report. Tokens of other tenants resolve to not found.
func (r *StatusRepository) UploadStatus(ctx context.Context, tenantID uuid.UUID, uploadToken string) (*model.UploadStatusReport, error) {
	counts := dialect.
		From(chunkTable).
		Select(
			chunk_uploadId.As("upload_id"),
			goqu.COUNT("*").As("total_chunks"),
			goqu.L("count(*) FILTER (WHERE status IN ('completed', 'completed_with_errors', 'skipped'))").As("completed_chunks"),
			goqu.L("count(*) FILTER (WHERE status = 'failed')").As("failed_chunks"),
			goqu.COALESCE(goqu.SUM(goqu.I("rows")), 0).As("total_rows"),
			goqu.COALESCE(goqu.SUM(goqu.I("rows_failed")), 0).As("total_errors")).
		GroupBy(chunk_uploadId).
		As("counts")

	query := dialect.
		From(uploadTable).
		LeftJoin(counts, goqu.On(upload_uploadId.Eq(goqu.I("counts.upload_id")))).
		Select(
			upload_uploadId,
			upload_uploadToken,
			upload_status,
			goqu.COALESCE(goqu.I("counts.total_chunks"), 0),
			goqu.COALESCE(goqu.I("counts.completed_chunks"), 0),
			goqu.COALESCE(goqu.I("counts.failed_chunks"), 0),
			goqu.COALESCE(goqu.I("counts.total_rows"), 0),
			goqu.COALESCE(goqu.I("counts.total_errors"), 0),
			upload_createdAt,
			upload_lastActivity).
		Where(goqu.And(
			upload_tenantId.Eq(tenantID.String()),
			upload_uploadToken.Eq(uploadToken)))

	sql, args, err := query.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	report := &model.UploadStatusReport{}
	err = r.db.QueryRow(ctx, sql, args...).Scan(
		&report.UploadID, &report.UploadToken, &report.Status,
		&report.TotalChunks, &report.CompletedChunks, &report.FailedChunks,
		&report.TotalRows, &report.TotalErrors,
		&report.CreatedAt, &report.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&ingesterrors.ErrNotFound{Type: "upload", Value: uploadToken})
	}
	if err != nil {
		return nil, errors.WithMessage(err, "querying upload status")
	}
	return report, nil
}

// ChunkErrors returns the bounded error samples of an upload keyed by chunk
// index, for inclusion in detailed status responses.
func (r *StatusRepository) ChunkErrors(ctx context.Context, uploadID uuid.UUID) (map[int][]model.RowError, error) {
	query := dialect.
		From(chunkTable).
		Select(goqu.I("chunk_index"), goqu.I("errors_sample")).
		Where(goqu.And(
			chunk_uploadId.Eq(uploadID.String()),
			goqu.L("errors_sample != '[]'")))

	sql, args, err := query.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithMessage(err, "querying chunk errors")
	}
	defer rows.Close()

	result := map[int][]model.RowError{}
	for rows.Next() {
		var index int
		var sample []model.RowError
		if err := rows.Scan(&index, &sample); err != nil {
			return nil, errors.WithStack(err)
		}
		result[index] = sample
	}
	return result, rows.Err()
}
