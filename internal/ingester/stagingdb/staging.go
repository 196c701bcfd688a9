// Package stagingdb writes validated rows into the per-type staging tables and
// promotes them into the production tables. Batch writes go through a
// temporary table and the postgres copy protocol; if a batch fails we fall
// back to a slower serial insert and report the rows that cannot be written.
package stagingdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/merchstream/ingester/internal/common/database"
	"github.com/merchstream/ingester/internal/common/ingesterrors"
	"github.com/merchstream/ingester/internal/common/retry"
	"github.com/merchstream/ingester/internal/ingester/metrics"
	"github.com/merchstream/ingester/internal/ingester/model"
)

const (
	dbOperationCreateTempTable = "create_temp_table"
	dbOperationInsert          = "insert"
	dbOperationPromote         = "promote"
	dbOperationPurge           = "purge"
)

type StagingDb struct {
	db      *pgxpool.Pool
	metrics *metrics.Metrics
	retrier *retry.Executor
}

func NewStagingDb(db *pgxpool.Pool, m *metrics.Metrics, retrier *retry.Executor) *StagingDb {
	return &StagingDb{db: db, metrics: m, retrier: retrier}
}

// StageBatch writes one batch of validated rows belonging to a single chunk.
// All rows must be of the given data type; rowNumbers carries the 1-based
// source row of each entry for error reporting. We first try to insert the
// whole batch using the copy protocol. If that fails we insert serially and
// discard any rows that cannot be written.
func (s *StagingDb) StageBatch(
	ctx context.Context,
	chunkID uuid.UUID,
	dataType model.DataType,
	rows []model.NormalizedRow,
	rowNumbers []int,
) (*model.StageResult, error) {
	if len(rows) == 0 {
		return &model.StageResult{}, nil
	}
	if len(rowNumbers) != len(rows) {
		return nil, errors.Errorf("got %d rows but %d row numbers", len(rows), len(rowNumbers))
	}

	var spec *tableSpec
	switch dataType {
	case model.DataTypeCustomers:
		spec = customersSpec
	case model.DataTypeProducts:
		spec = productsSpec
	case model.DataTypeOrders:
		spec = ordersSpec
	case model.DataTypeOrderItems:
		spec = orderItemsSpec
	default:
		return nil, errors.Errorf("unknown data type %q", dataType)
	}

	err := s.stageBatch(ctx, spec, chunkID, rows)
	if err == nil {
		s.metrics.RecordRowsStaged(string(dataType), len(rows))
		return &model.StageResult{Inserted: len(rows)}, nil
	}
	log.Warnf("Staging %s via batch failed, will attempt to insert serially (this might be slow).  Error was %+v", dataType, err)

	result := s.stageScalar(ctx, spec, chunkID, rows, rowNumbers)
	s.metrics.RecordRowsStaged(string(dataType), result.Inserted)
	s.metrics.RecordRowsFailed(string(dataType), result.Failed)
	return result, nil
}

func (s *StagingDb) stageBatch(ctx context.Context, spec *tableSpec, chunkID uuid.UUID, rows []model.NormalizedRow) error {
	return s.retrier.Do(ctx, func() error {
		tmpTable := database.UniqueTableName(spec.stagingTable)

		createTmp := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(
				"CREATE TEMPORARY TABLE %s (%s) ON COMMIT DROP;", tmpTable, spec.tmpColumnDefs))
			if err != nil {
				s.metrics.RecordDBError(dbOperationCreateTempTable)
			}
			return err
		}

		insertTmp := func(tx pgx.Tx) error {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				spec.columns,
				pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
					return spec.values(rows[i], chunkID)
				}),
			)
			return err
		}

		copyToDest := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, spec.copyFromTmpSql(tmpTable))
			if err != nil {
				s.metrics.RecordDBError(dbOperationInsert)
			}
			return err
		}

		return batchInsert(ctx, s.db, createTmp, insertTmp, copyToDest)
	})
}

func (s *StagingDb) stageScalar(
	ctx context.Context,
	spec *tableSpec,
	chunkID uuid.UUID,
	rows []model.NormalizedRow,
	rowNumbers []int,
) *model.StageResult {
	result := &model.StageResult{}
	for i, row := range rows {
		values, err := spec.values(row, chunkID)
		if err == nil {
			err = s.retrier.Do(ctx, func() error {
				_, execErr := s.db.Exec(ctx, spec.scalarInsertSql(), values...)
				if execErr != nil {
					s.metrics.RecordDBError(dbOperationInsert)
				}
				return execErr
			})
		}
		if err != nil {
			log.Warnf("Staging row %d into %s failed with error %+v", rowNumbers[i], spec.stagingTable, err)
			result.Failed++
			result.Errors = append(result.Errors, model.RowError{
				Row:   rowNumbers[i],
				Error: err.Error(),
			})
			continue
		}
		result.Inserted++
	}
	return result
}

// Promote moves the unprocessed staging rows of one chunk into the production
// table and stamps them processed, in a single transaction. Rerunning a
// promotion is safe: already stamped rows are skipped and the production
// upsert converges on the same values.
func (s *StagingDb) Promote(ctx context.Context, tenantID uuid.UUID, chunkID uuid.UUID, dataType model.DataType) (*model.PromoteResult, error) {
	var spec *tableSpec
	switch dataType {
	case model.DataTypeCustomers:
		spec = customersSpec
	case model.DataTypeProducts:
		spec = productsSpec
	case model.DataTypeOrders:
		spec = ordersSpec
	case model.DataTypeOrderItems:
		spec = orderItemsSpec
	default:
		return nil, errors.Errorf("unknown data type %q", dataType)
	}

	start := time.Now()
	var promoted int64
	err := s.retrier.Do(ctx, func() error {
		return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{
			IsoLevel:       pgx.ReadCommitted,
			AccessMode:     pgx.ReadWrite,
			DeferrableMode: pgx.Deferrable,
		}, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, spec.promoteSql, tenantID, chunkID)
			if err != nil {
				s.metrics.RecordDBError(dbOperationPromote)
				return err
			}
			promoted = tag.RowsAffected()

			_, err = tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s SET processed_at = now()
				WHERE tenant_id = $1 AND chunk_id = $2 AND processed_at IS NULL`, spec.stagingTable),
				tenantID, chunkID)
			if err != nil {
				s.metrics.RecordDBError(dbOperationPromote)
			}
			return err
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "promoting chunk %s from %s", chunkID, spec.stagingTable)
	}
	s.metrics.RecordRowsPromoted(string(dataType), promoted)
	return &model.PromoteResult{Promoted: promoted, Elapsed: time.Since(start)}, nil
}

// PurgeProcessed deletes staging rows that were promoted longer ago than the
// retention window. Returns the number of rows removed across all four tables.
func (s *StagingDb) PurgeProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	var total int64
	for _, spec := range []*tableSpec{customersSpec, productsSpec, ordersSpec, orderItemsSpec} {
		err := s.retrier.Do(ctx, func() error {
			tag, err := s.db.Exec(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at < now() - $1::interval`,
				spec.stagingTable),
				fmt.Sprintf("%f seconds", retention.Seconds()))
			if err != nil {
				s.metrics.RecordDBError(dbOperationPurge)
				return err
			}
			total += tag.RowsAffected()
			return nil
		})
		if err != nil {
			return total, errors.WithMessagef(err, "purging %s", spec.stagingTable)
		}
	}
	return total, nil
}

func batchInsert(ctx context.Context, db *pgxpool.Pool, createTmp func(pgx.Tx) error,
	insertTmp func(pgx.Tx) error, copyToDest func(pgx.Tx) error,
) error {
	return pgx.BeginTxFunc(ctx, db, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.Deferrable,
	}, func(tx pgx.Tx) error {
		err := createTmp(tx)
		if err != nil {
			return err
		}
		err = insertTmp(tx)
		if err != nil {
			return err
		}
		return copyToDest(tx)
	})
}

func jsonbValue(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(b), nil
}

// tableSpec binds one data type to its staging table, its production upsert
// and the column mapping used by both the batch and scalar insert paths.
type tableSpec struct {
	stagingTable  string
	tmpColumnDefs string
	columns       []string
	conflictSql   string
	promoteSql    string
	values        func(row model.NormalizedRow, chunkID uuid.UUID) ([]interface{}, error)
}

func (t *tableSpec) copyFromTmpSql(tmpTable string) string {
	cols := columnList(t.columns)
	return fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s %s`,
		t.stagingTable, cols, cols, tmpTable, t.conflictSql)
}

func (t *tableSpec) scalarInsertSql() string {
	placeholders := ""
	for i := range t.columns {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) %s`,
		t.stagingTable, columnList(t.columns), placeholders, t.conflictSql)
}

func columnList(columns []string) string {
	out := ""
	for i, c := range columns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

var customersSpec = &tableSpec{
	stagingTable: "customers_staging",
	tmpColumnDefs: `
		tenant_id   uuid,
		customer_id uuid,
		name        varchar(255),
		email       varchar(255),
		metadata    jsonb,
		created_at  timestamptz,
		chunk_id    uuid`,
	columns: []string{"tenant_id", "customer_id", "name", "email", "metadata", "created_at", "chunk_id"},
	conflictSql: `ON CONFLICT ON CONSTRAINT unique_staging_tenant_email DO UPDATE SET
		customer_id = EXCLUDED.customer_id,
		name = EXCLUDED.name,
		metadata = EXCLUDED.metadata,
		created_at = EXCLUDED.created_at,
		chunk_id = EXCLUDED.chunk_id,
		processed_at = NULL`,
	promoteSql: `
		INSERT INTO customers (customer_id, tenant_id, name, email, metadata, created_at)
		SELECT customer_id, tenant_id, name, email, metadata, created_at
		FROM customers_staging
		WHERE tenant_id = $1 AND chunk_id = $2 AND processed_at IS NULL
		ON CONFLICT ON CONSTRAINT unique_tenant_customer_email DO UPDATE SET
			name = EXCLUDED.name,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`,
	values: func(row model.NormalizedRow, chunkID uuid.UUID) ([]interface{}, error) {
		r, ok := row.(*model.CustomerRow)
		if !ok {
			return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Message: "row is not a customer row"})
		}
		metadata, err := jsonbValue(r.Metadata)
		if err != nil {
			return nil, err
		}
		return []interface{}{r.TenantID, r.CustomerID, r.Name, r.Email, metadata, r.CreatedAt, chunkID}, nil
	},
}

var productsSpec = &tableSpec{
	stagingTable: "products_staging",
	tmpColumnDefs: `
		tenant_id   uuid,
		product_id  uuid,
		sku         varchar(100),
		name        varchar(255),
		price       numeric(10,2),
		category_id uuid,
		active      boolean,
		created_at  timestamptz,
		chunk_id    uuid`,
	columns: []string{"tenant_id", "product_id", "sku", "name", "price", "category_id", "active", "created_at", "chunk_id"},
	conflictSql: `ON CONFLICT ON CONSTRAINT unique_staging_tenant_sku DO UPDATE SET
		product_id = EXCLUDED.product_id,
		name = EXCLUDED.name,
		price = EXCLUDED.price,
		category_id = EXCLUDED.category_id,
		active = EXCLUDED.active,
		created_at = EXCLUDED.created_at,
		chunk_id = EXCLUDED.chunk_id,
		processed_at = NULL`,
	promoteSql: `
		INSERT INTO products (product_id, tenant_id, sku, name, price, category_id, active, created_at)
		SELECT product_id, tenant_id, sku, name, price, category_id, active, created_at
		FROM products_staging
		WHERE tenant_id = $1 AND chunk_id = $2 AND processed_at IS NULL
		ON CONFLICT ON CONSTRAINT unique_tenant_sku DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			category_id = EXCLUDED.category_id,
			active = EXCLUDED.active,
			created_at = EXCLUDED.created_at`,
	values: func(row model.NormalizedRow, chunkID uuid.UUID) ([]interface{}, error) {
		r, ok := row.(*model.ProductRow)
		if !ok {
			return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Message: "row is not a product row"})
		}
		return []interface{}{r.TenantID, r.ProductID, r.Sku, r.Name, r.Price, r.CategoryID, r.Active, r.CreatedAt, chunkID}, nil
	},
}

var ordersSpec = &tableSpec{
	stagingTable: "orders_staging",
	tmpColumnDefs: `
		tenant_id               uuid,
		order_id                uuid,
		external_order_id       varchar(100),
		customer_id             uuid,
		customer_name_snapshot  varchar(255),
		customer_email_snapshot varchar(255),
		total_amount            numeric(12,2),
		currency                varchar(3),
		order_status            varchar(100),
		order_date              timestamptz,
		raw_payload             jsonb,
		created_at              timestamptz,
		chunk_id                uuid`,
	columns: []string{
		"tenant_id", "order_id", "external_order_id", "customer_id",
		"customer_name_snapshot", "customer_email_snapshot", "total_amount",
		"currency", "order_status", "order_date", "raw_payload", "created_at", "chunk_id",
	},
	conflictSql: `ON CONFLICT ON CONSTRAINT unique_staging_tenant_external_order DO UPDATE SET
		order_id = EXCLUDED.order_id,
		customer_id = EXCLUDED.customer_id,
		customer_name_snapshot = EXCLUDED.customer_name_snapshot,
		customer_email_snapshot = EXCLUDED.customer_email_snapshot,
		total_amount = EXCLUDED.total_amount,
		currency = EXCLUDED.currency,
		order_status = EXCLUDED.order_status,
		order_date = EXCLUDED.order_date,
		raw_payload = EXCLUDED.raw_payload,
		created_at = EXCLUDED.created_at,
		chunk_id = EXCLUDED.chunk_id,
		processed_at = NULL`,
	promoteSql: `
		INSERT INTO orders (order_id, tenant_id, external_order_id, customer_id,
			customer_name_snapshot, customer_email_snapshot, total_amount,
			currency, order_status, order_date, raw_payload, created_at)
		SELECT order_id, tenant_id, external_order_id, customer_id,
			customer_name_snapshot, customer_email_snapshot, total_amount,
			currency, order_status, order_date, raw_payload, created_at
		FROM orders_staging
		WHERE tenant_id = $1 AND chunk_id = $2 AND processed_at IS NULL
		ON CONFLICT ON CONSTRAINT unique_tenant_external_order DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			customer_name_snapshot = EXCLUDED.customer_name_snapshot,
			customer_email_snapshot = EXCLUDED.customer_email_snapshot,
			total_amount = EXCLUDED.total_amount,
			currency = EXCLUDED.currency,
			order_status = EXCLUDED.order_status,
			order_date = EXCLUDED.order_date,
			raw_payload = EXCLUDED.raw_payload,
			created_at = EXCLUDED.created_at`,
	values: func(row model.NormalizedRow, chunkID uuid.UUID) ([]interface{}, error) {
		r, ok := row.(*model.OrderRow)
		if !ok {
			return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Message: "row is not an order row"})
		}
		rawPayload, err := jsonbValue(r.RawPayload)
		if err != nil {
			return nil, err
		}
		return []interface{}{
			r.TenantID, r.OrderID, r.ExternalOrderID, r.CustomerID,
			r.CustomerNameSnapshot, r.CustomerEmailSnapshot, r.TotalAmount,
			r.Currency, r.OrderStatus, r.OrderDate, rawPayload, r.CreatedAt, chunkID,
		}, nil
	},
}

var orderItemsSpec = &tableSpec{
	stagingTable: "order_items_staging",
	tmpColumnDefs: `
		tenant_id     uuid,
		order_item_id uuid,
		order_id      uuid,
		product_id    uuid,
		quantity      integer,
		unit_price    numeric(10,2),
		line_total    numeric(12,2),
		chunk_id      uuid`,
	columns: []string{"tenant_id", "order_item_id", "order_id", "product_id", "quantity", "unit_price", "line_total", "chunk_id"},
	conflictSql: `ON CONFLICT ON CONSTRAINT unique_staging_order_item DO UPDATE SET
		order_id = EXCLUDED.order_id,
		product_id = EXCLUDED.product_id,
		quantity = EXCLUDED.quantity,
		unit_price = EXCLUDED.unit_price,
		line_total = EXCLUDED.line_total,
		chunk_id = EXCLUDED.chunk_id,
		processed_at = NULL`,
	promoteSql: `
		INSERT INTO order_items (order_item_id, tenant_id, order_id, product_id, quantity, unit_price, line_total)
		SELECT order_item_id, tenant_id, order_id, product_id, quantity, unit_price, line_total
		FROM order_items_staging
		WHERE tenant_id = $1 AND chunk_id = $2 AND processed_at IS NULL
		ON CONFLICT (order_item_id) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			product_id = EXCLUDED.product_id,
			quantity = EXCLUDED.quantity,
			unit_price = EXCLUDED.unit_price,
			line_total = EXCLUDED.line_total`,
	values: func(row model.NormalizedRow, chunkID uuid.UUID) ([]interface{}, error) {
		r, ok := row.(*model.OrderItemRow)
		if !ok {
			return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Message: "row is not an order item row"})
		}
		return []interface{}{r.TenantID, r.OrderItemID, r.OrderID, r.ProductID, r.Quantity, r.UnitPrice, r.LineTotal, chunkID}, nil
	},
}
