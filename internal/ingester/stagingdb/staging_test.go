package stagingdb

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchstream/ingester/internal/common/database"
	"github.com/merchstream/ingester/internal/common/retry"
	"github.com/merchstream/ingester/internal/ingester/metrics"
	"github.com/merchstream/ingester/internal/ingester/model"
	"github.com/merchstream/ingester/internal/ingester/schema"
)

var (
	testTenant = uuid.MustParse("b8f9a2b0-0d7e-4f8d-9f3e-1a2b3c4d5e6f")
	baseTime   = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
)

func withStagingDb(t *testing.T, action func(db *pgxpool.Pool, s *StagingDb) error) {
	t.Helper()
	err := database.WithTestDb(schema.Migrations(), nil, func(db *pgxpool.Pool) error {
		s := NewStagingDb(db, metrics.Get(), retry.NewExecutor(3, 10*time.Millisecond))
		return action(db, s)
	})
	require.NoError(t, err)
}

func makeCustomer(email string, name string) *model.CustomerRow {
	return &model.CustomerRow{
		TenantID:   testTenant,
		CustomerID: uuid.New(),
		Name:       name,
		Email:      email,
		Metadata:   map[string]interface{}{"tier": "gold"},
		CreatedAt:  baseTime,
	}
}

func stageCustomers(t *testing.T, s *StagingDb, chunkID uuid.UUID, rows ...*model.CustomerRow) *model.StageResult {
	t.Helper()
	normalized := make([]model.NormalizedRow, len(rows))
	numbers := make([]int, len(rows))
	for i, r := range rows {
		normalized[i] = r
		numbers[i] = i + 1
	}
	result, err := s.StageBatch(context.Background(), chunkID, model.DataTypeCustomers, normalized, numbers)
	require.NoError(t, err)
	return result
}

func TestStageBatchEmpty(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		result, err := s.StageBatch(context.Background(), uuid.New(), model.DataTypeCustomers, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Inserted)
		return nil
	})
}

func TestStageBatchUnknownDataType(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		_, err := s.StageBatch(context.Background(), uuid.New(), model.DataType("ledgers"),
			[]model.NormalizedRow{makeCustomer("a@example.com", "A")}, []int{1})
		assert.Error(t, err)
		return nil
	})
}

func TestStageCustomers(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		chunkID := uuid.New()
		result := stageCustomers(t, s, chunkID,
			makeCustomer("ada@example.com", "Ada"),
			makeCustomer("bob@example.com", "Bob"))
		assert.Equal(t, 2, result.Inserted)
		assert.Equal(t, 0, result.Failed)

		assert.Equal(t, 2, countRows(t, db, "customers_staging"))
		return nil
	})
}

// Re-staging a row with the same natural key must converge on the latest
// values rather than fail, and must clear the processed stamp so the row gets
// promoted again.
func TestStageCustomersUpsertConverges(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		first := uuid.New()
		stageCustomers(t, s, first, makeCustomer("ada@example.com", "Ada"))
		_, err := s.Promote(ctx, testTenant, first, model.DataTypeCustomers)
		require.NoError(t, err)

		second := uuid.New()
		stageCustomers(t, s, second, makeCustomer("ada@example.com", "Ada Lovelace"))

		assert.Equal(t, 1, countRows(t, db, "customers_staging"))

		var name string
		var processedAt *time.Time
		err = db.QueryRow(ctx,
			"SELECT name, processed_at FROM customers_staging WHERE email = 'ada@example.com'").
			Scan(&name, &processedAt)
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", name)
		assert.Nil(t, processedAt)
		return nil
	})
}

// One bad row in a batch must not take down the rest: the batch path fails on
// it but the serial fallback writes the remaining rows and reports the loser.
func TestStageCustomersBatchIsolation(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		chunkID := uuid.New()
		good := makeCustomer("ada@example.com", "Ada")
		bad := makeCustomer("bob@example.com", "Bob")
		// a name longer than the varchar(255) column tolerates
		for len(bad.Name) <= 255 {
			bad.Name += "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
		}

		result := stageCustomers(t, s, chunkID, good, bad)
		assert.Equal(t, 1, result.Inserted)
		assert.Equal(t, 1, result.Failed)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, 2, result.Errors[0].Row)

		assert.Equal(t, 1, countRows(t, db, "customers_staging"))
		return nil
	})
}

func TestPromoteCustomers(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		chunkID := uuid.New()
		stageCustomers(t, s, chunkID,
			makeCustomer("ada@example.com", "Ada"),
			makeCustomer("bob@example.com", "Bob"))

		result, err := s.Promote(ctx, testTenant, chunkID, model.DataTypeCustomers)
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Promoted)
		assert.Equal(t, 2, countRows(t, db, "customers"))

		// Staging rows are stamped in the same transaction, so a second
		// promotion of the same chunk finds nothing to do.
		result, err = s.Promote(ctx, testTenant, chunkID, model.DataTypeCustomers)
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.Promoted)
		assert.Equal(t, 2, countRows(t, db, "customers"))
		return nil
	})
}

func TestPromoteUpdatesExistingCustomer(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		first := uuid.New()
		stageCustomers(t, s, first, makeCustomer("ada@example.com", "Ada"))
		_, err := s.Promote(ctx, testTenant, first, model.DataTypeCustomers)
		require.NoError(t, err)

		second := uuid.New()
		stageCustomers(t, s, second, makeCustomer("ada@example.com", "Ada Lovelace"))
		result, err := s.Promote(ctx, testTenant, second, model.DataTypeCustomers)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Promoted)

		assert.Equal(t, 1, countRows(t, db, "customers"))
		var name string
		err = db.QueryRow(ctx, "SELECT name FROM customers WHERE email = 'ada@example.com'").Scan(&name)
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", name)
		return nil
	})
}

func TestStageAndPromoteProducts(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		chunkID := uuid.New()
		categoryID := uuid.New()
		rows := []model.NormalizedRow{
			&model.ProductRow{
				TenantID:   testTenant,
				ProductID:  uuid.New(),
				Sku:        "WIDGET-1",
				Name:       "Widget",
				Price:      19.99,
				CategoryID: &categoryID,
				Active:     true,
				CreatedAt:  baseTime,
			},
			&model.ProductRow{
				TenantID:  testTenant,
				ProductID: uuid.New(),
				Sku:       "WIDGET-2",
				Name:      "Widget Deluxe",
				Price:     0,
				Active:    false,
				CreatedAt: baseTime,
			},
		}
		result, err := s.StageBatch(ctx, chunkID, model.DataTypeProducts, rows, []int{1, 2})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Inserted)

		promoted, err := s.Promote(ctx, testTenant, chunkID, model.DataTypeProducts)
		require.NoError(t, err)
		assert.Equal(t, int64(2), promoted.Promoted)

		var price float64
		var catID *uuid.UUID
		err = db.QueryRow(ctx, "SELECT price, category_id FROM products WHERE sku = 'WIDGET-1'").Scan(&price, &catID)
		require.NoError(t, err)
		assert.Equal(t, 19.99, price)
		require.NotNil(t, catID)
		assert.Equal(t, categoryID, *catID)
		return nil
	})
}

func TestStageAndPromoteOrders(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		chunkID := uuid.New()
		customerID := uuid.New()
		rows := []model.NormalizedRow{
			&model.OrderRow{
				TenantID:        testTenant,
				OrderID:         uuid.New(),
				ExternalOrderID: "ORD-1001",
				CustomerID:      &customerID,
				TotalAmount:     250.00,
				Currency:        "USD",
				OrderStatus:     "confirmed",
				OrderDate:       baseTime,
				RawPayload:      map[string]interface{}{"source": "csv"},
				CreatedAt:       baseTime,
			},
		}
		result, err := s.StageBatch(ctx, chunkID, model.DataTypeOrders, rows, []int{1})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Inserted)

		promoted, err := s.Promote(ctx, testTenant, chunkID, model.DataTypeOrders)
		require.NoError(t, err)
		assert.Equal(t, int64(1), promoted.Promoted)

		var status string
		err = db.QueryRow(ctx, "SELECT order_status FROM orders WHERE external_order_id = 'ORD-1001'").Scan(&status)
		require.NoError(t, err)
		assert.Equal(t, "confirmed", status)
		return nil
	})
}

func TestStageAndPromoteOrderItems(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		chunkID := uuid.New()
		itemID := uuid.New()
		rows := []model.NormalizedRow{
			&model.OrderItemRow{
				TenantID:    testTenant,
				OrderItemID: itemID,
				OrderID:     uuid.New(),
				ProductID:   uuid.New(),
				Quantity:    3,
				UnitPrice:   9.50,
				LineTotal:   28.50,
			},
		}
		result, err := s.StageBatch(ctx, chunkID, model.DataTypeOrderItems, rows, []int{1})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Inserted)

		promoted, err := s.Promote(ctx, testTenant, chunkID, model.DataTypeOrderItems)
		require.NoError(t, err)
		assert.Equal(t, int64(1), promoted.Promoted)

		var quantity int
		err = db.QueryRow(ctx, "SELECT quantity FROM order_items WHERE order_item_id = $1", itemID).Scan(&quantity)
		require.NoError(t, err)
		assert.Equal(t, 3, quantity)
		return nil
	})
}

func TestPromoteScopedToTenantAndChunk(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		chunkA := uuid.New()
		chunkB := uuid.New()
		stageCustomers(t, s, chunkA, makeCustomer("ada@example.com", "Ada"))
		stageCustomers(t, s, chunkB, makeCustomer("bob@example.com", "Bob"))

		result, err := s.Promote(ctx, testTenant, chunkA, model.DataTypeCustomers)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Promoted)
		assert.Equal(t, 1, countRows(t, db, "customers"))
		return nil
	})
}

func TestPurgeProcessed(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		chunkID := uuid.New()
		stageCustomers(t, s, chunkID, makeCustomer("ada@example.com", "Ada"))
		_, err := s.Promote(ctx, testTenant, chunkID, model.DataTypeCustomers)
		require.NoError(t, err)

		// Still inside the retention window
		purged, err := s.PurgeProcessed(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(0), purged)
		assert.Equal(t, 1, countRows(t, db, "customers_staging"))

		// Backdate the stamp past the window
		_, err = db.Exec(ctx, "UPDATE customers_staging SET processed_at = now() - interval '25 hours'")
		require.NoError(t, err)

		purged, err = s.PurgeProcessed(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)
		assert.Equal(t, 0, countRows(t, db, "customers_staging"))

		// Production rows are untouched
		assert.Equal(t, 1, countRows(t, db, "customers"))
		return nil
	})
}

func TestPurgeLeavesUnprocessedRows(t *testing.T) {
	withStagingDb(t, func(db *pgxpool.Pool, s *StagingDb) error {
		ctx := context.Background()
		stageCustomers(t, s, uuid.New(), makeCustomer("ada@example.com", "Ada"))

		purged, err := s.PurgeProcessed(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), purged)
		assert.Equal(t, 1, countRows(t, db, "customers_staging"))
		return nil
	})
}

func countRows(t *testing.T, db *pgxpool.Pool, table string) int {
	t.Helper()
	var count int
	err := db.QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&count)
	require.NoError(t, err)
	return count
}
