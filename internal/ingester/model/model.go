package model

import (
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataType identifies one of the four ingestable record types. The dependency
// ordering between them matters: orders reference customers, order items
// reference orders and products.
type DataType string

const (
	DataTypeCustomers  DataType = "customers"
	DataTypeProducts   DataType = "products"
	DataTypeOrders     DataType = "orders"
	DataTypeOrderItems DataType = "order_items"
)

// DataTypesInDependencyOrder lists all data types in the order they must be
// promoted within one upload.
var DataTypesInDependencyOrder = []DataType{
	DataTypeCustomers,
	DataTypeProducts,
	DataTypeOrders,
	DataTypeOrderItems,
}

// DependencyRank returns the promotion rank of a data type; lower ranks are
// promoted first. Unknown types sort last.
func DependencyRank(dataType DataType) int {
	for i, dt := range DataTypesInDependencyOrder {
		if dt == dataType {
			return i
		}
	}
	return len(DataTypesInDependencyOrder)
}

// DataTypeFromFilename determines the record type from the filename prefix.
// The order_items_ prefix must be checked before orders_.
func DataTypeFromFilename(filename string) (DataType, bool) {
	switch {
	case strings.HasPrefix(filename, "customers_"):
		return DataTypeCustomers, true
	case strings.HasPrefix(filename, "products_"):
		return DataTypeProducts, true
	case strings.HasPrefix(filename, "order_items_"):
		return DataTypeOrderItems, true
	case strings.HasPrefix(filename, "orders_"):
		return DataTypeOrders, true
	}
	return "", false
}

type UploadStatus string

const (
	UploadPending             UploadStatus = "pending"
	UploadProcessing          UploadStatus = "processing"
	UploadCompleted           UploadStatus = "completed"
	UploadCompletedWithErrors UploadStatus = "completed_with_errors"
	UploadFailed              UploadStatus = "failed"
	UploadCancelled           UploadStatus = "cancelled"
)

type ChunkStatus string

const (
	ChunkPending             ChunkStatus = "pending"
	ChunkProcessing          ChunkStatus = "processing"
	ChunkCompleted           ChunkStatus = "completed"
	ChunkCompletedWithErrors ChunkStatus = "completed_with_errors"
	ChunkFailed              ChunkStatus = "failed"
	ChunkSkipped             ChunkStatus = "skipped"
)

// Upload groups the chunks submitted under one resumable token.
type Upload struct {
	UploadID     uuid.UUID
	TenantID     uuid.UUID
	UploadToken  string
	Status       UploadStatus
	Manifest     map[string]interface{}
	CreatedAt    time.Time
	LastActivity time.Time
}

// Chunk is one submitted file, tracked as a unit of ingestion.
type Chunk struct {
	ChunkID      uuid.UUID
	UploadID     uuid.UUID
	ChunkIndex   int
	DataType     DataType
	FilePath     string
	ContentType  string
	Checksum     string
	Status       ChunkStatus
	Rows         int
	RowsFailed   int
	ErrorsSample []RowError
	ReceivedAt   time.Time
}

// RowError records one failed input row. Data carries the offending row in a
// JSON-serializable form so callers can inspect what was rejected.
type RowError struct {
	Row   int         `json:"row"`
	Error string      `json:"error"`
	Data  interface{} `json:"data,omitempty"`
}

// NormalizedRow is the tagged union of validated row types. Exactly one of
// CustomerRow, ProductRow, OrderRow and OrderItemRow implements it per type.
type NormalizedRow interface {
	RowDataType() DataType
}

type CustomerRow struct {
	TenantID   uuid.UUID
	CustomerID uuid.UUID
	Name       string
	Email      string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

func (*CustomerRow) RowDataType() DataType { return DataTypeCustomers }

type ProductRow struct {
	TenantID   uuid.UUID
	ProductID  uuid.UUID
	Sku        string
	Name       string
	Price      float64
	CategoryID *uuid.UUID
	Active     bool
	CreatedAt  time.Time
}

func (*ProductRow) RowDataType() DataType { return DataTypeProducts }

type OrderRow struct {
	TenantID              uuid.UUID
	OrderID               uuid.UUID
	ExternalOrderID       string
	CustomerID            *uuid.UUID
	CustomerNameSnapshot  string
	CustomerEmailSnapshot string
	TotalAmount           float64
	Currency              string
	OrderStatus           string
	OrderDate             time.Time
	RawPayload            map[string]interface{}
	CreatedAt             time.Time
}

func (*OrderRow) RowDataType() DataType { return DataTypeOrders }

type OrderItemRow struct {
	TenantID    uuid.UUID
	OrderItemID uuid.UUID
	OrderID     uuid.UUID
	ProductID   uuid.UUID
	Quantity    int
	UnitPrice   float64
	LineTotal   float64
}

func (*OrderItemRow) RowDataType() DataType { return DataTypeOrderItems }

// StageResult summarises one staging write.
type StageResult struct {
	Inserted int
	Failed   int
	Errors   []RowError
}

// PromoteResult summarises one promotion transaction.
type PromoteResult struct {
	Promoted int64
	Elapsed  time.Duration
}

// ChunkResult aggregates the outcome of processing one chunk end to end.
type ChunkResult struct {
	RowsReceived int
	RowsInserted int
	RowsFailed   int
	Errors       []RowError
}

// SubmitRequest is the already-authenticated chunk submission handed to the
// core by the outer transport layer.
type SubmitRequest struct {
	TenantID       uuid.UUID
	IdempotencyKey string
	UploadToken    string
	Filename       string
	ContentType    string
	Body           io.Reader
}

// SubmitResponse is returned on initial accept. Row counts are placeholders
// until the background pass completes.
type SubmitResponse struct {
	UploadID       uuid.UUID `json:"upload_id"`
	ChunkID        uuid.UUID `json:"chunk_id"`
	UploadToken    string    `json:"upload_token"`
	DataType       DataType  `json:"data_type"`
	RowsReceived   int       `json:"rows_received"`
	RowsInserted   int       `json:"rows_inserted"`
	RowsFailed     int       `json:"rows_failed"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// UploadStatusReport is the answer to a status query.
type UploadStatusReport struct {
	UploadID        uuid.UUID    `json:"upload_id"`
	UploadToken     string       `json:"upload_token"`
	Status          UploadStatus `json:"status"`
	TotalChunks     int          `json:"total_chunks"`
	CompletedChunks int          `json:"completed_chunks"`
	FailedChunks    int          `json:"failed_chunks"`
	TotalRows       int          `json:"total_rows"`
	TotalErrors     int          `json:"total_errors"`
	CreatedAt       time.Time    `json:"created_at"`
	LastActivity    time.Time    `json:"last_activity"`
}

// ResumeResult reports which chunks a resume call re-queued. ChunksPending
// counts every chunk awaiting processing afterwards, including chunks that
// were already pending before the call.
type ResumeResult struct {
	UploadID      uuid.UUID `json:"upload_id"`
	UploadToken   string    `json:"upload_token"`
	ChunksQueued  int       `json:"chunks_queued"`
	ChunksPending int       `json:"chunks_pending"`
	Status        string    `json:"status"`
}
