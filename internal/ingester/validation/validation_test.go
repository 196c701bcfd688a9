package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchstream/ingester/internal/ingester/codec"
	"github.com/merchstream/ingester/internal/ingester/model"
)

var (
	tenantID   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	customerID = "22222222-2222-2222-2222-222222222222"
	productID  = "33333333-3333-3333-3333-333333333333"
	orderID    = "44444444-4444-4444-4444-444444444444"
	itemID     = "55555555-5555-5555-5555-555555555555"
)

func validOrderRaw() codec.RawRow {
	return codec.RawRow{
		"order_id":          orderID,
		"external_order_id": "EXT-1001",
		"total_amount":      "120.50",
		"currency":          "USD",
		"order_status":      "confirmed",
		"order_date":        "2024-05-01T10:30:00Z",
	}
}

func TestValidateCustomerRow(t *testing.T) {
	raw := codec.RawRow{
		"customer_id": customerID,
		"name":        "Alice",
		"email":       "alice@example.com",
		"metadata":    map[string]interface{}{"segment": "vip"},
	}
	normalized, err := ValidateRow(raw, tenantID, model.DataTypeCustomers)
	require.NoError(t, err)

	row, ok := normalized.(*model.CustomerRow)
	require.True(t, ok)
	assert.Equal(t, tenantID, row.TenantID)
	assert.Equal(t, "alice@example.com", row.Email)
	assert.Equal(t, "vip", row.Metadata["segment"])
	assert.False(t, row.CreatedAt.IsZero())
}

func TestValidateCustomerRow_MissingField(t *testing.T) {
	raw := codec.RawRow{"customer_id": customerID, "name": "Alice"}
	_, err := ValidateRow(raw, tenantID, model.DataTypeCustomers)
	require.Error(t, err)
	assert.Equal(t, "Missing required field: email", err.Error())
}

func TestValidateCustomerRow_BadUuid(t *testing.T) {
	raw := codec.RawRow{"customer_id": "not-a-uuid", "name": "Alice", "email": "a@example.com"}
	_, err := ValidateRow(raw, tenantID, model.DataTypeCustomers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid customer_id format")
}

func TestValidateProductRow(t *testing.T) {
	raw := codec.RawRow{
		"product_id": productID,
		"sku":        "SKU-1",
		"name":       "Widget",
		"price":      "9.99",
	}
	normalized, err := ValidateRow(raw, tenantID, model.DataTypeProducts)
	require.NoError(t, err)

	row := normalized.(*model.ProductRow)
	assert.Equal(t, 9.99, row.Price)
	assert.True(t, row.Active)
	assert.Nil(t, row.CategoryID)
}

func TestValidateProductRow_NegativePrice(t *testing.T) {
	raw := codec.RawRow{"product_id": productID, "sku": "SKU-1", "name": "Widget", "price": -1.0}
	_, err := ValidateRow(raw, tenantID, model.DataTypeProducts)
	require.Error(t, err)
	assert.Equal(t, "price must be non-negative", err.Error())
}

func TestValidateProductRow_SkuTooLong(t *testing.T) {
	longSku := make([]byte, 101)
	for i := range longSku {
		longSku[i] = 'x'
	}
	raw := codec.RawRow{"product_id": productID, "sku": string(longSku), "name": "Widget", "price": 1.0}
	_, err := ValidateRow(raw, tenantID, model.DataTypeProducts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SKU too long")
}

func TestValidateOrderRow(t *testing.T) {
	raw := validOrderRaw()
	raw["customer_id"] = customerID
	raw["raw_payload"] = map[string]interface{}{"source": "shopify"}

	normalized, err := ValidateRow(raw, tenantID, model.DataTypeOrders)
	require.NoError(t, err)

	row := normalized.(*model.OrderRow)
	assert.Equal(t, "EXT-1001", row.ExternalOrderID)
	assert.Equal(t, 120.50, row.TotalAmount)
	require.NotNil(t, row.CustomerID)
	assert.Equal(t, customerID, row.CustomerID.String())
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), row.OrderDate.UTC())
}

func TestValidateOrderRow_MissingStatus(t *testing.T) {
	raw := validOrderRaw()
	delete(raw, "order_status")
	_, err := ValidateRow(raw, tenantID, model.DataTypeOrders)
	require.Error(t, err)
	assert.Equal(t, "Missing required field: order_status", err.Error())
}

func TestValidateOrderRow_InvalidEnum(t *testing.T) {
	raw := validOrderRaw()
	raw["currency"] = "JPY"
	_, err := ValidateRow(raw, tenantID, model.DataTypeOrders)
	require.Error(t, err)
	assert.Equal(t, "Invalid currency: JPY", err.Error())

	raw = validOrderRaw()
	raw["order_status"] = "teleported"
	_, err = ValidateRow(raw, tenantID, model.DataTypeOrders)
	require.Error(t, err)
	assert.Equal(t, "Invalid order_status: teleported", err.Error())
}

func TestValidateOrderRow_BadDate(t *testing.T) {
	raw := validOrderRaw()
	raw["order_date"] = "yesterday"
	_, err := ValidateRow(raw, tenantID, model.DataTypeOrders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid order_date format")
}

func TestValidateOrderItemRow(t *testing.T) {
	raw := codec.RawRow{
		"order_item_id": itemID,
		"order_id":      orderID,
		"product_id":    productID,
		"quantity":      float64(2),
		"unit_price":    10.0,
		"line_total":    20.0,
	}
	normalized, err := ValidateRow(raw, tenantID, model.DataTypeOrderItems)
	require.NoError(t, err)

	row := normalized.(*model.OrderItemRow)
	assert.Equal(t, 2, row.Quantity)
	assert.Equal(t, 20.0, row.LineTotal)
}

func TestValidateOrderItemRow_Bounds(t *testing.T) {
	base := func() codec.RawRow {
		return codec.RawRow{
			"order_item_id": itemID,
			"order_id":      orderID,
			"product_id":    productID,
			"quantity":      float64(1),
			"unit_price":    10.0,
			"line_total":    10.0,
		}
	}

	raw := base()
	raw["quantity"] = float64(0)
	_, err := ValidateRow(raw, tenantID, model.DataTypeOrderItems)
	require.Error(t, err)
	assert.Equal(t, "quantity must be at least 1", err.Error())

	raw = base()
	raw["unit_price"] = -0.01
	_, err = ValidateRow(raw, tenantID, model.DataTypeOrderItems)
	require.Error(t, err)
	assert.Equal(t, "unit_price must be non-negative", err.Error())

	raw = base()
	raw["line_total"] = -5.0
	_, err = ValidateRow(raw, tenantID, model.DataTypeOrderItems)
	require.Error(t, err)
	assert.Equal(t, "line_total must be non-negative", err.Error())
}

func TestSanitizePayload(t *testing.T) {
	id := uuid.New()
	payload := SanitizePayload(map[string]interface{}{
		"ref":    strings.ToUpper(id.String()),
		"nested": map[string]interface{}{"inner": id.String()},
		"list":   []interface{}{id.String(), float64(3)},
		"plain":  "hello",
	})
	assert.Equal(t, id.String(), payload["ref"])
	assert.Equal(t, id.String(), payload["nested"].(map[string]interface{})["inner"])
	assert.Equal(t, id.String(), payload["list"].([]interface{})[0])
	assert.Equal(t, "hello", payload["plain"])
}

func TestSanitizePayload_NonObjectInputs(t *testing.T) {
	assert.Equal(t, map[string]interface{}{}, SanitizePayload(nil))
	assert.Equal(t, map[string]interface{}{"value": "raw text"}, SanitizePayload("raw text"))
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, SanitizePayload(`{"a": 1}`))
	assert.Equal(t, map[string]interface{}{"value": "42"}, SanitizePayload(42))
}
