// Package validation turns raw decoded records into typed rows, enforcing the
// per-type schema: required fields, UUID identifiers, numeric bounds, closed
// enums and the column length limits of the production schema. A failed row
// never aborts its chunk; the caller counts it and samples the error.
package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/merchstream/ingester/internal/ingester/codec"
	"github.com/merchstream/ingester/internal/ingester/model"
)

var validCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"CAD": true,
}

var validOrderStatuses = map[string]bool{
	"pending":    true,
	"confirmed":  true,
	"processing": true,
	"shipped":    true,
	"delivered":  true,
	"cancelled":  true,
	"refunded":   true,
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ValidateRow validates and normalizes one raw record for the given data type.
func ValidateRow(raw codec.RawRow, tenantID uuid.UUID, dataType model.DataType) (model.NormalizedRow, error) {
	switch dataType {
	case model.DataTypeCustomers:
		return validateCustomerRow(raw, tenantID)
	case model.DataTypeProducts:
		return validateProductRow(raw, tenantID)
	case model.DataTypeOrders:
		return validateOrderRow(raw, tenantID)
	case model.DataTypeOrderItems:
		return validateOrderItemRow(raw, tenantID)
	}
	return nil, errors.Errorf("Unknown data type: %s", dataType)
}

func validateCustomerRow(raw codec.RawRow, tenantID uuid.UUID) (model.NormalizedRow, error) {
	if err := requireFields(raw, "customer_id", "name", "email"); err != nil {
		return nil, err
	}

	customerID, err := uuidField(raw, "customer_id")
	if err != nil {
		return nil, err
	}

	row := &model.CustomerRow{
		TenantID:   tenantID,
		CustomerID: customerID,
		Name:       asString(raw["name"]),
		Email:      asString(raw["email"]),
		Metadata:   SanitizePayload(raw["metadata"]),
		CreatedAt:  timestampOrNow(raw, "created_at"),
	}

	if len(row.Name) > 255 {
		return nil, errors.Errorf("Customer name too long: %s", row.Name)
	}
	if len(row.Email) > 255 {
		return nil, errors.Errorf("Customer email too long: %s", row.Email)
	}
	return row, nil
}

func validateProductRow(raw codec.RawRow, tenantID uuid.UUID) (model.NormalizedRow, error) {
	if err := requireFields(raw, "product_id", "sku", "name", "price"); err != nil {
		return nil, err
	}

	productID, err := uuidField(raw, "product_id")
	if err != nil {
		return nil, err
	}
	categoryID, err := optionalUuidField(raw, "category_id")
	if err != nil {
		return nil, err
	}
	price, err := floatField(raw, "price")
	if err != nil {
		return nil, err
	}

	row := &model.ProductRow{
		TenantID:   tenantID,
		ProductID:  productID,
		Sku:        asString(raw["sku"]),
		Name:       asString(raw["name"]),
		Price:      price,
		CategoryID: categoryID,
		Active:     boolOrDefault(raw["active"], true),
		CreatedAt:  timestampOrNow(raw, "created_at"),
	}

	if row.Price < 0 {
		return nil, errors.New("price must be non-negative")
	}
	if len(row.Sku) > 100 {
		return nil, errors.Errorf("SKU too long: %s", row.Sku)
	}
	if len(row.Name) > 255 {
		return nil, errors.Errorf("Product name too long: %s", row.Name)
	}
	return row, nil
}

func validateOrderRow(raw codec.RawRow, tenantID uuid.UUID) (model.NormalizedRow, error) {
	err := requireFields(raw, "order_id", "external_order_id", "total_amount", "currency", "order_status", "order_date")
	if err != nil {
		return nil, err
	}

	orderID, err := uuidField(raw, "order_id")
	if err != nil {
		return nil, err
	}
	customerID, err := optionalUuidField(raw, "customer_id")
	if err != nil {
		return nil, err
	}
	totalAmount, err := floatField(raw, "total_amount")
	if err != nil {
		return nil, err
	}
	orderDate, err := timestampField(raw, "order_date")
	if err != nil {
		return nil, err
	}

	row := &model.OrderRow{
		TenantID:              tenantID,
		OrderID:               orderID,
		ExternalOrderID:       asString(raw["external_order_id"]),
		CustomerID:            customerID,
		CustomerNameSnapshot:  asString(raw["customer_name_snapshot"]),
		CustomerEmailSnapshot: asString(raw["customer_email_snapshot"]),
		TotalAmount:           totalAmount,
		Currency:              asString(raw["currency"]),
		OrderStatus:           asString(raw["order_status"]),
		OrderDate:             orderDate,
		RawPayload:            SanitizePayload(raw["raw_payload"]),
		CreatedAt:             timestampOrNow(raw, "created_at"),
	}

	if row.TotalAmount < 0 {
		return nil, errors.New("total_amount must be non-negative")
	}
	if !validCurrencies[row.Currency] {
		return nil, errors.Errorf("Invalid currency: %s", row.Currency)
	}
	if len(row.Currency) != 3 {
		return nil, errors.Errorf("Currency code must be 3 characters: %s", row.Currency)
	}
	if !validOrderStatuses[row.OrderStatus] {
		return nil, errors.Errorf("Invalid order_status: %s", row.OrderStatus)
	}
	if len(row.ExternalOrderID) > 100 {
		return nil, errors.Errorf("External order ID too long: %s", row.ExternalOrderID)
	}
	if len(row.CustomerNameSnapshot) > 255 {
		return nil, errors.Errorf("Customer name too long: %s", row.CustomerNameSnapshot)
	}
	if len(row.CustomerEmailSnapshot) > 255 {
		return nil, errors.Errorf("Customer email too long: %s", row.CustomerEmailSnapshot)
	}
	return row, nil
}

func validateOrderItemRow(raw codec.RawRow, tenantID uuid.UUID) (model.NormalizedRow, error) {
	err := requireFields(raw, "order_item_id", "order_id", "product_id", "quantity", "unit_price", "line_total")
	if err != nil {
		return nil, err
	}

	orderItemID, err := uuidField(raw, "order_item_id")
	if err != nil {
		return nil, err
	}
	orderID, err := uuidField(raw, "order_id")
	if err != nil {
		return nil, err
	}
	productID, err := uuidField(raw, "product_id")
	if err != nil {
		return nil, err
	}
	quantity, err := intField(raw, "quantity")
	if err != nil {
		return nil, err
	}
	unitPrice, err := floatField(raw, "unit_price")
	if err != nil {
		return nil, err
	}
	lineTotal, err := floatField(raw, "line_total")
	if err != nil {
		return nil, err
	}

	row := &model.OrderItemRow{
		TenantID:    tenantID,
		OrderItemID: orderItemID,
		OrderID:     orderID,
		ProductID:   productID,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		LineTotal:   lineTotal,
	}

	if row.Quantity < 1 {
		return nil, errors.New("quantity must be at least 1")
	}
	if row.UnitPrice < 0 {
		return nil, errors.New("unit_price must be non-negative")
	}
	if row.LineTotal < 0 {
		return nil, errors.New("line_total must be non-negative")
	}
	return row, nil
}

// SanitizePayload coerces an arbitrary metadata/payload value into a JSON
// object, normalizing any embedded UUID strings to canonical form.
func SanitizePayload(value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case nil:
		return map[string]interface{}{}
	case string:
		parsed := map[string]interface{}{}
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return map[string]interface{}{"value": v}
		}
		return sanitizeMap(parsed)
	case map[string]interface{}:
		return sanitizeMap(v)
	default:
		return map[string]interface{}{"value": fmt.Sprint(v)}
	}
}

func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch value := v.(type) {
	case string:
		if id, err := uuid.Parse(value); err == nil {
			return id.String()
		}
		return value
	case map[string]interface{}:
		return sanitizeMap(value)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func requireFields(raw codec.RawRow, fields ...string) error {
	for _, field := range fields {
		if _, ok := raw[field]; !ok {
			return errors.Errorf("Missing required field: %s", field)
		}
	}
	return nil
}

func asString(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

func uuidField(raw codec.RawRow, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(asString(raw[field]))
	if err != nil {
		return uuid.Nil, errors.Errorf("Invalid %s format: %v", field, raw[field])
	}
	return id, nil
}

func optionalUuidField(raw codec.RawRow, field string) (*uuid.UUID, error) {
	v, ok := raw[field]
	if !ok || v == nil || asString(v) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(asString(v))
	if err != nil {
		return nil, errors.Errorf("Invalid %s format: %v", field, v)
	}
	return &id, nil
}

func floatField(raw codec.RawRow, field string) (float64, error) {
	switch value := raw[field].(type) {
	case float64:
		return value, nil
	case int:
		return float64(value), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, errors.Errorf("Invalid %s: %v", field, value)
		}
		return f, nil
	default:
		return 0, errors.Errorf("Invalid %s: %v", field, value)
	}
}

func intField(raw codec.RawRow, field string) (int, error) {
	switch value := raw[field].(type) {
	case float64:
		return int(value), nil
	case int:
		return value, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, errors.Errorf("Invalid %s: %v", field, value)
		}
		return i, nil
	default:
		return 0, errors.Errorf("Invalid %s: %v", field, value)
	}
}

func boolOrDefault(v interface{}, def bool) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func timestampField(raw codec.RawRow, field string) (time.Time, error) {
	s := asString(raw[field])
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("Invalid %s format: %v", field, raw[field])
}

func timestampOrNow(raw codec.RawRow, field string) time.Time {
	if _, ok := raw[field]; ok {
		if t, err := timestampField(raw, field); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
