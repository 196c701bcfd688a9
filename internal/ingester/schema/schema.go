// Package schema holds the SQL migrations for the ingestion engine: upload and
// chunk bookkeeping, the per-type staging tables, the production tables they
// promote into, and idempotency keys.
package schema

import "github.com/merchstream/ingester/internal/common/database"

func Migrations() []database.Migration {
	return []database.Migration{
		database.NewMigration(1, "create_ingest_uploads", `
			CREATE TABLE ingest_uploads (
				upload_id     uuid PRIMARY KEY,
				tenant_id     uuid NOT NULL,
				upload_token  varchar(255) NOT NULL UNIQUE,
				status        varchar(50) NOT NULL DEFAULT 'pending',
				manifest      jsonb NOT NULL DEFAULT '{}',
				created_at    timestamptz NOT NULL DEFAULT now(),
				last_activity timestamptz NOT NULL DEFAULT now()
			);
			CREATE INDEX idx_ingest_uploads_tenant_status ON ingest_uploads (tenant_id, status);
			CREATE INDEX idx_ingest_uploads_last_activity ON ingest_uploads (last_activity);`),
		database.NewMigration(2, "create_ingest_chunks", `
			CREATE TABLE ingest_chunks (
				chunk_id      uuid PRIMARY KEY,
				upload_id     uuid NOT NULL REFERENCES ingest_uploads (upload_id) ON DELETE CASCADE,
				chunk_index   integer NOT NULL,
				data_type     varchar(50) NOT NULL,
				file_path     text,
				content_type  text NOT NULL DEFAULT 'application/x-ndjson',
				checksum      varchar(64) NOT NULL,
				status        varchar(50) NOT NULL DEFAULT 'pending',
				rows          integer NOT NULL DEFAULT 0,
				rows_failed   integer NOT NULL DEFAULT 0,
				errors_sample jsonb NOT NULL DEFAULT '[]',
				received_at   timestamptz NOT NULL DEFAULT now(),
				CONSTRAINT unique_upload_chunk_index UNIQUE (upload_id, chunk_index)
			);
			CREATE INDEX idx_ingest_chunks_status ON ingest_chunks (status);
			CREATE INDEX idx_ingest_chunks_upload_checksum ON ingest_chunks (upload_id, checksum);`),
		database.NewMigration(3, "create_staging_tables", `
			CREATE TABLE customers_staging (
				staging_id   bigserial PRIMARY KEY,
				tenant_id    uuid NOT NULL,
				customer_id  uuid NOT NULL,
				name         varchar(255) NOT NULL,
				email        varchar(255) NOT NULL,
				metadata     jsonb NOT NULL DEFAULT '{}',
				created_at   timestamptz NOT NULL,
				chunk_id     uuid NOT NULL,
				processed_at timestamptz,
				CONSTRAINT unique_staging_tenant_email UNIQUE (tenant_id, email)
			);
			CREATE INDEX idx_customers_staging_chunk ON customers_staging (tenant_id, chunk_id);

			CREATE TABLE products_staging (
				staging_id   bigserial PRIMARY KEY,
				tenant_id    uuid NOT NULL,
				product_id   uuid NOT NULL,
				sku          varchar(100) NOT NULL,
				name         varchar(255) NOT NULL,
				price        numeric(10,2) NOT NULL,
				category_id  uuid,
				active       boolean NOT NULL DEFAULT true,
				created_at   timestamptz NOT NULL,
				chunk_id     uuid NOT NULL,
				processed_at timestamptz,
				CONSTRAINT unique_staging_tenant_sku UNIQUE (tenant_id, sku)
			);
			CREATE INDEX idx_products_staging_chunk ON products_staging (tenant_id, chunk_id);

			CREATE TABLE orders_staging (
				staging_id              bigserial PRIMARY KEY,
				tenant_id               uuid NOT NULL,
				order_id                uuid NOT NULL,
				external_order_id       varchar(100) NOT NULL,
				customer_id             uuid,
				customer_name_snapshot  varchar(255),
				customer_email_snapshot varchar(255),
				total_amount            numeric(12,2) NOT NULL,
				currency                varchar(3) NOT NULL,
				order_status            varchar(100) NOT NULL,
				order_date              timestamptz NOT NULL,
				raw_payload             jsonb NOT NULL DEFAULT '{}',
				created_at              timestamptz NOT NULL,
				chunk_id                uuid NOT NULL,
				processed_at            timestamptz,
				CONSTRAINT unique_staging_tenant_external_order UNIQUE (tenant_id, external_order_id)
			);
			CREATE INDEX idx_orders_staging_chunk ON orders_staging (tenant_id, chunk_id);

			CREATE TABLE order_items_staging (
				staging_id    bigserial PRIMARY KEY,
				tenant_id     uuid NOT NULL,
				order_item_id uuid NOT NULL,
				order_id      uuid NOT NULL,
				product_id    uuid NOT NULL,
				quantity      integer NOT NULL,
				unit_price    numeric(10,2) NOT NULL,
				line_total    numeric(12,2) NOT NULL,
				chunk_id      uuid NOT NULL,
				processed_at  timestamptz,
				CONSTRAINT unique_staging_order_item UNIQUE (order_item_id)
			);
			CREATE INDEX idx_order_items_staging_chunk ON order_items_staging (tenant_id, chunk_id);`),
		database.NewMigration(4, "create_production_tables", `
			CREATE TABLE customers (
				customer_id uuid PRIMARY KEY,
				tenant_id   uuid NOT NULL,
				name        varchar(255) NOT NULL,
				email       varchar(255) NOT NULL,
				metadata    jsonb NOT NULL DEFAULT '{}',
				created_at  timestamptz NOT NULL,
				CONSTRAINT unique_tenant_customer_email UNIQUE (tenant_id, email)
			);

			CREATE TABLE products (
				product_id  uuid PRIMARY KEY,
				tenant_id   uuid NOT NULL,
				sku         varchar(100) NOT NULL,
				name        varchar(255) NOT NULL,
				price       numeric(10,2) NOT NULL,
				category_id uuid,
				active      boolean NOT NULL DEFAULT true,
				created_at  timestamptz NOT NULL,
				CONSTRAINT unique_tenant_sku UNIQUE (tenant_id, sku)
			);

			CREATE TABLE orders (
				order_id                uuid PRIMARY KEY,
				tenant_id               uuid NOT NULL,
				external_order_id       varchar(100) NOT NULL,
				customer_id             uuid,
				customer_name_snapshot  varchar(255),
				customer_email_snapshot varchar(255),
				total_amount            numeric(12,2) NOT NULL,
				currency                varchar(3) NOT NULL,
				order_status            varchar(100) NOT NULL,
				order_date              timestamptz NOT NULL,
				raw_payload             jsonb NOT NULL DEFAULT '{}',
				created_at              timestamptz NOT NULL,
				CONSTRAINT unique_tenant_external_order UNIQUE (tenant_id, external_order_id)
			);

			CREATE TABLE order_items (
				order_item_id uuid PRIMARY KEY,
				tenant_id     uuid NOT NULL,
				order_id      uuid NOT NULL,
				product_id    uuid NOT NULL,
				quantity      integer NOT NULL,
				unit_price    numeric(10,2) NOT NULL,
				line_total    numeric(12,2) NOT NULL
			);
			CREATE INDEX idx_order_items_order ON order_items (tenant_id, order_id);`),
		database.NewMigration(5, "create_idempotency_keys", `
			CREATE TABLE idempotency_keys (
				id               uuid PRIMARY KEY,
				tenant_id        uuid NOT NULL,
				idempotency_key  varchar(255) NOT NULL,
				request_hash     varchar(64) NOT NULL,
				response_summary jsonb NOT NULL DEFAULT '{}',
				status           varchar(20) NOT NULL DEFAULT 'pending',
				created_at       timestamptz NOT NULL DEFAULT now(),
				expires_at       timestamptz NOT NULL,
				CONSTRAINT unique_tenant_idempotency_key UNIQUE (tenant_id, idempotency_key)
			);
			CREATE INDEX idx_idempotency_keys_expires ON idempotency_keys (expires_at);`),
	}
}
