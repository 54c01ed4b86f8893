package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the tables the service reads and writes.  Capacity
// documents live in Redis; MySQL only holds the catalog and orders.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ticket_types (
    event_id         VARCHAR(64)  NOT NULL,
    date_key         VARCHAR(32)  NOT NULL,
    name             VARCHAR(64)  NOT NULL,
    unit_price_cents BIGINT       NOT NULL,
    total_capacity   INT UNSIGNED NOT NULL,
    description      VARCHAR(255) NOT NULL DEFAULT '',
    PRIMARY KEY (event_id, date_key, name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS orders (
    order_id             VARCHAR(12)  NOT NULL,
    ticket_type_id       VARCHAR(160) NOT NULL,
    buyer_id             VARCHAR(64)  NOT NULL,
    quantity             INT UNSIGNED NOT NULL,
    unit_price_cents     BIGINT       NOT NULL,
    management_fee_cents BIGINT       NOT NULL,
    total_price_cents    BIGINT       NOT NULL,
    buyer_details        JSON         NOT NULL,
    signature_version    VARCHAR(32)  NOT NULL,
    merchant_parameters  TEXT         NOT NULL,
    signature            VARCHAR(128) NOT NULL,
    payment_status       VARCHAR(16)  NOT NULL,
    payment_deadline     DATETIME     NOT NULL,
    created_at           DATETIME     NOT NULL,
    updated_at           DATETIME     NOT NULL,
    issued_at            DATETIME     NULL,
    PRIMARY KEY (order_id),
    KEY idx_orders_pending (payment_status, payment_deadline),
    KEY idx_orders_unissued (payment_status, issued_at, updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema creates missing tables.  Existing tables are left alone.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
