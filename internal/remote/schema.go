package remote

import (
	"context"
	"fmt"
)

// schemaStatements create the tables queued operations are written to on a
// libSQL backend. Column names match the operation payload fields; client_id
// carries the operation id and is unique so replays cannot duplicate rows.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		client_id TEXT NOT NULL UNIQUE,
		transaction_number TEXT NOT NULL,
		rider_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		customer_id TEXT,
		payment_method TEXT NOT NULL,
		total_amount REAL NOT NULL,
		discount_amount REAL DEFAULT 0,
		final_amount REAL NOT NULL,
		items TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		transaction_date TEXT NOT NULL,
		created_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_rider ON transactions(rider_id, transaction_date)`,

	`CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		client_id TEXT NOT NULL UNIQUE,
		rider_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		movement_type TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		reference_id TEXT,
		notes TEXT,
		moved_at TEXT NOT NULL,
		created_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_rider ON stock_movements(rider_id, moved_at)`,

	// No unique client_id here; attendance writes go through a pre-check read.
	`CREATE TABLE IF NOT EXISTS attendance (
		id TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		client_id TEXT NOT NULL,
		rider_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		shift_id TEXT NOT NULL,
		action TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		photo_url TEXT,
		at TEXT NOT NULL,
		created_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_client ON attendance(client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_shift ON attendance(shift_id, action)`,
}

// InitSchema creates the sync tables on a libSQL backend.
func (c *LibSQL) InitSchema(ctx context.Context) error {
	for i, sql := range schemaStatements {
		if err := c.Exec(ctx, Statement{SQL: sql}); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	c.logger.Info("remote schema initialized", "statements", len(schemaStatements))
	return nil
}
