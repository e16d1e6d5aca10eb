package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// schema creates the tables read by the users directory and the audit store.
// Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    name          VARCHAR(100) NOT NULL,
    phone         VARCHAR(20)  NOT NULL UNIQUE,
    password_hash TEXT         NOT NULL,
    role          VARCHAR(20)  NOT NULL DEFAULT 'moderator',
    is_active     BOOLEAN      NOT NULL DEFAULT TRUE,
    permissions   JSONB        NOT NULL DEFAULT '{}'::jsonb,
    last_login    TIMESTAMPTZ,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    CONSTRAINT users_role_check CHECK (role IN ('ACAR', 'admin', 'moderator'))
)`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
    id          UUID PRIMARY KEY,
    user_id     BIGINT       NOT NULL,
    action      VARCHAR(50)  NOT NULL,
    description VARCHAR(500) NOT NULL,
    target_id   BIGINT,
    target_type VARCHAR(20),
    details     JSONB        NOT NULL DEFAULT '{}'::jsonb,
    created_at  TIMESTAMPTZ  NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS activity_logs_user_created_idx ON activity_logs (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS activity_logs_action_idx ON activity_logs (action)`,
	`CREATE INDEX IF NOT EXISTS activity_logs_created_idx ON activity_logs (created_at)`,
}

// EnsureSchema applies the schema in a single transaction.
func EnsureSchema(ctx context.Context, db TxBeginner) error {
	return WithTx(ctx, db, func(tx pgx.Tx) error {
		for i, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("platform/db: schema statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}
