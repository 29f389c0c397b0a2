package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresIdempotencyChecker is the durable tier of operation deduplication,
// backed by tranche_ledger.op_idempotency. It satisfies
// kernel.DBIdempotencyChecker.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether the operation key was already recorded. The
// lookup is bounded so a slow store degrades to at-least-once rather than
// stalling the kernel.
func (pic *PostgresIdempotencyChecker) IsDuplicate(opType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM tranche_ledger.op_idempotency
		WHERE op_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, opType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record stores a processed key. The primary key makes re-recording a no-op.
func (pic *PostgresIdempotencyChecker) Record(opType string, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := pic.db.ExecContext(ctx, `
		INSERT INTO tranche_ledger.op_idempotency (op_type, idempotency_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (op_type, idempotency_key) DO NOTHING
	`, opType, idempotencyKey)
	return err
}

// LoadRecentKeys returns the newest composite keys ("op:key") for warming
// the in-memory LRU on restart.
func (pic *PostgresIdempotencyChecker) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT op_type, idempotency_key
		FROM tranche_ledger.op_idempotency
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var opType, key string
		if err := rows.Scan(&opType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", opType, key))
	}
	return keys, rows.Err()
}
