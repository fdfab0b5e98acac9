package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blastradius/internal/report"
	"blastradius/internal/schema"
)

// LastColumns returns the column set recorded for table by a previous run.
func (db *DB) LastColumns(ctx context.Context, table string) ([]schema.Column, bool, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx,
		"SELECT columns_json FROM column_snapshots WHERE table_name = ?", table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read column snapshot: %w", err)
	}

	var cols []schema.Column
	if err := json.Unmarshal([]byte(raw), &cols); err != nil {
		return nil, false, fmt.Errorf("invalid column snapshot for %s: %w", table, err)
	}
	return cols, true, nil
}

// SaveColumns replaces the column snapshot of table.
func (db *DB) SaveColumns(ctx context.Context, table string, cols []schema.Column) error {
	raw, err := json.Marshal(cols)
	if err != nil {
		return fmt.Errorf("failed to encode columns: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO column_snapshots (table_name, columns_json, captured_at)
		VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			columns_json = excluded.columns_json,
			captured_at = excluded.captured_at
	`, table, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save column snapshot: %w", err)
	}
	return nil
}

// HadConsumers reports whether any earlier run found consumers of key.
func (db *DB) HadConsumers(ctx context.Context, key string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM consumer_history
		WHERE endpoint_key = ? AND consumer_count > 0
		LIMIT 1
	`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read consumer history: %w", err)
	}
	return true, nil
}

func recordConsumers(ctx context.Context, tx *sql.Tx, r *report.Report) error {
	if r.Consumers == nil {
		return nil
	}
	seenAt := r.GeneratedAt.UTC().Format(time.RFC3339)
	for _, group := range r.Consumers.Endpoints {
		for _, rc := range group.Repositories {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO consumer_history (endpoint_key, repository, consumer_count, last_run_id, last_seen_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(endpoint_key, repository) DO UPDATE SET
					consumer_count = excluded.consumer_count,
					last_run_id = excluded.last_run_id,
					last_seen_at = excluded.last_seen_at
			`, group.Key, rc.Repository, len(rc.Consumers), r.RunID, seenAt)
			if err != nil {
				return fmt.Errorf("failed to record consumers of %s: %w", group.Key, err)
			}
		}
	}
	return nil
}
