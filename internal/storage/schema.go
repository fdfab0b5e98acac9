package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema version tracking
const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(context.Background(), func(tx *sql.Tx) error {
		for _, create := range []func(*sql.Tx) error{
			createSchemaVersionTable,
			createAnalysisRunsTable,
			createGraphTables,
			createColumnSnapshotsTable,
			createConsumerHistoryTable,
		} {
			if err := create(tx); err != nil {
				return err
			}
		}

		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Run store schema initialized", "version", currentSchemaVersion)
		return nil
	})
}

// runMigrations runs any pending schema migrations
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Run store schema is up to date", "version", version)
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	db.logger.Info("Running store migrations", "from_version", version, "to_version", currentSchemaVersion)

	// A store without a version table predates versioning; create whatever
	// is missing. Every statement is IF NOT EXISTS.
	if version < 1 {
		return db.initializeSchema()
	}
	return nil
}

// getSchemaVersion gets the current schema version
func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.conn.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.conn.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// setSchemaVersion sets the schema version
func setSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createAnalysisRunsTable creates analysis_runs. seq orders runs that share a
// timestamp.
func createAnalysisRunsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS analysis_runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			profile TEXT NOT NULL,
			final_score REAL NOT NULL CHECK(final_score >= 0.0 AND final_score <= 10.0),
			band TEXT NOT NULL CHECK(band IN ('LOW', 'MEDIUM', 'HIGH', 'CRITICAL')),
			generated_at TEXT NOT NULL,
			report_zstd BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create analysis_runs table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_analysis_runs_target ON analysis_runs(target_id)",
		"CREATE INDEX IF NOT EXISTS idx_analysis_runs_fingerprint ON analysis_runs(fingerprint)",
	)
}

// createGraphTables creates graph_nodes and graph_edges. Both are scoped to
// the run that created them.
func createGraphTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS graph_nodes (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			risk_tag TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (run_id, node_id),
			FOREIGN KEY (run_id) REFERENCES analysis_runs(run_id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create graph_nodes table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS graph_edges (
			run_id TEXT NOT NULL,
			ord INTEGER NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			direction TEXT NOT NULL CHECK(direction IN ('FORWARD', 'REVERSE')),
			line_number INTEGER NOT NULL DEFAULT 0,
			code_snippet TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (run_id, ord),
			FOREIGN KEY (run_id) REFERENCES analysis_runs(run_id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create graph_edges table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_id)",
	)
}

func createColumnSnapshotsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS column_snapshots (
			table_name TEXT PRIMARY KEY,
			columns_json TEXT NOT NULL,
			captured_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create column_snapshots table: %w", err)
	}
	return nil
}

func createConsumerHistoryTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS consumer_history (
			endpoint_key TEXT NOT NULL,
			repository TEXT NOT NULL,
			consumer_count INTEGER NOT NULL CHECK(consumer_count >= 0),
			last_run_id TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,

			PRIMARY KEY (endpoint_key, repository)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create consumer_history table: %w", err)
	}
	return nil
}

func createIndexes(tx *sql.Tx, indexes ...string) error {
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
