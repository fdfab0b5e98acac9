package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"blastradius/internal/graph"
	"blastradius/internal/report"
	"blastradius/internal/risk"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 20

// RunSummary is one row of a target's run history.
type RunSummary struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Kind        string    `json:"kind" yaml:"kind"`
	TargetID    string    `json:"target_id" yaml:"target_id"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	Profile     string    `json:"profile" yaml:"profile"`
	FinalScore  float64   `json:"final_score" yaml:"final_score"`
	Band        risk.Band `json:"band" yaml:"band"`
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

func compress(data []byte) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decompress(data []byte) ([]byte, error) {
	_, dec, err := codec()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return dec.DecodeAll(data, nil)
}

// SaveRun records a finished run: its summary, its compressed report and the
// graph it created. Nodes and edges are keyed by the run id, so concurrent
// runs never share graph state.
func (db *DB) SaveRun(ctx context.Context, r *report.Report, g *graph.Graph) error {
	if r == nil {
		return errors.New("nil report")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	blob, err := compress(raw)
	if err != nil {
		return err
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_runs (
				run_id, kind, target_id, fingerprint, profile,
				final_score, band, generated_at, report_zstd
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.RunID,
			string(r.Change.Kind),
			r.Change.TargetID,
			r.Change.Fingerprint,
			string(r.RiskScore.Profile),
			r.RiskScore.FinalScore,
			string(r.RiskScore.Band),
			r.GeneratedAt.UTC().Format(time.RFC3339Nano),
			blob,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		if g != nil {
			if err := insertGraph(ctx, tx, r.RunID, g); err != nil {
				return err
			}
		}
		return recordConsumers(ctx, tx, r)
	})
}

func insertGraph(ctx context.Context, tx *sql.Tx, runID string, g *graph.Graph) error {
	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_nodes (run_id, node_id, kind, risk_tag) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	for _, n := range g.Nodes() {
		if _, err := nodeStmt.ExecContext(ctx, runID, n.ID, string(n.Kind), n.RiskTag); err != nil {
			return fmt.Errorf("failed to insert node %s: %w", n.ID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_edges (
			run_id, ord, source_id, target_id, edge_type, direction, line_number, code_snippet
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	for i, e := range g.Edges() {
		_, err := edgeStmt.ExecContext(ctx, runID, i, e.SourceID, e.TargetID,
			string(e.Type), string(e.Direction), e.LineNumber, e.CodeSnippet)
		if err != nil {
			return fmt.Errorf("failed to insert edge %s -> %s: %w", e.SourceID, e.TargetID, err)
		}
	}
	return nil
}

// History returns the newest runs for a target, newest first.
func (db *DB) History(ctx context.Context, targetID string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id, kind, target_id, fingerprint, profile, final_score, band, generated_at
		FROM analysis_runs
		WHERE target_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			s           RunSummary
			band        string
			generatedAt string
		)
		if err := rows.Scan(&s.RunID, &s.Kind, &s.TargetID, &s.Fingerprint, &s.Profile, &s.FinalScore, &band, &generatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		s.Band = risk.Band(band)
		s.GeneratedAt, err = time.Parse(time.RFC3339Nano, generatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid generated_at format: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadReport returns the stored report of a run, or nil when the run is
// unknown.
func (db *DB) LoadReport(ctx context.Context, runID string) (*report.Report, error) {
	var blob []byte
	err := db.conn.QueryRowContext(ctx, "SELECT report_zstd FROM analysis_runs WHERE run_id = ?", runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	raw, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress run %s: %w", runID, err)
	}
	var r report.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &r, nil
}

// LatestEdges returns the edges leaving sourceID in the newest run that
// recorded any, in the order that run created them.
func (db *DB) LatestEdges(ctx context.Context, sourceID string) ([]graph.Edge, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.source_id, e.target_id, e.edge_type, e.direction, e.line_number, e.code_snippet
		FROM graph_edges e
		WHERE e.source_id = ? AND e.run_id = (
			SELECT r.run_id
			FROM analysis_runs r
			JOIN graph_edges x ON x.run_id = r.run_id
			WHERE x.source_id = ?
			ORDER BY r.seq DESC
			LIMIT 1
		)
		ORDER BY e.ord
	`, sourceID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []graph.Edge
	for rows.Next() {
		var (
			e         graph.Edge
			edgeType  string
			direction string
		)
		if err := rows.Scan(&e.SourceID, &e.TargetID, &edgeType, &direction, &e.LineNumber, &e.CodeSnippet); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Type = graph.EdgeType(edgeType)
		e.Direction = graph.Direction(direction)
		out = append(out, e)
	}
	return out, rows.Err()
}
