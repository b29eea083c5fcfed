// Package store persists scan runs and their findings in PostgreSQL.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/findings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed schema.sql
var schemaSQL string

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store writes result sets to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

const sqlInsertRun = `
    INSERT INTO scan_runs (run_id, corpus_digest, total_score, finding_count, cancelled, manifest, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (run_id) DO NOTHING;
`

const sqlFindingsByRun = `
    SELECT signature, rule_id, kind, severity, score, confidence, file, line, col, message, taint, tags, provenance
    FROM findings
    WHERE run_id = $1
    ORDER BY file, line, col, rule_id;
`

var findingColumns = []string{
	"run_id", "signature", "rule_id", "kind", "severity", "score", "confidence",
	"file", "line", "col", "message", "taint", "tags", "provenance",
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PersistRun writes the run row and every finding in one transaction. A run
// that is persisted twice keeps its first copy.
func (s *Store) PersistRun(ctx context.Context, rs *findings.ResultSet) error {
	if rs == nil || rs.RunID == "" {
		return errors.New("result set has no run id")
	}
	manifest, err := json.Marshal(rs.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	tag, err := tx.Exec(ctx, sqlInsertRun,
		rs.RunID, rs.Manifest.CorpusDigest, rs.Total.Score, len(rs.Findings),
		rs.Manifest.Cancelled, string(manifest), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rs.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Info("Run already persisted", zap.String("run_id", rs.RunID))
		return tx.Commit(ctx)
	}

	if len(rs.Findings) > 0 {
		if err := s.persistFindings(ctx, tx, rs.RunID, rs.Findings); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted run", zap.String("run_id", rs.RunID), zap.Int("findings", len(rs.Findings)))
	return nil
}

func (s *Store) persistFindings(ctx context.Context, tx pgx.Tx, runID string, fs []core.Finding) error {
	rows := make([][]any, len(fs))
	for i, f := range fs {
		provenance := "[]"
		if len(f.Provenance) > 0 {
			b, err := json.Marshal(f.Provenance)
			if err != nil {
				return fmt.Errorf("failed to encode provenance of %s: %w", f.Signature, err)
			}
			provenance = string(b)
		}
		taint := ""
		if f.Taint != nil {
			taint = f.Taint.String()
		}
		tags := f.Tags
		if tags == nil {
			tags = []string{}
		}
		rows[i] = []any{
			runID, f.Signature, f.RuleID, string(f.Kind), string(f.Severity),
			f.Score, f.Confidence,
			f.Location.File, f.Location.Line, f.Location.Column,
			f.Message, taint, tags, provenance,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(fs) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(fs), copyCount)
	}
	return nil
}

// FindingsByRun loads the findings of a persisted run in report order.
func (s *Store) FindingsByRun(ctx context.Context, runID string) ([]core.Finding, error) {
	rows, err := s.pool.Query(ctx, sqlFindingsByRun, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var out []core.Finding
	for rows.Next() {
		var (
			f                     core.Finding
			kind, severity, taint string
			provenance            string
		)
		if err := rows.Scan(
			&f.Signature, &f.RuleID, &kind, &severity, &f.Score, &f.Confidence,
			&f.Location.File, &f.Location.Line, &f.Location.Column,
			&f.Message, &taint, &f.Tags, &provenance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Kind = core.FindingKind(kind)
		f.Severity = core.Severity(severity)
		if taint != "" {
			var level core.TaintLevel
			if err := level.UnmarshalText([]byte(taint)); err != nil {
				return nil, fmt.Errorf("finding %s: %w", f.Signature, err)
			}
			f.Taint = &level
		}
		if provenance != "" && provenance != "[]" {
			if err := json.Unmarshal([]byte(provenance), &f.Provenance); err != nil {
				return nil, fmt.Errorf("finding %s has corrupt provenance: %w", f.Signature, err)
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
