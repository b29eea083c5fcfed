package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/findings"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, mockPool pgxmock.PgxPoolIface, logger *zap.Logger) *Store {
	t.Helper()
	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s
}

func sampleResult() *findings.ResultSet {
	tainted := core.Tainted
	return &findings.ResultSet{
		RunID: "run-1",
		Findings: []core.Finding{
			{
				RuleID: "os_system", Kind: core.KindTaint, Message: "Command executed through os.system",
				Score: 50, Confidence: 1, Severity: core.SeverityHigh, Tags: []string{"system_execution"},
				Location:   core.Location{File: "app.py", Line: 2, Column: 1},
				Taint:      &tainted,
				Provenance: []core.MatchSite{{RuleID: "user_input", Location: core.Location{File: "app.py", Line: 2, Column: 11}}},
				Signature:  "sig-1",
			},
			{
				RuleID: "pypirc", Kind: core.KindFile, Message: "Sensitive file", Confidence: 1,
				Severity: core.SeverityInfo, Tags: []string{"pypirc", "sensitive_file"},
				Location: core.Location{File: ".pypirc"}, Signature: "sig-2",
			},
		},
		Total:    findings.Totals{Score: 50, Findings: 2, DistinctTags: 3},
		Manifest: findings.Manifest{RunID: "run-1", CorpusDigest: "digest"},
	}
}

var manifestOfRun1 = ArgumentMatcherFunc(func(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, `"run_id":"run-1"`) && strings.Contains(s, `"corpus_digest":"digest"`)
})

func TestNew(t *testing.T) {
	t.Run("should fail when the database is unreachable", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(errors.New("connection refused"))
		_, err = New(context.Background(), mockPool, zap.NewNop())
		assert.ErrorContains(t, err, "failed to ping database")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	s := newStore(t, mockPool, zap.NewNop())

	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS scan_runs")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPersistRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert the run and copy its findings", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		obsCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s := newStore(t, mockPool, zap.New(obsCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "digest", 50, 2, false, manifestOfRun1, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistRun(ctx, sampleResult()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "no errors are logged on a successful commit")
	})

	t.Run("should skip the copy for a run without findings", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		rs := sampleResult()
		rs.Findings = nil
		rs.Total = findings.Totals{}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "digest", 0, 0, false, manifestOfRun1, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistRun(ctx, rs))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should keep the first copy of a run", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "digest", 50, 2, false, manifestOfRun1, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistRun(ctx, sampleResult()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the copy fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "digest", 50, 2, false, manifestOfRun1, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).
			WillReturnError(errors.New("disk full"))
		mockPool.ExpectRollback()

		err = s.PersistRun(ctx, sampleResult())
		assert.ErrorContains(t, err, "failed to copy findings")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a short copy", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "digest", 50, 2, false, manifestOfRun1, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err = s.PersistRun(ctx, sampleResult())
		assert.ErrorContains(t, err, "mismatch in copied findings count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should log a failed rollback", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		obsCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s := newStore(t, mockPool, zap.New(obsCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "digest", 50, 2, false, manifestOfRun1, fixedNow).
			WillReturnError(errors.New("constraint violation"))
		mockPool.ExpectRollback().WillReturnError(errors.New("connection lost"))

		err = s.PersistRun(ctx, sampleResult())
		assert.ErrorContains(t, err, "failed to insert run run-1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
		require.Equal(t, 1, observedLogs.Len())
		assert.Equal(t, "Failed to rollback transaction", observedLogs.All()[0].Message)
	})

	t.Run("should report a failed commit", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "digest", 50, 2, false, manifestOfRun1, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit().WillReturnError(errors.New("serialization failure"))
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		err = s.PersistRun(ctx, sampleResult())
		assert.ErrorContains(t, err, "failed to commit transaction")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should refuse a result without run id", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		assert.Error(t, s.PersistRun(ctx, &findings.ResultSet{}))
		assert.Error(t, s.PersistRun(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestFindingsByRun(t *testing.T) {
	ctx := context.Background()
	cols := []string{"signature", "rule_id", "kind", "severity", "score", "confidence", "file", "line", "col", "message", "taint", "tags", "provenance"}

	t.Run("should decode persisted findings", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		rows := pgxmock.NewRows(cols).
			AddRow("sig-1", "os_system", "taint", "high", 50, 1.0, "app.py", 2, 1, "Command executed", "tainted",
				[]string{"system_execution"}, `[{"rule_id":"user_input","location":{"file":"app.py","line":2,"column":11}}]`).
			AddRow("sig-2", "pypirc", "file", "info", 0, 1.0, ".pypirc", 0, 0, "Sensitive file", "",
				[]string{"pypirc"}, "[]")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlFindingsByRun)).WithArgs("run-1").WillReturnRows(rows)

		got, err := s.FindingsByRun(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, core.KindTaint, got[0].Kind)
		assert.Equal(t, core.SeverityHigh, got[0].Severity)
		assert.Equal(t, core.Location{File: "app.py", Line: 2, Column: 1}, got[0].Location)
		require.NotNil(t, got[0].Taint)
		assert.Equal(t, core.Tainted, *got[0].Taint)
		require.Len(t, got[0].Provenance, 1)
		assert.Equal(t, "user_input", got[0].Provenance[0].RuleID)

		assert.Nil(t, got[1].Taint)
		assert.Empty(t, got[1].Provenance)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap query errors", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		s := newStore(t, mockPool, zap.NewNop())

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlFindingsByRun)).WithArgs("run-1").WillReturnError(errors.New("boom"))
		_, err = s.FindingsByRun(ctx, "run-1")
		assert.ErrorContains(t, err, "failed to query findings")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
