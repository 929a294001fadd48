// Package database provides the PostgreSQL implementation of the improvement
// repository.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jordanhubbard/holly/internal/store"
	"github.com/jordanhubbard/holly/pkg/models"
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// Database is a store.Repository backed by PostgreSQL.
type Database struct {
	db *sql.DB
}

var _ store.Repository = (*Database)(nil)

// NewPostgres opens a connection, verifies it and creates the schema.
func NewPostgres(ctx context.Context, dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db}
	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS improvements (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		trigger_data JSONB,
		problem_statement TEXT NOT NULL,
		solution_approach TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		files_changed JSONB NOT NULL DEFAULT '[]',
		lines_changed INTEGER NOT NULL DEFAULT 0,
		affected_modules JSONB NOT NULL DEFAULT '[]',
		branch_name TEXT NOT NULL UNIQUE,
		pr_number INTEGER NOT NULL DEFAULT 0,
		pr_url TEXT NOT NULL DEFAULT '',
		code_changes JSONB,
		status TEXT NOT NULL,
		disposition TEXT NOT NULL DEFAULT '',
		decision_rationale TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		reviewed_by TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT 'unknown',
		test_coverage DOUBLE PRECISION NOT NULL DEFAULT 0,
		deployment_url TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deployed_at TIMESTAMPTZ,
		rollback_status TEXT NOT NULL DEFAULT '',
		rollback_pr_number INTEGER NOT NULL DEFAULT 0,
		rollback_pr_url TEXT NOT NULL DEFAULT ''
	);

	ALTER TABLE improvements ADD COLUMN IF NOT EXISTS rollback_status TEXT NOT NULL DEFAULT '';
	ALTER TABLE improvements ADD COLUMN IF NOT EXISTS rollback_pr_number INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE improvements ADD COLUMN IF NOT EXISTS rollback_pr_url TEXT NOT NULL DEFAULT '';

	CREATE INDEX IF NOT EXISTS idx_improvements_trigger_updated
		ON improvements (trigger_type, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_improvements_status ON improvements (status);

	CREATE TABLE IF NOT EXISTS improvement_events (
		id TEXT PRIMARY KEY,
		improvement_id TEXT NOT NULL REFERENCES improvements(id) ON DELETE CASCADE,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_improvement_events_improvement
		ON improvement_events (improvement_id, created_at);
	`
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

const columns = `id, user_id, trigger_type, trigger_data, problem_statement, solution_approach,
	risk_level, files_changed, lines_changed, affected_modules, branch_name, pr_number, pr_url,
	code_changes, status, disposition, decision_rationale, failure_reason, reviewed_by, outcome,
	test_coverage, deployment_url, version, created_at, updated_at, deployed_at,
	rollback_status, rollback_pr_number, rollback_pr_url`

// Create inserts a new improvement at version 1.
func (d *Database) Create(ctx context.Context, imp *models.Improvement) error {
	enc, err := encode(imp)
	if err != nil {
		return err
	}
	query := rebind(`INSERT INTO improvements (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := d.db.ExecContext(ctx, query,
		imp.ID, imp.UserID, string(imp.TriggerType), enc.triggerData, imp.ProblemStatement, imp.SolutionApproach,
		string(imp.RiskLevel), enc.files, imp.LinesChanged, enc.modules, imp.BranchName, imp.PRNumber, imp.PRURL,
		enc.codeChanges, string(imp.Status), string(imp.Disposition), imp.DecisionRationale, imp.FailureReason,
		imp.ReviewedBy, string(imp.Outcome), imp.TestCoverage, imp.DeploymentURL,
		imp.CreatedAt, imp.UpdatedAt, imp.DeployedAt,
		string(imp.RollbackStatus), imp.RollbackPRNumber, imp.RollbackPRURL)
	if isUniqueViolation(err) {
		return fmt.Errorf("branch %s is already taken: %w", imp.BranchName, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert improvement %s: %w", imp.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("improvement %s already exists: %w", imp.ID, models.ErrConflict)
	}
	imp.Version = 1
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
// Only branch_name can raise one on insert; id conflicts are absorbed by
// ON CONFLICT.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Get loads an improvement by id.
func (d *Database) Get(ctx context.Context, id string) (*models.Improvement, error) {
	row := d.db.QueryRowContext(ctx, rebind(`SELECT `+columns+` FROM improvements WHERE id = ?`), id)
	imp, err := scanImprovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("improvement %s: %w", id, models.ErrNotFound)
	}
	return imp, err
}

// GetByBranch loads the improvement that owns branch.
func (d *Database) GetByBranch(ctx context.Context, branch string) (*models.Improvement, error) {
	row := d.db.QueryRowContext(ctx, rebind(`SELECT `+columns+` FROM improvements WHERE branch_name = ?`), branch)
	imp, err := scanImprovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("improvement on branch %s: %w", branch, models.ErrNotFound)
	}
	return imp, err
}

// Update writes imp if its version still matches the stored row.
func (d *Database) Update(ctx context.Context, imp *models.Improvement) error {
	enc, err := encode(imp)
	if err != nil {
		return err
	}
	query := rebind(`UPDATE improvements SET
		risk_level = ?, files_changed = ?, lines_changed = ?, affected_modules = ?,
		pr_number = ?, pr_url = ?, code_changes = ?, status = ?, disposition = ?,
		decision_rationale = ?, failure_reason = ?, reviewed_by = ?, outcome = ?,
		test_coverage = ?, deployment_url = ?, updated_at = ?, deployed_at = ?,
		rollback_status = ?, rollback_pr_number = ?, rollback_pr_url = ?,
		version = version + 1
		WHERE id = ? AND version = ?`)
	res, err := d.db.ExecContext(ctx, query,
		string(imp.RiskLevel), enc.files, imp.LinesChanged, enc.modules,
		imp.PRNumber, imp.PRURL, enc.codeChanges, string(imp.Status), string(imp.Disposition),
		imp.DecisionRationale, imp.FailureReason, imp.ReviewedBy, string(imp.Outcome),
		imp.TestCoverage, imp.DeploymentURL, imp.UpdatedAt, imp.DeployedAt,
		string(imp.RollbackStatus), imp.RollbackPRNumber, imp.RollbackPRURL,
		imp.ID, imp.Version)
	if err != nil {
		return fmt.Errorf("failed to update improvement %s: %w", imp.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update improvement %s: %w", imp.ID, err)
	}
	if n == 0 {
		var exists bool
		if err := d.db.QueryRowContext(ctx, rebind(`SELECT EXISTS (SELECT 1 FROM improvements WHERE id = ?)`), imp.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to update improvement %s: %w", imp.ID, err)
		}
		if !exists {
			return fmt.Errorf("improvement %s: %w", imp.ID, models.ErrNotFound)
		}
		return fmt.Errorf("improvement %s changed since version %d: %w", imp.ID, imp.Version, models.ErrConflict)
	}
	imp.Version++
	return nil
}

// List returns improvements newest-updated first.
func (d *Database) List(ctx context.Context, f store.Filter) ([]*models.Improvement, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(f.TriggerType))
	}
	query := `SELECT ` + columns + ` FROM improvements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list improvements: %w", err)
	}
	defer rows.Close()

	var out []*models.Improvement
	for rows.Next() {
		imp, err := scanImprovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

// SimilarOutcomes returns status/outcome pairs for the same trigger type.
func (d *Database) SimilarOutcomes(ctx context.Context, trigger models.TriggerType, limit int) ([]models.OutcomeRecord, error) {
	query := `SELECT id, status, outcome FROM improvements WHERE trigger_type = ? ORDER BY updated_at DESC`
	args := []any{string(trigger)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.OutcomeRecord
	for rows.Next() {
		var r models.OutcomeRecord
		var status, outcome string
		if err := rows.Scan(&r.ImprovementID, &status, &outcome); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		r.Status = models.Status(status)
		r.Outcome = models.Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEvent records one status change.
func (d *Database) AppendEvent(ctx context.Context, ev models.AuditEvent) error {
	_, err := d.db.ExecContext(ctx, rebind(`INSERT INTO improvement_events
		(id, improvement_id, from_status, to_status, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.ImprovementID, string(ev.FromStatus), string(ev.ToStatus), ev.Actor, ev.Reason, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event for %s: %w", ev.ImprovementID, err)
	}
	return nil
}

// ListEvents returns the audit trail of an improvement, oldest first.
func (d *Database) ListEvents(ctx context.Context, improvementID string) ([]models.AuditEvent, error) {
	rows, err := d.db.QueryContext(ctx, rebind(`SELECT id, improvement_id, from_status, to_status, actor, reason, created_at
		FROM improvement_events WHERE improvement_id = ? ORDER BY created_at, id`), improvementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.ImprovementID, &from, &to, &ev.Actor, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.FromStatus = models.Status(from)
		ev.ToStatus = models.Status(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// encoded holds the JSONB columns as text. lib/pq sends []byte as bytea,
// which PostgreSQL will not cast to jsonb.
type encoded struct {
	triggerData sql.NullString
	files       string
	modules     string
	codeChanges sql.NullString
}

func encode(imp *models.Improvement) (encoded, error) {
	var e encoded
	var err error
	if len(imp.TriggerData) > 0 {
		if e.triggerData, err = nullString(imp.TriggerData); err != nil {
			return e, fmt.Errorf("failed to encode trigger data: %w", err)
		}
	}
	if e.files, err = jsonString(nonNil(imp.FilesChanged)); err != nil {
		return e, fmt.Errorf("failed to encode files: %w", err)
	}
	if e.modules, err = jsonString(nonNil(imp.AffectedModules)); err != nil {
		return e, fmt.Errorf("failed to encode modules: %w", err)
	}
	if len(imp.CodeChanges) > 0 {
		if e.codeChanges, err = nullString(imp.CodeChanges); err != nil {
			return e, fmt.Errorf("failed to encode code changes: %w", err)
		}
	}
	return e, nil
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func nullString(v any) (sql.NullString, error) {
	s, err := jsonString(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImprovement(s scanner) (*models.Improvement, error) {
	var (
		imp                                     models.Improvement
		trigger, risk, status, disp, outcome    string
		rollback                                string
		triggerData, files, modules, codeChange []byte
		deployedAt                              sql.NullTime
		createdAt, updatedAt                    time.Time
	)
	err := s.Scan(&imp.ID, &imp.UserID, &trigger, &triggerData, &imp.ProblemStatement, &imp.SolutionApproach,
		&risk, &files, &imp.LinesChanged, &modules, &imp.BranchName, &imp.PRNumber, &imp.PRURL,
		&codeChange, &status, &disp, &imp.DecisionRationale, &imp.FailureReason, &imp.ReviewedBy, &outcome,
		&imp.TestCoverage, &imp.DeploymentURL, &imp.Version, &createdAt, &updatedAt, &deployedAt,
		&rollback, &imp.RollbackPRNumber, &imp.RollbackPRURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan improvement: %w", err)
	}
	imp.TriggerType = models.TriggerType(trigger)
	imp.RiskLevel = models.RiskLevel(risk)
	imp.Status = models.Status(status)
	imp.Disposition = models.Action(disp)
	imp.Outcome = models.Outcome(outcome)
	imp.RollbackStatus = models.RollbackStatus(rollback)
	imp.CreatedAt = createdAt
	imp.UpdatedAt = updatedAt
	if deployedAt.Valid {
		t := deployedAt.Time
		imp.DeployedAt = &t
	}
	if err := decodeJSON(triggerData, &imp.TriggerData); err != nil {
		return nil, fmt.Errorf("failed to decode trigger data of %s: %w", imp.ID, err)
	}
	if err := decodeJSON(files, &imp.FilesChanged); err != nil {
		return nil, fmt.Errorf("failed to decode files of %s: %w", imp.ID, err)
	}
	if err := decodeJSON(modules, &imp.AffectedModules); err != nil {
		return nil, fmt.Errorf("failed to decode modules of %s: %w", imp.ID, err)
	}
	if err := decodeJSON(codeChange, &imp.CodeChanges); err != nil {
		return nil, fmt.Errorf("failed to decode code changes of %s: %w", imp.ID, err)
	}
	return &imp, nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
