package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

// TaskRun is one execution attempt of a task. A task that is retried or
// re-dispatched produces multiple runs.
type TaskRun struct {
	ID           string           `json:"id"`
	TaskID       int              `json:"task_id"`
	Title        string           `json:"title"`
	AgentID      string           `json:"agent_id"`
	AgentType    model.AgentType  `json:"agent_type"`
	Status       model.TaskStatus `json:"status"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Output       string           `json:"output,omitempty"`
	Error        string           `json:"error,omitempty"`
	Artifacts    []string         `json:"artifacts,omitempty"`
	DispatchedAt time.Time        `json:"dispatched_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Duration     time.Duration    `json:"duration,omitempty"`
}

// RunJournal persists execution attempts: a row is opened on dispatch and
// settled by the result. Query methods serve retrospection and retention.
type RunJournal interface {
	// RecordDispatch opens a run for the task. Called when an executor
	// accepts a dispatch.
	RecordDispatch(ctx context.Context, agentID string, task *model.Task) error

	// RecordResult settles the open run for the result's task.
	RecordResult(ctx context.Context, result *model.TaskResult) error

	// Get retrieves a run by id; nil when absent.
	Get(ctx context.Context, id string) (*TaskRun, error)

	// ListByTask retrieves every run of one task, newest first.
	ListByTask(ctx context.Context, taskID int) ([]*TaskRun, error)

	// List retrieves runs matching the column filters, newest first.
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskRun, error)

	// CountByStatus aggregates run counts per status.
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)

	// DeleteBefore removes runs dispatched before the given time.
	DeleteBefore(ctx context.Context, before time.Time) error

	Close() error
}

// SQLiteRunJournal implements RunJournal on a local SQLite file. The file is
// kept across restarts; retention is the caller's job via DeleteBefore.
type SQLiteRunJournal struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunJournal opens (or creates) the journal database.
func NewSQLiteRunJournal(logger *zap.Logger, dbPath string) (*SQLiteRunJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	journal := &SQLiteRunJournal{
		logger: logger.Named("run-journal"),
		db:     db,
	}

	if err := journal.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return journal, nil
}

func (s *SQLiteRunJournal) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			output TEXT,
			error TEXT,
			artifacts TEXT,
			dispatched_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_runs_agent_id ON task_runs(agent_id);
		CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);
		CREATE INDEX IF NOT EXISTS idx_task_runs_dispatched_at ON task_runs(dispatched_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// RecordDispatch implements RunJournal.RecordDispatch
func (s *SQLiteRunJournal) RecordDispatch(ctx context.Context, agentID string, task *model.Task) error {
	var payloadStr string
	if len(task.Payload) > 0 {
		payloadStr = string(task.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (
			id, task_id, title, agent_id, agent_type, status, payload, dispatched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		task.ID,
		task.Title,
		agentID,
		string(task.AgentType),
		string(model.TaskStatusInProgress),
		sql.NullString{String: payloadStr, Valid: payloadStr != ""},
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// RecordResult implements RunJournal.RecordResult
func (s *SQLiteRunJournal) RecordResult(ctx context.Context, result *model.TaskResult) error {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM task_runs
		WHERE task_id = ? AND completed_at IS NULL
		ORDER BY dispatched_at DESC LIMIT 1`, result.TaskID).Scan(&runID)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("no open run for task %d", result.TaskID)
		}
		return fmt.Errorf("failed to resolve open run: %w", err)
	}

	var artifactsStr string
	if len(result.Artifacts) > 0 {
		data, err := json.Marshal(result.Artifacts)
		if err != nil {
			return fmt.Errorf("failed to marshal artifacts: %w", err)
		}
		artifactsStr = string(data)
	}

	var duration time.Duration
	if !result.StartedAt.IsZero() && !result.CompletedAt.IsZero() {
		duration = result.CompletedAt.Sub(result.StartedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE task_runs SET
			status = ?,
			output = ?,
			error = ?,
			artifacts = ?,
			started_at = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		string(result.Status),
		sql.NullString{String: result.Output, Valid: result.Output != ""},
		sql.NullString{String: result.Error, Valid: result.Error != ""},
		sql.NullString{String: artifactsStr, Valid: artifactsStr != ""},
		sql.NullTime{Time: result.StartedAt, Valid: !result.StartedAt.IsZero()},
		sql.NullTime{Time: result.CompletedAt, Valid: !result.CompletedAt.IsZero()},
		sql.NullInt64{Int64: int64(duration), Valid: duration != 0},
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

const runColumns = `id, task_id, title, agent_id, agent_type, status, payload,
	output, error, artifacts, dispatched_at, started_at, completed_at, duration`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*TaskRun, error) {
	run := &TaskRun{}
	var agentType, status string
	var payload, output, errorStr, artifacts sql.NullString
	var startedAt, completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&run.Title,
		&run.AgentID,
		&agentType,
		&status,
		&payload,
		&output,
		&errorStr,
		&artifacts,
		&run.DispatchedAt,
		&startedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	run.AgentType = model.AgentType(agentType)
	run.Status = model.TaskStatus(status)
	if payload.Valid && payload.String != "" {
		run.Payload = json.RawMessage(payload.String)
	}
	if output.Valid {
		run.Output = output.String
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &run.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		run.Duration = time.Duration(durationNanos.Int64)
	}
	return run, nil
}

// Get implements RunJournal.Get
func (s *SQLiteRunJournal) Get(ctx context.Context, id string) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM task_runs WHERE id = ?", id)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return run, nil
}

// ListByTask implements RunJournal.ListByTask
func (s *SQLiteRunJournal) ListByTask(ctx context.Context, taskID int) ([]*TaskRun, error) {
	return s.queryRuns(ctx,
		"SELECT "+runColumns+" FROM task_runs WHERE task_id = ? ORDER BY dispatched_at DESC",
		taskID)
}

// List implements RunJournal.List
func (s *SQLiteRunJournal) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskRun, error) {
	query := "SELECT " + runColumns + " FROM task_runs"
	args := make([]interface{}, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	query += " ORDER BY dispatched_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteRunJournal) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// CountByStatus implements RunJournal.CountByStatus
func (s *SQLiteRunJournal) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM task_runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[model.TaskStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// DeleteBefore implements RunJournal.DeleteBefore
func (s *SQLiteRunJournal) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM task_runs WHERE dispatched_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("deleted old task runs",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteRunJournal) Close() error {
	return s.db.Close()
}
