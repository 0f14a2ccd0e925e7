package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/browserwf/internal/model"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "browserwf-v1-workflow-engine-schedules"
)

// SQLiteStore is the reference Store implementation backed by a single
// SQLite file. It serializes writes through one connection, relying on
// WAL mode for concurrent readers.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or attaches to a SQLite database at path, applying pragmas
// and schema migrations before returning.
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			definition JSON NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('active','inactive','archived')),
			timeout_seconds INTEGER,
			max_retries_default INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows(owner);`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			status TEXT NOT NULL CHECK(status IN ('queued','running','cancelling','completed','failed','cancelled')),
			trigger_type TEXT NOT NULL DEFAULT 'manual',
			inputs JSON,
			output JSON,
			error_kind TEXT,
			error_message TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			duration_ms INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			task_name TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('queued','running','completed','failed','skipped','cancelled')),
			attempt INTEGER NOT NULL DEFAULT 1,
			retry_count_limit INTEGER NOT NULL DEFAULT 3,
			parameters_resolved JSON,
			output JSON,
			error_kind TEXT,
			error_message TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			duration_ms INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_execution ON task_runs(execution_id);`,
		`CREATE TABLE IF NOT EXISTS execution_events (
			execution_id TEXT NOT NULL REFERENCES executions(id),
			seq INTEGER NOT NULL,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			kind TEXT NOT NULL,
			task_name TEXT,
			attempt INTEGER,
			error_kind TEXT,
			error_message TEXT,
			error_retryable INTEGER,
			output_digest TEXT,
			PRIMARY KEY (execution_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_events_replay ON execution_events(execution_id, seq);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			inputs JSON,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter. Five attempts give roughly 3s of
// headroom beyond the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSON(raw sql.NullString, out *map[string]any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), out)
}

// --- Workflows ---------------------------------------------------------

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf model.Workflow) (string, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	defBytes, err := toJSON(wf.Definition)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	if wf.Status == "" {
		wf.Status = model.WorkflowActive
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflows (id, name, owner, definition, status, timeout_seconds, max_retries_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO NOTHING;
		`, wf.ID, wf.Name, wf.Owner, defBytes, wf.Status, wf.TimeoutSeconds, wf.MaxRetriesDefault)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert workflow: %w", err)
	}
	return wf.ID, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (model.Workflow, error) {
	var wf model.Workflow
	var defBytes []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, definition, status, timeout_seconds, max_retries_default, created_at, updated_at
		FROM workflows WHERE id = ?;
	`, id)
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Owner, &defBytes, &wf.Status, &wf.TimeoutSeconds, &wf.MaxRetriesDefault, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Workflow{}, fmt.Errorf("workflow %s: %w", id, sql.ErrNoRows)
		}
		return model.Workflow{}, fmt.Errorf("select workflow: %w", err)
	}
	if err := json.Unmarshal(defBytes, &wf.Definition); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, owner string, filter WorkflowFilter, page Page) ([]model.Workflow, error) {
	limit := page.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := strings.Builder{}
	query.WriteString(`SELECT id, name, owner, definition, status, timeout_seconds, max_retries_default, created_at, updated_at FROM workflows WHERE owner = ?`)
	args := []any{owner}
	if filter.Status != "" {
		query.WriteString(` AND status = ?`)
		args = append(args, filter.Status)
	}
	if filter.Name != "" {
		query.WriteString(` AND name = ?`)
		args = append(args, filter.Name)
	}
	query.WriteString(` ORDER BY created_at DESC LIMIT ? OFFSET ?;`)
	args = append(args, limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		var wf model.Workflow
		var defBytes []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Owner, &defBytes, &wf.Status, &wf.TimeoutSeconds, &wf.MaxRetriesDefault, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		if err := json.Unmarshal(defBytes, &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateWorkflowStatus(ctx context.Context, id string, status model.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, id)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow status rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("workflow %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// --- Executions ----------------------------------------------------------

func (s *SQLiteStore) CreateExecution(ctx context.Context, workflowID string, inputs map[string]any, triggerType string) (string, error) {
	id := uuid.NewString()
	inputBytes, err := toJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal inputs: %w", err)
	}
	if triggerType == "" {
		triggerType = "manual"
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (id, workflow_id, status, trigger_type, inputs, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, workflowID, model.ExecutionQueued, triggerType, inputBytes)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}
	return id, nil
}

func scanExecution(row interface {
	Scan(dest ...any) error
}) (model.Execution, error) {
	var (
		e                    model.Execution
		inputBytes           sql.NullString
		outputBytes          sql.NullString
		errKind, errMessage  sql.NullString
		startedAt, completed sql.NullTime
		durationMs           sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.Status, &e.TriggerType, &inputBytes, &outputBytes,
		&errKind, &errMessage, &startedAt, &completed, &durationMs, &e.CreatedAt); err != nil {
		return model.Execution{}, err
	}
	if inputBytes.Valid && inputBytes.String != "" {
		if err := json.Unmarshal([]byte(inputBytes.String), &e.Inputs); err != nil {
			return model.Execution{}, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if outputBytes.Valid && outputBytes.String != "" {
		if err := json.Unmarshal([]byte(outputBytes.String), &e.Output); err != nil {
			return model.Execution{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		e.DurationMs = &d
	}
	if errKind.Valid && errKind.String != "" {
		e.Error = &model.Error{Kind: model.Kind(errKind.String), Message: errMessage.String}
	}
	return e, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (model.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, trigger_type, inputs, output, error_kind, error_message, started_at, completed_at, duration_ms, created_at
		FROM executions WHERE id = ?;
	`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Execution{}, fmt.Errorf("execution %s: %w", id, sql.ErrNoRows)
		}
		return model.Execution{}, fmt.Errorf("select execution: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) TransitionExecution(ctx context.Context, id string, expectedFrom []model.ExecutionStatus, to model.ExecutionStatus, fields ExecutionFields) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current model.ExecutionStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select execution status: %w", err)
		}
		if !slices.Contains(expectedFrom, current) {
			ok = false
			return nil
		}

		outputBytes, err := toJSON(fields.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		var errKind, errMessage sql.NullString
		if fields.Error != nil {
			errKind = sql.NullString{String: string(fields.Error.Kind), Valid: true}
			errMessage = sql.NullString{String: fields.Error.Message, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?,
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at),
				duration_ms = COALESCE(?, duration_ms),
				output = COALESCE(?, output),
				error_kind = COALESCE(?, error_kind),
				error_message = COALESCE(?, error_message)
			WHERE id = ? AND status = ?;
		`, to, fields.StartedAt, fields.CompletedAt, fields.DurationMs, outputBytes, errKind, errMessage, id, current)
		if err != nil {
			return fmt.Errorf("update execution transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			ok = false
			return nil
		}
		ok = true
		return tx.Commit()
	})
	return ok, err
}

func (s *SQLiteStore) ExecutionsInStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM executions WHERE status IN (%s);`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query executions in status: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- TaskRuns --------------------------------------------------------------

func (s *SQLiteStore) CreateTaskRun(ctx context.Context, executionID, taskName, agentType, action string, paramsResolved map[string]any, retryLimit int) (string, error) {
	id := uuid.NewString()
	paramBytes, err := toJSON(paramsResolved)
	if err != nil {
		return "", fmt.Errorf("marshal parameters_resolved: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (id, execution_id, task_name, agent_type, action, status, attempt, retry_count_limit, parameters_resolved, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, CURRENT_TIMESTAMP);
		`, id, executionID, taskName, agentType, action, model.TaskRunQueued, retryLimit, paramBytes)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task_run: %w", err)
	}
	return id, nil
}

func scanTaskRun(row interface {
	Scan(dest ...any) error
}) (model.TaskRun, error) {
	var (
		t                     model.TaskRun
		paramsBytes           sql.NullString
		outputBytes           sql.NullString
		errKind, errMessage   sql.NullString
		startedAt, completed  sql.NullTime
		durationMs            sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.ExecutionID, &t.TaskName, &t.AgentType, &t.Action, &t.Status, &t.Attempt, &t.RetryCountLimit,
		&paramsBytes, &outputBytes, &errKind, &errMessage, &startedAt, &completed, &durationMs); err != nil {
		return model.TaskRun{}, err
	}
	if paramsBytes.Valid && paramsBytes.String != "" {
		if err := json.Unmarshal([]byte(paramsBytes.String), &t.ParametersResolved); err != nil {
			return model.TaskRun{}, fmt.Errorf("unmarshal parameters_resolved: %w", err)
		}
	}
	if outputBytes.Valid && outputBytes.String != "" {
		if err := json.Unmarshal([]byte(outputBytes.String), &t.Output); err != nil {
			return model.TaskRun{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if startedAt.Valid {
		tm := startedAt.Time
		t.StartedAt = &tm
	}
	if completed.Valid {
		tm := completed.Time
		t.CompletedAt = &tm
	}
	if durationMs.Valid {
		d := durationMs.Int64
		t.DurationMs = &d
	}
	if errKind.Valid && errKind.String != "" {
		t.Error = &model.Error{Kind: model.Kind(errKind.String), Message: errMessage.String}
	}
	return t, nil
}

const taskRunColumns = `id, execution_id, task_name, agent_type, action, status, attempt, retry_count_limit,
	parameters_resolved, output, error_kind, error_message, started_at, completed_at, duration_ms`

func (s *SQLiteStore) GetTaskRun(ctx context.Context, id string) (model.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE id = ?;`, id)
	t, err := scanTaskRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TaskRun{}, fmt.Errorf("task_run %s: %w", id, sql.ErrNoRows)
		}
		return model.TaskRun{}, fmt.Errorf("select task_run: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTaskRuns(ctx context.Context, executionID string) ([]model.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE execution_id = ? ORDER BY created_at ASC;`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list task_runs: %w", err)
	}
	defer rows.Close()
	var out []model.TaskRun
	for rows.Next() {
		t, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task_run: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TransitionTaskRun(ctx context.Context, id string, expectedFrom []model.TaskRunStatus, to model.TaskRunStatus, fields TaskRunFields) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current model.TaskRunStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM task_runs WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select task_run status: %w", err)
		}
		if !slices.Contains(expectedFrom, current) {
			ok = false
			return nil
		}

		outputBytes, err := toJSON(fields.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		paramsBytes, err := toJSON(fields.ParametersResolved)
		if err != nil {
			return fmt.Errorf("marshal parameters_resolved: %w", err)
		}
		var errKind, errMessage sql.NullString
		if fields.Error != nil {
			errKind = sql.NullString{String: string(fields.Error.Kind), Valid: true}
			errMessage = sql.NullString{String: fields.Error.Message, Valid: true}
		}
		var attempt sql.NullInt64
		if fields.Attempt != nil {
			attempt = sql.NullInt64{Int64: int64(*fields.Attempt), Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE task_runs
			SET status = ?,
				attempt = COALESCE(?, attempt),
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at),
				duration_ms = COALESCE(?, duration_ms),
				parameters_resolved = COALESCE(?, parameters_resolved),
				output = COALESCE(?, output),
				error_kind = COALESCE(?, error_kind),
				error_message = COALESCE(?, error_message)
			WHERE id = ? AND status = ?;
		`, to, attempt, fields.StartedAt, fields.CompletedAt, fields.DurationMs, paramsBytes, outputBytes, errKind, errMessage, id, current)
		if err != nil {
			return fmt.Errorf("update task_run transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			ok = false
			return nil
		}
		ok = true
		return tx.Commit()
	})
	return ok, err
}

// --- Events ----------------------------------------------------------------

func (s *SQLiteStore) AppendEvent(ctx context.Context, event model.ExecutionEvent) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM execution_events WHERE execution_id = ?;`, event.ExecutionID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("read max seq: %w", err)
		}
		seq = maxSeq.Int64 + 1

		var errKind, errMessage sql.NullString
		var errRetryable sql.NullInt64
		if event.Error != nil {
			errKind = sql.NullString{String: string(event.Error.Kind), Valid: true}
			errMessage = sql.NullString{String: event.Error.Message, Valid: true}
			retryable := 0
			if event.Error.IsRetryable() {
				retryable = 1
			}
			errRetryable = sql.NullInt64{Int64: int64(retryable), Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_events (execution_id, seq, ts, kind, task_name, attempt, error_kind, error_message, error_retryable, output_digest)
			VALUES (?, ?, CURRENT_TIMESTAMP, ?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''));
		`, event.ExecutionID, seq, event.Kind, event.TaskName, event.Attempt, errKind, errMessage, errRetryable, event.OutputDigest); err != nil {
			return fmt.Errorf("insert execution_event: %w", err)
		}
		return tx.Commit()
	})
	return seq, err
}

func (s *SQLiteStore) ListEventsFrom(ctx context.Context, executionID string, fromSeq int64, limit int) ([]model.ExecutionEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, ts, kind, COALESCE(task_name, ''), COALESCE(attempt, 0),
			error_kind, error_message, error_retryable, COALESCE(output_digest, '')
		FROM execution_events
		WHERE execution_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, executionID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution_events: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionEvent
	for rows.Next() {
		var (
			e                   model.ExecutionEvent
			errKind, errMessage sql.NullString
			errRetryable        sql.NullInt64
		)
		if err := rows.Scan(&e.ExecutionID, &e.Seq, &e.Ts, &e.Kind, &e.TaskName, &e.Attempt, &errKind, &errMessage, &errRetryable, &e.OutputDigest); err != nil {
			return nil, fmt.Errorf("scan execution_event: %w", err)
		}
		if errKind.Valid {
			retryable := errRetryable.Valid && errRetryable.Int64 == 1
			e.Error = &model.Error{Kind: model.Kind(errKind.String), Message: errMessage.String, Retryable: &retryable}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestSeq(ctx context.Context, executionID string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM execution_events WHERE execution_id = ?;`, executionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *SQLiteStore) LoadExecution(ctx context.Context, id string) (model.Execution, []model.TaskRun, []model.ExecutionEvent, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return model.Execution{}, nil, nil, err
	}
	runs, err := s.ListTaskRuns(ctx, id)
	if err != nil {
		return model.Execution{}, nil, nil, err
	}
	events, err := s.ListEventsFrom(ctx, id, 0, 100000)
	if err != nil {
		return model.Execution{}, nil, nil, err
	}
	return exec, runs, events, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched model.Schedule) (string, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	inputBytes, err := toJSON(sched.Inputs)
	if err != nil {
		return "", fmt.Errorf("marshal schedule inputs: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, workflow_id, owner, name, cron_expr, inputs, enabled, last_run_at, next_run_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sched.ID, sched.WorkflowID, sched.Owner, sched.Name, sched.CronExpr, inputBytes, sched.Enabled, sched.LastRunAt, sched.NextRunAt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	return sched.ID, nil
}

func (s *SQLiteStore) DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, owner, name, cron_expr, inputs, enabled, last_run_at, next_run_at, created_at
		FROM schedules WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *SQLiteStore) ListSchedules(ctx context.Context, owner string) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, owner, name, cron_expr, inputs, enabled, last_run_at, next_run_at, created_at
		FROM schedules WHERE owner = ? ORDER BY created_at DESC;
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]model.Schedule, error) {
	var out []model.Schedule
	for rows.Next() {
		var sched model.Schedule
		var inputBytes sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.WorkflowID, &sched.Owner, &sched.Name, &sched.CronExpr,
			&inputBytes, &sched.Enabled, &lastRun, &nextRun, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := fromJSON(inputBytes, &sched.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal schedule inputs: %w", err)
		}
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
	`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update schedule run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
