package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/tcmartin/runstream/pkg/models"
	_ "modernc.org/sqlite"
)

// Dialect captures the differences between the SQL backends
type Dialect struct {
	// DriverName is the database/sql driver name
	DriverName string

	// LogIDColumn is the DDL of the auto-incrementing run_logs id
	LogIDColumn string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	// PostgresDialect targets PostgreSQL through lib/pq
	PostgresDialect = Dialect{DriverName: "postgres", LogIDColumn: "BIGSERIAL PRIMARY KEY", numbered: true}

	// SQLiteDialect targets SQLite through modernc.org/sqlite
	SQLiteDialect = Dialect{DriverName: "sqlite", LogIDColumn: "INTEGER PRIMARY KEY AUTOINCREMENT"}
)

// rebind rewrites ? placeholders for dialects that number them
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLProvider implements the StorageProvider interface on database/sql
type SQLProvider struct {
	db      *sql.DB
	dialect Dialect
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// SQLiteProviderConfig contains configuration for the SQLite provider
type SQLiteProviderConfig struct {
	// Path is the database file, or ":memory:"
	Path string
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*SQLProvider, error) {
	// Set default port if not specified
	if config.Port == 0 {
		config.Port = 5432
	}

	// Set default SSL mode if not specified
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open(PostgresDialect.DriverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return NewSQLProviderWithDB(db, PostgresDialect), nil
}

// NewSQLiteProvider creates a new SQLite storage provider
func NewSQLiteProvider(config SQLiteProviderConfig) (*SQLProvider, error) {
	path := config.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open(SQLiteDialect.DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// each connection to :memory: is a separate database, and SQLite has a single writer anyway
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite: %w", err)
	}

	return NewSQLProviderWithDB(db, SQLiteDialect), nil
}

// NewSQLProviderWithDB wraps an existing connection pool
func NewSQLProviderWithDB(db *sql.DB, dialect Dialect) *SQLProvider {
	return &SQLProvider{db: db, dialect: dialect}
}

// Initialize creates the tables if they don't exist
func (p *SQLProvider) Initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT,
			graph TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			attempt INTEGER NOT NULL,
			retry_of TEXT,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			finished_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id ` + p.dialect.LogIDColumn + `,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			event_id TEXT,
			kind TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT,
			ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS run_logs_run_id_idx ON run_logs (run_id, id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			schedule TEXT NOT NULL,
			input TEXT,
			active BOOLEAN NOT NULL,
			last_run BIGINT
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close cleans up resources
func (p *SQLProvider) Close() error {
	return p.db.Close()
}

// GetRunStore returns a store for runs
func (p *SQLProvider) GetRunStore() RunStore { return p }

// GetLogStore returns the event store
func (p *SQLProvider) GetLogStore() LogStore { return p }

// GetScheduleStore returns a store for schedule entries
func (p *SQLProvider) GetScheduleStore() ScheduleStore { return p }

// GetWorkflowStore returns a store for workflows
func (p *SQLProvider) GetWorkflowStore() WorkflowStore { return p }

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CreateRun persists a new run
func (p *SQLProvider) CreateRun(ctx context.Context, run *models.Run) error {
	return p.insertRun(ctx, p.db, run)
}

func (p *SQLProvider) insertRun(ctx context.Context, db execer, run *models.Run) error {
	input, output, err := encodeRunPayloads(run)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, p.dialect.rebind(`
		INSERT INTO runs (id, workflow_id, workspace_id, status, trigger_kind, input, output, error,
			attempt, retry_of, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		run.ID, run.WorkflowID, run.WorkspaceID, string(run.Status), string(run.Trigger),
		input, output, run.Error, run.Attempt, run.RetryOf,
		run.CreatedAt.UnixNano(), nullableTime(run.StartedAt), nullableTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	return nil
}

// UpdateRun overwrites an existing run
func (p *SQLProvider) UpdateRun(ctx context.Context, run *models.Run) error {
	input, output, err := encodeRunPayloads(run)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, p.dialect.rebind(`
		UPDATE runs SET status = ?, input = ?, output = ?, error = ?, attempt = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`),
		string(run.Status), input, output, run.Error, run.Attempt,
		nullableTime(run.StartedAt), nullableTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run
func (p *SQLProvider) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := p.db.QueryRowContext(ctx, p.dialect.rebind(`
		SELECT id, workflow_id, workspace_id, status, trigger_kind, input, output, error,
			attempt, retry_of, created_at, started_at, finished_at
		FROM runs WHERE id = ?`), runID)

	var (
		run                   models.Run
		status, trigger       string
		input, output         sql.NullString
		errStr, retryOf       sql.NullString
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkspaceID, &status, &trigger, &input, &output,
		&errStr, &run.Attempt, &retryOf, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Status = models.RunStatus(status)
	run.Trigger = models.Trigger(trigger)
	run.Error = errStr.String
	run.RetryOf = retryOf.String
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	run.StartedAt = timeFromNull(startedAt)
	run.FinishedAt = timeFromNull(finishedAt)
	if err := decodeJSONColumn(input, &run.Input); err != nil {
		return nil, fmt.Errorf("failed to decode run input: %w", err)
	}
	if err := decodeJSONColumn(output, &run.Output); err != nil {
		return nil, fmt.Errorf("failed to decode run output: %w", err)
	}
	return &run, nil
}

// AppendLog persists an event and assigns its id
func (p *SQLProvider) AppendLog(ctx context.Context, entry *models.RunLog) error {
	message, err := json.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("failed to marshal log message: %w", err)
	}

	err = p.db.QueryRowContext(ctx, p.dialect.rebind(`
		INSERT INTO run_logs (run_id, node_id, event_id, kind, level, message, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		entry.RunID, entry.NodeID, entry.EventID, entry.Kind, entry.Level, string(message),
		entry.Timestamp.UnixNano(),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs returns all events for a run
func (p *SQLProvider) ListLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	return p.ListLogsSince(ctx, runID, 0)
}

// ListLogsSince returns events with id greater than afterID
func (p *SQLProvider) ListLogsSince(ctx context.Context, runID string, afterID int64) ([]models.RunLog, error) {
	rows, err := p.db.QueryContext(ctx, p.dialect.rebind(`
		SELECT id, run_id, node_id, event_id, kind, level, message, ts
		FROM run_logs WHERE run_id = ? AND id > ? ORDER BY id ASC`), runID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]models.RunLog, 0)
	for rows.Next() {
		var (
			l       models.RunLog
			eventID sql.NullString
			message sql.NullString
			ts      int64
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.NodeID, &eventID, &l.Kind, &l.Level, &message, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.EventID = eventID.String
		l.Timestamp = time.Unix(0, ts).UTC()
		if err := decodeJSONColumn(message, &l.Message); err != nil {
			return nil, fmt.Errorf("failed to decode log message: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// SaveSchedule creates or replaces a schedule entry
func (p *SQLProvider) SaveSchedule(ctx context.Context, entry *models.ScheduleEntry) error {
	input, err := json.Marshal(entry.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule input: %w", err)
	}

	_, err = p.db.ExecContext(ctx, p.dialect.rebind(`
		INSERT INTO schedules (id, workspace_id, workflow_id, schedule, input, active, last_run)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET workspace_id = excluded.workspace_id,
			workflow_id = excluded.workflow_id, schedule = excluded.schedule,
			input = excluded.input, active = excluded.active, last_run = excluded.last_run`),
		entry.ID, entry.WorkspaceID, entry.WorkflowID, entry.Schedule, string(input), entry.Active,
		nullableTime(entry.LastRun),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// ListActiveSchedules returns every active entry
func (p *SQLProvider) ListActiveSchedules(ctx context.Context) ([]models.ScheduleEntry, error) {
	rows, err := p.db.QueryContext(ctx, p.dialect.rebind(`
		SELECT id, workspace_id, workflow_id, schedule, input, active, last_run
		FROM schedules WHERE active = ?`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	entries := make([]models.ScheduleEntry, 0)
	for rows.Next() {
		var (
			e       models.ScheduleEntry
			input   sql.NullString
			lastRun sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.WorkflowID, &e.Schedule, &input, &e.Active, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		e.LastRun = timeFromNull(lastRun)
		if err := decodeJSONColumn(input, &e.Input); err != nil {
			return nil, fmt.Errorf("failed to decode schedule input: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FireSchedule advances last_run and creates the run in one transaction
func (p *SQLProvider) FireSchedule(ctx context.Context, entryID string, firedAt time.Time, run *models.Run) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, p.dialect.rebind(`UPDATE schedules SET last_run = ? WHERE id = ?`),
		firedAt.UnixNano(), entryID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrScheduleNotFound
	}

	if err := p.insertRun(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule fire: %w", err)
	}
	return nil
}

// SaveWorkflow creates or replaces a workflow
func (p *SQLProvider) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow graph: %w", err)
	}

	_, err = p.db.ExecContext(ctx, p.dialect.rebind(`
		INSERT INTO workflows (id, workspace_id, name, graph) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET workspace_id = excluded.workspace_id,
			name = excluded.name, graph = excluded.graph`),
		wf.ID, wf.WorkspaceID, wf.Name, string(graph),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow
func (p *SQLProvider) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var (
		wf    models.Workflow
		name  sql.NullString
		graph string
	)
	err := p.db.QueryRowContext(ctx, p.dialect.rebind(
		`SELECT id, workspace_id, name, graph FROM workflows WHERE id = ?`), workflowID,
	).Scan(&wf.ID, &wf.WorkspaceID, &name, &graph)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	wf.Name = name.String
	if err := json.Unmarshal([]byte(graph), &wf.Graph); err != nil {
		return nil, fmt.Errorf("failed to decode workflow graph: %w", err)
	}
	return &wf, nil
}

func encodeRunPayloads(run *models.Run) (string, string, error) {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal run input: %w", err)
	}
	output, err := json.Marshal(run.Output)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal run output: %w", err)
	}
	return string(input), string(output), nil
}

func decodeJSONColumn(col sql.NullString, dst *map[string]interface{}) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
