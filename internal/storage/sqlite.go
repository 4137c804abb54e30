package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/nearload/pkg/types"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so a corrupt value does not hide the run.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode for concurrent readers while a run writes
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		contract TEXT,
		calls INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		submitted INTEGER DEFAULT 0,
		submit_errors INTEGER DEFAULT 0,
		construction_ms INTEGER DEFAULT 0,
		execution_ms INTEGER DEFAULT 0,
		gas_burnt INTEGER DEFAULT 0,
		latency_stats TEXT,
		failure_reasons TEXT,
		environment TEXT,
		verification TEXT,
		accounts TEXT,
		custom_name TEXT,
		is_favorite INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS state_patches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		contract TEXT NOT NULL,
		data_key TEXT NOT NULL,
		value TEXT NOT NULL,
		applied INTEGER NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_state_patches_run ON state_patches(run_id);

	CREATE TABLE IF NOT EXISTS call_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tx_hash TEXT,
		call_type TEXT NOT NULL,
		status TEXT NOT NULL,
		failure TEXT,
		latency_ms INTEGER DEFAULT 0,
		gas_burnt INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_call_logs_run ON call_logs(run_id);
	CREATE INDEX IF NOT EXISTS idx_call_logs_hash ON call_logs(tx_hash);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; applied when missing
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "accounts", "ALTER TABLE runs ADD COLUMN accounts TEXT"},
		{"runs", "gas_burnt", "ALTER TABLE runs ADD COLUMN gas_burnt INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed", "table", m.table, "column", m.column, "error", err.Error())
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated before being formatted into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	environmentJSON, err := json.Marshal(run.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}
	accountsJSON, err := json.Marshal(run.Accounts)
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}

	status := run.Status
	if status == "" {
		status = types.StatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, started_at, status, contract, calls, environment, accounts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, run.StartedAt, status, run.Contract, run.Calls, string(environmentJSON), string(accountsJSON))

	return err
}

// UpdateRun updates the live counters of a run.
func (s *SQLiteStorage) UpdateRun(ctx context.Context, run *Run) error {
	latencyJSON, _ := json.Marshal(run.LatencyStats)
	accountsJSON, _ := json.Marshal(run.Accounts)

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			error_message = ?,
			contract = ?,
			calls = ?,
			succeeded = ?,
			failed = ?,
			submitted = ?,
			submit_errors = ?,
			latency_stats = ?,
			accounts = ?
		WHERE id = ?
	`, run.Status, nullString(run.ErrorMessage), run.Contract, run.Calls, run.Succeeded, run.Failed,
		run.Submitted, run.SubmitErrors, string(latencyJSON), string(accountsJSON), run.ID)

	return err
}

// CompleteRun marks a run as finished with final statistics.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *Run) error {
	latencyJSON, _ := json.Marshal(run.LatencyStats)
	reasonsJSON, _ := json.Marshal(run.FailureReasons)
	environmentJSON, _ := json.Marshal(run.Environment)
	verificationJSON, _ := json.Marshal(run.Verification)
	accountsJSON, _ := json.Marshal(run.Accounts)

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			error_message = ?,
			contract = ?,
			calls = ?,
			succeeded = ?,
			failed = ?,
			submitted = ?,
			submit_errors = ?,
			construction_ms = ?,
			execution_ms = ?,
			gas_burnt = ?,
			latency_stats = ?,
			failure_reasons = ?,
			environment = ?,
			verification = ?,
			accounts = ?
		WHERE id = ?
	`, completedAt, run.Status, nullString(run.ErrorMessage), run.Contract, run.Calls,
		run.Succeeded, run.Failed, run.Submitted, run.SubmitErrors,
		run.ConstructionMs, run.ExecutionMs, run.GasBurnt,
		string(latencyJSON), string(reasonsJSON), string(environmentJSON),
		string(verificationJSON), string(accountsJSON), run.ID)
	if err != nil {
		return err
	}
	return requireRow(result, run.ID)
}

const runColumns = `id, kind, started_at, completed_at, status, error_message, contract,
	calls, succeeded, failed, submitted, submit_errors,
	construction_ms, execution_ms, COALESCE(gas_burnt, 0),
	latency_stats, failure_reasons, environment, verification, accounts,
	custom_name, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by id. Returns nil, nil when it does not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a paginated list of runs, favorites first, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run, its call logs and its patches.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM state_patches WHERE run_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateRunMetadata updates the custom name and/or favorite status of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var updates []string
	var args []any

	if update.CustomName != nil {
		updates = append(updates, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordPatch stores a state patch attempt and sets its id.
func (s *SQLiteStorage) RecordPatch(ctx context.Context, patch *PatchRecord) error {
	if patch.CreatedAt.IsZero() {
		patch.CreatedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO state_patches (run_id, contract, data_key, value, applied, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nullString(patch.RunID), patch.Contract, patch.Key, patch.Value, patch.Applied, nullString(patch.Error), patch.CreatedAt)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	patch.ID = id
	return nil
}

// ListPatches returns the patches of a run in insertion order.
// An empty runID lists patches recorded outside any run.
func (s *SQLiteStorage) ListPatches(ctx context.Context, runID string) ([]PatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(run_id, ''), contract, data_key, value, applied, COALESCE(error, ''), created_at
		FROM state_patches
		WHERE COALESCE(run_id, '') = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patches := []PatchRecord{}
	for rows.Next() {
		var p PatchRecord
		if err := rows.Scan(&p.ID, &p.RunID, &p.Contract, &p.Key, &p.Value, &p.Applied, &p.Error, &p.CreatedAt); err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}

// BulkInsertCallLogs inserts call logs in a single transaction so the fsync
// cost is paid once per batch.
func (s *SQLiteStorage) BulkInsertCallLogs(ctx context.Context, runID string, logs []CallLogEntry) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO call_logs (run_id, tx_hash, call_type, status, failure, latency_ms, gas_burnt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, log := range logs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, nullString(log.TxHash), log.CallType, log.Status,
			nullString(log.Failure), log.LatencyMs, log.GasBurnt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetCallLogs retrieves paginated call logs for a run.
func (s *SQLiteStorage) GetCallLogs(ctx context.Context, runID string, limit, offset int) (*PaginatedCallLogs, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_logs WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(tx_hash, ''), call_type, status, COALESCE(failure, ''), latency_ms, gas_burnt
		FROM call_logs
		WHERE run_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []CallLogEntry{}
	for rows.Next() {
		var log CallLogEntry
		if err := rows.Scan(&log.TxHash, &log.CallType, &log.Status, &log.Failure, &log.LatencyMs, &log.GasBurnt); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedCallLogs{
		Calls:  logs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// GetCallLogByHash retrieves a single call log by transaction hash.
// Returns nil, nil when no call has that hash.
func (s *SQLiteStorage) GetCallLogByHash(ctx context.Context, txHash string) (*CallLogEntry, error) {
	var log CallLogEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT tx_hash, call_type, status, COALESCE(failure, ''), latency_ms, gas_burnt
		FROM call_logs
		WHERE tx_hash = ?
	`, txHash).Scan(&log.TxHash, &log.CallType, &log.Status, &log.Failure, &log.LatencyMs, &log.GasBurnt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var errorMsg, contract, customName sql.NullString
	var latencyJSON, reasonsJSON, environmentJSON, verificationJSON, accountsJSON sql.NullString
	var isFavorite int

	err := row.Scan(&run.ID, &run.Kind, &run.StartedAt, &completedAt, &run.Status, &errorMsg, &contract,
		&run.Calls, &run.Succeeded, &run.Failed, &run.Submitted, &run.SubmitErrors,
		&run.ConstructionMs, &run.ExecutionMs, &run.GasBurnt,
		&latencyJSON, &reasonsJSON, &environmentJSON, &verificationJSON, &accountsJSON,
		&customName, &isFavorite)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.ErrorMessage = errorMsg.String
	run.Contract = types.AccountID(contract.String)
	if customName.Valid {
		run.CustomName = &customName.String
	}
	run.IsFavorite = isFavorite == 1

	if isJSONValue(latencyJSON) {
		run.LatencyStats = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, run.LatencyStats, "latency_stats", run.ID)
	}
	if isJSONValue(reasonsJSON) {
		unmarshalJSON(reasonsJSON.String, &run.FailureReasons, "failure_reasons", run.ID)
	}
	if isJSONValue(environmentJSON) {
		run.Environment = &EnvironmentSnapshot{}
		unmarshalJSON(environmentJSON.String, run.Environment, "environment", run.ID)
	}
	if isJSONValue(verificationJSON) {
		run.Verification = &VerificationResult{}
		unmarshalJSON(verificationJSON.String, run.Verification, "verification", run.ID)
	}
	if isJSONValue(accountsJSON) {
		unmarshalJSON(accountsJSON.String, &run.Accounts, "accounts", run.ID)
	}

	return &run, nil
}

// isJSONValue reports whether a JSON column holds something other than null.
func isJSONValue(v sql.NullString) bool {
	return v.Valid && v.String != "" && v.String != "null"
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
