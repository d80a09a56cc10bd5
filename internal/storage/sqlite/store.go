// Package sqlite provides a SQLite-backed implementation of the credential
// store, record sink, and telemetry store contracts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cohortlab/cohort/internal/platform/storage/sqlitemigrate"
	"github.com/cohortlab/cohort/internal/storage"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/cohortlab/cohort/internal/storage/sqlite/migrations"
)

// Store persists dispatcher state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SeedCredential inserts one credential row. Used by operators to load the
// access-code database before a run.
func (s *Store) SeedCredential(ctx context.Context, cred storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	credID := strings.TrimSpace(cred.ID)
	if credID == "" {
		return fmt.Errorf("credential id is required")
	}
	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO credentials (
		   id, access_code, exit_code, valid, disconnected,
		   kicked_out, checked_out, stage_pos, win, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credID,
		cred.AccessCode,
		cred.ExitCode,
		boolToInt(cred.Valid),
		boolToInt(cred.Disconnected),
		boolToInt(cred.KickedOut),
		boolToInt(cred.CheckedOut),
		cred.StagePos,
		cred.Win,
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("seed credential: %w", err)
	}
	return nil
}

// CodeExists returns the credential for id, or storage.ErrNotFound.
func (s *Store) CodeExists(ctx context.Context, id string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, access_code, exit_code, valid, disconnected,
		        kicked_out, checked_out, stage_pos, win, updated_at
		   FROM credentials
		  WHERE id = ?`,
		id,
	)

	var cred storage.Credential
	var valid, disconnected, kickedOut, checkedOut int
	var updatedAt int64
	err := row.Scan(
		&cred.ID,
		&cred.AccessCode,
		&cred.ExitCode,
		&valid,
		&disconnected,
		&kickedOut,
		&checkedOut,
		&cred.StagePos,
		&cred.Win,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	cred.Valid = valid != 0
	cred.Disconnected = disconnected != 0
	cred.KickedOut = kickedOut != 0
	cred.CheckedOut = checkedOut != 0
	cred.UpdatedAt = fromMillis(updatedAt)
	return cred, nil
}

// MarkValid releases the credential back to the available set.
func (s *Store) MarkValid(ctx context.Context, id string) error {
	return s.setValid(ctx, id, true)
}

// MarkInvalid claims the credential for a connected participant.
func (s *Store) MarkInvalid(ctx context.Context, id string) error {
	return s.setValid(ctx, id, false)
}

func (s *Store) setValid(ctx context.Context, id string, valid bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE credentials SET valid = ?, updated_at = ? WHERE id = ?`,
		boolToInt(valid),
		toMillis(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("update credential validity: %w", err)
	}
	return requireRow(result)
}

// CheckOut finalizes the credential with exit information.
func (s *Store) CheckOut(ctx context.Context, id string, exit storage.ExitInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE credentials
		    SET checked_out = 1, exit_code = ?, win = ?, updated_at = ?
		  WHERE id = ?`,
		exit.ExitCode,
		exit.Win,
		toMillis(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("check out credential: %w", err)
	}
	return requireRow(result)
}

// UpdateCode applies a partial update to the credential.
func (s *Store) UpdateCode(ctx context.Context, id string, patch storage.CredentialPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("credential id is required")
	}

	assignments := make([]string, 0, 6)
	args := make([]any, 0, 7)
	if patch.Valid != nil {
		assignments = append(assignments, "valid = ?")
		args = append(args, boolToInt(*patch.Valid))
	}
	if patch.Disconnected != nil {
		assignments = append(assignments, "disconnected = ?")
		args = append(args, boolToInt(*patch.Disconnected))
	}
	if patch.KickedOut != nil {
		assignments = append(assignments, "kicked_out = ?")
		args = append(args, boolToInt(*patch.KickedOut))
	}
	if patch.StagePos != nil {
		assignments = append(assignments, "stage_pos = ?")
		args = append(args, *patch.StagePos)
	}
	if patch.Win != nil {
		assignments = append(assignments, "win = ?")
		args = append(args, *patch.Win)
	}
	if len(assignments) == 0 {
		return nil
	}
	assignments = append(assignments, "updated_at = ?")
	args = append(args, toMillis(time.Now()))
	args = append(args, id)

	result, err := s.sqlDB.ExecContext(
		ctx,
		"UPDATE credentials SET "+strings.Join(assignments, ", ")+" WHERE id = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return requireRow(result)
}

// CountAvailable returns how many credentials are neither checked out nor claimed.
func (s *Store) CountAvailable(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var count int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM credentials WHERE checked_out = 0 AND valid = 1`,
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count available credentials: %w", err)
	}
	return count, nil
}

// AppendRecord inserts one experiment record.
func (s *Store) AppendRecord(ctx context.Context, record storage.ExperimentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID := strings.TrimSpace(record.SessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO experiment_records (
		   session_id, condition, stage_pos, participant_id,
		   part, kind, payload, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		record.Condition,
		record.StagePos,
		record.ParticipantID,
		record.Part,
		record.Kind,
		record.Payload,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("append experiment record: %w", err)
	}
	return nil
}

// AppendTelemetryEvent inserts one telemetry event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, event storage.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO telemetry_events (
		   ts, severity, channel, event, participant_id, session_id, detail
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		toMillis(ts),
		event.Severity,
		event.Channel,
		event.Event,
		event.ParticipantID,
		event.SessionID,
		event.Detail,
	)
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.RecordSink      = (*Store)(nil)
	_ storage.TelemetryStore  = (*Store)(nil)
)
