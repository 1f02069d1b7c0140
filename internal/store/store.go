// Package store provides durable storage for attempts, learned patterns,
// fingerprint admissions, escalation cooldowns, maintenance windows, host
// status, and state snapshots, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	remerr "github.com/tallenb/remedy/internal/errors"
	"github.com/tallenb/remedy/internal/models"
)

const (
	connectBase    = time.Second
	connectCap     = 30 * time.Second
	connectRetries = 10
)

// Store wraps the SQLite database. SQLite works best with a single writer,
// so the pool is pinned to one connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open connects to the database at path, creating it and its schema when
// missing. Connection failures are retried with exponential backoff; a
// partially opened handle is fully closed before each retry.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	backoff := connectBase
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying database connect")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > connectCap {
				backoff = connectCap
			}
		}

		db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			lastErr = err
			continue
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		if err := db.Ping(); err != nil {
			db.Close()
			lastErr = err
			continue
		}

		s := &Store{db: db, path: path}
		if err := s.initSchema(); err != nil {
			db.Close()
			lastErr = err
			continue
		}

		log.Info().Str("path", path).Msg("Store initialized")
		return s, nil
	}
	return nil, remerr.New(remerr.KindStorageUnavailable, "store_open", path,
		fmt.Errorf("after %d attempts: %w", connectRetries, lastErr))
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			alert_fingerprint TEXT NOT NULL,
			alertname TEXT NOT NULL,
			instance TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			severity TEXT NOT NULL DEFAULT 'warning',
			analysis TEXT,
			commands_executed TEXT,
			exit_codes TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			escalated INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			duration_seconds REAL NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			investigation_steps TEXT,
			actionable INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_key
		ON attempts(alertname, instance, timestamp);

		CREATE TABLE IF NOT EXISTS patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alertname TEXT NOT NULL,
			symptom_fingerprint TEXT NOT NULL,
			commands TEXT NOT NULL,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			confidence_score REAL NOT NULL DEFAULT 0,
			last_used_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			metadata TEXT,
			UNIQUE(alertname, symptom_fingerprint)
		);

		CREATE TABLE IF NOT EXISTS failure_patterns (
			alertname TEXT NOT NULL,
			pattern_signature TEXT NOT NULL,
			commands_attempted TEXT NOT NULL,
			failure_reason TEXT,
			failure_count INTEGER NOT NULL DEFAULT 1,
			last_failed_at INTEGER NOT NULL,
			PRIMARY KEY (alertname, pattern_signature)
		);

		CREATE TABLE IF NOT EXISTS fingerprint_cache (
			fingerprint TEXT PRIMARY KEY,
			admitted_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS escalation_cooldowns (
			alertname TEXT NOT NULL,
			instance TEXT NOT NULL,
			escalated_at INTEGER NOT NULL,
			PRIMARY KEY (alertname, instance)
		);

		CREATE TABLE IF NOT EXISTS maintenance_windows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			reason TEXT,
			created_by TEXT,
			is_active INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS host_status (
			host TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			last_success_at INTEGER,
			last_failure_at INTEGER,
			consecutive_failures INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS state_snapshots (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			target TEXT NOT NULL,
			inspect TEXT,
			logs TEXT,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable. The queue drainer polls
// this to detect recovery from degraded mode.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return remerr.New(remerr.KindStorageUnavailable, "store_ping", s.path, err)
	}
	return nil
}

func (s *Store) storageErr(op string, err error) error {
	return remerr.New(remerr.KindStorageUnavailable, op, s.path, err)
}

// AppendAttempt records one remediation episode.
func (s *Store) AppendAttempt(ctx context.Context, a models.Attempt) error {
	commands, _ := json.Marshal(a.CommandsExecuted)
	exitCodes, _ := json.Marshal(a.ExitCodes)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, alert_fingerprint, alertname, instance, attempt_number,
			severity, analysis, commands_executed, exit_codes, success, escalated,
			error, duration_seconds, timestamp, investigation_steps, actionable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.AlertFingerprint, a.Alertname, a.Instance, a.AttemptNumber,
		a.Severity, a.Analysis, string(commands), string(exitCodes),
		boolToInt(a.Success), boolToInt(a.Escalated), a.Error,
		a.DurationSeconds, a.Timestamp.Unix(), a.InvestigationSteps, boolToInt(a.Actionable))
	if err != nil {
		return s.storageErr("append_attempt", err)
	}
	return nil
}

// CountActionableAttempts counts attempts for a key within the rolling
// window. Diagnostic-only attempts carry actionable=0 and are excluded.
func (s *Store) CountActionableAttempts(ctx context.Context, alertname, instance string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).Unix()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attempts
		WHERE alertname = ? AND instance = ? AND actionable = 1 AND timestamp >= ?
	`, alertname, instance, cutoff).Scan(&count)
	if err != nil {
		return 0, s.storageErr("count_attempts", err)
	}
	return count, nil
}

// RecentAttempts returns the newest attempts, most recent first.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]models.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_fingerprint, alertname, instance, attempt_number, severity,
			analysis, commands_executed, exit_codes, success, escalated, error,
			duration_seconds, timestamp, investigation_steps, actionable
		FROM attempts ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, s.storageErr("recent_attempts", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var commands, exitCodes, analysis, errText, steps sql.NullString
		var success, escalated, actionable int
		var ts int64
		if err := rows.Scan(&a.ID, &a.AlertFingerprint, &a.Alertname, &a.Instance,
			&a.AttemptNumber, &a.Severity, &analysis, &commands, &exitCodes,
			&success, &escalated, &errText, &a.DurationSeconds, &ts, &steps, &actionable); err != nil {
			return nil, s.storageErr("recent_attempts", err)
		}
		a.Analysis = analysis.String
		a.Error = errText.String
		a.InvestigationSteps = steps.String
		a.Success = success == 1
		a.Escalated = escalated == 1
		a.Actionable = actionable == 1
		a.Timestamp = time.Unix(ts, 0)
		if commands.Valid {
			json.Unmarshal([]byte(commands.String), &a.CommandsExecuted)
		}
		if exitCodes.Valid {
			json.Unmarshal([]byte(exitCodes.String), &a.ExitCodes)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// AdmitFingerprint admits a fingerprint unless it was admitted within the
// cooldown. The check-and-set is a single conditional upsert, so concurrent
// workers cannot both admit the same fingerprint.
func (s *Store) AdmitFingerprint(ctx context.Context, fingerprint string, cooldown time.Duration) (bool, time.Time, error) {
	var prior time.Time
	var priorUnix sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT admitted_at FROM fingerprint_cache WHERE fingerprint = ?`, fingerprint).
		Scan(&priorUnix)
	if err != nil && err != sql.ErrNoRows {
		return false, prior, s.storageErr("admit_fingerprint", err)
	}
	if priorUnix.Valid {
		prior = time.Unix(priorUnix.Int64, 0)
	}

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprint_cache (fingerprint, admitted_at) VALUES (?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET admitted_at = excluded.admitted_at
		WHERE excluded.admitted_at - fingerprint_cache.admitted_at >= ?
	`, fingerprint, now, int64(cooldown.Seconds()))
	if err != nil {
		return false, prior, s.storageErr("admit_fingerprint", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, prior, s.storageErr("admit_fingerprint", err)
	}
	return affected > 0, prior, nil
}

// SetEscalation records that a key escalated now.
func (s *Store) SetEscalation(ctx context.Context, alertname, instance string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_cooldowns (alertname, instance, escalated_at) VALUES (?, ?, ?)
		ON CONFLICT(alertname, instance) DO UPDATE SET escalated_at = excluded.escalated_at
	`, alertname, instance, time.Now().Unix())
	if err != nil {
		return s.storageErr("set_escalation", err)
	}
	return nil
}

// LastEscalation returns the last escalation time for a key, if any.
func (s *Store) LastEscalation(ctx context.Context, alertname, instance string) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT escalated_at FROM escalation_cooldowns WHERE alertname = ? AND instance = ?`,
		alertname, instance).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.storageErr("last_escalation", err)
	}
	return time.Unix(ts, 0), true, nil
}

// ClearEscalation removes a key's escalation cooldown. Called when the
// alert resolves.
func (s *Store) ClearEscalation(ctx context.Context, alertname, instance string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM escalation_cooldowns WHERE alertname = ? AND instance = ?`,
		alertname, instance)
	if err != nil {
		return s.storageErr("clear_escalation", err)
	}
	return nil
}

// StartMaintenance opens a maintenance window. An empty host means global.
// At most one active window may exist per host key.
func (s *Store) StartMaintenance(ctx context.Context, host, reason, createdBy string) (int64, error) {
	host = strings.ToLower(strings.TrimSpace(host))

	var existing int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM maintenance_windows
		WHERE is_active = 1 AND COALESCE(host, '') = ?
	`, host).Scan(&existing)
	if err != nil {
		return 0, s.storageErr("start_maintenance", err)
	}
	if existing > 0 {
		return 0, remerr.New(remerr.KindValidation, "start_maintenance", host,
			fmt.Errorf("an active maintenance window already exists"))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_windows (host, started_at, reason, created_by, is_active)
		VALUES (?, ?, ?, ?, 1)
	`, nullIfEmpty(host), time.Now().Unix(), reason, createdBy)
	if err != nil {
		return 0, s.storageErr("start_maintenance", err)
	}
	id, _ := res.LastInsertId()
	log.Info().Int64("id", id).Str("host", host).Str("reason", reason).Msg("Maintenance window started")
	return id, nil
}

// EndMaintenance closes a window by id.
func (s *Store) EndMaintenance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE maintenance_windows SET is_active = 0, ended_at = ? WHERE id = ? AND is_active = 1
	`, time.Now().Unix(), id)
	if err != nil {
		return s.storageErr("end_maintenance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return remerr.New(remerr.KindValidation, "end_maintenance", "",
			fmt.Errorf("no active window with id %d", id))
	}
	return nil
}

// IsSuppressed reports whether a host is covered by an active maintenance
// window. Host matching is case-insensitive; a null-host window covers all
// hosts.
func (s *Store) IsSuppressed(ctx context.Context, host string) (bool, string, error) {
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT reason FROM maintenance_windows
		WHERE is_active = 1 AND (host IS NULL OR LOWER(host) = LOWER(?))
		ORDER BY started_at DESC LIMIT 1
	`, host).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", s.storageErr("is_suppressed", err)
	}
	return true, reason.String, nil
}

// ActiveMaintenanceWindows lists currently active windows.
func (s *Store) ActiveMaintenanceWindows(ctx context.Context) ([]models.MaintenanceWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(host, ''), started_at, ended_at, COALESCE(reason, ''),
			COALESCE(created_by, ''), is_active
		FROM maintenance_windows WHERE is_active = 1 ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, s.storageErr("active_windows", err)
	}
	defer rows.Close()

	var windows []models.MaintenanceWindow
	for rows.Next() {
		var w models.MaintenanceWindow
		var started int64
		var ended sql.NullInt64
		var active int
		if err := rows.Scan(&w.ID, &w.Host, &started, &ended, &w.Reason, &w.CreatedBy, &active); err != nil {
			return nil, s.storageErr("active_windows", err)
		}
		w.StartedAt = time.Unix(started, 0)
		if ended.Valid {
			t := time.Unix(ended.Int64, 0)
			w.EndedAt = &t
		}
		w.Active = active == 1
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// GetPattern fetches one pattern by its key.
func (s *Store) GetPattern(ctx context.Context, alertname, symptomFingerprint string) (*models.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, alertname, symptom_fingerprint, commands, success_count, failure_count,
			confidence_score, last_used_at, created_at, COALESCE(metadata, '')
		FROM patterns WHERE alertname = ? AND symptom_fingerprint = ?
	`, alertname, symptomFingerprint)

	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.storageErr("get_pattern", err)
	}
	return p, nil
}

// PatternsForAlert returns recent patterns for an alertname, newest use first.
func (s *Store) PatternsForAlert(ctx context.Context, alertname string, limit int) ([]models.Pattern, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alertname, symptom_fingerprint, commands, success_count, failure_count,
			confidence_score, last_used_at, created_at, COALESCE(metadata, '')
		FROM patterns WHERE alertname = ? ORDER BY last_used_at DESC LIMIT ?
	`, alertname, limit)
	if err != nil {
		return nil, s.storageErr("patterns_for_alert", err)
	}
	defer rows.Close()

	var patterns []models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, s.storageErr("patterns_for_alert", err)
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// CreditPattern records a verified success for a pattern, inserting it when
// new. The upsert is conditional on the key, so concurrent credits for the
// same key converge on one row.
func (s *Store) CreditPattern(ctx context.Context, alertname, symptomFingerprint string, commands []string, metadata string) error {
	commandsJSON, _ := json.Marshal(commands)
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (alertname, symptom_fingerprint, commands, success_count,
			failure_count, confidence_score, last_used_at, created_at, metadata)
		VALUES (?, ?, ?, 1, 0, 0, ?, ?, ?)
		ON CONFLICT(alertname, symptom_fingerprint) DO UPDATE SET
			success_count = success_count + 1,
			last_used_at = excluded.last_used_at
	`, alertname, symptomFingerprint, string(commandsJSON), now, now, metadata)
	if err != nil {
		return s.storageErr("credit_pattern", err)
	}
	return nil
}

// DiscreditPattern records a verified failure for an existing pattern.
func (s *Store) DiscreditPattern(ctx context.Context, alertname, symptomFingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET failure_count = failure_count + 1, last_used_at = ?
		WHERE alertname = ? AND symptom_fingerprint = ?
	`, time.Now().Unix(), alertname, symptomFingerprint)
	if err != nil {
		return s.storageErr("discredit_pattern", err)
	}
	return nil
}

// SetPatternConfidence stores a recomputed confidence score.
func (s *Store) SetPatternConfidence(ctx context.Context, alertname, symptomFingerprint string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET confidence_score = ?
		WHERE alertname = ? AND symptom_fingerprint = ?
	`, confidence, alertname, symptomFingerprint)
	if err != nil {
		return s.storageErr("set_pattern_confidence", err)
	}
	return nil
}

// RecordFailurePattern stores a command sequence that failed, incrementing
// the count when the same sequence fails again.
func (s *Store) RecordFailurePattern(ctx context.Context, fp models.FailurePattern) error {
	commandsJSON, _ := json.Marshal(fp.CommandsAttempted)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_patterns (alertname, pattern_signature, commands_attempted,
			failure_reason, failure_count, last_failed_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(alertname, pattern_signature) DO UPDATE SET
			failure_count = failure_count + 1,
			failure_reason = excluded.failure_reason,
			last_failed_at = excluded.last_failed_at
	`, fp.Alertname, fp.PatternSignature, string(commandsJSON), fp.FailureReason,
		time.Now().Unix())
	if err != nil {
		return s.storageErr("record_failure_pattern", err)
	}
	return nil
}

// FailurePatterns returns the known-bad command sequences for an alertname.
func (s *Store) FailurePatterns(ctx context.Context, alertname string) ([]models.FailurePattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alertname, pattern_signature, commands_attempted, COALESCE(failure_reason, ''),
			failure_count, last_failed_at
		FROM failure_patterns WHERE alertname = ?
	`, alertname)
	if err != nil {
		return nil, s.storageErr("failure_patterns", err)
	}
	defer rows.Close()

	var patterns []models.FailurePattern
	for rows.Next() {
		var fp models.FailurePattern
		var commands string
		var lastFailed int64
		if err := rows.Scan(&fp.Alertname, &fp.PatternSignature, &commands,
			&fp.FailureReason, &fp.FailureCount, &lastFailed); err != nil {
			return nil, s.storageErr("failure_patterns", err)
		}
		json.Unmarshal([]byte(commands), &fp.CommandsAttempted)
		fp.LastFailedAt = time.Unix(lastFailed, 0)
		patterns = append(patterns, fp)
	}
	return patterns, rows.Err()
}

// UpsertHostStatus persists the host monitor's view of one host.
func (s *Store) UpsertHostStatus(ctx context.Context, status models.HostStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_status (host, state, last_success_at, last_failure_at, consecutive_failures)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			state = excluded.state,
			last_success_at = excluded.last_success_at,
			last_failure_at = excluded.last_failure_at,
			consecutive_failures = excluded.consecutive_failures
	`, strings.ToLower(status.Host), string(status.State),
		unixOrNil(status.LastSuccessAt), unixOrNil(status.LastFailureAt),
		status.ConsecutiveFailures)
	if err != nil {
		return s.storageErr("upsert_host_status", err)
	}
	return nil
}

// HostStatuses returns the persisted reachability of every known host.
func (s *Store) HostStatuses(ctx context.Context) ([]models.HostStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host, state, last_success_at, last_failure_at, consecutive_failures FROM host_status
	`)
	if err != nil {
		return nil, s.storageErr("host_statuses", err)
	}
	defer rows.Close()

	var statuses []models.HostStatus
	for rows.Next() {
		var h models.HostStatus
		var state string
		var success, failure sql.NullInt64
		if err := rows.Scan(&h.Host, &state, &success, &failure, &h.ConsecutiveFailures); err != nil {
			return nil, s.storageErr("host_statuses", err)
		}
		h.State = models.HostState(state)
		if success.Valid {
			t := time.Unix(success.Int64, 0)
			h.LastSuccessAt = &t
		}
		if failure.Valid {
			t := time.Unix(failure.Int64, 0)
			h.LastFailureAt = &t
		}
		statuses = append(statuses, h)
	}
	return statuses, rows.Err()
}

// InsertSnapshot stores a pre-change state snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.StateSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_snapshots (id, host, target, inspect, logs, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.Host, snap.Target, snap.Inspect, snap.Logs, snap.CreatedAt.Unix())
	if err != nil {
		return s.storageErr("insert_snapshot", err)
	}
	return nil
}

// GetSnapshot fetches a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*models.StateSnapshot, error) {
	var snap models.StateSnapshot
	var inspect, logs sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, host, target, inspect, logs, created_at FROM state_snapshots WHERE id = ?
	`, id).Scan(&snap.ID, &snap.Host, &snap.Target, &inspect, &logs, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.storageErr("get_snapshot", err)
	}
	snap.Inspect = inspect.String
	snap.Logs = logs.String
	snap.CreatedAt = time.Unix(created, 0)
	return &snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (*models.Pattern, error) {
	var p models.Pattern
	var commands string
	var lastUsed, created int64
	err := row.Scan(&p.ID, &p.Alertname, &p.SymptomFingerprint, &commands,
		&p.SuccessCount, &p.FailureCount, &p.ConfidenceScore, &lastUsed, &created, &p.Metadata)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(commands), &p.Commands)
	p.LastUsedAt = time.Unix(lastUsed, 0)
	p.CreatedAt = time.Unix(created, 0)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
