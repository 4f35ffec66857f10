// Package history persists summaries of terminated sessions, their command
// logs and derived usage statistics.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/ops-console/terminal/internal/model"
)

const (
	// DefaultCommandCap bounds the durable per-session command log.
	DefaultCommandCap = 500

	// DefaultTopHosts and DefaultRecentLimit size the statistics projection.
	DefaultTopHosts    = 5
	DefaultRecentLimit = 10
)

// Config holds configuration for the store.
type Config struct {
	CommandCap  int
	TopHosts    int
	RecentLimit int
}

// Store provides data access for session history.
type Store struct {
	db  *sql.DB
	cfg Config
}

// NewStore creates a new history store on an initialized database.
func NewStore(db *sql.DB, cfg Config) *Store {
	if cfg.CommandCap <= 0 {
		cfg.CommandCap = DefaultCommandCap
	}
	if cfg.TopHosts <= 0 {
		cfg.TopHosts = DefaultTopHosts
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = DefaultRecentLimit
	}
	return &Store{db: db, cfg: cfg}
}

// RecordSessionEnd upserts the summary for a terminated session. Session
// ids are unique: a duplicate write replaces the previous record, so the
// operation is idempotent.
func (s *Store) RecordSessionEnd(ctx context.Context, rec *model.HistoryRecord) error {
	query := `
		INSERT OR REPLACE INTO history_records
			(session_id, host_id, started_at, ended_at, duration_ms, command_count, status, last_command)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.HostID,
		rec.StartedAt,
		rec.EndedAt,
		rec.Duration.Milliseconds(),
		rec.CommandCount,
		rec.Status,
		rec.LastCommand,
	)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}

	return nil
}

// RecordCommand appends one command entry and trims the session's log to
// the configured cap, oldest entries first.
func (s *Store) RecordCommand(ctx context.Context, entry *model.CommandEntry) error {
	insert := `INSERT INTO command_entries (session_id, text, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert, entry.SessionID, entry.Text, entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}

	trim := `
		DELETE FROM command_entries
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM command_entries
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`
	if _, err := s.db.ExecContext(ctx, trim, entry.SessionID, entry.SessionID, s.cfg.CommandCap); err != nil {
		return fmt.Errorf("failed to trim command log: %w", err)
	}

	return nil
}

// GetRecord retrieves the summary for one session.
func (s *Store) GetRecord(ctx context.Context, sessionID string) (*model.HistoryRecord, error) {
	query := `
		SELECT session_id, host_id, started_at, ended_at, duration_ms, command_count, status, last_command
		FROM history_records
		WHERE session_id = ?
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return rec, nil
}

// ListRecords retrieves up to limit summaries, most recently ended first.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]*model.HistoryRecord, error) {
	if limit <= 0 {
		limit = s.cfg.RecentLimit
	}
	query := `
		SELECT session_id, host_id, started_at, ended_at, duration_ms, command_count, status, last_command
		FROM history_records
		ORDER BY ended_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history records: %w", err)
	}
	defer rows.Close()

	var records []*model.HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history records: %w", err)
	}

	return records, nil
}

// ListCommands retrieves a session's command log, oldest first.
func (s *Store) ListCommands(ctx context.Context, sessionID string) ([]*model.CommandEntry, error) {
	query := `
		SELECT session_id, text, created_at
		FROM command_entries
		WHERE session_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var entries []*model.CommandEntry
	for rows.Next() {
		entry := &model.CommandEntry{}
		if err := rows.Scan(&entry.SessionID, &entry.Text, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command entries: %w", err)
	}

	return entries, nil
}

// ComputeStatistics derives usage statistics on demand. It is best-effort:
// a failing sub-query leaves its field zero and is logged, so callers
// always get a usable (possibly partial) result. activeSessions is the
// caller's count of tabs with a live session; it is not persisted.
func (s *Store) ComputeStatistics(ctx context.Context, activeSessions int) *model.Statistics {
	stats := &model.Statistics{ActiveSessions: activeSessions}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history_records`).Scan(&stats.TotalSessions); err != nil {
		log.Printf("history: failed to count sessions: %v", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_entries`).Scan(&stats.TotalCommands); err != nil {
		log.Printf("history: failed to count commands: %v", err)
	}

	// Zero durations (sessions that never connected) are excluded from the
	// average rather than dragging it down.
	var avgMS sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM history_records WHERE duration_ms > 0`).Scan(&avgMS); err != nil {
		log.Printf("history: failed to average durations: %v", err)
	} else if avgMS.Valid {
		stats.AverageDuration = time.Duration(avgMS.Float64) * time.Millisecond
	}

	if hosts, err := s.topHosts(ctx); err != nil {
		log.Printf("history: failed to rank hosts: %v", err)
	} else {
		stats.TopHosts = hosts
	}

	if recent, err := s.ListRecords(ctx, s.cfg.RecentLimit); err != nil {
		log.Printf("history: failed to list recent records: %v", err)
	} else {
		stats.Recent = recent
	}

	return stats
}

// Cleanup deletes records that ended before now-maxAge together with their
// command entries, in one transaction. It returns the number of removed
// records and is idempotent.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM command_entries
		WHERE session_id IN (SELECT session_id FROM history_records WHERE ended_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete expired commands: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM history_records WHERE ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	return int(removed), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.HistoryRecord, error) {
	rec := &model.HistoryRecord{}
	var durationMS int64
	var lastCommand sql.NullString

	err := row.Scan(
		&rec.SessionID,
		&rec.HostID,
		&rec.StartedAt,
		&rec.EndedAt,
		&durationMS,
		&rec.CommandCount,
		&rec.Status,
		&lastCommand,
	)
	if err != nil {
		return nil, err
	}

	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if lastCommand.Valid {
		rec.LastCommand = lastCommand.String
	}
	return rec, nil
}

func (s *Store) topHosts(ctx context.Context) ([]model.HostUsage, error) {
	query := `
		SELECT host_id, COUNT(*) AS sessions
		FROM history_records
		GROUP BY host_id
		ORDER BY sessions DESC, host_id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, s.cfg.TopHosts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []model.HostUsage
	for rows.Next() {
		var usage model.HostUsage
		if err := rows.Scan(&usage.HostID, &usage.Sessions); err != nil {
			return nil, err
		}
		hosts = append(hosts, usage)
	}
	return hosts, rows.Err()
}
