package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id          TEXT PRIMARY KEY,
	creator_user_id  INTEGER NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	is_video_enabled INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER
);
CREATE INDEX IF NOT EXISTS ix_calls_status_expires ON calls(status, expires_at);

CREATE TABLE IF NOT EXISTS participants (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id            TEXT NOT NULL,
	user_id            INTEGER NOT NULL,
	joined_at          INTEGER NOT NULL,
	left_at            INTEGER,
	leave_reason       TEXT NOT NULL DEFAULT '',
	reconnect_deadline INTEGER
);
CREATE INDEX IF NOT EXISTS ix_participants_call_user ON participants(call_id, user_id);
`

// Store persists calls and participation history in a SQLite database.
// Timestamps are stored as unix nanoseconds.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single writer, avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toNullInt(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullInt(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func (s *Store) CreateCall(ctx context.Context, call *model.Call) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO calls (call_id, creator_user_id, title, is_video_enabled, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(call.ID), int64(call.CreatorID), call.Title, call.VideoEnabled,
		string(call.Status), call.CreatedAt.UnixNano(), toNullInt(call.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	if n == 0 {
		return storage.ErrCallExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*model.Call, error) {
	var (
		call      model.Call
		id        string
		creator   int64
		status    string
		createdAt int64
		expiresAt sql.NullInt64
	)
	if err := row.Scan(&id, &creator, &call.Title, &call.VideoEnabled, &status, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	call.ID = model.CallID(id)
	call.CreatorID = model.UserID(creator)
	call.Status = model.CallStatus(status)
	call.CreatedAt = time.Unix(0, createdAt)
	call.ExpiresAt = fromNullInt(expiresAt)
	return &call, nil
}

const selectCall = `SELECT call_id, creator_user_id, title, is_video_enabled, status, created_at, expires_at FROM calls`

func (s *Store) GetCall(ctx context.Context, callID model.CallID) (*model.Call, error) {
	call, err := scanCall(s.db.QueryRowContext(ctx, selectCall+` WHERE call_id = ?`, string(callID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select call: %w", err)
	}
	return call, nil
}

func (s *Store) SetCallStatus(ctx context.Context, callID model.CallID, status model.CallStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET status = ? WHERE call_id = ?`, string(status), string(callID))
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n == 0 {
		return storage.ErrCallNotFound
	}
	return nil
}

func (s *Store) ListExpiredCalls(ctx context.Context, now time.Time) ([]model.Call, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCall+` WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(model.CallStatusActive), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("select expired calls: %w", err)
	}
	defer rows.Close()

	var out []model.Call
	for rows.Next() {
		call, errS := scanCall(rows)
		if errS != nil {
			return nil, fmt.Errorf("scan call: %w", errS)
		}
		out = append(out, *call)
	}
	return out, rows.Err()
}

func (s *Store) RecordJoin(ctx context.Context, callID model.CallID, userID model.UserID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (call_id, user_id, joined_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM participants WHERE call_id = ? AND user_id = ? AND left_at IS NULL
		)`,
		string(callID), int64(userID), at.UnixNano(), string(callID), int64(userID))
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *Store) RecordReconnecting(ctx context.Context, callID model.CallID, userID model.UserID, deadline time.Time) error {
	return s.updateOpen(ctx, `reconnect_deadline = ?`, callID, userID, deadline.UnixNano())
}

func (s *Store) RecordReconnected(ctx context.Context, callID model.CallID, userID model.UserID, _ time.Time) error {
	return s.updateOpen(ctx, `reconnect_deadline = NULL`, callID, userID)
}

func (s *Store) RecordLeave(ctx context.Context, callID model.CallID, userID model.UserID, reason string, at time.Time) error {
	return s.updateOpen(ctx, `left_at = ?, leave_reason = ?, reconnect_deadline = NULL`, callID, userID, at.UnixNano(), reason)
}

func (s *Store) updateOpen(ctx context.Context, set string, callID model.CallID, userID model.UserID, args ...any) error {
	args = append(args, string(callID), int64(userID))
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET `+set+` WHERE call_id = ? AND user_id = ? AND left_at IS NULL`,
		args...)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	return nil
}

func (s *Store) ListParticipations(ctx context.Context, callID model.CallID) ([]model.Participation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, joined_at, left_at, leave_reason, reconnect_deadline
		FROM participants WHERE call_id = ? ORDER BY id`, string(callID))
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()

	var out []model.Participation
	for rows.Next() {
		var (
			userID   int64
			joinedAt int64
			leftAt   sql.NullInt64
			deadline sql.NullInt64
			p        = model.Participation{CallID: callID}
		)
		if err = rows.Scan(&userID, &joinedAt, &leftAt, &p.LeaveReason, &deadline); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.UserID = model.UserID(userID)
		p.JoinedAt = time.Unix(0, joinedAt)
		p.LeftAt = fromNullInt(leftAt)
		p.ReconnectDeadline = fromNullInt(deadline)
		out = append(out, p)
	}
	return out, rows.Err()
}
