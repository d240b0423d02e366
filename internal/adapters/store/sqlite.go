// Package store persists notifications in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dkeye/heartline/internal/app/notify"
	"github.com/dkeye/heartline/internal/domain"
)

var _ notify.Store = (*SQLite)(nil)

// SQLite is the durable notification store.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLITE_BUSY away under concurrent dispatches.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id           TEXT PRIMARY KEY,
			recipient    TEXT NOT NULL,
			kind         TEXT NOT NULL,
			fields       TEXT NOT NULL DEFAULT '{}',
			created_at   INTEGER NOT NULL,
			delivered_at INTEGER,
			read_at      INTEGER
		);
		CREATE INDEX IF NOT EXISTS notifications_unread
			ON notifications (recipient, read_at, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create notifications table: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Save(ctx context.Context, n domain.Notification) (domain.NotificationID, error) {
	fields := n.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	id := n.ID
	if id == "" {
		id = domain.NotificationID(uuid.NewString())
	}
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient, kind, fields, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(id), string(n.Recipient), string(n.Kind), string(raw), created.UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}

func (s *SQLite) ListUnread(ctx context.Context, uid domain.UserID) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, kind, fields, created_at, delivered_at
		FROM notifications
		WHERE recipient = ? AND read_at IS NULL
		ORDER BY created_at, id`, string(uid))
	if err != nil {
		return nil, fmt.Errorf("query unread: %w", err)
	}
	defer rows.Close()

	out := []domain.Notification{}
	for rows.Next() {
		var (
			n         domain.Notification
			raw       string
			created   int64
			delivered sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Kind, &raw, &created, &delivered); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &n.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", n.ID, err)
		}
		n.CreatedAt = time.UnixMilli(created).UTC()
		n.Delivered = delivered.Valid
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkDelivered(ctx context.Context, id domain.NotificationID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		time.Now().UnixMilli(), string(id))
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *SQLite) MarkRead(ctx context.Context, uid domain.UserID, id domain.NotificationID) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET read_at = COALESCE(read_at, ?), delivered_at = COALESCE(delivered_at, ?)
		WHERE id = ? AND recipient = ?`,
		now, now, string(id), string(uid))
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n == 0 {
		return notify.ErrNotificationNotFound
	}
	return nil
}
