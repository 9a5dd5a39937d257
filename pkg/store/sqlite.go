package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/pairchat/pkg/room"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile enables WAL and a busy timeout so the history endpoint can
// read while messages are appended.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_first_name TEXT NOT NULL DEFAULT '',
			sender_last_name TEXT NOT NULL DEFAULT '',
			recipient_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			client_message_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS messages_room_created
			ON messages(room_id, created_at_ms, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_room_client_id
			ON messages(room_id, client_message_id) WHERE client_message_id <> ''`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec, err := normalizeRecord(rec, time.Now())
	if err != nil {
		return Record{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (
			id, room_id, sender_id, sender_first_name, sender_last_name,
			recipient_id, text, created_at_ms, client_message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RoomID.String(), rec.SenderID, rec.SenderFirstName, rec.SenderLastName,
		rec.RecipientID, rec.Text, rec.CreatedAt.UnixMilli(), rec.ClientMessageID)
	if err != nil {
		return Record{}, errors.Wrap(err, "sqlite store: insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, errors.Wrap(err, "sqlite store: rows affected")
	}
	if n == 1 {
		return rec, nil
	}
	if rec.ClientMessageID == "" {
		return Record{}, errors.Errorf("sqlite store: message id %q already exists", rec.ID)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM messages
		WHERE room_id = ? AND client_message_id = ?
	`, rec.RoomID.String(), rec.ClientMessageID)
	existing, err := scanRecord(row)
	if err != nil {
		return Record{}, errors.Wrap(err, "sqlite store: load existing message")
	}
	return existing, nil
}

func (s *SQLiteStore) List(ctx context.Context, roomID room.ID, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM (
			SELECT * FROM messages
			WHERE room_id = ?
			ORDER BY created_at_ms DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at_ms ASC, seq ASC
	`, roomID.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query messages")
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0, 64)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const recordColumns = `id, room_id, sender_id, sender_first_name, sender_last_name,
	recipient_id, text, created_at_ms, client_message_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec       Record
		roomID    string
		createdMs int64
	)
	if err := sc.Scan(
		&rec.ID,
		&roomID,
		&rec.SenderID,
		&rec.SenderFirstName,
		&rec.SenderLastName,
		&rec.RecipientID,
		&rec.Text,
		&createdMs,
		&rec.ClientMessageID,
	); err != nil {
		return Record{}, err
	}
	rec.RoomID = room.ID(roomID)
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	return rec, nil
}
