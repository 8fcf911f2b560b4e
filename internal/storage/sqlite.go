package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "chatrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	defaultBusyTimeout  = 5 * time.Second
	defaultMaxOpenConns = 10
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = defaultMaxOpenConns
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Int("max_open_conns", conns), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, c Candidate) (Message, error) {
	c = c.Normalize()
	if err := c.Check(); err != nil {
		return Message{}, err
	}
	// The insert commits only after the row has been read back, so a
	// canceled ctx leaves no record the caller was told failed.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	// RETURNING hands back the row exactly as stored, including the
	// database-assigned id and created_at.
	row := tx.QueryRowContext(ctx,
		`INSERT INTO messages(sender_name, content, display_color) VALUES(?,?,?)
		 RETURNING id, sender_name, content, display_color, created_at`,
		c.SenderName, c.Content, c.DisplayColor,
	)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, storageErr("append", err)
	}
	return m, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_name, content, display_color, created_at FROM messages ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

func (s *sqliteStore) LastID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&id); err != nil {
		return 0, storageErr("last_id", err)
	}
	return id, nil
}

func (s *sqliteStore) Maintain(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize; PRAGMA wal_checkpoint(PASSIVE);`)
	return storageErr("maintain", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m       Message
		created string
	)
	if err := r.Scan(&m.ID, &m.SenderName, &m.Content, &m.DisplayColor, &created); err != nil {
		return Message{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Message{}, fmt.Errorf("created_at %q: %w", created, err)
	}
	m.CreatedAt = at.UTC()
	return m, nil
}
