package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/store"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	format   INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
	username BLOB PRIMARY KEY,
	password BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	username BLOB NOT NULL REFERENCES accounts(username) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	id       TEXT NOT NULL,
	sender   BLOB NOT NULL,
	content  BLOB NOT NULL,
	read     INTEGER NOT NULL,
	sent_at  INTEGER NOT NULL,
	PRIMARY KEY (username, position)
);
`

// SQLitePersister stores the snapshot in a local SQLite database. Times are
// kept as Unix microseconds, the precision the store normalizes to.
type SQLitePersister struct {
	db *sql.DB
}

func NewSQLitePersister(ctx context.Context, path string) (*SQLitePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time; SQLite serializes them anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Storage: failed to enable WAL", "path", path, "error", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	logger.Info("Storage: using sqlite database", "path", path)
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Load(ctx context.Context) (*store.Snapshot, error) {
	snap := &store.Snapshot{Accounts: make(map[string]store.AccountRecord)}

	var savedAt int64
	err := p.db.QueryRowContext(ctx, `SELECT format, checksum, saved_at FROM snapshot_meta WHERE id = 1`).
		Scan(&snap.Format, &snap.Checksum, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}
	snap.SavedAt = time.UnixMicro(savedAt).UTC()

	rows, err := p.db.QueryContext(ctx, `SELECT username, password FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	for rows.Next() {
		var name, password []byte
		if err := rows.Scan(&name, &password); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		snap.Accounts[string(name)] = store.AccountRecord{Password: string(password), Messages: []store.MessageRecord{}}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}

	rows, err = p.db.QueryContext(ctx,
		`SELECT username, id, sender, content, read, sent_at FROM messages ORDER BY username, position`)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name    []byte
			m       store.MessageRecord
			sender  []byte
			content []byte
			read    int
			sentAt  int64
		)
		if err := rows.Scan(&name, &m.ID, &sender, &content, &read, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sender = string(sender)
		m.Content = string(content)
		m.Read = read != 0
		m.SentAt = time.UnixMicro(sentAt).UTC()

		rec, ok := snap.Accounts[string(name)]
		if !ok {
			return nil, fmt.Errorf("message %s belongs to unknown account %q", m.ID, name)
		}
		rec.Messages = append(rec.Messages, m)
		snap.Accounts[string(name)] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	snap.Upgrade()
	return snap, nil
}

// Save replaces the stored snapshot in one transaction.
func (p *SQLitePersister) Save(ctx context.Context, snap *store.Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM messages`, `DELETE FROM accounts`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}

	insAccount, err := tx.PrepareContext(ctx, `INSERT INTO accounts (username, password) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer insAccount.Close()
	insMessage, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (username, position, id, sender, content, read, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insMessage.Close()

	for name, rec := range snap.Accounts {
		if _, err := insAccount.ExecContext(ctx, []byte(name), []byte(rec.Password)); err != nil {
			return fmt.Errorf("failed to insert account %q: %w", name, err)
		}
		for i, m := range rec.Messages {
			read := 0
			if m.Read {
				read = 1
			}
			if _, err := insMessage.ExecContext(ctx, []byte(name), i, m.ID, []byte(m.Sender), []byte(m.Content), read, m.SentAt.UnixMicro()); err != nil {
				return fmt.Errorf("failed to insert message for %q: %w", name, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (id, format, checksum, saved_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET format = excluded.format, checksum = excluded.checksum, saved_at = excluded.saved_at`,
		snap.Format, snap.Checksum, snap.SavedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}
	return tx.Commit()
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
