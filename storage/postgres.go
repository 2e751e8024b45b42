package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/store"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// PostgresPersister stores the snapshot in three tables. Concurrent savers
// (two daemons pointed at one database by mistake) are serialized by a
// transaction-scoped advisory lock.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

func NewPostgresPersister(ctx context.Context, cfg config.PostgresStorageConfig) (*PostgresPersister, error) {
	dsn := cfg.DSN()
	logger.Info("Storage: connecting to postgres", "host", cfg.Host, "port", cfg.Port, "user", cfg.User, "db", cfg.Name)

	if cfg.AutoMigrate {
		if err := MigrateUp(ctx, dsn); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return &PostgresPersister{pool: pool}, nil
}

func (p *PostgresPersister) Load(ctx context.Context) (*store.Snapshot, error) {
	snap := &store.Snapshot{Accounts: make(map[string]store.AccountRecord)}

	err := p.pool.QueryRow(ctx, `SELECT format, checksum, saved_at FROM chat_snapshot_meta WHERE id = 1`).
		Scan(&snap.Format, &snap.Checksum, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	rows, err := p.pool.Query(ctx, `SELECT username, password FROM chat_accounts`)
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

	rows, err = p.pool.Query(ctx,
		`SELECT username, id::text, sender, content, read, sent_at FROM chat_messages ORDER BY username, position`)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name    []byte
			sender  []byte
			content []byte
			m       store.MessageRecord
		)
		if err := rows.Scan(&name, &m.ID, &sender, &content, &m.Read, &m.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sender = string(sender)
		m.Content = string(content)

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

func (p *PostgresPersister) Save(ctx context.Context, snap *store.Snapshot) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, consts.SnapshotAdvisoryLockID); err != nil {
		return fmt.Errorf("failed to acquire snapshot lock: %w", err)
	}
	if _, err := tx.Exec(ctx, `TRUNCATE chat_messages, chat_accounts`); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	accounts := make([][]any, 0, len(snap.Accounts))
	var messages [][]any
	for name, rec := range snap.Accounts {
		accounts = append(accounts, []any{[]byte(name), []byte(rec.Password)})
		for i, m := range rec.Messages {
			id, err := uuid.Parse(m.ID)
			if err != nil {
				return fmt.Errorf("message id %q for %q is not a uuid: %w", m.ID, name, err)
			}
			messages = append(messages, []any{[]byte(name), int32(i), [16]byte(id), []byte(m.Sender), []byte(m.Content), m.Read, m.SentAt})
		}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"chat_accounts"}, []string{"username", "password"}, pgx.CopyFromRows(accounts)); err != nil {
		return fmt.Errorf("failed to copy accounts: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"chat_messages"},
		[]string{"username", "position", "id", "sender", "content", "read", "sent_at"},
		pgx.CopyFromRows(messages)); err != nil {
		return fmt.Errorf("failed to copy messages: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_snapshot_meta (id, format, checksum, saved_at) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET format = EXCLUDED.format, checksum = EXCLUDED.checksum, saved_at = EXCLUDED.saved_at`,
		snap.Format, snap.Checksum, snap.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresPersister) Close() error {
	p.pool.Close()
	return nil
}

// NewMigrator opens a golang-migrate instance over the embedded migrations.
// The caller closes the returned *sql.DB.
func NewMigrator(ctx context.Context, dsn string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}
	return m, sqlDB, nil
}

// MigrateUp applies pending migrations while holding the migration
// advisory lock.
func MigrateUp(ctx context.Context, dsn string) error {
	m, sqlDB, err := NewMigrator(ctx, dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	release, err := AcquireMigrationLock(ctx, sqlDB)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// AcquireMigrationLock takes the session advisory lock that keeps two
// migrators apart. The returned func releases it.
func AcquireMigrationLock(ctx context.Context, db *sql.DB) (func(), error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for advisory lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("could not acquire migration lock; is another migration running?")
	}
	logger.Debug("Storage: acquired migration lock")

	return func() {
		var unlocked bool
		if err := conn.QueryRowContext(context.Background(), "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
			logger.Warn("Storage: failed to release migration lock", "error", err)
		}
		conn.Close()
	}, nil
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (migrationLogger) Verbose() bool {
	return false
}
