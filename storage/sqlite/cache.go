// Package sqlite provides a SQLite implementation of synckit.LocalCache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/go-record-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/synckit"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// Operation constants for consistent error reporting
const (
	opGet        = "sqlite.Get"
	opPut        = "sqlite.Put"
	opDelete     = "sqlite.Delete"
	opList       = "sqlite.ListPendingMutations"
	opCount      = "sqlite.PendingCount"
	opEnqueue    = "sqlite.EnqueueMutation"
	opDequeue    = "sqlite.DequeueMutation"
	opRekey      = "sqlite.RekeyMutations"
	opStage      = "sqlite.Stage"
	opApply      = "sqlite.ApplyRemote"
	opAck        = "sqlite.AckMutation"
	opGetCursor  = "sqlite.GetCursor"
	opSetCursor  = "sqlite.SetCursor"
	opLastSync   = "sqlite.LastSyncAt"
	opSetLastSyn = "sqlite.SetLastSyncAt"
)

const (
	metaCursor   = "cursor"
	metaLastSync = "last_sync_at"
)

// ErrCacheClosed is returned by every method after Close.
var ErrCacheClosed = errors.New("cache is closed")

// Config holds configuration options for the SQLite cache.
//
// Defaults: WAL journal, immediate write transactions, a five second busy
// timeout and a pool of 25 open / 5 idle connections.
type Config struct {
	// DataSourceName is a file path or sqlite3 DSN, e.g. "file:cache.db".
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to DataSourceName.
	EnableWAL bool

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration

	// Logger defaults to the package logging default.
	Logger *slog.Logger

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component)).Logger
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// dsn renders the driver connection string with the configured pragmas.
func (c *Config) dsn() string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// DefaultConfig returns a Config with WAL enabled for dataSourceName.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Cache implements synckit.LocalCache on a SQLite database.
type Cache struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger
}

// Compile-time check to ensure Cache satisfies the LocalCache interface
var _ synckit.LocalCache = (*Cache)(nil)

// Open is a convenience constructor using DefaultConfig.
func Open(dataSourceName string) (*Cache, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the schema if needed.
func New(config *Config) (*Cache, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.Debug("Opening SQLite cache",
		"data_source", config.DataSourceName,
		"wal_enabled", config.EnableWAL)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	c := &Cache{db: db, logger: logger}
	if err := c.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return c, nil
}

func (c *Cache) setupSchema() error {
	_, err := c.db.Exec(`
    CREATE TABLE IF NOT EXISTS records (
        key          TEXT PRIMARY KEY,
        record_type  TEXT NOT NULL,
        payload      BLOB,
        content_hash TEXT NOT NULL DEFAULT '',
        version      INTEGER NOT NULL DEFAULT 0,
        pending_sync INTEGER NOT NULL DEFAULT 0,
        updated_at   INTEGER NOT NULL DEFAULT 0
    );
    CREATE TABLE IF NOT EXISTS pending_mutations (
        seq          INTEGER PRIMARY KEY AUTOINCREMENT,
        id           TEXT NOT NULL UNIQUE,
        key          TEXT NOT NULL,
        record_type  TEXT NOT NULL,
        op           TEXT NOT NULL,
        payload      BLOB,
        enqueued_at  INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_pending_key ON pending_mutations (key);
    CREATE TABLE IF NOT EXISTS sync_meta (
        name  TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );
    `)
	return err
}

func (c *Cache) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCacheClosed
	}
	return nil
}

func wrap(err error, op string) error {
	return syncErrors.WrapOpComponentKind(err, op, component, syncErrors.KindStorage)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a write transaction.
func (c *Cache) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, op)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return wrap(err, op)
	}
	if err = tx.Commit(); err != nil {
		return wrap(err, op)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) (*synckit.CachedRecord, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := getRecord(ctx, c.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, synckit.ErrCacheMiss
	}
	if err != nil {
		return nil, wrap(err, opGet)
	}
	return rec, nil
}

func getRecord(ctx context.Context, q querier, key string) (*synckit.CachedRecord, error) {
	var (
		rec     synckit.CachedRecord
		payload []byte
		pending int
		updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT key, record_type, payload, content_hash, version, pending_sync, updated_at FROM records WHERE key = ?`, key).
		Scan(&rec.Key, &rec.RecordType, &payload, &rec.ContentHash, &rec.Version, &pending, &updated)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.PendingSync = pending != 0
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

func putRecord(ctx context.Context, q querier, rec synckit.CachedRecord) error {
	_, err := q.ExecContext(ctx, `
        INSERT INTO records (key, record_type, payload, content_hash, version, pending_sync, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            record_type = excluded.record_type,
            payload = excluded.payload,
            content_hash = excluded.content_hash,
            version = excluded.version,
            pending_sync = excluded.pending_sync,
            updated_at = excluded.updated_at`,
		rec.Key, rec.RecordType, []byte(rec.Payload), rec.ContentHash, rec.Version, boolInt(rec.PendingSync), toNanos(rec.UpdatedAt))
	return err
}

func (c *Cache) Put(ctx context.Context, rec synckit.CachedRecord) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return wrap(putRecord(ctx, c.db, rec), opPut)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	return wrap(err, opDelete)
}

func (c *Cache) ListPendingMutations(ctx context.Context) ([]synckit.PendingMutation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, key, record_type, op, payload, enqueued_at FROM pending_mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, wrap(err, opList)
	}
	defer rows.Close()

	var out []synckit.PendingMutation
	for rows.Next() {
		var (
			m        synckit.PendingMutation
			op       string
			payload  []byte
			enqueued int64
		)
		if err := rows.Scan(&m.ID, &m.Key, &m.RecordType, &op, &payload, &enqueued); err != nil {
			return nil, wrap(err, opList)
		}
		m.Payload = payload
		m.Op = synckit.Action(op)
		m.EnqueuedAt = fromNanos(enqueued)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, opList)
	}
	return out, nil
}

func (c *Cache) PendingCount(ctx context.Context) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, wrap(err, opCount)
	}
	return n, nil
}

func enqueue(ctx context.Context, q querier, m synckit.PendingMutation) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO pending_mutations (id, key, record_type, op, payload, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Key, m.RecordType, string(m.Op), []byte(m.Payload), toNanos(m.EnqueuedAt))
	return err
}

func (c *Cache) EnqueueMutation(ctx context.Context, m synckit.PendingMutation) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return wrap(enqueue(ctx, c.db, m), opEnqueue)
}

func (c *Cache) DequeueMutation(ctx context.Context, id string) error {
	return c.inTx(ctx, opDequeue, func(tx *sql.Tx) error {
		var key string
		err := tx.QueryRowContext(ctx, `DELETE FROM pending_mutations WHERE id = ? RETURNING key`, id).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		return settle(ctx, tx, key)
	})
}

func (c *Cache) RekeyMutations(ctx context.Context, oldKey, newKey string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `UPDATE pending_mutations SET key = ? WHERE key = ?`, newKey, oldKey)
	return wrap(err, opRekey)
}

func (c *Cache) Stage(ctx context.Context, m synckit.PendingMutation, edit synckit.EditFunc) error {
	var editErr error
	err := c.inTx(ctx, opStage, func(tx *sql.Tx) error {
		cur, err := currentRecord(ctx, tx, m.Key)
		if err != nil {
			return err
		}
		rec, err := edit(cur)
		if err != nil {
			editErr = err
			return err
		}
		if rec != nil {
			next := *rec
			next.Key = m.Key
			next.PendingSync = true
			if err := putRecord(ctx, tx, next); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, m.Key); err != nil {
			return err
		}
		return enqueue(ctx, tx, m)
	})
	if editErr != nil {
		return editErr
	}
	return err
}

func (c *Cache) ApplyRemote(ctx context.Context, key string, resolve synckit.EditFunc) (*synckit.CachedRecord, error) {
	var (
		stored     *synckit.CachedRecord
		resolveErr error
	)
	err := c.inTx(ctx, opApply, func(tx *sql.Tx) error {
		cur, err := currentRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		rec, err := resolve(cur)
		if err != nil {
			resolveErr = err
			return err
		}
		if rec == nil {
			return nil
		}
		next := *rec
		next.Key = key
		if err := putRecord(ctx, tx, next); err != nil {
			return err
		}
		if err := settle(ctx, tx, key); err != nil {
			return err
		}
		stored, err = getRecord(ctx, tx, key)
		return err
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// currentRecord is getRecord with a missing key reported as nil.
func currentRecord(ctx context.Context, q querier, key string) (*synckit.CachedRecord, error) {
	rec, err := getRecord(ctx, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (c *Cache) AckMutation(ctx context.Context, ack synckit.Ack) error {
	return c.inTx(ctx, opAck, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, ack.MutationID); err != nil {
			return err
		}

		key := ack.Key
		switch ack.Action {
		case synckit.ActionDelete:
			_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
			return err
		case synckit.ActionCreate:
			if ack.CanonicalKey != "" && ack.CanonicalKey != key {
				if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, ack.CanonicalKey); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `UPDATE records SET key = ? WHERE key = ?`, ack.CanonicalKey, key); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `UPDATE pending_mutations SET key = ? WHERE key = ?`, ack.CanonicalKey, key); err != nil {
					return err
				}
				key = ack.CanonicalKey
			}
		}

		_, err := tx.ExecContext(ctx, `
            UPDATE records SET
                version = ?,
                content_hash = CASE WHEN ? = '' THEN content_hash ELSE ? END,
                updated_at = CASE WHEN ? = 0 THEN updated_at ELSE ? END
            WHERE key = ?`,
			ack.Version, ack.ContentHash, ack.ContentHash, toNanos(ack.UpdatedAt), toNanos(ack.UpdatedAt), key)
		if err != nil {
			return err
		}
		return settle(ctx, tx, key)
	})
}

// settle recomputes pending_sync for key from the queue.
func settle(ctx context.Context, q querier, key string) error {
	_, err := q.ExecContext(ctx, `
        UPDATE records SET pending_sync = EXISTS (SELECT 1 FROM pending_mutations WHERE key = ?)
        WHERE key = ?`, key, key)
	return err
}

func (c *Cache) GetCursor(ctx context.Context) (cursor.Cursor, error) {
	raw, err := c.getMeta(ctx, metaCursor, opGetCursor)
	if err != nil {
		return nil, err
	}
	cur, err := cursor.Decode(raw)
	if err != nil {
		return nil, wrap(err, opGetCursor)
	}
	return cur, nil
}

func (c *Cache) SetCursor(ctx context.Context, cur cursor.Cursor) error {
	raw, err := cursor.Encode(cur)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opSetCursor, component, syncErrors.KindInvalid)
	}
	return c.setMeta(ctx, metaCursor, raw, opSetCursor)
}

func (c *Cache) LastSyncAt(ctx context.Context) (time.Time, error) {
	raw, err := c.getMeta(ctx, metaLastSync, opLastSync)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, wrap(err, opLastSync)
	}
	return t, nil
}

func (c *Cache) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return c.setMeta(ctx, metaLastSync, t.UTC().Format(time.RFC3339Nano), opSetLastSyn)
}

func (c *Cache) getMeta(ctx context.Context, name, op string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrap(err, op)
	}
	return value, nil
}

func (c *Cache) setMeta(ctx context.Context, name, value, op string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO sync_meta (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value)
	return wrap(err, op)
}

// Stats returns database statistics for monitoring
func (c *Cache) Stats() sql.DBStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return sql.DBStats{}
	}
	return c.db.Stats()
}

// Close closes the database connection.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
