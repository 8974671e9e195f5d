package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-hub.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	store      TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	meta       TEXT NOT NULL,
	body       BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (store, cache_key)
);
CREATE INDEX IF NOT EXISTS entries_store_stored_at ON entries (store, stored_at);
`

// NewSQLiteStorage 打开（或创建）StoragePath 下的 SQLite 数据库作为缓存后端。
func NewSQLiteStorage(basePath string) (*Storage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := "file:" + filepath.Join(abs, SQLiteFileName) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return newStorage(&sqliteStore{db: db}, "sqlite"), nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) createStore(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stores (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("create store: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) hasStore(ctx context.Context, name string) (bool, error) {
	return storeExistsQuery(ctx, s.db, name)
}

func (s *sqliteStore) storeNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM stores ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) deleteStore(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, fmt.Errorf("delete store entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) getEntry(ctx context.Context, store, key string) (*record, error) {
	exists, err := storeExistsQuery(ctx, s.db, store)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrStoreNotFound
	}

	var (
		meta string
		body []byte
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT meta, body FROM entries WHERE store = ? AND cache_key = ?`, store, key).
		Scan(&meta, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(meta), &rec); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	rec.Body = body
	return &rec, nil
}

func (s *sqliteStore) putEntry(ctx context.Context, store string, rec *record) error {
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	body := rec.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := storeExistsQuery(ctx, tx, store)
	if err != nil {
		return err
	}
	if !exists {
		return ErrStoreNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (store, cache_key, meta, body, stored_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(store, cache_key) DO UPDATE SET
		   meta = excluded.meta,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		store, rec.Key, string(meta), body, rec.StoredAt.UTC().UnixNano()); err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) removeEntry(ctx context.Context, store, key string) (bool, error) {
	exists, err := storeExistsQuery(ctx, s.db, store)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrStoreNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE store = ? AND cache_key = ?`, store, key)
	if err != nil {
		return false, fmt.Errorf("remove entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) entryKeys(ctx context.Context, store string) ([]string, error) {
	exists, err := storeExistsQuery(ctx, s.db, store)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrStoreNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key FROM entries WHERE store = ? ORDER BY stored_at, cache_key`, store)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func storeExistsQuery(ctx context.Context, q queryRower, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM stores WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup store: %w", err)
	}
	return true, nil
}
