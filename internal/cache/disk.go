package cache

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

const diskSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

// DiskTier persists entries in a local SQLite database: the largest and
// slowest tier, surviving process restarts.
type DiskTier struct {
	db  *sql.DB
	now func() time.Time
}

func NewDiskTier(path string) (*DiskTier, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(diskSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DiskTier{db: db, now: time.Now}, nil
}

func (d *DiskTier) Name() string { return TierDisk }

func (d *DiskTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := d.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if d.now().Unix() >= expiresAt {
		_, _ = d.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
		return nil, false, nil
	}
	return value, true, nil
}

func (d *DiskTier) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := d.now()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, value, now.Unix(), now.Add(ttl).Unix(),
	)
	return err
}

// Prune removes expired entries. Called periodically by the owner.
func (d *DiskTier) Prune(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", d.now().Unix())
	return err
}

func (d *DiskTier) Close() error {
	return d.db.Close()
}
