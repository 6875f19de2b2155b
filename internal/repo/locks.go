package repo

import (
	"context"
	"database/sql"
	"time"
)

// TryLock sets key to value until expiresAt if the key is absent or expired.
func (r Repo) TryLock(ctx context.Context, key, value string, now, expiresAt time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO locks(key, value, expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at WHERE locks.expires_at <= ?`,
		key, value, expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PutLock sets key unconditionally.
func (r Repo) PutLock(ctx context.Context, key, value string, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO locks(key, value, expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, expiresAt.UnixMilli())
	return err
}

// GetLock returns the live value of key.
func (r Repo) GetLock(ctx context.Context, key string, now time.Time) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM locks WHERE key=? AND expires_at > ?`, key, now.UnixMilli()).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

// DeleteLock removes key. A non-empty value restricts deletion to that holder.
func (r Repo) DeleteLock(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE key=?`, key)
		return err
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE key=? AND value=?`, key, value)
	return err
}

// PurgeLocks drops expired keys.
func (r Repo) PurgeLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
