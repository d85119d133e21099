// Package storage keeps the gate's host-channel table in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/hostline/internal/admission"
)

const timeLayout = "2006-01-02 15:04:05"

// DB wraps the SQLite database behind the admission gate.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

var _ admission.Backend = (*DB)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS host_channels (
			channel_id    TEXT PRIMARY KEY,
			host_id       TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'open',
			paired_caller TEXT NOT NULL DEFAULT '',
			session_id    TEXT NOT NULL DEFAULT '',
			updated_at    TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create host_channels: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) OpenHostChannel(ctx context.Context, channelID, hostID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO host_channels (channel_id, host_id, status, paired_caller, session_id, updated_at)
		VALUES (?, ?, 'open', '', '', CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id) DO UPDATE SET
			host_id       = excluded.host_id,
			status        = 'open',
			paired_caller = '',
			session_id    = '',
			updated_at    = CURRENT_TIMESTAMP`,
		channelID, hostID)
	return err
}

func (d *DB) LookupHost(ctx context.Context, channelID string) (admission.HostChannel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var h admission.HostChannel
	var status, updated string
	err := d.db.QueryRowContext(ctx, `
		SELECT channel_id, host_id, status, paired_caller, session_id, updated_at
		FROM host_channels WHERE channel_id = ?`, channelID).
		Scan(&h.ChannelID, &h.HostID, &status, &h.PairedCaller, &h.SessionID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return admission.HostChannel{}, admission.ErrHostNotFound
	}
	if err != nil {
		return admission.HostChannel{}, err
	}
	h.Status = admission.HostStatus(status)
	h.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return h, nil
}

// AttachCaller only claims an open, unpaired row, so a repeat from the same
// caller leaves the session id alone.
func (d *DB) AttachCaller(ctx context.Context, channelID, callerID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		UPDATE host_channels
		SET paired_caller = ?, session_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE channel_id = ? AND status = 'open' AND paired_caller = ''`,
		callerID, sessionID, channelID)
	return err
}

func (d *DB) DetachCaller(ctx context.Context, channelID, callerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		UPDATE host_channels
		SET paired_caller = '', session_id = '', updated_at = CURRENT_TIMESTAMP
		WHERE channel_id = ? AND paired_caller = ?`,
		channelID, callerID)
	return err
}

func (d *DB) CloseHostChannel(ctx context.Context, channelID string, status admission.HostStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE host_channels SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE channel_id = ?`, string(status), channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return admission.ErrHostNotFound
	}
	return nil
}

// ListOpen returns the channels currently accepting callers.
func (d *DB) ListOpen(ctx context.Context) ([]admission.HostChannel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT channel_id, host_id, status, paired_caller, session_id, updated_at
		FROM host_channels WHERE status = 'open' ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []admission.HostChannel
	for rows.Next() {
		var h admission.HostChannel
		var status, updated string
		if err := rows.Scan(&h.ChannelID, &h.HostID, &status, &h.PairedCaller, &h.SessionID, &updated); err != nil {
			return nil, err
		}
		h.Status = admission.HostStatus(status)
		h.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, h)
	}
	return out, rows.Err()
}
