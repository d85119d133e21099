// Package pgstore keeps the host-channel table in PostgreSQL so several gate
// instances can share it.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petervdpas/hostline/internal/admission"
)

const schema = `
create table if not exists host_channels (
	channel_id    text primary key,
	host_id       text not null,
	status        text not null default 'open',
	paired_caller text not null default '',
	session_id    text not null default '',
	updated_at    timestamptz not null default now()
)`

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db DB
}

var _ admission.Backend = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for url and makes sure the table exists.
func Connect(ctx context.Context, url string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) OpenHostChannel(ctx context.Context, channelID, hostID string) error {
	_, err := s.db.Exec(ctx, `
		insert into host_channels (channel_id, host_id, status, paired_caller, session_id, updated_at)
		values ($1, $2, 'open', '', '', now())
		on conflict (channel_id) do update set
			host_id = excluded.host_id,
			status = 'open',
			paired_caller = '',
			session_id = '',
			updated_at = now()`,
		channelID, hostID)
	return err
}

func (s *Store) LookupHost(ctx context.Context, channelID string) (admission.HostChannel, error) {
	var h admission.HostChannel
	var status string
	var updated time.Time
	err := s.db.QueryRow(ctx, `
		select channel_id, host_id, status, paired_caller, session_id, updated_at
		from host_channels where channel_id = $1`, channelID).
		Scan(&h.ChannelID, &h.HostID, &status, &h.PairedCaller, &h.SessionID, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return admission.HostChannel{}, admission.ErrHostNotFound
	}
	if err != nil {
		return admission.HostChannel{}, err
	}
	h.Status = admission.HostStatus(status)
	h.UpdatedAt = updated
	return h, nil
}

func (s *Store) AttachCaller(ctx context.Context, channelID, callerID, sessionID string) error {
	_, err := s.db.Exec(ctx, `
		update host_channels
		set paired_caller = $2, session_id = $3, updated_at = now()
		where channel_id = $1 and status = 'open' and paired_caller = ''`,
		channelID, callerID, sessionID)
	return err
}

func (s *Store) DetachCaller(ctx context.Context, channelID, callerID string) error {
	_, err := s.db.Exec(ctx, `
		update host_channels
		set paired_caller = '', session_id = '', updated_at = now()
		where channel_id = $1 and paired_caller = $2`,
		channelID, callerID)
	return err
}

func (s *Store) CloseHostChannel(ctx context.Context, channelID string, status admission.HostStatus) error {
	tag, err := s.db.Exec(ctx, `
		update host_channels set status = $2, updated_at = now()
		where channel_id = $1`, channelID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return admission.ErrHostNotFound
	}
	return nil
}

// ListOpen returns the channels currently accepting callers.
func (s *Store) ListOpen(ctx context.Context) ([]admission.HostChannel, error) {
	rows, err := s.db.Query(ctx, `
		select channel_id, host_id, status, paired_caller, session_id, updated_at
		from host_channels where status = 'open' order by updated_at desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []admission.HostChannel
	for rows.Next() {
		var h admission.HostChannel
		var status string
		if err := rows.Scan(&h.ChannelID, &h.HostID, &status, &h.PairedCaller, &h.SessionID, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Status = admission.HostStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}
