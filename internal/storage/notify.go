package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Postgres LISTEN/NOTIFY channel names. The console's event stream relays
// these to connected admin clients.
const (
	ChannelSources = "loupe_sources"
	ChannelUsers   = "loupe_users"
)

// ErrNoNotifyConn is returned by Listen and WaitForNotification when the DB
// was opened without a dedicated notify connection.
var ErrNoNotifyConn = errors.New("storage: notify connection not configured")

// Listen subscribes the dedicated notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return ErrNoNotifyConn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any channel the
// notify connection is subscribed to, returning the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", ErrNoNotifyConn
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the query pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
