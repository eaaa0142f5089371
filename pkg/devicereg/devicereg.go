// Package devicereg is the relay's Postgres-backed device registry: which
// origins have paired, under what bcrypt-hashed secret, and when they were
// last seen.
package devicereg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Device is one paired origin.
type Device struct {
	DeviceID          string
	PairingSecretHash string
	PairedUserLabel   string
	CreatedAt         time.Time
	LastSeenAt        time.Time
}

// ErrNotFound is returned when no device matches the requested ID.
var ErrNotFound = errors.New("devicereg: device not found")

// Store holds the connection pool backing the device registry.
type Store struct {
	pool *pgxpool.Pool
}

// Connect connects to Postgres using dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("devicereg: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("devicereg: ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks that Postgres is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS devices (
	device_id           TEXT PRIMARY KEY,
	pairing_secret_hash TEXT NOT NULL,
	paired_user_label   TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("devicereg: migrate: %w", err)
	}
	return nil
}

// Register upserts a device's pairing secret hash, refreshing its label.
func (s *Store) Register(ctx context.Context, deviceID, secretHash, userLabel string) (Device, error) {
	var d Device
	row := s.pool.QueryRow(ctx, `
INSERT INTO devices (device_id, pairing_secret_hash, paired_user_label)
VALUES ($1, $2, $3)
ON CONFLICT (device_id) DO UPDATE SET
	pairing_secret_hash = EXCLUDED.pairing_secret_hash,
	paired_user_label = EXCLUDED.paired_user_label,
	last_seen_at = now()
RETURNING device_id, pairing_secret_hash, paired_user_label, created_at, last_seen_at`,
		deviceID, secretHash, userLabel)
	err := row.Scan(&d.DeviceID, &d.PairingSecretHash, &d.PairedUserLabel, &d.CreatedAt, &d.LastSeenAt)
	return d, err
}

// Get returns the device record for deviceID.
func (s *Store) Get(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	row := s.pool.QueryRow(ctx, `
SELECT device_id, pairing_secret_hash, paired_user_label, created_at, last_seen_at
FROM devices WHERE device_id = $1`, deviceID)
	err := row.Scan(&d.DeviceID, &d.PairingSecretHash, &d.PairedUserLabel, &d.CreatedAt, &d.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	return d, err
}

// TouchLastSeen bumps a device's last_seen_at to now. The relay calls it
// when the device's tunnel connection registers; heartbeat pings do not
// touch it.
func (s *Store) TouchLastSeen(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE devices SET last_seen_at = now() WHERE device_id = $1`, deviceID)
	return err
}

// Delete removes a device's pairing, used when an operator revokes it.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE device_id = $1`, deviceID)
	return err
}
