package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS unused_device_ids (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		device_id  INTEGER NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS used_device_ids (
		device_id  INTEGER PRIMARY KEY,
		cookie     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at        TEXT NOT NULL,
		finished_at       TEXT NOT NULL,
		finish_reason     TEXT NOT NULL,
		from_device_id    INTEGER NOT NULL,
		to_device_id      INTEGER NOT NULL,
		client_request_id INTEGER NOT NULL,
		signaling_host    TEXT NOT NULL,
		signaling_port    INTEGER NOT NULL,
		room_id           TEXT NOT NULL,
		service_id        TEXT NOT NULL,
		client_id         TEXT NOT NULL,
		auth_token        TEXT NOT NULL,
		p2p_user          TEXT NOT NULL,
		p2p_token         TEXT NOT NULL,
		relay_server      TEXT NOT NULL DEFAULT '',
		reflex_servers    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_room_id ON orders (room_id)`,
}

// SQLiteStore implements DeviceIDStore and OrderHistoryStore on a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Device ID pool ---

// SeedPool fills the unused pool with count sequential device IDs
// starting at first. IDs already present (used or unused) are skipped,
// so reseeding an existing database is harmless.
func (s *SQLiteStore) SeedPool(ctx context.Context, first int64, count int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for i := 0; i < count; i++ {
		id := first + int64(i)
		var used int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM used_device_ids WHERE device_id = ?`, id).Scan(&used); err != nil {
			return err
		}
		if used > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO unused_device_ids (created_at, device_id) VALUES (?, ?)`,
			now, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UnusedCount reports how many device IDs remain in the pool.
func (s *SQLiteStore) UnusedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unused_device_ids`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Allocate(ctx context.Context) (int64, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", err
	}
	defer tx.Rollback() //nolint:errcheck

	var deviceID int64
	err = tx.QueryRowContext(ctx,
		`SELECT device_id FROM unused_device_ids ORDER BY id ASC LIMIT 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrPoolExhausted
	}
	if err != nil {
		return 0, "", err
	}

	cookie := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM unused_device_ids WHERE device_id = ?`, deviceID); err != nil {
		return 0, "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO used_device_ids (device_id, cookie, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		deviceID, cookie, now, now); err != nil {
		return 0, "", err
	}
	if err := tx.Commit(); err != nil {
		return 0, "", err
	}
	return deviceID, cookie, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, deviceID int64) (string, time.Time, error) {
	var cookie, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT cookie, updated_at FROM used_device_ids WHERE device_id = ?`, deviceID).
		Scan(&cookie, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	updatedAt, _ := time.Parse(time.RFC3339, updated)
	return cookie, updatedAt, nil
}

func (s *SQLiteStore) UpdateCookie(ctx context.Context, deviceID int64, cookie string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE used_device_ids SET cookie = ?, updated_at = ? WHERE device_id = ?`,
		cookie, time.Now().UTC().Format(time.RFC3339), deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Order history ---

func (s *SQLiteStore) Record(ctx context.Context, rec *OrderRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (created_at, finished_at, finish_reason, from_device_id, to_device_id,
		 client_request_id, signaling_host, signaling_port, room_id, service_id, client_id,
		 auth_token, p2p_user, p2p_token, relay_server, reflex_servers)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.FinishedAt.UTC().Format(time.RFC3339),
		rec.FinishReason,
		rec.FromDeviceID, rec.ToDeviceID, rec.ClientRequestID,
		rec.SignalingHost, rec.SignalingPort,
		rec.RoomID, rec.ServiceID, rec.ClientID,
		rec.AuthToken, rec.P2PUsername, rec.P2PPassword,
		rec.RelayServer, strings.Join(rec.ReflexServers, ","))
	return err
}

func (s *SQLiteStore) Query(ctx context.Context, offset, limit int) ([]*OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at, finished_at, finish_reason, from_device_id, to_device_id,
		 client_request_id, signaling_host, signaling_port, room_id, service_id, client_id,
		 auth_token, p2p_user, p2p_token, relay_server, reflex_servers
		 FROM orders ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var records []*OrderRecord
	for rows.Next() {
		var rec OrderRecord
		var created, finished, reflex string
		if err := rows.Scan(&created, &finished, &rec.FinishReason,
			&rec.FromDeviceID, &rec.ToDeviceID, &rec.ClientRequestID,
			&rec.SignalingHost, &rec.SignalingPort,
			&rec.RoomID, &rec.ServiceID, &rec.ClientID,
			&rec.AuthToken, &rec.P2PUsername, &rec.P2PPassword,
			&rec.RelayServer, &reflex); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
		rec.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		if reflex != "" {
			rec.ReflexServers = strings.Split(reflex, ",")
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n)
	return n, err
}
