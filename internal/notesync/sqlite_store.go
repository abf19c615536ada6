package notesync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteOutboxTableName    = "notesync_outbox"
	sqliteOperationTimeout   = 5 * time.Second
	sqliteCreateOutboxSchema = `
		CREATE TABLE IF NOT EXISTS ` + sqliteOutboxTableName + ` (
			user_id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
)

// SQLiteOutboxStore keeps one snapshot row per user in a local sqlite file.
// This is the default durable backend for a client installation.
type SQLiteOutboxStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func NewSQLiteOutboxStore(dsn string) (*SQLiteOutboxStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteOutboxStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *SQLiteOutboxStore) Load(userID string) (*outboxState, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM "+sqliteOutboxTableName+" WHERE user_id = ?", userID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeOutboxSnapshot(payload)
}

func (s *SQLiteOutboxStore) Save(userID string, state *outboxState) error {
	if userID == "" || state == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := encodeOutboxSnapshot(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+sqliteOutboxTableName+` (user_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		userID, payload, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteOutboxStore) Clear(userID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM "+sqliteOutboxTableName+" WHERE user_id = ?", userID)
	return err
}

func (s *SQLiteOutboxStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteOutboxStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite3", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, sqliteCreateOutboxSchema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
