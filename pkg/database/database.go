package database

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrStoreClosed indicates the history store has been shut down.
	ErrStoreClosed = errors.New("history store closed")
)

// Message is one persisted direct message or relayed file.
// For files, Body holds the filename and FileData the raw payload.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Body      string
	CreatedAt int64 // Unix timestamp in milliseconds
	IsFile    bool
	FileData  []byte
}

// Time returns CreatedAt as a time.Time
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Backend is a history backend the WriteBuffer flushes into.
// InsertMessages must persist the batch in order, all or nothing.
type Backend interface {
	InsertMessages(msgs []*Message) error
	ListConversation(a, b string, limit int) ([]*Message, error)
	ListForNickname(nickname string, limit int) ([]*Message, error)
	Close() error
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	closed    atomic.Bool
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// Open opens the SQLite database at path and applies pending migrations
func Open(path string) (*DB, error) {
	conn, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// WAL allows multiple readers alongside the single writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openSQLite(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// Close closes both connections
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.writeConn.Close()
	return db.conn.Close()
}

// InsertMessages writes the batch in a single transaction on the write connection
func (db *DB) InsertMessages(msgs []*Message) error {
	if db.closed.Load() {
		return ErrStoreClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO Message (id, sender, receiver, body, created_at, is_file, file_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		var fileData any
		if msg.IsFile {
			fileData = msg.FileData
			if fileData == nil {
				fileData = []byte{}
			}
		}
		if _, err := stmt.Exec(msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.CreatedAt, msg.IsFile, fileData); err != nil {
			return fmt.Errorf("insert message %d: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// ListConversation returns the most recent limit messages exchanged between a
// and b in either direction, oldest first. a == b lists self messages.
func (db *DB) ListConversation(a, b string, limit int) ([]*Message, error) {
	return db.queryRecent(`
		SELECT id, sender, receiver, body, created_at, is_file, file_data
		FROM Message
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, a, b, b, a, limit)
}

// ListForNickname returns the most recent limit messages sent or received by
// nickname, oldest first
func (db *DB) ListForNickname(nickname string, limit int) ([]*Message, error) {
	return db.queryRecent(`
		SELECT id, sender, receiver, body, created_at, is_file, file_data
		FROM Message
		WHERE sender = ? OR receiver = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, nickname, nickname, limit)
}

// queryRecent runs a newest-first query and returns the rows oldest first
func (db *DB) queryRecent(query string, args ...any) ([]*Message, error) {
	if db.closed.Load() {
		return nil, ErrStoreClosed
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var fileData []byte
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &msg.CreatedAt, &msg.IsFile, &fileData); err != nil {
			return nil, err
		}
		if msg.IsFile {
			msg.FileData = fileData
			if msg.FileData == nil {
				msg.FileData = []byte{}
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
