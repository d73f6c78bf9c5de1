// Package session persists per-conversation state the core deliberately
// does not hold: the mode, the locked patients, and the turn transcript.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/clinloop/ehr-query-agent/internal/roster"
)

var ErrNotFound = errors.New("session not found")

const (
	ModeGeneral = "general"
	ModePatient = "patient"
)

// Session is one conversation's caller-owned state. PendingPatient holds a
// uniquely resolved patient awaiting date-of-birth confirmation before it
// becomes a lock.
type Session struct {
	Token          string
	Mode           string
	LockedPatients []roster.PatientRecord
	PendingPatient *roster.PatientRecord
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Turn is one transcript entry. Sources carries the chunk metadata behind
// an assistant turn.
type Turn struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Sources   []map[string]any `json:"sources,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	mode       TEXT NOT NULL DEFAULT 'general',
	locked     TEXT NOT NULL DEFAULT '[]',
	pending    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	token      TEXT NOT NULL,
	position   INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	sources    TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	PRIMARY KEY (token, position)
);
`

// Store is a SQLite-backed session store with write-through semantics.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(mode string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == "" {
		mode = ModeGeneral
	}
	now := time.Now().UTC()
	sess := Session{
		Token:     uuid.NewString(),
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		"INSERT INTO sessions (token, mode, locked, pending, created_at, updated_at) VALUES (?, ?, '[]', '', ?, ?)",
		sess.Token, sess.Mode, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *Store) Get(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(token)
}

func (s *Store) get(token string) (Session, error) {
	var sess Session
	var lockedJSON, pendingJSON, createdAt, updatedAt string
	err := s.db.QueryRow(
		"SELECT token, mode, locked, pending, created_at, updated_at FROM sessions WHERE token = ?", token,
	).Scan(&sess.Token, &sess.Mode, &lockedJSON, &pendingJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("select session: %w", err)
	}
	_ = json.Unmarshal([]byte(lockedJSON), &sess.LockedPatients)
	if pendingJSON != "" {
		var p roster.PatientRecord
		if json.Unmarshal([]byte(pendingJSON), &p) == nil {
			sess.PendingPatient = &p
		}
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return sess, nil
}

// Update persists mode, lock, and pending-confirmation state.
func (s *Store) Update(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	locked, err := json.Marshal(sess.LockedPatients)
	if err != nil {
		return err
	}
	if sess.LockedPatients == nil {
		locked = []byte("[]")
	}
	pending := ""
	if sess.PendingPatient != nil {
		blob, err := json.Marshal(sess.PendingPatient)
		if err != nil {
			return err
		}
		pending = string(blob)
	}
	res, err := s.db.Exec(
		"UPDATE sessions SET mode = ?, locked = ?, pending = ?, updated_at = ? WHERE token = ?",
		sess.Mode, string(locked), pending, time.Now().UTC().Format(time.RFC3339Nano), sess.Token,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn adds one transcript entry at the next position.
func (s *Store) AppendTurn(token string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(token); err != nil {
		return err
	}
	var next int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM turns WHERE token = ?", token).Scan(&next); err != nil {
		return fmt.Errorf("count turns: %w", err)
	}
	sources, err := json.Marshal(turn.Sources)
	if err != nil {
		return err
	}
	if turn.Sources == nil {
		sources = []byte("[]")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(
		"INSERT INTO turns (token, position, role, content, sources, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		token, next, turn.Role, turn.Content, string(sources), turn.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Turns returns the transcript in insertion order.
func (s *Store) Turns(token string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(token); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		"SELECT role, content, sources, created_at FROM turns WHERE token = ? ORDER BY position", token,
	)
	if err != nil {
		return nil, fmt.Errorf("select turns: %w", err)
	}
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var t Turn
		var sourcesJSON, createdAt string
		if err := rows.Scan(&t.Role, &t.Content, &sourcesJSON, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(sourcesJSON), &t.Sources)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClearTurns drops the transcript, keeping the session row. Used when the
// caller switches mode or resets the conversation.
func (s *Store) ClearTurns(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(token); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM turns WHERE token = ?", token); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}
