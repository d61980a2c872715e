package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Supported database/sql driver names.
const (
	// DriverModernc is the pure-Go SQLite driver and the default.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo SQLite driver.
	DriverCGO = "sqlite3"
)

// DefaultLease is how long an active claim survives without a heartbeat
// before RecoverStale may reclaim it.
const DefaultLease = 2 * time.Minute

// SQLStore persists sessions in SQLite. The active/suspended claim is a
// conditional UPDATE, so the single-writer rule also holds across processes
// sharing the database file. Each store stamps its claims with an owner id
// and keeps their lease fresh until Release, Close or Shutdown.
type SQLStore struct {
	conn  *sql.DB
	path  string
	owner string
	lease time.Duration
	now   func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// SQLOption configures an SQLStore.
type SQLOption func(*SQLStore)

// WithLease sets the claim lease. Heartbeats run at a quarter of it.
func WithLease(d time.Duration) SQLOption {
	return func(s *SQLStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// ProjectDBPath returns the session database location inside a project.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".conductor", "sessions.db")
}

// OpenSQL opens (and creates) a session database at path using driver.
// An empty driver selects DriverModernc.
func OpenSQL(path, driver string, opts ...SQLOption) (*SQLStore, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps PRAGMAs in effect.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLStore{
		conn:  conn,
		path:  path,
		owner: "o-" + uuid.New().String(),
		lease: DefaultLease,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	go s.heartbeat()
	return s, nil
}

// Path returns the database file path.
func (s *SQLStore) Path() string {
	return s.path
}

// Lease returns the claim lease.
func (s *SQLStore) Lease() time.Duration {
	return s.lease
}

// Shutdown stops the heartbeat and closes the database connection. Claims
// still held stay active until their lease expires.
func (s *SQLStore) Shutdown() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return s.conn.Close()
}

func (s *SQLStore) heartbeat() {
	defer close(s.done)
	ticker := time.NewTicker(s.lease / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.Renew(context.Background())
		}
	}
}

// Renew refreshes the lease on every session this store holds active and
// returns how many it touched.
func (s *SQLStore) Renew(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sessions SET claimed_at = ? WHERE status = ? AND owner = ?
	`, formatTime(s.now()), string(models.SessionActive), s.owner)
	if err != nil {
		return 0, fmt.Errorf("renew session leases: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sessions},
		{2, migrationV2Exchanges},
		{3, migrationV3Claims},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	profile TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'suspended',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const migrationV2Exchanges = `
CREATE TABLE IF NOT EXISTS exchanges (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	instruction TEXT NOT NULL,
	result TEXT NOT NULL,
	at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

const migrationV3Claims = `
ALTER TABLE sessions ADD COLUMN owner TEXT NOT NULL DEFAULT '';
ALTER TABLE sessions ADD COLUMN claimed_at TEXT NOT NULL DEFAULT '';
`

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Create starts a suspended session.
func (s *SQLStore) Create(ctx context.Context, profile string) (string, error) {
	if profile == "" {
		return "", errors.New("create session: profile is required")
	}
	id := NewID()
	now := formatTime(s.now())
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, profile, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, profile, string(models.SessionSuspended), now, now)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// status returns the stored status of id.
func (s *SQLStore) status(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (models.SessionStatus, error) {
	var st string
	err := q.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("session %s status: %w", id, err)
	}
	return models.SessionStatus(st), nil
}

// Append adds an exchange with the next sequence number.
func (s *SQLStore) Append(ctx context.Context, id, instruction, result string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := s.status(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if st == models.SessionTerminated {
		return fmt.Errorf("append to session %s: %w", id, models.ErrSessionClosed)
	}

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exchanges (session_id, seq, instruction, result, at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ? FROM exchanges WHERE session_id = ?
	`, id, instruction, result, now, id); err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ?,
			claimed_at = CASE WHEN status = ? AND owner = ? THEN ? ELSE claimed_at END
		WHERE id = ?
	`, now, string(models.SessionActive), s.owner, now, id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// Get loads a session and its full history.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var status, created, updated string
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, profile, status, created_at, updated_at FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Profile, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, models.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)

	rows, err := s.conn.QueryContext(ctx, `
		SELECT instruction, result, at FROM exchanges WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ex models.Exchange
		var at string
		if err := rows.Scan(&ex.Instruction, &ex.Result, &at); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.At = parseTime(at)
		sess.History = append(sess.History, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return &sess, nil
}

// Acquire claims a suspended session for this store.
func (s *SQLStore) Acquire(ctx context.Context, id string) (*models.Session, error) {
	now := formatTime(s.now())
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sessions SET status = ?, owner = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(models.SessionActive), s.owner, now, now, id, string(models.SessionSuspended))
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		st, err := s.status(ctx, s.conn, id)
		if err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
		if st == models.SessionTerminated {
			return nil, fmt.Errorf("acquire session %s: %w", id, models.ErrSessionClosed)
		}
		return nil, fmt.Errorf("acquire session %s: %w", id, models.ErrSessionBusy)
	}
	return s.Get(ctx, id)
}

// Release returns an active session to suspended.
func (s *SQLStore) Release(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.SessionSuspended, models.SessionActive, models.SessionSuspended)
}

// Close terminates the session.
func (s *SQLStore) Close(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.SessionTerminated, models.SessionActive, models.SessionSuspended, models.SessionTerminated)
}

// setStatus moves id to status when its current status is one of from,
// dropping any claim. The check and the write are one statement.
func (s *SQLStore) setStatus(ctx context.Context, id string, status models.SessionStatus, from ...models.SessionStatus) error {
	args := []any{string(status), formatTime(s.now()), id}
	marks := make([]string, len(from))
	for i, f := range from {
		marks[i] = "?"
		args = append(args, string(f))
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sessions SET status = ?, owner = '', claimed_at = '', updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(marks, ", ")+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		st, err := s.status(ctx, s.conn, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("session %s is %s: %w", id, st, models.ErrSessionClosed)
	}
	return nil
}

// Teardown closes the given sessions.
func (s *SQLStore) Teardown(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		if err := s.Close(ctx, id); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns sessions (without history) ordered by creation time.
func (s *SQLStore) List(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	query := "SELECT id, profile, status, created_at, updated_at FROM sessions"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var st, created, updated string
		if err := rows.Scan(&sess.ID, &sess.Profile, &st, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = models.SessionStatus(st)
		sess.CreatedAt = parseTime(created)
		sess.UpdatedAt = parseTime(updated)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// RecoverStale resets active sessions whose lease is older than olderThan
// to suspended. Claims kept alive by a running store are left alone. It
// returns how many were reset.
func (s *SQLStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sessions SET status = ?, owner = '', claimed_at = '', updated_at = ?
		WHERE status = ? AND claimed_at < ?
	`, string(models.SessionSuspended), formatTime(now), string(models.SessionActive), formatTime(now.Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("recover stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// PurgeTerminated deletes terminated sessions older than olderThan.
func (s *SQLStore) PurgeTerminated(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM sessions WHERE status = ? AND updated_at < ?
	`, string(models.SessionTerminated), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

var _ Store = (*SQLStore)(nil)
