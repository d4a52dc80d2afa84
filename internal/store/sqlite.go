package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	sqlite3 "modernc.org/sqlite"

	"github.com/rcliao/memkeeper/internal/model"
)

const (
	maxRetries   = 3
	retryBackoff = 50 * time.Millisecond

	dsnOptions = "?_txlock=immediate&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
)

// snapGateWait bounds how long a writer waits for an in-progress snapshot,
// mirroring the driver's busy_timeout. Variable for tests.
var snapGateWait = 5 * time.Second

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *zap.Logger

	// snapGate serializes file snapshots against writers: writers hold the
	// read side, a snapshot holds the write side so it sees a quiesced file.
	snapGate sync.RWMutex

	// readOnly latches after a failed disk write. Cleared when space is
	// reclaimed (e.g. by backup cleanup).
	readOnly atomic.Bool
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, log: log}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_type TEXT NOT NULL CHECK (memory_type IN ('session', 'daily', 'longterm')),
		session_id  TEXT,
		date        TEXT,
		content     TEXT NOT NULL,
		importance  INTEGER NOT NULL DEFAULT 0 CHECK (importance BETWEEN 0 AND 10),
		tags        TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		is_deleted  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
	CREATE INDEX IF NOT EXISTS idx_memories_date ON memories(date);

	CREATE TABLE IF NOT EXISTS versions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id     INTEGER NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		version       INTEGER NOT NULL,
		content       TEXT NOT NULL,
		changed_by    TEXT NOT NULL DEFAULT 'user',
		change_reason TEXT,
		created_at    TEXT NOT NULL,
		UNIQUE (memory_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_versions_memory ON versions(memory_id);

	CREATE TABLE IF NOT EXISTS backups (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		backup_type TEXT NOT NULL CHECK (backup_type IN ('scheduled', 'manual', 'auto')),
		file_path   TEXT NOT NULL,
		size_bytes  INTEGER NOT NULL DEFAULT 0,
		checksum    TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		description TEXT,
		created_at  TEXT NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content=memories,
		content_rowid=id
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers for automatic sync
	s.db.Exec(`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
	END`)
	s.db.Exec(`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.id, old.content);
	END`)
	s.db.Exec(`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.id, old.content);
		INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
	END`)

	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// ReadOnly reports whether the store has latched into read-only mode.
func (s *SQLiteStore) ReadOnly() bool {
	return s.readOnly.Load()
}

// ClearReadOnly lifts read-only mode after disk space has been reclaimed.
func (s *SQLiteStore) ClearReadOnly() {
	if s.readOnly.CompareAndSwap(true, false) {
		s.log.Info("store left read-only mode")
	}
}

func validateContent(c json.RawMessage) error {
	switch strings.TrimSpace(string(c)) {
	case "", "null", "{}", "[]", `""`:
		return validationf("content must not be empty")
	}
	if !json.Valid(c) {
		return validationf("content is not valid JSON")
	}
	return nil
}

func validateDate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return validationf("invalid date %q (want YYYY-MM-DD)", date)
	}
	return nil
}

func (p *SaveParams) validate() error {
	if err := validateContent(p.Content); err != nil {
		return err
	}
	if !model.ValidTypes[p.Type] {
		return validationf("invalid memory type %q", p.Type)
	}
	if p.Importance < 0 || p.Importance > 10 {
		return validationf("importance must be between 0 and 10, got %d", p.Importance)
	}
	if p.Type == model.TypeDaily && p.Date == "" {
		return validationf("daily memories require a date")
	}
	if p.Date != "" {
		if err := validateDate(p.Date); err != nil {
			return err
		}
	}
	if p.ChangedBy != "" && !model.ValidChangedBy[p.ChangedBy] {
		return validationf("invalid changed_by %q", p.ChangedBy)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, p SaveParams) (int64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}

	changedBy := p.ChangedBy
	if changedBy == "" {
		changedBy = model.ChangedByUser
	}
	reason := p.Reason
	if reason == "" {
		reason = "initial creation"
	}

	var tagsJSON *string
	if len(p.Tags) > 0 {
		b, _ := json.Marshal(p.Tags)
		t := string(b)
		tagsJSON = &t
	}

	var id int64
	err := s.write(ctx, "save", func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO memories (memory_type, session_id, date, content, importance, tags, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Type, nullable(p.SessionID), nullable(p.Date), string(p.Content),
			p.Importance, tagsJSON, now, now)
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO versions (memory_id, version, content, changed_by, change_reason, created_at)
			 VALUES (?, 1, ?, ?, ?, ?)`,
			id, string(p.Content), changedBy, reason, now)
		if err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug("memory saved", zap.Int64("id", id), zap.String("type", p.Type))
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, memory_type, session_id, date, content, importance, tags, created_at, updated_at, is_deleted
		 FROM memories WHERE id = ? AND is_deleted = 0`, id)

	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) Query(ctx context.Context, p QueryParams) ([]model.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	where := []string{"1=1"}
	args := []interface{}{}

	if !p.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if p.Type != "" {
		where = append(where, "memory_type = ?")
		args = append(args, p.Type)
	}
	if p.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, p.SessionID)
	}
	if p.Date != "" {
		where = append(where, "date = ?")
		args = append(args, p.Date)
	}

	// id DESC as tiebreaker keeps pagination stable across equal timestamps.
	query := fmt.Sprintf(`
		SELECT id, memory_type, session_id, date, content, importance, tags, created_at, updated_at, is_deleted
		FROM memories
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, strings.Join(where, " AND "))
	args = append(args, limit, p.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, id int64, content json.RawMessage, changedBy, reason string) (int, error) {
	if err := validateContent(content); err != nil {
		return 0, err
	}
	if !model.ValidChangedBy[changedBy] {
		return 0, validationf("invalid changed_by %q", changedBy)
	}

	var newVersion int
	err := s.write(ctx, "update", func(tx *sql.Tx) error {
		v, err := appendVersionTx(ctx, tx, id, content, changedBy, reason)
		if err != nil {
			return err
		}
		newVersion = v
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug("memory updated", zap.Int64("id", id), zap.Int("version", newVersion))
	return newVersion, nil
}

// appendVersionTx writes the next version row and syncs the memory's current
// content inside the caller's transaction.
func appendVersionTx(ctx context.Context, tx *sql.Tx, id int64, content json.RawMessage, changedBy, reason string) (int, error) {
	var current int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM versions WHERE memory_id = ?`, id).Scan(&current)
	if err != nil {
		return 0, err
	}
	newVersion := current + 1

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET content = ?, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		string(content), now, id)
	if err != nil {
		return 0, fmt.Errorf("update memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (memory_id, version, content, changed_by, change_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, newVersion, string(content), changedBy, nullable(reason), now)
	if err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}
	return newVersion, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, id int64) ([]model.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, version, content, changed_by, change_reason, created_at
		 FROM versions WHERE memory_id = ? ORDER BY version ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []model.Version
	for rows.Next() {
		var v model.Version
		var content, createdAt string
		var reason sql.NullString
		if err := rows.Scan(&v.ID, &v.MemoryID, &v.Version, &content, &v.ChangedBy, &reason, &createdAt); err != nil {
			return nil, err
		}
		v.Content = json.RawMessage(content)
		v.ChangeReason = reason.String
		v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	return versions, nil
}

func (s *SQLiteStore) RestoreVersion(ctx context.Context, versionID int64) (int, error) {
	var newVersion int
	err := s.write(ctx, "restore-version", func(tx *sql.Tx) error {
		// Read and append in the same transaction so the target version
		// cannot change or vanish between the two.
		var memoryID int64
		var version int
		var content string
		err := tx.QueryRowContext(ctx,
			`SELECT memory_id, version, content FROM versions WHERE id = ?`, versionID).
			Scan(&memoryID, &version, &content)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("version %d: %w", versionID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		v, err := appendVersionTx(ctx, tx, memoryID, json.RawMessage(content),
			model.ChangedByRestore, fmt.Sprintf("restored from version %d", version))
		if err != nil {
			return err
		}
		newVersion = v
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug("version restored", zap.Int64("version_id", versionID), zap.Int("new_version", newVersion))
	return newVersion, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64, permanent bool) error {
	return s.write(ctx, "delete", func(tx *sql.Tx) error {
		if permanent {
			if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE memory_id = ?`, id); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return fmt.Errorf("memory %d: %w", id, ErrNotFound)
			}
			return nil
		}

		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx,
			`UPDATE memories SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`, now, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("memory %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// Vacuum reclaims unused pages in the database file.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Snapshot copies the database file to dst while holding the exclusive
// snapshot gate, so no writer can change the file mid-copy. Readers continue.
func (s *SQLiteStore) Snapshot(ctx context.Context, dst string) error {
	s.snapGate.Lock()
	defer s.snapGate.Unlock()

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return copyFile(s.path, dst)
}

// Reopen re-establishes the database handle, e.g. after the underlying file
// was swapped by a restore.
func (s *SQLiteStore) Reopen() error {
	if s.db != nil {
		s.db.Close()
	}
	db, err := sql.Open("sqlite", s.path+dsnOptions)
	if err != nil {
		return fmt.Errorf("reopen db: %w", err)
	}
	s.db = db
	return nil
}

// Reinitialize discards the database file and recreates an empty schema.
// Only used as the terminal fallback when no valid backup exists.
func (s *SQLiteStore) Reinitialize() error {
	if s.db != nil {
		s.db.Close()
	}
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		os.Remove(p)
	}
	db, err := sql.Open("sqlite", s.path+dsnOptions)
	if err != nil {
		return fmt.Errorf("reopen db: %w", err)
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// acquireSnapGate takes the read side of the snapshot gate without blocking
// indefinitely: the wait is bounded by the context and by snapGateWait, after
// which the write fails with ErrConcurrentWrite.
func (s *SQLiteStore) acquireSnapGate(ctx context.Context) error {
	if s.snapGate.TryRLock() {
		return nil
	}

	deadline := time.NewTimer(snapGateWait)
	defer deadline.Stop()
	retry := time.NewTicker(5 * time.Millisecond)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("snapshot in progress: %w", ErrConcurrentWrite)
		case <-retry.C:
			if s.snapGate.TryRLock() {
				return nil
			}
		}
	}
}

// write runs fn in a transaction under the snapshot gate, retrying lock
// contention with exponential backoff before surfacing ErrConcurrentWrite.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.readOnly.Load() {
		return ErrDiskFull
	}

	if err := s.acquireSnapGate(ctx); err != nil {
		return err
	}
	defer s.snapGate.RUnlock()

	backoff := retryBackoff
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = s.writeTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isDiskFull(err) {
			s.readOnly.Store(true)
			s.log.Error("disk full, store entering read-only mode", zap.String("op", op))
			return ErrDiskFull
		}
		if !isBusy(err) {
			var ve *ValidationError
			if errors.As(err, &ve) || errors.Is(err, ErrNotFound) {
				return err
			}
			return &DatabaseError{Op: op, Err: err}
		}
		if attempt < maxRetries {
			s.log.Warn("write contention, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, ErrConcurrentWrite)
}

func (s *SQLiteStore) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const (
	sqliteBusy   = 5
	sqliteLocked = 6
	sqliteFull   = 13
)

func isBusy(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

func isDiskFull(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqliteFull
	}
	return false
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (model.Memory, error) {
	var m model.Memory
	var sessionID, date, tagsJSON sql.NullString
	var content, createdAt, updatedAt string
	var isDeleted int

	err := row.Scan(
		&m.ID, &m.Type, &sessionID, &date, &content,
		&m.Importance, &tagsJSON, &createdAt, &updatedAt, &isDeleted,
	)
	if err != nil {
		return m, err
	}

	m.SessionID = sessionID.String
	m.Date = date.String
	m.Content = json.RawMessage(content)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	m.IsDeleted = isDeleted != 0
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
	}

	return m, nil
}
