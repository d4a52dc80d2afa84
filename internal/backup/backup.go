// Package backup provides snapshot, verification, restore, and startup
// recovery for the record store.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

var (
	// ErrCorruptedBackup is returned when a backup fails checksum
	// verification. The backup is marked corrupted and excluded from
	// restore candidates; the file itself is never deleted here.
	ErrCorruptedBackup = errors.New("backup checksum mismatch")

	// ErrNotRestorable is returned when restore is attempted from a backup
	// whose status is not "completed".
	ErrNotRestorable = errors.New("backup is not restorable")
)

// BackupError wraps a failure during snapshot creation.
type BackupError struct {
	Err error
}

func (e *BackupError) Error() string {
	return "backup failed: " + e.Err.Error()
}

func (e *BackupError) Unwrap() error {
	return e.Err
}

// Service snapshots the record store, verifies snapshots, and restores from
// them.
type Service struct {
	store   *store.SQLiteStore
	dir     string
	log     *zap.Logger
	entropy *rand.Rand
}

// NewService creates a backup service writing snapshots under dir.
func NewService(s *store.SQLiteStore, dir string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &Service{
		store:   s,
		dir:     dir,
		log:     log,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (s *Service) newBackupPath() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
	return filepath.Join(s.dir, fmt.Sprintf("backup_%s.db", id))
}

// CreateBackup takes a consistent point-in-time copy of the store file. The
// row reaches "completed" only after both the copy and the checksum succeed;
// a failed attempt is recorded as "corrupted" and surfaces a BackupError.
// The row is written after the copy, so the snapshot never contains its own
// backup row stuck in a non-terminal status. Writers block for the duration
// of the file copy, readers continue.
func (s *Service) CreateBackup(ctx context.Context, backupType, description string) (*model.Backup, error) {
	if !model.ValidBackupTypes[backupType] {
		return nil, &store.ValidationError{Reason: fmt.Sprintf("invalid backup type %q", backupType)}
	}

	path := s.newBackupPath()
	if err := s.store.Snapshot(ctx, path); err != nil {
		s.recordFailed(ctx, backupType, path, description)
		s.log.Error("backup copy failed", zap.String("path", path), zap.Error(err))
		return nil, &BackupError{Err: err}
	}

	checksum, size, err := checksumFile(path)
	if err != nil {
		s.recordFailed(ctx, backupType, path, description)
		s.log.Error("backup checksum failed", zap.String("path", path), zap.Error(err))
		return nil, &BackupError{Err: err}
	}

	id, err := s.store.RecordBackup(ctx, &model.Backup{
		Type:        backupType,
		FilePath:    path,
		SizeBytes:   size,
		Checksum:    checksum,
		Status:      model.BackupCompleted,
		Description: description,
	})
	if err != nil {
		return nil, &BackupError{Err: err}
	}

	s.log.Info("backup created",
		zap.Int64("backup_id", id),
		zap.String("type", backupType),
		zap.String("path", path),
		zap.Int64("size_bytes", size))

	return s.store.GetBackup(ctx, id)
}

// recordFailed keeps a corrupted row for a snapshot that never completed, so
// the failure stays visible in listings. Best effort.
func (s *Service) recordFailed(ctx context.Context, backupType, path, description string) {
	_, err := s.store.RecordBackup(ctx, &model.Backup{
		Type:        backupType,
		FilePath:    path,
		Status:      model.BackupCorrupted,
		Description: description,
	})
	if err != nil {
		s.log.Warn("could not record failed backup", zap.String("path", path), zap.Error(err))
	}
}

// VerifyResult reports the outcome of a backup verification.
type VerifyResult struct {
	BackupID         int64  `json:"backup_id"`
	Valid            bool   `json:"valid"`
	ChecksumExpected string `json:"checksum_expected,omitempty"`
	ChecksumActual   string `json:"checksum_actual,omitempty"`
	Error            string `json:"error,omitempty"`
}

// VerifyBackup recomputes the checksum of the backup file and compares it to
// the stored value. A mismatch flips the status to corrupted. The file is
// never deleted.
func (s *Service) VerifyBackup(ctx context.Context, id int64) (*VerifyResult, error) {
	b, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{BackupID: id, ChecksumExpected: b.Checksum}

	actual, _, err := checksumFile(b.FilePath)
	if err != nil {
		res.Error = err.Error()
		s.store.MarkBackupStatus(ctx, id, model.BackupCorrupted)
		s.log.Warn("backup file unreadable, marked corrupted", zap.Int64("backup_id", id), zap.Error(err))
		return res, nil
	}
	res.ChecksumActual = actual

	if actual != b.Checksum {
		res.Error = "checksum mismatch"
		s.store.MarkBackupStatus(ctx, id, model.BackupCorrupted)
		s.log.Warn("backup checksum mismatch, marked corrupted",
			zap.Int64("backup_id", id),
			zap.String("expected", b.Checksum),
			zap.String("actual", actual))
		return res, nil
	}

	res.Valid = true
	return res, nil
}

// RestoreBackup swaps the active store file for the backup's file. The swap
// is write-then-rename so a half-written store is never visible. If the
// restored store fails its integrity check, the pre-restore file is put back.
func (s *Service) RestoreBackup(ctx context.Context, id int64) error {
	b, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != model.BackupCompleted {
		return fmt.Errorf("backup %d has status %q: %w", id, b.Status, ErrNotRestorable)
	}

	res, err := s.VerifyBackup(ctx, id)
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("backup %d: %w", id, ErrCorruptedBackup)
	}

	if err := s.restoreFromFile(ctx, b.FilePath); err != nil {
		return err
	}
	s.log.Info("store restored from backup", zap.Int64("backup_id", id), zap.String("path", b.FilePath))
	return nil
}

// rollback puts the pre-restore image back and reopens the store. Best
// effort: called only on an already-failing path.
func (s *Service) rollback(dbPath, preRestore string) {
	if _, err := os.Stat(preRestore); err == nil {
		removeSidecars(dbPath)
		if err := os.Rename(preRestore, dbPath); err != nil {
			s.log.Error("rollback of store file failed", zap.Error(err))
		}
	}
	if err := s.store.Reopen(); err != nil {
		s.log.Error("reopen after rollback failed", zap.Error(err))
	}
}

// ListBackups returns backups most recent first.
func (s *Service) ListBackups(ctx context.Context, backupType string, limit int) ([]model.Backup, error) {
	return s.store.ListBackups(ctx, backupType, "", limit)
}

// CleanupOldBackups retains the keepCount most recent completed backups and
// deletes the files and rows of the rest. Corrupted backups are always
// removed first, regardless of recency.
func (s *Service) CleanupOldBackups(ctx context.Context, keepCount int) (int, error) {
	var victims []model.Backup

	corrupted, err := s.store.ListBackups(ctx, "", model.BackupCorrupted, 10000)
	if err != nil {
		return 0, err
	}
	victims = append(victims, corrupted...)

	completed, err := s.store.ListBackups(ctx, "", model.BackupCompleted, 10000)
	if err != nil {
		return 0, err
	}
	// ListBackups is most-recent-first, so everything past keepCount goes.
	if keepCount < len(completed) {
		victims = append(victims, completed[keepCount:]...)
	}

	deleted := 0
	for _, b := range victims {
		if err := os.Remove(b.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("cleanup of backup file failed", zap.Int64("backup_id", b.ID), zap.Error(err))
			continue
		}
		// The file is gone, so space is reclaimed; lift the read-only
		// latch before the row delete goes through the write path.
		s.store.ClearReadOnly()
		if err := s.store.DeleteBackupRow(ctx, b.ID); err != nil {
			s.log.Warn("cleanup of backup row failed", zap.Int64("backup_id", b.ID), zap.Error(err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info("cleaned up old backups", zap.Int("deleted", deleted), zap.Int("keep", keepCount))
	}
	return deleted, nil
}

// RecoverOnStartup checks the active store and, if it fails integrity,
// restores the newest verified completed backup. If no valid backup exists
// the store is reinitialized empty and a hard warning is logged; the data
// loss is acknowledged, not hidden.
func (s *Service) RecoverOnStartup(ctx context.Context) error {
	rep, err := s.store.CheckIntegrity(ctx)
	if err == nil && rep.OK() {
		return nil
	}
	if err != nil {
		s.log.Error("startup integrity check errored", zap.Error(err))
	} else {
		s.log.Error("startup integrity check failed",
			zap.Int("violations", len(rep.Violations)),
			zap.Strings("details", rep.Violations))
	}

	candidates, err := s.store.ListBackups(ctx, "", model.BackupCompleted, 100)
	if err != nil {
		candidates = nil
	}

	for _, b := range candidates {
		res, err := s.VerifyBackup(ctx, b.ID)
		if err != nil || !res.Valid {
			continue
		}
		if err := s.RestoreBackup(ctx, b.ID); err != nil {
			s.log.Warn("restore candidate failed", zap.Int64("backup_id", b.ID), zap.Error(err))
			continue
		}
		s.log.Info("recovered store from backup", zap.Int64("backup_id", b.ID))
		return nil
	}

	// The backups table may itself be unreadable when the store is corrupt;
	// fall back to the snapshot files on disk, newest first.
	for _, path := range s.snapshotFiles() {
		if err := s.restoreFromFile(ctx, path); err != nil {
			s.log.Warn("restore from snapshot file failed", zap.String("path", path), zap.Error(err))
			continue
		}
		s.log.Info("recovered store from snapshot file", zap.String("path", path))
		return nil
	}

	s.log.Error("NO VALID BACKUP FOUND, reinitializing empty store; existing data is lost")
	return s.store.Reinitialize()
}

// snapshotFiles lists backup files in the backup dir, newest first. ULID
// names sort lexicographically by creation time.
func (s *Service) snapshotFiles() []string {
	matches, err := filepath.Glob(filepath.Join(s.dir, "backup_*.db"))
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

// restoreFromFile swaps the store file for the given snapshot via
// write-then-rename and keeps it only if the result passes integrity.
func (s *Service) restoreFromFile(ctx context.Context, path string) error {
	dbPath := s.store.Path()
	preRestore := dbPath + ".pre-restore"

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if _, statErr := os.Stat(dbPath); statErr == nil {
		if err := copyFile(dbPath, preRestore); err != nil {
			s.store.Reopen()
			return fmt.Errorf("save pre-restore image: %w", err)
		}
	}
	removeSidecars(dbPath)

	tmp := dbPath + ".restore-tmp"
	if err := copyFile(path, tmp); err != nil {
		s.rollback(dbPath, preRestore)
		return fmt.Errorf("stage snapshot file: %w", err)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		os.Remove(tmp)
		s.rollback(dbPath, preRestore)
		return fmt.Errorf("swap store file: %w", err)
	}
	if err := s.store.Reopen(); err != nil {
		s.rollback(dbPath, preRestore)
		return err
	}

	rep, err := s.store.CheckIntegrity(ctx)
	if err != nil || !rep.OK() {
		s.log.Error("restored store failed integrity check, rolling back", zap.String("path", path))
		s.store.Close()
		s.rollback(dbPath, preRestore)
		return fmt.Errorf("restored store failed integrity check")
	}

	os.Remove(preRestore)
	return nil
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
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

func removeSidecars(dbPath string) {
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")
}
