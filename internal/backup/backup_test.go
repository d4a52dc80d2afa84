package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

func newTestEnv(t *testing.T) (*store.SQLiteStore, *Service) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "memory.db"), nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	svc, err := NewService(s, filepath.Join(dir, "backups"), nil)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return s, svc
}

func seedMemories(t *testing.T, s *store.SQLiteStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Save(context.Background(), store.SaveParams{
			Type:    model.TypeSession,
			Content: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("seed memory %d: %v", i, err)
		}
	}
}

func TestCreateAndVerifyBackup(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 5)

	b, err := svc.CreateBackup(ctx, model.BackupManual, "before upgrade")
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if b.Status != model.BackupCompleted {
		t.Errorf("expected completed status, got %q", b.Status)
	}
	if b.Checksum == "" || b.SizeBytes == 0 {
		t.Errorf("backup row not finalized: %+v", b)
	}
	if b.Description != "before upgrade" {
		t.Errorf("description not persisted: %q", b.Description)
	}
	if _, err := os.Stat(b.FilePath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	res, err := svc.VerifyBackup(ctx, b.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Errorf("fresh backup failed verification: %+v", res)
	}
}

func TestCreateBackupRejectsBadType(t *testing.T) {
	_, svc := newTestEnv(t)

	_, err := svc.CreateBackup(context.Background(), "hourly", "")
	var ve *store.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestVerifyTamperedBackup(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 2)

	b, err := svc.CreateBackup(ctx, model.BackupManual, "")
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}

	f, err := os.OpenFile(b.FilePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open backup file: %v", err)
	}
	f.WriteString("tamper")
	f.Close()

	res, err := svc.VerifyBackup(ctx, b.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered backup passed verification")
	}

	got, _ := s.GetBackup(ctx, b.ID)
	if got.Status != model.BackupCorrupted {
		t.Errorf("expected corrupted status, got %q", got.Status)
	}
	if _, err := os.Stat(b.FilePath); err != nil {
		t.Error("verification must never delete the backup file")
	}

	// A corrupted backup is not restorable
	if err := svc.RestoreBackup(ctx, b.ID); !errors.Is(err, ErrNotRestorable) {
		t.Errorf("expected ErrNotRestorable, got %v", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 5)

	before, err := s.ListVersions(ctx, 1)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}

	b, err := svc.CreateBackup(ctx, model.BackupScheduled, "")
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}

	// Diverge the live store after the snapshot
	seedMemories(t, s, 1)

	if err := svc.RestoreBackup(ctx, b.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}

	memories, err := s.Query(ctx, store.QueryParams{})
	if err != nil {
		t.Fatalf("query after restore: %v", err)
	}
	if len(memories) != 5 {
		t.Fatalf("expected 5 memories after restore, got %d", len(memories))
	}

	after, err := s.ListVersions(ctx, 1)
	if err != nil {
		t.Fatalf("list versions after restore: %v", err)
	}
	if len(after) != len(before) || string(after[0].Content) != string(before[0].Content) {
		t.Error("version history not preserved across restore")
	}

	rep, err := s.CheckIntegrity(ctx)
	if err != nil || !rep.OK() {
		t.Fatalf("restored store failed integrity: %v %v", err, rep)
	}

	if _, err := os.Stat(s.Path() + ".pre-restore"); !errors.Is(err, os.ErrNotExist) {
		t.Error("pre-restore image not cleaned up after success")
	}
}

func TestRestoreRefusesPendingBackup(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 1)

	id, err := s.RecordBackup(ctx, &model.Backup{
		Type:     model.BackupManual,
		FilePath: filepath.Join(t.TempDir(), "half.db"),
		Status:   model.BackupPending,
	})
	if err != nil {
		t.Fatalf("record backup: %v", err)
	}

	if err := svc.RestoreBackup(ctx, id); !errors.Is(err, ErrNotRestorable) {
		t.Errorf("expected ErrNotRestorable for pending backup, got %v", err)
	}
}

func TestCleanupOldBackups(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 1)

	var backups []*model.Backup
	for i := 0; i < 4; i++ {
		b, err := svc.CreateBackup(ctx, model.BackupAuto, "")
		if err != nil {
			t.Fatalf("create backup %d: %v", i, err)
		}
		backups = append(backups, b)
	}

	// Corrupt the newest so cleanup removes it despite its recency
	os.WriteFile(backups[3].FilePath, []byte("junk"), 0o644)
	svc.VerifyBackup(ctx, backups[3].ID)

	deleted, err := svc.CleanupOldBackups(ctx, 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// 1 corrupted + 1 completed beyond the keep count
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	remaining, err := svc.ListBackups(ctx, "", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
	for _, b := range remaining {
		if b.Status != model.BackupCompleted {
			t.Errorf("corrupted backup survived cleanup: %+v", b)
		}
		if b.ID != backups[1].ID && b.ID != backups[2].ID {
			t.Errorf("cleanup kept the wrong backups: id %d", b.ID)
		}
	}

	if _, err := os.Stat(backups[0].FilePath); !errors.Is(err, os.ErrNotExist) {
		t.Error("oldest backup file not removed")
	}
	if _, err := os.Stat(backups[1].FilePath); err != nil {
		t.Error("kept backup file removed")
	}
}

func TestRecoverOnStartupCleanStore(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 3)

	if err := svc.RecoverOnStartup(ctx); err != nil {
		t.Fatalf("recover on clean store: %v", err)
	}
	memories, _ := s.Query(ctx, store.QueryParams{})
	if len(memories) != 3 {
		t.Error("recovery touched a healthy store")
	}
}

func TestRecoverOnStartupFromSnapshot(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 4)

	if _, err := svc.CreateBackup(ctx, model.BackupAuto, ""); err != nil {
		t.Fatalf("create backup: %v", err)
	}

	// Destroy the live store file entirely
	s.Close()
	if err := os.WriteFile(s.Path(), []byte("this is not a database"), 0o644); err != nil {
		t.Fatalf("corrupt store: %v", err)
	}
	if err := s.Reopen(); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if err := svc.RecoverOnStartup(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	memories, err := s.Query(ctx, store.QueryParams{})
	if err != nil {
		t.Fatalf("query after recovery: %v", err)
	}
	if len(memories) != 4 {
		t.Fatalf("expected 4 recovered memories, got %d", len(memories))
	}
	rep, err := s.CheckIntegrity(ctx)
	if err != nil || !rep.OK() {
		t.Fatalf("recovered store failed integrity: %v %v", err, rep)
	}
}

func TestRecoverOnStartupNoBackups(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 2)

	s.Close()
	if err := os.WriteFile(s.Path(), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt store: %v", err)
	}
	if err := s.Reopen(); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if err := svc.RecoverOnStartup(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	// Terminal fallback: empty but usable store
	memories, err := s.Query(ctx, store.QueryParams{})
	if err != nil {
		t.Fatalf("query after reinit: %v", err)
	}
	if len(memories) != 0 {
		t.Errorf("expected empty store, got %d memories", len(memories))
	}
	if _, err := s.Save(ctx, store.SaveParams{Type: model.TypeSession, Content: json.RawMessage(`{"a":1}`)}); err != nil {
		t.Fatalf("reinitialized store not writable: %v", err)
	}
}

func TestSnapshotCarriesNoUnfinishedBackupRows(t *testing.T) {
	ctx := context.Background()
	s, svc := newTestEnv(t)
	seedMemories(t, s, 2)

	first, err := svc.CreateBackup(ctx, model.BackupManual, "")
	if err != nil {
		t.Fatalf("first backup: %v", err)
	}
	second, err := svc.CreateBackup(ctx, model.BackupManual, "")
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}

	// Inspect the second snapshot's own backups table: it must hold only
	// terminal rows, never a row for the snapshot that produced it.
	snap, err := store.NewSQLiteStore(second.FilePath, nil)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()

	pending, err := snap.ListBackups(ctx, "", model.BackupPending, 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("snapshot contains non-terminal backup rows: %+v", pending)
	}

	rows, err := snap.ListBackups(ctx, "", "", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != first.ID || rows[0].Status != model.BackupCompleted {
		t.Fatalf("expected only the first backup's completed row, got %+v", rows)
	}
}
