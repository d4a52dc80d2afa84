package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memkeeper/internal/model"
)

// RecordBackup inserts a backup row and returns its id. The row carries
// whatever status the caller sets. Goes through the standard write path, so
// it honors the retry policy and the read-only latch.
func (s *SQLiteStore) RecordBackup(ctx context.Context, b *model.Backup) (int64, error) {
	if !model.ValidBackupTypes[b.Type] {
		return 0, validationf("invalid backup type %q", b.Type)
	}
	var id int64
	err := s.write(ctx, "record-backup", func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO backups (backup_type, file_path, size_bytes, checksum, status, description, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.Type, b.FilePath, b.SizeBytes, b.Checksum, b.Status, nullable(b.Description), now)
		if err != nil {
			return fmt.Errorf("insert backup: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// MarkBackupStatus updates only the status of a backup row.
func (s *SQLiteStore) MarkBackupStatus(ctx context.Context, id int64, status string) error {
	return s.write(ctx, "mark-backup", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE backups SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("backup %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GetBackup returns one backup row.
func (s *SQLiteStore) GetBackup(ctx context.Context, id int64) (*model.Backup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, backup_type, file_path, size_bytes, checksum, status, description, created_at
		 FROM backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backup %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBackups returns backup rows most recent first, optionally filtered by
// type or status.
func (s *SQLiteStore) ListBackups(ctx context.Context, backupType, status string, limit int) ([]model.Backup, error) {
	if limit <= 0 {
		limit = 20
	}

	where := []string{"1=1"}
	args := []interface{}{}
	if backupType != "" {
		where = append(where, "backup_type = ?")
		args = append(args, backupType)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}

	query := fmt.Sprintf(`
		SELECT id, backup_type, file_path, size_bytes, checksum, status, description, created_at
		FROM backups WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// DeleteBackupRow removes a backup row, normally after its file was pruned.
func (s *SQLiteStore) DeleteBackupRow(ctx context.Context, id int64) error {
	return s.write(ctx, "delete-backup", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
		return err
	})
}

// BackupStats summarizes backups by type.
type BackupStats struct {
	ByType    map[string]BackupTypeStats `json:"by_type"`
	Corrupted int                        `json:"corrupted"`
}

// BackupTypeStats holds per-type backup counts and sizes.
type BackupTypeStats struct {
	Count      int       `json:"count"`
	TotalBytes int64     `json:"total_bytes"`
	LastBackup time.Time `json:"last_backup"`
}

// BackupStats returns completed-backup statistics grouped by type.
func (s *SQLiteStore) BackupStats(ctx context.Context) (*BackupStats, error) {
	st := &BackupStats{ByType: map[string]BackupTypeStats{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT backup_type, COUNT(*), COALESCE(SUM(size_bytes), 0), MAX(created_at)
		FROM backups WHERE status = 'completed'
		GROUP BY backup_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var btype, last string
		var ts BackupTypeStats
		if err := rows.Scan(&btype, &ts.Count, &ts.TotalBytes, &last); err != nil {
			return nil, err
		}
		ts.LastBackup, _ = time.Parse(time.RFC3339, last)
		st.ByType[btype] = ts
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backups WHERE status = 'corrupted'`).Scan(&st.Corrupted)
	return st, nil
}

func scanBackup(row scanner) (model.Backup, error) {
	var b model.Backup
	var desc sql.NullString
	var createdAt string
	err := row.Scan(&b.ID, &b.Type, &b.FilePath, &b.SizeBytes, &b.Checksum, &b.Status, &desc, &createdAt)
	if err != nil {
		return b, err
	}
	b.Description = desc.String
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return b, nil
}
