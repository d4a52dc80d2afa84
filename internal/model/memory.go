// Package model defines the core memory data types.
package model

import (
	"encoding/json"
	"time"
)

// Memory represents a stored memory record. Content mirrors the latest
// version's content; the full history lives in the versions table.
type Memory struct {
	ID         int64           `json:"id"`
	Type       string          `json:"memory_type"`
	SessionID  string          `json:"session_id,omitempty"`
	Date       string          `json:"date,omitempty"`
	Content    json.RawMessage `json:"content"`
	Importance int             `json:"importance"`
	Tags       []string        `json:"tags,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	IsDeleted  bool            `json:"is_deleted,omitempty"`
}

// Version is an immutable snapshot of a memory's content. Versions are only
// ever appended, never edited or deleted.
type Version struct {
	ID           int64           `json:"id"`
	MemoryID     int64           `json:"memory_id"`
	Version      int             `json:"version"`
	Content      json.RawMessage `json:"content"`
	ChangedBy    string          `json:"changed_by"`
	ChangeReason string          `json:"change_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Backup describes a point-in-time snapshot of the store file.
type Backup struct {
	ID          int64     `json:"id"`
	Type        string    `json:"backup_type"`
	FilePath    string    `json:"file_path"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum,omitempty"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Memory types.
const (
	TypeSession  = "session"
	TypeDaily    = "daily"
	TypeLongterm = "longterm"
)

// ValidTypes are the allowed memory types.
var ValidTypes = map[string]bool{
	TypeSession:  true,
	TypeDaily:    true,
	TypeLongterm: true,
}

// Version change sources.
const (
	ChangedByUser       = "user"
	ChangedByExtraction = "auto_extraction"
	ChangedByFusion     = "fusion"
	ChangedByRestore    = "restore"
)

// ValidChangedBy are the allowed version change sources. Unknown values are
// rejected, never stored.
var ValidChangedBy = map[string]bool{
	ChangedByUser:       true,
	ChangedByExtraction: true,
	ChangedByFusion:     true,
	ChangedByRestore:    true,
}

// Backup types.
const (
	BackupScheduled = "scheduled"
	BackupManual    = "manual"
	BackupAuto      = "auto"
)

// ValidBackupTypes are the allowed backup types.
var ValidBackupTypes = map[string]bool{
	BackupScheduled: true,
	BackupManual:    true,
	BackupAuto:      true,
}

// Backup statuses.
const (
	BackupCompleted = "completed"
	BackupCorrupted = "corrupted"
	BackupPending   = "pending"
)
