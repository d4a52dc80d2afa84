// Package store provides the versioned record store and its SQLite implementation.
package store

import (
	"context"
	"encoding/json"

	"github.com/rcliao/memkeeper/internal/model"
)

// SaveParams holds parameters for creating a memory.
type SaveParams struct {
	Type       string
	Content    json.RawMessage
	SessionID  string
	Date       string
	Importance int
	Tags       []string

	// ChangedBy and Reason describe the initial version. Empty ChangedBy
	// defaults to "user".
	ChangedBy string
	Reason    string
}

// QueryParams holds filters for listing memories. Zero values mean "no filter".
type QueryParams struct {
	Type           string
	SessionID      string
	Date           string
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// Store defines the record store interface. Every mutating operation runs in
// one transaction spanning the memories and versions tables.
type Store interface {
	// Save creates a memory together with its version 1 and returns the
	// new memory id.
	Save(ctx context.Context, p SaveParams) (int64, error)

	// Get returns the current state of a memory.
	Get(ctx context.Context, id int64) (*model.Memory, error)

	// Query lists memories matching all given filters, most recent first.
	Query(ctx context.Context, p QueryParams) ([]model.Memory, error)

	// Update appends a new version and refreshes the memory's current
	// content in one atomic unit. Returns the new version number.
	Update(ctx context.Context, id int64, content json.RawMessage, changedBy, reason string) (int, error)

	// ListVersions returns a memory's versions, ascending by version number.
	ListVersions(ctx context.Context, id int64) ([]model.Version, error)

	// RestoreVersion appends a new version whose content equals the target
	// historical version's content. History is never rewritten.
	RestoreVersion(ctx context.Context, versionID int64) (int, error)

	// Delete soft-deletes a memory, or removes it and its versions when
	// permanent is set.
	Delete(ctx context.Context, id int64, permanent bool) error

	// CheckIntegrity scans for structural violations, fixing none.
	CheckIntegrity(ctx context.Context) (*IntegrityReport, error)

	// Close closes the store.
	Close() error
}
