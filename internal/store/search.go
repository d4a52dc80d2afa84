package store

import (
	"context"

	"github.com/rcliao/memkeeper/internal/model"
)

// SearchParams holds parameters for full-text search over memory content.
type SearchParams struct {
	Query string
	Type  string
	Limit int
}

// Search finds memories whose content matches the FTS5 query.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]model.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, memory_type, session_id, date, content, importance, tags, created_at, updated_at, is_deleted
		FROM memories
		WHERE is_deleted = 0
		  AND id IN (SELECT rowid FROM memories_fts WHERE memories_fts MATCH ?)`
	args := []interface{}{p.Query}

	if p.Type != "" {
		query += ` AND memory_type = ?`
		args = append(args, p.Type)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

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
