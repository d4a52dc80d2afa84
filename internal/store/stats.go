package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath         string      `json:"db_path"`
	DBSizeBytes    int64       `json:"db_size_bytes"`
	TotalMemories  int         `json:"total_memories"`
	ActiveMemories int         `json:"active_memories"`
	TotalVersions  int         `json:"total_versions"`
	TotalBackups   int         `json:"total_backups"`
	ReadOnly       bool        `json:"read_only,omitempty"`
	ByType         []TypeStats `json:"by_type,omitempty"`
}

// TypeStats holds per-type counts.
type TypeStats struct {
	Type  string `json:"memory_type"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path, ReadOnly: s.readOnly.Load()}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE is_deleted = 0`).Scan(&st.ActiveMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions`).Scan(&st.TotalVersions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backups`).Scan(&st.TotalBackups)

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_type, COUNT(*) AS cnt
		FROM memories WHERE is_deleted = 0
		GROUP BY memory_type ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		rows.Scan(&ts.Type, &ts.Count)
		st.ByType = append(st.ByType, ts)
	}

	return st, nil
}
