package store

import (
	"context"
	"fmt"
	"time"
)

// IntegrityReport lists the structural violations found by a consistency
// scan. Nothing is fixed automatically.
type IntegrityReport struct {
	CheckedAt  time.Time `json:"checked_at"`
	Memories   int       `json:"memories"`
	Versions   int       `json:"versions"`
	Violations []string  `json:"violations,omitempty"`
}

// OK reports whether the scan found no violations.
func (r *IntegrityReport) OK() bool {
	return len(r.Violations) == 0
}

// CheckIntegrity verifies the version-chain invariants: every memory has at
// least one version, version numbers are contiguous starting at 1, current
// content equals the highest version's content, and no version is orphaned.
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	rep := &IntegrityReport{CheckedAt: time.Now().UTC()}

	var pragma string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&pragma); err != nil {
		rep.Violations = append(rep.Violations, fmt.Sprintf("integrity_check failed: %v", err))
		return rep, nil
	}
	if pragma != "ok" {
		rep.Violations = append(rep.Violations, "sqlite integrity_check: "+pragma)
		return rep, nil
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&rep.Memories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions`).Scan(&rep.Versions)

	// Memories without any version
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM memories m
		LEFT JOIN versions v ON v.memory_id = m.id
		WHERE v.id IS NULL`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		rows.Scan(&id)
		rep.Violations = append(rep.Violations, fmt.Sprintf("memory %d has no versions", id))
	}
	rows.Close()

	// Version chains must run 1..n with no gaps or duplicates
	rows, err = s.db.QueryContext(ctx, `
		SELECT memory_id, COUNT(*), MIN(version), MAX(version), COUNT(DISTINCT version)
		FROM versions GROUP BY memory_id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var count, min, max, distinct int
		rows.Scan(&id, &count, &min, &max, &distinct)
		if min != 1 {
			rep.Violations = append(rep.Violations, fmt.Sprintf("memory %d versions start at %d, not 1", id, min))
		}
		if count != max || count != distinct {
			rep.Violations = append(rep.Violations, fmt.Sprintf("memory %d has gaps or duplicates in versions 1..%d (%d rows)", id, max, count))
		}
	}
	rows.Close()

	// Current content must equal the highest version's content
	rows, err = s.db.QueryContext(ctx, `
		SELECT m.id FROM memories m
		JOIN versions v ON v.memory_id = m.id
		WHERE v.version = (SELECT MAX(version) FROM versions WHERE memory_id = m.id)
		  AND v.content != m.content`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		rows.Scan(&id)
		rep.Violations = append(rep.Violations, fmt.Sprintf("memory %d content diverges from its latest version", id))
	}
	rows.Close()

	// Orphan versions
	rows, err = s.db.QueryContext(ctx, `
		SELECT v.id FROM versions v
		LEFT JOIN memories m ON m.id = v.memory_id
		WHERE m.id IS NULL`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		rows.Scan(&id)
		rep.Violations = append(rep.Violations, fmt.Sprintf("version %d references a missing memory", id))
	}
	rows.Close()

	return rep, nil
}
