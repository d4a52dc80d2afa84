package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rcliao/memkeeper/internal/model"
)

func TestCheckIntegrityClean(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := mustSave(t, s, SaveParams{Type: model.TypeSession, Content: json.RawMessage(`{"a":1}`)})
	s.Update(ctx, id, json.RawMessage(`{"a":2}`), model.ChangedByUser, "")
	mustSave(t, s, SaveParams{Type: model.TypeDaily, Date: "2026-08-30", Content: json.RawMessage(`{"b":1}`)})

	rep, err := s.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("check integrity: %v", err)
	}
	if !rep.OK() {
		t.Fatalf("expected clean report, got violations %v", rep.Violations)
	}
	if rep.Memories != 2 || rep.Versions != 3 {
		t.Errorf("unexpected counts %+v", rep)
	}
}

func TestCheckIntegrityMissingVersions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := mustSave(t, s, SaveParams{Type: model.TypeSession, Content: json.RawMessage(`{"a":1}`)})
	if _, err := s.db.ExecContext(ctx, `DELETE FROM versions WHERE memory_id = ?`, id); err != nil {
		t.Fatalf("corrupt db: %v", err)
	}

	rep, err := s.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("check integrity: %v", err)
	}
	if rep.OK() {
		t.Fatal("expected a violation for memory without versions")
	}
}

func TestCheckIntegrityVersionGap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := mustSave(t, s, SaveParams{Type: model.TypeSession, Content: json.RawMessage(`{"a":1}`)})
	if _, err := s.Update(ctx, id, json.RawMessage(`{"a":2}`), model.ChangedByUser, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE versions SET version = 5 WHERE memory_id = ? AND version = 2`, id); err != nil {
		t.Fatalf("corrupt db: %v", err)
	}

	rep, err := s.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("check integrity: %v", err)
	}
	if rep.OK() {
		t.Fatal("expected a violation for a gapped version chain")
	}
}

func TestCheckIntegrityContentDivergence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := mustSave(t, s, SaveParams{Type: model.TypeSession, Content: json.RawMessage(`{"a":1}`)})
	if _, err := s.db.ExecContext(ctx, `UPDATE memories SET content = '{"tampered":true}' WHERE id = ?`, id); err != nil {
		t.Fatalf("corrupt db: %v", err)
	}

	rep, err := s.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("check integrity: %v", err)
	}
	if rep.OK() {
		t.Fatal("expected a violation for content diverging from latest version")
	}
}
