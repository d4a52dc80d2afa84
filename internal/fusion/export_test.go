package fusion

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

func TestExportFused(t *testing.T) {
	ctx := context.Background()
	s, r := newTestResolver(t)

	seeds := []store.SaveParams{
		{Type: model.TypeDaily, Date: "2026-08-29", Content: json.RawMessage(`{"note":"early"}`), Importance: 3},
		{Type: model.TypeDaily, Date: "2026-08-30", Content: json.RawMessage(`{"note":"minor"}`), Importance: 1},
		{Type: model.TypeDaily, Date: "2026-08-30", Content: json.RawMessage(`{"note":"major"}`), Importance: 9},
		{Type: model.TypeSession, SessionID: "s1", Content: json.RawMessage(`{"msg":"hi"}`)},
	}
	for _, p := range seeds {
		if _, err := s.Save(ctx, p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	var out bytes.Buffer
	if err := r.ExportFused(ctx, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	text := out.String()

	if !strings.HasPrefix(text, "# Fused Memory Export") {
		t.Error("missing export header")
	}
	for _, want := range []string{"## 2026-08-29", "## 2026-08-30", "session s1", `{"note":"major"}`} {
		if !strings.Contains(text, want) {
			t.Errorf("export missing %q", want)
		}
	}

	// Dates ascend; within a date higher importance comes first
	if strings.Index(text, "2026-08-29") > strings.Index(text, "2026-08-30") {
		t.Error("dates not ascending")
	}
	if strings.Index(text, `{"note":"major"}`) > strings.Index(text, `{"note":"minor"}`) {
		t.Error("importance not descending within a date")
	}

	// Same store, same bytes
	var again bytes.Buffer
	if err := r.ExportFused(ctx, &again); err != nil {
		t.Fatalf("second export: %v", err)
	}
	if text != again.String() {
		t.Error("export is not deterministic")
	}
}
