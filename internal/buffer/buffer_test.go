package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// idleOptions disables the timer and high-water triggers so the test is the
// only thing draining the queue.
func idleOptions(capacity int) Options {
	return Options{Capacity: capacity, FlushInterval: time.Hour, HighWater: capacity + 1}
}

func params(marker string, importance int) store.SaveParams {
	return store.SaveParams{
		Type:       model.TypeSession,
		Content:    json.RawMessage(fmt.Sprintf(`{"marker":%q}`, marker)),
		Importance: importance,
	}
}

func TestSaveImmediately(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, idleOptions(10))
	defer b.Close(ctx)

	id, err := b.SaveImmediately(ctx, params("urgent", 5))
	if err != nil {
		t.Fatalf("save immediately: %v", err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		t.Fatalf("entry not durable: %v", err)
	}
	if b.QueueSize() != 0 {
		t.Error("immediate save must not touch the queue")
	}
}

func TestQueueAndForceFlush(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, idleOptions(10))
	defer b.Close(ctx)

	for i := 0; i < 3; i++ {
		if !b.QueueSave(params(fmt.Sprintf("m%d", i), i)) {
			t.Fatalf("queue rejected entry %d", i)
		}
	}
	if b.QueueSize() != 3 {
		t.Fatalf("expected queue size 3, got %d", b.QueueSize())
	}

	// Nothing durable before the flush
	memories, _ := s.Query(ctx, store.QueryParams{})
	if len(memories) != 0 {
		t.Fatal("queued entries must not be durable before flush")
	}

	if n := b.ForceFlush(ctx); n != 3 {
		t.Fatalf("expected 3 flushed, got %d", n)
	}
	memories, _ = s.Query(ctx, store.QueryParams{})
	if len(memories) != 3 {
		t.Fatalf("expected 3 durable memories, got %d", len(memories))
	}

	st := b.Status()
	if st.Flushed != 3 || st.QueueSize != 0 || st.Dropped != 0 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.LastFlush.IsZero() {
		t.Error("last flush time not recorded")
	}
}

func TestQueueFullRejectsAndEvicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, idleOptions(3))
	defer b.Close(ctx)

	b.QueueSave(params("a", 5))
	b.QueueSave(params("b", 1))
	b.QueueSave(params("c", 5))

	// Incoming entry no more important than the weakest queued one: rejected
	if b.QueueSave(params("reject", 1)) {
		t.Fatal("expected rejection when incoming importance does not beat the minimum")
	}
	if b.QueueSize() != 3 {
		t.Fatalf("rejection must not change the queue, size %d", b.QueueSize())
	}

	// More important entrant evicts the lowest-importance entry
	if !b.QueueSave(params("d", 3)) {
		t.Fatal("expected eviction to admit a more important entry")
	}
	if b.QueueSize() != 3 {
		t.Fatalf("eviction must keep the queue at capacity, size %d", b.QueueSize())
	}

	b.ForceFlush(ctx)
	memories, _ := s.Query(ctx, store.QueryParams{})
	markers := map[string]bool{}
	for _, m := range memories {
		var c struct {
			Marker string `json:"marker"`
		}
		json.Unmarshal(m.Content, &c)
		markers[c.Marker] = true
	}
	if markers["b"] || markers["reject"] {
		t.Errorf("evicted or rejected entries persisted: %v", markers)
	}
	if !markers["a"] || !markers["c"] || !markers["d"] {
		t.Errorf("surviving entries missing: %v", markers)
	}

	if st := b.Status(); st.Evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", st.Evicted)
	}
}

func TestFlushDropsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, idleOptions(10))
	defer b.Close(ctx)

	b.QueueSave(params("ok1", 1))
	b.QueueSave(store.SaveParams{Type: model.TypeSession, Content: json.RawMessage(`{}`)})
	b.QueueSave(params("ok2", 1))

	if n := b.ForceFlush(ctx); n != 2 {
		t.Fatalf("expected 2 flushed around the invalid entry, got %d", n)
	}
	if st := b.Status(); st.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", st.Dropped)
	}
	memories, _ := s.Query(ctx, store.QueryParams{})
	if len(memories) != 2 {
		t.Errorf("expected 2 durable memories, got %d", len(memories))
	}
}

func TestHighWaterTriggersFlush(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, Options{Capacity: 100, FlushInterval: time.Hour, HighWater: 2})
	defer b.Close(ctx)

	b.QueueSave(params("x", 1))
	b.QueueSave(params("y", 1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		memories, _ := s.Query(ctx, store.QueryParams{})
		if len(memories) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("high-water mark did not trigger a flush")
}

func TestCloseDrainsQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := New(s, nil, idleOptions(10))

	b.QueueSave(params("last", 1))
	if n := b.Close(ctx); n != 1 {
		t.Fatalf("expected close to drain 1 entry, got %d", n)
	}
	memories, _ := s.Query(ctx, store.QueryParams{})
	if len(memories) != 1 {
		t.Fatal("entry lost on close")
	}
}
