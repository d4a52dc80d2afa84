// Package fusion merges overlapping memories across types without losing
// source data. Every synthesized merge goes through the store's save/update
// path, so the merge itself is versioned and reversible.
package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

// Strategy names a conflict-resolution policy. Strategies are named, never
// inferred.
type Strategy string

const (
	// StrategyKeepAll returns all inputs unmodified, ordered by recency.
	// It is the only loss-less strategy and the default.
	StrategyKeepAll Strategy = "keep_all"

	// StrategyMergeWindow synthesizes one fused memory per calendar date
	// from the inputs. The fused record is saved through the store; inputs
	// are untouched.
	StrategyMergeWindow Strategy = "merge_window"
)

// Resolver merges and cross-references memories.
type Resolver struct {
	store store.Store
	log   *zap.Logger
}

// NewResolver creates a conflict resolver over the given store.
func NewResolver(s store.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: s, log: log}
}

// ResolveConflict applies the named strategy to the given memories. keep_all
// discards nothing; other strategies may synthesize new memories but always
// through the versioned save path.
func (r *Resolver) ResolveConflict(ctx context.Context, memories []model.Memory, strategy Strategy) ([]model.Memory, error) {
	if strategy == "" {
		strategy = StrategyKeepAll
	}

	switch strategy {
	case StrategyKeepAll:
		out := make([]model.Memory, len(memories))
		copy(out, memories)
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].UpdatedAt.After(out[j].UpdatedAt)
			}
			return out[i].ID > out[j].ID
		})
		return out, nil

	case StrategyMergeWindow:
		return r.mergeByDate(ctx, memories)

	default:
		return nil, &store.ValidationError{Reason: fmt.Sprintf("unknown fusion strategy %q", strategy)}
	}
}

// mergeByDate groups memories by calendar date and saves one fused longterm
// memory per group. Source memories are never modified or deleted.
func (r *Resolver) mergeByDate(ctx context.Context, memories []model.Memory) ([]model.Memory, error) {
	groups := map[string][]model.Memory{}
	for _, m := range memories {
		groups[dateOf(m)] = append(groups[dateOf(m)], m)
	}

	dates := make([]string, 0, len(groups))
	for d := range groups {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var fused []model.Memory
	for _, date := range dates {
		group := groups[date]
		sort.SliceStable(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		entries := make([]json.RawMessage, 0, len(group))
		ids := make([]int64, 0, len(group))
		importance := 0
		for _, m := range group {
			entries = append(entries, m.Content)
			ids = append(ids, m.ID)
			if m.Importance > importance {
				importance = m.Importance
			}
		}
		content, err := json.Marshal(map[string]interface{}{
			"entries":    entries,
			"source_ids": ids,
		})
		if err != nil {
			return nil, err
		}

		id, err := r.store.Save(ctx, store.SaveParams{
			Type:       model.TypeLongterm,
			Content:    content,
			Date:       date,
			Importance: importance,
			ChangedBy:  model.ChangedByFusion,
			Reason:     fmt.Sprintf("merged %d memories for %s", len(group), date),
		})
		if err != nil {
			return nil, err
		}

		m, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		fused = append(fused, *m)
		r.log.Info("merged memories", zap.String("date", date), zap.Int("sources", len(group)), zap.Int64("fused_id", id))
	}
	return fused, nil
}

// FuseDailyWithLongterm promotes a daily log entry into long-term memory when
// its importance meets the threshold. The daily source is never deleted;
// provenance is recorded in the change reason.
func (r *Resolver) FuseDailyWithLongterm(ctx context.Context, dailyID int64, longtermIDs []int64, minImportance int) error {
	daily, err := r.store.Get(ctx, dailyID)
	if err != nil {
		return err
	}
	if daily.Type != model.TypeDaily {
		return &store.ValidationError{Reason: fmt.Sprintf("memory %d is %q, not a daily log", dailyID, daily.Type)}
	}
	if daily.Importance < minImportance {
		r.log.Debug("daily entry below importance threshold, skipped",
			zap.Int64("daily_id", dailyID),
			zap.Int("importance", daily.Importance),
			zap.Int("threshold", minImportance))
		return nil
	}

	reason := fmt.Sprintf("fused from daily %d", dailyID)

	if len(longtermIDs) == 0 {
		id, err := r.store.Save(ctx, store.SaveParams{
			Type:       model.TypeLongterm,
			Content:    daily.Content,
			Importance: daily.Importance,
			Tags:       daily.Tags,
			ChangedBy:  model.ChangedByFusion,
			Reason:     reason,
		})
		if err != nil {
			return err
		}
		r.log.Info("daily entry promoted to new longterm memory",
			zap.Int64("daily_id", dailyID), zap.Int64("longterm_id", id))
		return nil
	}

	for _, ltID := range longtermIDs {
		lt, err := r.store.Get(ctx, ltID)
		if err != nil {
			return err
		}
		if lt.Type != model.TypeLongterm {
			return &store.ValidationError{Reason: fmt.Sprintf("memory %d is %q, not longterm", ltID, lt.Type)}
		}
		merged, err := appendEntry(lt.Content, daily.Content)
		if err != nil {
			return err
		}
		if _, err := r.store.Update(ctx, ltID, merged, model.ChangedByFusion, reason); err != nil {
			return err
		}
		r.log.Info("daily entry fused into longterm memory",
			zap.Int64("daily_id", dailyID), zap.Int64("longterm_id", ltID))
	}
	return nil
}

// appendEntry merges new content into existing content. Content already
// shaped as {"entries": [...]} grows in place; anything else is wrapped.
func appendEntry(existing, incoming json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(existing, &obj); err == nil {
		if raw, ok := obj["entries"]; ok {
			var entries []json.RawMessage
			if err := json.Unmarshal(raw, &entries); err == nil {
				entries = append(entries, incoming)
				b, err := json.Marshal(entries)
				if err != nil {
					return nil, err
				}
				obj["entries"] = b
				return json.Marshal(obj)
			}
		}
	}
	return json.Marshal(map[string]interface{}{
		"entries": []json.RawMessage{existing, incoming},
	})
}

func dateOf(m model.Memory) string {
	if m.Date != "" {
		return m.Date
	}
	return m.CreatedAt.UTC().Format("2006-01-02")
}
