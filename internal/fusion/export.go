package fusion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

const exportBatch = 10000

// ExportFused renders a deterministic Markdown view merging session, daily,
// and long-term memories: ordered by date, then descending importance, ties
// broken by id ascending. Read-only with respect to the store.
func (r *Resolver) ExportFused(ctx context.Context, w io.Writer) error {
	var all []model.Memory
	for _, t := range []string{model.TypeSession, model.TypeDaily, model.TypeLongterm} {
		memories, err := r.store.Query(ctx, store.QueryParams{Type: t, Limit: exportBatch})
		if err != nil {
			return fmt.Errorf("query %s memories: %w", t, err)
		}
		all = append(all, memories...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		di, dj := dateOf(all[i]), dateOf(all[j])
		if di != dj {
			return di < dj
		}
		if all[i].Importance != all[j].Importance {
			return all[i].Importance > all[j].Importance
		}
		return all[i].ID < all[j].ID
	})

	fmt.Fprintln(w, "# Fused Memory Export")

	lastDate := ""
	for _, m := range all {
		date := dateOf(m)
		if date != lastDate {
			fmt.Fprintf(w, "\n## %s\n\n", date)
			lastDate = date
		}

		header := fmt.Sprintf("- **%s** (id %d, importance %d", m.Type, m.ID, m.Importance)
		if m.SessionID != "" {
			header += ", session " + m.SessionID
		}
		header += ")"
		fmt.Fprintln(w, header)

		var buf bytes.Buffer
		if err := json.Compact(&buf, m.Content); err != nil {
			buf.Reset()
			buf.Write(m.Content)
		}
		fmt.Fprintf(w, "  `%s`\n", buf.String())
	}

	return nil
}
