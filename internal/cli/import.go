package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memkeeper/internal/buffer"
	"github.com/rcliao/memkeeper/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Bulk-import memories from newline-delimited JSON",
		Long:  "Import memories from NDJSON (file or stdin) through the write buffer. Each line is {\"memory_type\": ..., \"content\": ..., ...}.",
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

type importEntry struct {
	Type       string          `json:"memory_type"`
	Content    json.RawMessage `json:"content"`
	SessionID  string          `json:"session_id"`
	Date       string          `json:"date"`
	Importance int             `json:"importance"`
	Tags       []string        `json:"tags"`
}

func runImport(cmd *cobra.Command, args []string) {
	in := os.Stdin
	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("import", err)
		}
		defer f.Close()
		in = f
	}

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	buf := buffer.New(s, log, buffer.Options{
		Capacity:      cfg.QueueCapacity,
		FlushInterval: cfg.FlushInterval,
		HighWater:     cfg.HighWater,
	})

	queued := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e importEntry
		if err := json.Unmarshal(line, &e); err != nil {
			exitErr("import", fmt.Errorf("invalid line: %w", err))
		}
		p := store.SaveParams{
			Type:       e.Type,
			Content:    e.Content,
			SessionID:  e.SessionID,
			Date:       e.Date,
			Importance: e.Importance,
			Tags:       e.Tags,
		}
		if !buf.QueueSave(p) {
			// Queue full and the entry too unimportant to displace
			// anything: commit it synchronously instead.
			if _, err := buf.SaveImmediately(cmd.Context(), p); err != nil {
				exitErr("import", err)
			}
		}
		queued++
	}
	if err := scanner.Err(); err != nil {
		exitErr("import", err)
	}

	flushed := buf.Close(cmd.Context())
	fmt.Printf("imported %d entries (%d via final flush)\n", queued, flushed)
}
