package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "save [content]",
		Short: "Save a memory",
		Long:  "Save a memory. Content is JSON, given as a positional arg or piped via stdin. Plain text is wrapped as {\"text\": ...}.",
		Run:   runSave,
	}

	cmd.Flags().StringP("type", "t", model.TypeSession, "Memory type: session, daily, longterm")
	cmd.Flags().StringP("session", "s", "", "Session id (minted for session memories when empty)")
	cmd.Flags().String("date", "", "Date YYYY-MM-DD (required for daily memories)")
	cmd.Flags().IntP("importance", "i", 0, "Importance 0-10")
	cmd.Flags().String("tags", "", "Comma-separated tags")

	RootCmd.AddCommand(cmd)
}

func runSave(cmd *cobra.Command, args []string) {
	memType, _ := cmd.Flags().GetString("type")
	sessionID, _ := cmd.Flags().GetString("session")
	date, _ := cmd.Flags().GetString("date")
	importance, _ := cmd.Flags().GetInt("importance")
	tagsStr, _ := cmd.Flags().GetString("tags")

	content := readContent(args)
	if content == nil {
		exitErr("save", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	if sessionID == "" && memType == model.TypeSession {
		sessionID = uuid.NewString()
	}

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	id, err := s.Save(cmd.Context(), store.SaveParams{
		Type:       memType,
		Content:    content,
		SessionID:  sessionID,
		Date:       date,
		Importance: importance,
		Tags:       splitTags(tagsStr),
	})
	if err != nil {
		exitErr("save", err)
	}

	mem, err := s.Get(cmd.Context(), id)
	if err != nil {
		exitErr("save", err)
	}
	b, _ := json.MarshalIndent(mem, "", "  ")
	fmt.Println(string(b))
}

// readContent reads JSON content from args or stdin, wrapping plain text.
func readContent(args []string) json.RawMessage {
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	b, _ := json.Marshal(map[string]string{"text": content})
	return b
}

func splitTags(tagsStr string) []string {
	var tags []string
	for _, t := range strings.Split(tagsStr, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
