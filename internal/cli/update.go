package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rcliao/memkeeper/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "update <id> [content]",
		Short: "Update a memory, appending a new version",
		Args:  cobra.MinimumNArgs(1),
		Run:   runUpdate,
	}

	cmd.Flags().String("by", model.ChangedByUser, "Change source: user, auto_extraction, fusion, restore")
	cmd.Flags().String("reason", "", "Change reason")

	RootCmd.AddCommand(cmd)
}

func runUpdate(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("update", fmt.Errorf("invalid id %q", args[0]))
	}
	changedBy, _ := cmd.Flags().GetString("by")
	reason, _ := cmd.Flags().GetString("reason")

	content := readContent(args[1:])
	if content == nil {
		exitErr("update", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	version, err := s.Update(cmd.Context(), id, content, changedBy, reason)
	if err != nil {
		exitErr("update", err)
	}

	b, _ := json.Marshal(map[string]interface{}{"id": id, "version": version})
	fmt.Println(string(b))
}
