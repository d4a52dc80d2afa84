package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memkeeper/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		Run:   runList,
	}

	cmd.Flags().StringP("type", "t", "", "Filter by memory type")
	cmd.Flags().StringP("session", "s", "", "Filter by session id")
	cmd.Flags().String("date", "", "Filter by date YYYY-MM-DD")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Int("offset", 0, "Pagination offset")
	cmd.Flags().Bool("deleted", false, "Include soft-deleted memories")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	memType, _ := cmd.Flags().GetString("type")
	sessionID, _ := cmd.Flags().GetString("session")
	date, _ := cmd.Flags().GetString("date")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	deleted, _ := cmd.Flags().GetBool("deleted")

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	memories, err := s.Query(cmd.Context(), store.QueryParams{
		Type:           memType,
		SessionID:      sessionID,
		Date:           date,
		Limit:          limit,
		Offset:         offset,
		IncludeDeleted: deleted,
	})
	if err != nil {
		exitErr("list", err)
	}

	b, _ := json.MarshalIndent(memories, "", "  ")
	fmt.Println(string(b))
}
