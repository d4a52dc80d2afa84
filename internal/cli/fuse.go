package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rcliao/memkeeper/internal/fusion"
)

func init() {
	cmd := &cobra.Command{
		Use:   "fuse <daily-id> [longterm-id...]",
		Short: "Fuse a daily log entry into long-term memory",
		Long:  "Promote a daily entry whose importance meets the threshold into the given long-term memories, or into a new one when none are given. The daily source is never deleted.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runFuse,
	}

	cmd.Flags().Int("min-importance", -1, "Importance threshold (default from config)")

	RootCmd.AddCommand(cmd)
}

func runFuse(cmd *cobra.Command, args []string) {
	dailyID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("fuse", fmt.Errorf("invalid daily id %q", args[0]))
	}

	var longtermIDs []int64
	for _, a := range args[1:] {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			exitErr("fuse", fmt.Errorf("invalid longterm id %q", a))
		}
		longtermIDs = append(longtermIDs, id)
	}

	minImportance, _ := cmd.Flags().GetInt("min-importance")

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	if minImportance < 0 {
		minImportance = cfg.MinImportance
	}

	s := openStore(cfg, log)
	defer s.Close()

	r := fusion.NewResolver(s, log)
	if err := r.FuseDailyWithLongterm(cmd.Context(), dailyID, longtermIDs, minImportance); err != nil {
		exitErr("fuse", err)
	}

	fmt.Printf("fused daily %d\n", dailyID)
}
