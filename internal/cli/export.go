package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memkeeper/internal/fusion"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a fused Markdown view of all memories",
		Long:  "Render session, daily, and long-term memories as deterministic Markdown, ordered by date, importance, then id.",
		Run:   runExport,
	}

	cmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			exitErr("export", err)
		}
		defer f.Close()
		out = f
	}

	r := fusion.NewResolver(s, log)
	if err := r.ExportFused(cmd.Context(), out); err != nil {
		exitErr("export", err)
	}

	if output != "" {
		fmt.Printf("exported fused view to %s\n", output)
	}
}
