package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory",
		Long:  "Soft-delete a memory (default) or remove it and its versions permanently with --permanent.",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}

	cmd.Flags().Bool("permanent", false, "Permanently delete the memory and its versions")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("rm", fmt.Errorf("invalid id %q", args[0]))
	}
	permanent, _ := cmd.Flags().GetBool("permanent")

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	if err := s.Delete(cmd.Context(), id, permanent); err != nil {
		exitErr("rm", err)
	}

	fmt.Printf("deleted memory %d\n", id)
}
