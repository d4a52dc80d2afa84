package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	versionsCmd := &cobra.Command{
		Use:   "versions <id>",
		Short: "List a memory's versions, oldest first",
		Args:  cobra.ExactArgs(1),
		Run:   runVersions,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore-version <version-id>",
		Short: "Restore a memory to a historical version",
		Long:  "Append a new version whose content equals the target historical version. History is never rewritten.",
		Args:  cobra.ExactArgs(1),
		Run:   runRestoreVersion,
	}

	RootCmd.AddCommand(versionsCmd)
	RootCmd.AddCommand(restoreCmd)
}

func runVersions(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("versions", fmt.Errorf("invalid id %q", args[0]))
	}

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	versions, err := s.ListVersions(cmd.Context(), id)
	if err != nil {
		exitErr("versions", err)
	}

	b, _ := json.MarshalIndent(versions, "", "  ")
	fmt.Println(string(b))
}

func runRestoreVersion(cmd *cobra.Command, args []string) {
	versionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("restore-version", fmt.Errorf("invalid version id %q", args[0]))
	}

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	version, err := s.RestoreVersion(cmd.Context(), versionID)
	if err != nil {
		exitErr("restore-version", err)
	}

	b, _ := json.Marshal(map[string]interface{}{"restored_from": versionID, "new_version": version})
	fmt.Println(string(b))
}
