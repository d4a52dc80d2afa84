package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Run a structural integrity scan",
		Long:  "Scan for version-chain violations and report them. Nothing is fixed automatically; exits non-zero when violations are found.",
		Run:   runIntegrity,
	}

	RootCmd.AddCommand(cmd)
}

func runIntegrity(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	rep, err := s.CheckIntegrity(cmd.Context())
	if err != nil {
		exitErr("integrity", err)
	}

	b, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Println(string(b))

	if !rep.OK() {
		os.Exit(1)
	}
}
