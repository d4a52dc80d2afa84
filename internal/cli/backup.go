package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/memkeeper/internal/backup"
	"github.com/rcliao/memkeeper/internal/config"
	"github.com/rcliao/memkeeper/internal/model"
	"github.com/rcliao/memkeeper/internal/store"
)

func init() {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage store backups",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup of the store",
		Run:   runBackupCreate,
	}
	createCmd.Flags().StringP("type", "t", model.BackupManual, "Backup type: scheduled, manual, auto")
	createCmd.Flags().String("description", "", "Backup description")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, most recent first",
		Run:   runBackupList,
	}
	listCmd.Flags().StringP("type", "t", "", "Filter by backup type")
	listCmd.Flags().IntP("limit", "l", 20, "Max results")

	verifyCmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Verify a backup's checksum",
		Args:  cobra.ExactArgs(1),
		Run:   runBackupVerify,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore the store from a backup",
		Args:  cobra.ExactArgs(1),
		Run:   runBackupRestore,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old backups beyond the retention count",
		Run:   runBackupCleanup,
	}
	cleanupCmd.Flags().IntP("keep", "k", 0, "Completed backups to retain (default from config)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show backup statistics",
		Run:   runBackupStats,
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Check the store and recover from the newest valid backup if needed",
		Run:   runBackupRecover,
	}

	backupCmd.AddCommand(createCmd, listCmd, verifyCmd, restoreCmd, cleanupCmd, statsCmd, recoverCmd)
	RootCmd.AddCommand(backupCmd)
}

func openBackupService(cfg *config.Config, log *zap.Logger, s *store.SQLiteStore) *backup.Service {
	svc, err := backup.NewService(s, cfg.BackupDir, log)
	if err != nil {
		exitErr("backup service", err)
	}
	return svc
}

func runBackupCreate(cmd *cobra.Command, args []string) {
	backupType, _ := cmd.Flags().GetString("type")
	description, _ := cmd.Flags().GetString("description")

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()
	svc := openBackupService(cfg, log, s)

	b, err := svc.CreateBackup(cmd.Context(), backupType, description)
	if err != nil {
		exitErr("backup create", err)
	}

	out, _ := json.MarshalIndent(b, "", "  ")
	fmt.Println(string(out))
}

func runBackupList(cmd *cobra.Command, args []string) {
	backupType, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()
	svc := openBackupService(cfg, log, s)

	backups, err := svc.ListBackups(cmd.Context(), backupType, limit)
	if err != nil {
		exitErr("backup list", err)
	}

	out, _ := json.MarshalIndent(backups, "", "  ")
	fmt.Println(string(out))
}

func runBackupVerify(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("backup verify", fmt.Errorf("invalid id %q", args[0]))
	}

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()
	svc := openBackupService(cfg, log, s)

	res, err := svc.VerifyBackup(cmd.Context(), id)
	if err != nil {
		exitErr("backup verify", err)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}

func runBackupRestore(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("backup restore", fmt.Errorf("invalid id %q", args[0]))
	}

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()
	svc := openBackupService(cfg, log, s)

	if err := svc.RestoreBackup(cmd.Context(), id); err != nil {
		exitErr("backup restore", err)
	}

	fmt.Printf("restored store from backup %d\n", id)
}

func runBackupCleanup(cmd *cobra.Command, args []string) {
	keep, _ := cmd.Flags().GetInt("keep")

	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	if keep <= 0 {
		keep = cfg.KeepBackups
	}

	s := openStore(cfg, log)
	defer s.Close()
	svc := openBackupService(cfg, log, s)

	deleted, err := svc.CleanupOldBackups(cmd.Context(), keep)
	if err != nil {
		exitErr("backup cleanup", err)
	}

	fmt.Printf("deleted %d backups, kept %d most recent\n", deleted, keep)
}

func runBackupStats(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()

	st, err := s.BackupStats(cmd.Context())
	if err != nil {
		exitErr("backup stats", err)
	}

	out, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(out))
}

func runBackupRecover(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s := openStore(cfg, log)
	defer s.Close()
	svc := openBackupService(cfg, log, s)

	if err := svc.RecoverOnStartup(cmd.Context()); err != nil {
		exitErr("backup recover", err)
	}

	fmt.Println("store is healthy")
}
