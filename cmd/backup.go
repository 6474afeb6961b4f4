package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	backupDir      string
	backupInterval time.Duration
	dbPath         string
	restoreFile    string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup the durable mempool",
		Long: `Backup the BadgerDB of the durable mempool to a directory.

Backups are stored as /backup_dir/yy-mm-dd-hh-mm/badger.backup
Use --interval to back up periodically until interrupted, 0 means one backup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.OutOrStdout(), dbPath, backupDir, backupInterval)
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore the durable mempool from a backup",
		Long: `Restore the BadgerDB of the durable mempool from a backup file.
The bundler must be stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.OutOrStdout(), dbPath, restoreFile)
		},
	}
)

func runBackup(out io.Writer, dbPath, backupDir string, interval time.Duration) error {
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if _, err := performBackup(out, dbPath, backupDir, time.Now()); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := performBackup(out, dbPath, backupDir, time.Now()); err != nil {
				fmt.Fprintf(out, "Periodic backup failed: %v\n", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Backing up every %s\n", interval)
	scheduler.Start()
	defer scheduler.Shutdown()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	return nil
}

// performBackup writes a full backup of dbPath and returns the file it wrote
func performBackup(out io.Writer, dbPath, backupDir string, now time.Time) (string, error) {
	backupPath := filepath.Join(backupDir, now.Format("06-01-02-15-04"))
	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	backupFile := filepath.Join(backupPath, "badger.backup")
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := db.Backup(context.Background(), f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}

	fmt.Fprintf(out, "Backup completed to %s\n", backupFile)
	return backupFile, nil
}

func runRestore(out io.Writer, dbPath, restoreFile string) error {
	f, err := os.Open(restoreFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("failed to create DB directory: %w", err)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Load(context.Background(), f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}

	fmt.Fprintf(out, "Restored %s from %s\n", dbPath, restoreFile)
	return nil
}

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backup", "Directory to store backups")
	backupCmd.Flags().DurationVar(&backupInterval, "interval", 0, "Back up periodically at this interval, 0 for one backup")
	backupCmd.MarkFlagRequired("db-path")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Backup file to restore from (required)")
	restoreCmd.MarkFlagRequired("db-path")
	restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
