package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/core/apqueue"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	statusDbPath  string
	statusVerbose bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display the durable mempool",
		Long: `Display how many user operations the durable mempool holds.

The bundler must be stopped: badger allows one process per database.
Use --verbose to print every persisted user operation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.OutOrStdout(), statusDbPath, statusVerbose)
		},
	}
)

func printStatus(out io.Writer, dbPath string, verbose bool) error {
	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	defer db.Close()

	queue := apqueue.New(db, logging.NewNoopLogger(), &apqueue.QueueOption{Prefix: mempool.DurableQueuePrefix})

	fmt.Fprintf(out, "Durable mempool at %s\n", dbPath)
	for _, status := range []apqueue.JobStatus{apqueue.JobPending, apqueue.JobInProgress} {
		count, err := queue.Count(status)
		if err != nil {
			return fmt.Errorf("failed to count %s user operations: %w", status.HumanReadable(), err)
		}
		fmt.Fprintf(out, "  %s: %d\n", status.HumanReadable(), count)
	}

	if !verbose {
		return nil
	}

	jobs, err := queue.List(apqueue.JobPending)
	if err != nil {
		return err
	}
	printer := pp.New()
	printer.SetOutput(out)
	printer.SetColoringEnabled(false)
	for _, job := range jobs {
		info := &model.UserOpInfo{}
		if err := json.Unmarshal(job.Data, info); err != nil {
			fmt.Fprintf(out, "  %s: undecodable entry: %v\n", job.ExternalID, err)
			continue
		}
		fmt.Fprintf(out, "  %s\n", job.ExternalID)
		printer.Println(info)
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusDbPath, "db-path", "/tmp/ap-bundler/db", "Path to the BadgerDB directory of the durable mempool")
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "print every persisted user operation")
	rootCmd.AddCommand(statusCmd)
}
