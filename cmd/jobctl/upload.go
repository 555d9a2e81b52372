package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func newUploadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <dealership-id> <file.csv>",
		Short: "Upload an inventory CSV and optionally follow the import",
		Args:  cobra.ExactArgs(2),
		RunE:  runUpload,
	}

	cmd.Flags().Bool("mark-missing-as-sold", false, "Mark vehicles absent from the file as sold")
	cmd.Flags().Bool("watch", false, "Follow the import with a progress bar until it finishes")
	cmd.Flags().Duration("interval", time.Second, "Polling interval used with --watch")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	client, err := clientFromCommand(cmd)
	if err != nil {
		return err
	}

	dealershipID, path := args[0], args[1]
	markMissing, _ := cmd.Flags().GetBool("mark-missing-as-sold")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	accepted, err := client.UploadInventory(cmd.Context(), dealershipID, filepath.Base(path), f, markMissing)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "job %s accepted with %d rows\n", accepted.JobID, accepted.TotalRows)
	if accepted.ArchiveKey != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "archived as %s\n", accepted.ArchiveKey)
	}

	if !watch {
		return nil
	}
	return watchJob(cmd, client, accepted.JobID, interval)
}
