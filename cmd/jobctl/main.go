// Command jobctl uploads inventory files and inspects background jobs through
// the dealer-jobs HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/dealer-jobs/internal/apiclient"
)

const defaultAPIURL = "http://localhost:8080"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "jobctl",
		Short:        "Upload inventory and inspect dealer background jobs",
		SilenceUsage: true,
	}

	apiURL := os.Getenv("DEALER_JOBS_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	root.PersistentFlags().String("api-url", apiURL, "Base URL of the job API (env DEALER_JOBS_API_URL)")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "Timeout of a single API request")

	root.AddCommand(
		newUploadCommand(),
		newJobCommand(),
		newCRMPushCommand(),
		newRemindCommand(),
	)
	return root
}

func clientFromCommand(cmd *cobra.Command) (*apiclient.Client, error) {
	apiURL, _ := cmd.Flags().GetString("api-url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required")
	}
	return apiclient.New(apiURL, timeout, nil), nil
}
