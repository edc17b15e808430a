package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/redrive/internal/recoverability/drain"
	"github.com/vietddude/redrive/internal/recoverability/retry"
)

var (
	retryGroup       string
	retryDestination string
	retryBatchID     string
)

var retryCmd = &cobra.Command{
	Use:   "retry [unique_message_id...]",
	Short: "Redeliver failed messages and wait until the batch is forwarded",
	Run:   runRetry,
}

func init() {
	retryCmd.Flags().StringVar(&retryGroup, "group", "", "retry every open member of a failure group")
	retryCmd.Flags().StringVar(&retryDestination, "destination", "", "override the redelivery address")
	retryCmd.Flags().StringVar(&retryBatchID, "batch-id", "", "batch id (random when empty)")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	if len(args) == 0 && retryGroup == "" {
		fmt.Println("Provide message ids or --group")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	var (
		batch *retry.Batch
		res   drain.Result
		err   error
	)
	if retryGroup != "" {
		batch, res, err = app.Retry().RetryGroup(ctx, retryGroup)
	} else {
		req := retry.Request{UniqueMessageIDs: args, BatchID: retryBatchID}
		if retryDestination != "" {
			req.Destinations = make(map[string]string, len(args))
			for _, id := range args {
				req.Destinations[id] = retryDestination
			}
		}
		batch, res, err = app.Retry().Retry(ctx, req)
	}
	if err != nil {
		slog.Error("Retry failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Batch %s: staged %d, rejected %d\n", batch.ID, len(batch.Staged), len(batch.Rejected))
	for id, rejectErr := range batch.Rejected {
		fmt.Printf("  rejected %s: %v\n", id, rejectErr)
	}
	fmt.Printf("Forwarded %d (%d failed), stopped: %s\n", res.Handled-res.Failed, res.Failed, res.Reason)
	if res.Reason != drain.ReasonTargetReached && len(batch.Staged) > 0 {
		os.Exit(1)
	}
}
