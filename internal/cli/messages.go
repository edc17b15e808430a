package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/storage"
)

var (
	listStatuses []string
	listGroup    string
	listEndpoint string
	listLimit    int
	listOffset   int

	archiveGroup string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed messages, newest failure first",
	Run:   runList,
}

var archiveCmd = &cobra.Command{
	Use:   "archive [unique_message_id...]",
	Short: "Archive failed messages or a whole failure group",
	Run: func(cmd *cobra.Command, args []string) {
		runArchive(args, true)
	},
}

var unarchiveCmd = &cobra.Command{
	Use:   "unarchive [unique_message_id...]",
	Short: "Return archived messages to unresolved",
	Run: func(cmd *cobra.Command, args []string) {
		runArchive(args, false)
	},
}

func init() {
	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "filter by status (repeatable)")
	listCmd.Flags().StringVar(&listGroup, "group", "", "filter by failure group id")
	listCmd.Flags().StringVar(&listEndpoint, "endpoint", "", "filter by receiving endpoint")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "rows to skip")

	for _, c := range []*cobra.Command{archiveCmd, unarchiveCmd} {
		c.Flags().StringVar(&archiveGroup, "group", "", "apply to every member of a failure group")
	}

	rootCmd.AddCommand(listCmd, archiveCmd, unarchiveCmd)
}

func runList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	q := storage.FailedMessageQuery{
		GroupID:  listGroup,
		Endpoint: listEndpoint,
		Limit:    listLimit,
		Offset:   listOffset,
	}
	for _, s := range listStatuses {
		q.Statuses = append(q.Statuses, domain.Status(s))
	}

	msgs, err := app.Ledger().Query(ctx, q)
	if err != nil {
		slog.Error("Failed to query messages", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tENDPOINT\tEXCEPTION\tATTEMPTS\tFAILED AT")
	for _, m := range msgs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID,
			m.Status,
			m.MessageType,
			m.ReceivingEndpoint.Name,
			m.ExceptionType,
			len(m.ProcessingAttempts),
			m.TimeOfFailure.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

func runArchive(ids []string, archive bool) {
	if len(ids) == 0 && archiveGroup == "" {
		fmt.Println("Provide message ids or --group")
		os.Exit(1)
	}

	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()
	l := app.Ledger()

	verb := "Archived"
	if !archive {
		verb = "Unarchived"
	}

	if archiveGroup != "" {
		var n int
		var err error
		if archive {
			n, err = l.ArchiveGroup(ctx, archiveGroup)
		} else {
			n, err = l.UnarchiveGroup(ctx, archiveGroup)
		}
		if err != nil {
			slog.Error("Group operation failed", "group", archiveGroup, "error", err)
			os.Exit(1)
		}
		fmt.Printf("%s %d messages in group %s\n", verb, n, archiveGroup)
		return
	}

	failed := 0
	for _, id := range ids {
		var err error
		if archive {
			err = l.Archive(ctx, id)
		} else {
			err = l.Unarchive(ctx, id)
		}
		if err != nil {
			failed++
			fmt.Printf("%s: %v\n", id, err)
			continue
		}
		fmt.Printf("%s %s\n", verb, id)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
