package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/monitoring/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show message counts per status and backend health",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	report := app.Health().CheckHealth(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tMESSAGES")
	for _, s := range domain.AllStatuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, report.Messages[s])
	}
	_ = w.Flush()
	fmt.Println()

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	slices.Sort(names)

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COMPONENT\tHEALTH\tERROR")
	for _, name := range names {
		c := report.Components[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, c.Status, c.Error)
	}
	_ = w.Flush()

	fmt.Printf("\nSystem: %s\n", report.SystemStatus)
	if report.SystemStatus == health.StatusCritical {
		os.Exit(2)
	}
}
