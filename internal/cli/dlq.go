package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/minhvu/mapflow/internal/control"
	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/dlq"
)

var (
	dlqStatus    string
	dlqMappingID string
	dlqLimit     int
	dlqExportOut string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	Run:   runDLQList,
}

var dlqExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the dead-letter queue to a JSON file",
	Run:   runDLQExport,
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id> [id...]",
	Short: "Mark dead-letter entries as resolved",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDLQResolve,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "filter by status (pending, processing, resolved, failed)")
	dlqListCmd.Flags().StringVar(&dlqMappingID, "mapping-id", "", "filter by mapping id")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum entries to show")

	dlqExportCmd.Flags().StringVar(&dlqExportOut, "out", "dlq-export.json", "output file")
	dlqExportCmd.Flags().StringVar(&dlqStatus, "status", "", "filter by status")
	dlqExportCmd.Flags().StringVar(&dlqMappingID, "mapping-id", "", "filter by mapping id")

	dlqCmd.AddCommand(dlqListCmd, dlqExportCmd, dlqResolveCmd)
	rootCmd.AddCommand(dlqCmd)
}

func openQueue() *dlq.Queue {
	cfg := loadConfig()

	queue, err := control.OpenQueue(context.Background(), cfg)
	if err != nil {
		slog.Error("Failed to open dead-letter queue", "error", err)
		os.Exit(1)
	}
	return queue
}

func runDLQList(cmd *cobra.Command, args []string) {
	queue := openQueue()
	defer func() {
		_ = queue.Close()
	}()

	entries, err := queue.Search(dlq.SearchCriteria{
		Status:    domain.EntryStatus(dlqStatus),
		MappingID: dlqMappingID,
		Limit:     dlqLimit,
	})
	if err != nil {
		slog.Error("Failed to search queue", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tMAPPING\tRETRIES\tENQUEUED\tERROR")

	for _, entry := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			entry.ID,
			entry.Status,
			entry.Context.MappingID,
			entry.Context.RetryCount,
			entry.Context.EnqueuedAt.Format(time.RFC3339),
			entry.Error,
		)
	}
	_ = w.Flush()

	stats := queue.Stats()
	fmt.Printf("\n%d shown, %d total (enqueued %d, reprocessed %d, expired %d)\n",
		len(entries), stats.Size, stats.TotalEnqueued, stats.TotalReprocessed, stats.TotalExpired)
}

func runDLQExport(cmd *cobra.Command, args []string) {
	queue := openQueue()
	defer func() {
		_ = queue.Close()
	}()

	opts := dlq.ExportOptions{
		Status:    domain.EntryStatus(dlqStatus),
		MappingID: dlqMappingID,
	}
	if err := queue.ExportToFile(dlqExportOut, opts); err != nil {
		slog.Error("Failed to export queue", "error", err)
		os.Exit(1)
	}
	slog.Info("Queue exported", "file", dlqExportOut)
}

func runDLQResolve(cmd *cobra.Command, args []string) {
	queue := openQueue()
	defer func() {
		_ = queue.Close()
	}()

	result := queue.BulkResolve(context.Background(), args)
	for _, id := range result.Resolved {
		slog.Info("Entry resolved", "id", id)
	}
	for _, id := range result.NotFound {
		slog.Warn("Entry not found", "id", id)
	}
	if len(result.NotFound) > 0 {
		os.Exit(1)
	}
}
