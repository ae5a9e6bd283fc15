package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/patchlynx/internal/storage"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
)

func NewStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage and version database statistics",
		Long:  `Show what local storage holds (reports, asset inventories, disk use) and the size of the loaded version database.`,
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ls, err := a.openStorage()
	if err != nil {
		return err
	}
	storageStats, err := ls.GetStorageStats()
	if err != nil {
		return fmt.Errorf("failed to read storage stats: %w", err)
	}
	repoStats, err := storage.NewReportRepository(ls, a.logger).GetStats(context.Background())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Storage:")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintf(out, "Base Directory:    %v\n", storageStats["base_dir"])
	fmt.Fprintf(out, "Total Size:        %v\n", storageStats["total_size_human"])
	fmt.Fprintf(out, "Compression:       %v\n", storageStats["compression_enabled"])
	fmt.Fprintf(out, "Retention:         %v\n", storageStats["retention_period"])
	if counts, ok := storageStats["file_counts"].(map[string]int); ok {
		dirs := make([]string, 0, len(counts))
		for d := range counts {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		for _, d := range dirs {
			fmt.Fprintf(out, "  %-16s %d files\n", d+":", counts[d])
		}
	}

	fmt.Fprintln(out, "\nReports:")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintf(out, "Targets:           %v\n", repoStats["targets"])
	fmt.Fprintf(out, "Reports:           %v\n", repoStats["reports"])
	fmt.Fprintf(out, "Highest Risk:      %.2f\n", repoStats["max_risk_score"])

	db := a.analyzer.DB()
	fmt.Fprintln(out, "\nVersion Database:")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintf(out, "Source:            %s\n", db.Source())
	fmt.Fprintf(out, "Updated:           %s\n", orDash(db.Updated()))
	for _, cat := range versiondb.Categories() {
		fmt.Fprintf(out, "  %-18s %d products\n", string(cat)+":", len(db.Products(cat)))
	}
	return nil
}
