package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/patchlynx/internal/storage"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

func NewReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Manage stored assessment reports",
		Long: `List, view, export and clean up the assessment reports kept in local storage
by "patchlynx assess --save".`,
	}
	cmd.AddCommand(newReportListCommand())
	cmd.AddCommand(newReportShowCommand())
	cmd.AddCommand(newReportHistoryCommand())
	cmd.AddCommand(newReportExportCommand())
	cmd.AddCommand(newReportDeleteCommand())
	cmd.AddCommand(newReportCleanupCommand())
	return cmd
}

func newReportListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored reports, newest first",
		RunE:  runReportList,
	}
}

func newReportShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Print a stored report",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportShow,
	}
	cmd.Flags().StringP("format", "f", "", "Output format (json, yaml, text)")
	return cmd
}

func newReportHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <target>",
		Short: "Show how the risk of a target changed across assessments",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportHistory,
	}
}

func newReportExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <report-id>",
		Short: "Write a stored report to the output directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportExport,
	}
	cmd.Flags().StringSliceP("formats", "f", []string{models.ReportFormatText, models.ReportFormatJSON}, "Output formats (json, yaml, text)")
	cmd.Flags().StringP("output", "o", "", "Output directory (defaults to reporting.output_dir)")
	return cmd
}

func newReportDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <report-id>",
		Short: "Delete a stored report",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportDelete,
	}
}

func newReportCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove reports and asset files older than storage.retention",
		RunE:  runReportCleanup,
	}
}

func (a *app) reportRepository() (*storage.ReportRepository, error) {
	ls, err := a.openStorage()
	if err != nil {
		return nil, err
	}
	return storage.NewReportRepository(ls, a.logger), nil
}

func runReportList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ls, err := a.openStorage()
	if err != nil {
		return err
	}
	reports, err := ls.ListReports()
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		a.logger.Info("No stored reports found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tASSESSED\tRISK\tLEVEL\tVULNS\tPATCHES")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%d\t%d\n",
			r.ID, r.Target, r.AssessedAt.Local().Format(time.DateTime),
			r.RiskScore, r.RiskLevel, r.Summary.TotalVulnerabilities, r.Summary.MissingPatches)
	}
	return w.Flush()
}

func runReportShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ls, err := a.openStorage()
	if err != nil {
		return err
	}
	r, err := ls.LoadReport(args[0])
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format == "" {
		format = a.cfg.Reporting.Format
	}
	data, err := a.reportGenerator("").Render(r, format)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runReportHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	repo, err := a.reportRepository()
	if err != nil {
		return err
	}
	history, err := repo.FindByTarget(context.Background(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ASSESSED\tRISK\tCHANGE\tCRITICAL\tHIGH\tMEDIUM\tLOW\tPATCHES\tID")
	for i, r := range history {
		change := "-"
		if i+1 < len(history) {
			change = fmt.Sprintf("%+.2f", r.RiskScore-history[i+1].RiskScore)
		}
		fmt.Fprintf(w, "%s\t%.2f\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.AssessedAt.Local().Format(time.DateTime), r.RiskScore, change,
			r.Summary.Critical, r.Summary.High, r.Summary.Medium, r.Summary.Low,
			r.Summary.MissingPatches, r.ID)
	}
	return w.Flush()
}

func runReportExport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ls, err := a.openStorage()
	if err != nil {
		return err
	}
	r, err := ls.LoadReport(args[0])
	if err != nil {
		return err
	}

	outDir, _ := cmd.Flags().GetString("output")
	formats, _ := cmd.Flags().GetStringSlice("formats")
	gen := a.reportGenerator(outDir)
	for _, format := range formats {
		path, err := gen.ExportReport(r, format)
		if err != nil {
			return fmt.Errorf("export %s: %w", format, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

func runReportDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	repo, err := a.reportRepository()
	if err != nil {
		return err
	}
	if err := repo.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	a.logger.Infof("Deleted report %s", args[0])
	return nil
}

func runReportCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if a.cfg.Storage.Retention == 0 {
		fmt.Fprintln(os.Stderr, "storage.retention is 0; only stale temp files are removed")
	}
	ls, err := a.openStorage()
	if err != nil {
		return err
	}
	removed := ls.Cleanup(time.Now())

	repo := storage.NewReportRepository(ls, a.logger)
	if err := repo.Rebuild(context.Background()); err != nil {
		return fmt.Errorf("failed to rebuild report index: %w", err)
	}
	a.logger.Infof("Cleanup removed %d files", removed)
	return nil
}
