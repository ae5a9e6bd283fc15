package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/patchlynx/internal/classifier"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

func NewClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <assets-file>",
		Short: "Classify a JSON or YAML list of assets",
		Long: `Assign an asset type and role tags to every asset of a JSON or YAML list,
using its hostname, operating system, services, open ports and cloud metadata.
Invalid assets are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: runClassify,
	}
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json, yaml)")
	cmd.Flags().Bool("save", false, "Store the classified assets in local storage")
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	var assets []models.Asset
	if err := decodeFile(args[0], &assets); err != nil {
		return err
	}

	valid := assets[:0]
	for i := range assets {
		if err := assets[i].Validate(); err != nil {
			a.logger.Warnf("Skipping asset %d: %v", i+1, err)
			continue
		}
		valid = append(valid, assets[i])
	}

	classified := classifier.NewClassifier(a.logger).Batch(valid)
	a.metrics.RecordClassified(classified)
	a.logger.Infof("Classified %d of %d assets", len(classified), len(assets))

	if save, _ := cmd.Flags().GetBool("save"); save {
		ls, err := a.openStorage()
		if err != nil {
			return err
		}
		runID := "classify-" + uuid.NewString()
		if _, err := ls.SaveAssets(runID, classified); err != nil {
			return err
		}
	}

	format, _ := cmd.Flags().GetString("format")
	return writeAssets(cmd.OutOrStdout(), format, classified)
}

func writeAssets(w io.Writer, format string, assets []models.Asset) error {
	if format != "table" {
		return encode(w, format, assets)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOSTNAME\tIP\tTYPE\tOS\tTAGS")
	for _, asset := range assets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			orDash(asset.Hostname), orDash(asset.IPAddress), asset.AssetType,
			orDash(asset.OperatingSystem), orDash(strings.Join(asset.Tags, ",")))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
