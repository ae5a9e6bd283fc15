package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/patchlynx/internal/analysis"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

func NewVersionDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versiondb",
		Short: "List or validate the version database",
		Long: `List the products, branches and vulnerability counts of the loaded version
database (the built-in one, or version_db.path when set). With --check every
version and affected range is parsed and problems are reported.`,
		Args: cobra.NoArgs,
		RunE: runVersionDB,
	}
	cmd.Flags().String("category", "", "Only list this category (cms, plugins, javascript, css, languages, frameworks, webServers, databases, operatingSystems)")
	cmd.Flags().Bool("check", false, "Validate every version and range instead of listing")
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json, yaml)")
	return cmd
}

func runVersionDB(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	db, err := loadVersionDB(cfg)
	if err != nil {
		return err
	}

	if check, _ := cmd.Flags().GetBool("check"); check {
		if err := analysis.ValidateDatabase(db); err != nil {
			return fmt.Errorf("version database %s is invalid:\n%w", db.Source(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version database %s is valid\n", db.Source())
		return nil
	}

	entries := db.Entries()
	if raw, _ := cmd.Flags().GetString("category"); raw != "" {
		cat, err := versiondb.ParseCategory(raw)
		if err != nil {
			return err
		}
		filtered := entries[:0]
		for _, e := range entries {
			if e.Category == string(cat) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	format, _ := cmd.Flags().GetString("format")
	if format != "table" {
		return encode(cmd.OutOrStdout(), format, entries)
	}
	return writeVersionTable(cmd, db, entries)
}

func writeVersionTable(cmd *cobra.Command, db *versiondb.Database, entries []models.VersionEntry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "# %s (updated %s)\n", db.Source(), orDash(db.Updated()))
	if utils.FileExists(db.Source()) {
		if sum, err := utils.SHA256HashFile(db.Source()); err == nil {
			fmt.Fprintf(w, "# sha256 %s\n", sum)
		}
	}
	fmt.Fprintln(w, "CATEGORY\tPRODUCT\tBRANCH\tLATEST\tEOL\tSUPPORT ENDS\tVULNS")
	for _, e := range entries {
		eol := ""
		if e.EOL {
			eol = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.Category, e.Product, orDash(e.Branch), e.LatestVersion, eol,
			orDash(e.EndOfSupportDate), e.Vulnerabilities)
	}
	return w.Flush()
}
