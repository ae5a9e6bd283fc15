package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
)

func NewVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			db := versiondb.Default()
			fmt.Fprintf(out, "PatchLynx Version: %s\n", version)
			fmt.Fprintf(out, "Git Commit: %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
			fmt.Fprintf(out, "Version Database: %s (updated %s)\n", db.Source(), db.Updated())
			fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
