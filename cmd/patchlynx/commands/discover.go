package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/patchlynx/internal/classifier"
	"github.com/bl4ck0w1/patchlynx/internal/discovery/agent"
	"github.com/bl4ck0w1/patchlynx/internal/discovery/dns"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

func NewDiscoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover <telemetry-file>",
		Short: "Build a classified asset inventory from agent telemetry",
		Long: `Read agent reports (or a scanner asset export) from a JSON or YAML file,
turn every usable record into an asset and classify it. With --resolve, missing
hostnames and addresses are looked up over DNS.`,
		Args: cobra.ExactArgs(1),
		RunE: runDiscover,
	}
	cmd.Flags().Bool("resolve", false, "Fill in missing hostnames and addresses over DNS")
	cmd.Flags().StringSlice("nameserver", nil, "DNS servers used by --resolve (default discovery.nameservers)")
	cmd.Flags().Bool("save", false, "Store the discovered assets in local storage")
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json, yaml)")

	_ = viper.BindPFlag("discovery.resolve", cmd.Flags().Lookup("resolve"))
	_ = viper.BindPFlag("discovery.nameservers", cmd.Flags().Lookup("nameserver"))
	return cmd
}

func runDiscover(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	opts := agent.Options{
		Classifier: classifier.NewClassifier(a.logger),
		Metrics:    a.metrics,
	}
	if a.cfg.Discovery.Resolve {
		opts.Resolver = dns.NewResolver(dns.Options{
			Servers:    utils.RemoveDuplicates(a.cfg.Discovery.Nameservers),
			Timeout:    a.cfg.Discovery.DNSTimeout,
			MaxRetries: a.cfg.Discovery.RetryAttempts,
		}, a.logger)
	}

	run, assets, err := agent.NewDiscoverer(opts, a.logger).Discover(ctx, agent.NewFileSource(args[0]))
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"run":      run.ID,
		"reports":  run.Reports,
		"assets":   run.Assets,
		"skipped":  run.Skipped,
		"resolved": run.Resolved,
		"duration": utils.HumanizeDuration(run.Duration()),
	}).Info("Discovery finished")
	for _, e := range run.Errors {
		fmt.Fprintf(os.Stderr, "  skipped: %s\n", e)
	}

	if save, _ := cmd.Flags().GetBool("save"); save {
		ls, err := a.openStorage()
		if err != nil {
			return err
		}
		if _, err := ls.SaveAssets(run.ID, assets); err != nil {
			return err
		}
	}

	format, _ := cmd.Flags().GetString("format")
	return writeAssets(cmd.OutOrStdout(), format, assets)
}
