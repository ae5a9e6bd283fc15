package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/patchlynx/internal/orchestration"
	"github.com/bl4ck0w1/patchlynx/internal/ospatch"
	"github.com/bl4ck0w1/patchlynx/internal/patch"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

func NewAssessCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assess [url]",
		Short: "Assess a target for outdated software and missing patches",
		Long: `Assess one target, or every target of a batch file, for outdated and vulnerable
software. Each capability you provide enables one part of the assessment:

  url                       web frameworks, CMSs and JavaScript libraries
  --ssh-host/--ssh-user     operating system packages and pending updates
  --server-header           web server (or --probe-server to ask the URL host)
  --db-type/--db-version    database server`,
		Args: cobra.MaximumNArgs(1),
		RunE: runAssess,
	}

	cmd.Flags().String("name", "", "Target name used in the report (defaults to the URL or SSH host)")
	cmd.Flags().String("targets", "", "YAML file listing targets to assess in batch")
	cmd.Flags().String("ssh-host", "", "SSH host for OS patch detection")
	cmd.Flags().Int("ssh-port", 22, "SSH port")
	cmd.Flags().String("ssh-user", "", "SSH user")
	cmd.Flags().String("ssh-key", "", "SSH private key file")
	cmd.Flags().String("ssh-password", "", "SSH password")
	cmd.Flags().String("known-hosts", "", "known_hosts file used to verify the SSH host key")
	cmd.Flags().String("server-header", "", "Server header value already observed for the target")
	cmd.Flags().String("headers", "", "Other observed response headers as Name=value,Name=value")
	cmd.Flags().Bool("probe-server", false, "Send a HEAD request to the URL host to read its Server header")
	cmd.Flags().String("db-type", "", "Database type (mysql, postgresql, mongodb, ...)")
	cmd.Flags().String("db-version", "", "Database version")
	cmd.Flags().StringP("format", "f", "", "Output format (json, yaml, text)")
	cmd.Flags().StringP("output", "o", "", "Write reports to this directory instead of stdout")
	cmd.Flags().Bool("save", false, "Store reports in the local report storage")
	cmd.Flags().Duration("timeout", 10*time.Minute, "Timeout for a single target")
	cmd.Flags().Bool("fail-on-risk", false, "Exit non-zero when a report reaches reporting.risk_threshold")

	_ = viper.BindPFlag("ssh.host", cmd.Flags().Lookup("ssh-host"))
	_ = viper.BindPFlag("ssh.port", cmd.Flags().Lookup("ssh-port"))
	_ = viper.BindPFlag("ssh.user", cmd.Flags().Lookup("ssh-user"))
	_ = viper.BindPFlag("ssh.key_file", cmd.Flags().Lookup("ssh-key"))
	_ = viper.BindPFlag("ssh.password", cmd.Flags().Lookup("ssh-password"))
	_ = viper.BindPFlag("ssh.known_hosts_file", cmd.Flags().Lookup("known-hosts"))
	_ = viper.BindPFlag("http.probe_server", cmd.Flags().Lookup("probe-server"))
	_ = viper.BindPFlag("reporting.format", cmd.Flags().Lookup("format"))

	return cmd
}

// targetEntry is one entry of a --targets file.
type targetEntry struct {
	patch.Target `yaml:",inline"`
	SSH          *models.SSHConfig `yaml:"ssh,omitempty"`
}

type targetsFile struct {
	Targets []targetEntry `yaml:"targets"`
}

func runAssess(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(context.Background())
	defer cancel()
	a.serveMetrics(ctx)

	opts := patch.Options{
		Timeout:      a.cfg.HTTP.Timeout,
		MaxRedirects: a.cfg.HTTP.FetchRedirects(),
		UserAgent:    a.cfg.HTTP.UserAgent,
		ProbeServer:  a.cfg.HTTP.ProbeServer,
	}
	manager := patch.NewManager(a.analyzer, a.metrics, a.logger)
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var reports []*models.PatchAssessmentReport
	if path, _ := cmd.Flags().GetString("targets"); path != "" {
		targets, closeAll, err := a.loadTargets(path)
		if err != nil {
			return err
		}
		defer closeAll()

		batch := orchestration.NewBatchAssessor(manager, orchestration.BatchConfig{
			MaxConcurrent: a.cfg.Global.MaxConcurrent,
			RateLimit:     a.cfg.Global.RateLimit,
			TargetTimeout: timeout,
		}, a.logger)
		reports, err = batch.AssessAll(ctx, targets, opts)
		if err != nil {
			a.logger.Warn(err)
		}
	} else {
		target, closer, err := a.flagTarget(cmd, args)
		if err != nil {
			return err
		}
		defer closer()

		tctx, tcancel := context.WithTimeout(ctx, timeout)
		defer tcancel()
		reports = append(reports, manager.PerformPatchAssessment(tctx, target, opts))
	}

	if err := a.emitReports(ctx, cmd, reports); err != nil {
		return err
	}
	if len(reports) > 1 && !viper.GetBool("quiet") {
		printBatchSummary(os.Stderr, reports)
	}

	if fail, _ := cmd.Flags().GetBool("fail-on-risk"); fail {
		for _, r := range reports {
			if r.RiskScore >= a.cfg.Reporting.RiskThreshold {
				return fmt.Errorf("%s: risk score %.2f reaches threshold %.2f", r.Target, r.RiskScore, a.cfg.Reporting.RiskThreshold)
			}
		}
	}
	return nil
}

// flagTarget builds the single target described by the positional URL and
// flags. The returned func closes the SSH connection, if any.
func (a *app) flagTarget(cmd *cobra.Command, args []string) (patch.Target, func(), error) {
	target := patch.Target{}
	if len(args) > 0 {
		target.BaseURL = strings.TrimSpace(args[0])
	}
	target.Name, _ = cmd.Flags().GetString("name")

	raw, _ := cmd.Flags().GetString("headers")
	headers, err := utils.ParseKeyValueString(raw, ",")
	if err != nil {
		return target, func() {}, fmt.Errorf("--headers: %w", err)
	}
	if h, _ := cmd.Flags().GetString("server-header"); h != "" {
		headers["Server"] = h
	}
	if len(headers) > 0 {
		target.ServerInfo = &patch.ServerInfo{Headers: headers}
	}
	if dbType, _ := cmd.Flags().GetString("db-type"); dbType != "" {
		dbVersion, _ := cmd.Flags().GetString("db-version")
		target.DatabaseInfo = &patch.DatabaseInfo{Type: dbType, Version: dbVersion}
	}

	closer := func() {}
	if a.cfg.SSH.Host != "" {
		exec, err := a.sshExecutor(a.cfg.SSH)
		if err != nil {
			return target, closer, err
		}
		target.SSHClient = exec
		closer = func() { _ = exec.Close() }
		if target.Name == "" && target.BaseURL == "" {
			target.Name = a.cfg.SSH.Host
		}
	}

	if target.BaseURL == "" && target.SSHClient == nil && target.ServerInfo == nil && target.DatabaseInfo == nil {
		closer()
		return target, func() {}, errors.New("nothing to assess: give a URL, SSH access, a server header, a database or --targets")
	}
	return target, closer, nil
}

// loadTargets reads a batch file. SSH settings missing from an entry fall back
// to the ssh section of the configuration.
func (a *app) loadTargets(path string) ([]patch.Target, func(), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read targets file: %w", err)
	}
	var file targetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse targets file: %w", err)
	}
	if len(file.Targets) == 0 {
		return nil, nil, fmt.Errorf("%s lists no targets", path)
	}

	var executors []*ospatch.SSHExecutor
	closeAll := func() {
		for _, e := range executors {
			_ = e.Close()
		}
	}

	targets := make([]patch.Target, 0, len(file.Targets))
	for i, entry := range file.Targets {
		t := entry.Target
		if entry.SSH != nil && entry.SSH.Host != "" {
			exec, err := a.sshExecutor(mergeSSH(*entry.SSH, a.cfg.SSH))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("target %d (%s): %w", i+1, t.Label(), err)
			}
			executors = append(executors, exec)
			t.SSHClient = exec
			if t.Name == "" && t.BaseURL == "" {
				t.Name = entry.SSH.Host
			}
		}
		targets = append(targets, t)
	}
	a.logger.WithField("file", path).Infof("Loaded %d targets", len(targets))
	return targets, closeAll, nil
}

func mergeSSH(c, defaults models.SSHConfig) models.SSHConfig {
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.User == "" {
		c.User = defaults.User
	}
	if c.KeyFile == "" && c.Password == "" {
		c.KeyFile = defaults.KeyFile
		c.Password = defaults.Password
	}
	if c.KnownHostsFile == "" {
		c.KnownHostsFile = defaults.KnownHostsFile
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	return c
}

func (a *app) sshExecutor(c models.SSHConfig) (*ospatch.SSHExecutor, error) {
	return ospatch.NewSSHExecutor(ospatch.SSHConfig{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		KeyFile:        c.KeyFile,
		KnownHostsFile: c.KnownHostsFile,
		Timeout:        c.Timeout,
	}, a.logger)
}

// emitReports writes every report to the output directory or stdout and
// stores them when --save is set. YAML reports on stdout are separated as
// documents; JSON reports form a stream of objects.
func (a *app) emitReports(ctx context.Context, cmd *cobra.Command, reports []*models.PatchAssessmentReport) error {
	format := a.cfg.Reporting.Format
	outDir, _ := cmd.Flags().GetString("output")
	gen := a.reportGenerator(outDir)
	out := cmd.OutOrStdout()

	for i, r := range reports {
		if r == nil {
			continue
		}
		if outDir != "" {
			if _, err := gen.ExportReport(r, format); err != nil {
				return err
			}
		} else {
			data, err := gen.Render(r, format)
			if err != nil {
				return err
			}
			if i > 0 {
				switch format {
				case models.ReportFormatYAML:
					fmt.Fprintln(out, "---")
				case models.ReportFormatText:
					fmt.Fprintln(out)
				}
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
		}
	}

	if save, _ := cmd.Flags().GetBool("save"); save {
		repo, err := a.reportRepository()
		if err != nil {
			return err
		}
		for _, r := range reports {
			if r == nil {
				continue
			}
			if _, err := repo.Store(ctx, r); err != nil {
				return fmt.Errorf("failed to save report for %s: %w", r.Target, err)
			}
		}
		a.logger.Infof("Saved %d reports", len(reports))
	}
	return nil
}

func printBatchSummary(w io.Writer, reports []*models.PatchAssessmentReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nTARGET\tRISK\tLEVEL\tVULNS\tPATCHES\tOUTDATED\tERRORS\tDURATION")
	for _, r := range reports {
		if r == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Target, r.RiskScore, r.RiskLevel,
			r.Summary.TotalVulnerabilities, r.Summary.MissingPatches,
			r.Summary.OutdatedComponents, len(r.Errors), r.GetDurationString())
	}
	_ = tw.Flush()
}
