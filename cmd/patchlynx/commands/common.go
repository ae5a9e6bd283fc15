package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/patchlynx/internal/analysis"
	"github.com/bl4ck0w1/patchlynx/internal/reporting"
	"github.com/bl4ck0w1/patchlynx/internal/storage"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

// configOverlay maps the viper keys a flag or PATCHLYNX_* variable may set
// onto the loaded Config.
var configOverlay = map[string]func(c *models.Config){
	"global.log_level":      func(c *models.Config) { c.Global.LogLevel = viper.GetString("global.log_level") },
	"global.log_format":     func(c *models.Config) { c.Global.LogFormat = viper.GetString("global.log_format") },
	"global.log_file":       func(c *models.Config) { c.Global.LogFile = viper.GetString("global.log_file") },
	"global.debug":          func(c *models.Config) { c.Global.Debug = viper.GetBool("global.debug") },
	"global.data_dir":       func(c *models.Config) { c.Global.DataDir = viper.GetString("global.data_dir") },
	"global.max_concurrent": func(c *models.Config) { c.Global.MaxConcurrent = viper.GetInt("global.max_concurrent") },
	"global.rate_limit":     func(c *models.Config) { c.Global.RateLimit = viper.GetFloat64("global.rate_limit") },
	"http.timeout":          func(c *models.Config) { c.HTTP.Timeout = viper.GetDuration("http.timeout") },
	"http.user_agent":       func(c *models.Config) { c.HTTP.UserAgent = viper.GetString("http.user_agent") },
	"http.max_redirects":    func(c *models.Config) { c.HTTP.MaxRedirects = viper.GetInt("http.max_redirects") },
	"http.probe_server":     func(c *models.Config) { c.HTTP.ProbeServer = viper.GetBool("http.probe_server") },
	"ssh.host":              func(c *models.Config) { c.SSH.Host = viper.GetString("ssh.host") },
	"ssh.port":              func(c *models.Config) { c.SSH.Port = viper.GetInt("ssh.port") },
	"ssh.user":              func(c *models.Config) { c.SSH.User = viper.GetString("ssh.user") },
	"ssh.password":          func(c *models.Config) { c.SSH.Password = viper.GetString("ssh.password") },
	"ssh.key_file":          func(c *models.Config) { c.SSH.KeyFile = viper.GetString("ssh.key_file") },
	"ssh.known_hosts_file":  func(c *models.Config) { c.SSH.KnownHostsFile = viper.GetString("ssh.known_hosts_file") },
	"version_db.path":       func(c *models.Config) { c.VersionDB.Path = viper.GetString("version_db.path") },
	"discovery.resolve":     func(c *models.Config) { c.Discovery.Resolve = viper.GetBool("discovery.resolve") },
	"discovery.nameservers": func(c *models.Config) { c.Discovery.Nameservers = viper.GetStringSlice("discovery.nameservers") },
	"storage.path":          func(c *models.Config) { c.Storage.Path = viper.GetString("storage.path") },
	"storage.compression":   func(c *models.Config) { c.Storage.Compression = viper.GetBool("storage.compression") },
	"storage.retention":     func(c *models.Config) { c.Storage.Retention = viper.GetDuration("storage.retention") },
	"metrics.enabled":       func(c *models.Config) { c.Metrics.Enabled = viper.GetBool("metrics.enabled") },
	"metrics.addr":          func(c *models.Config) { c.Metrics.Addr = viper.GetString("metrics.addr") },
	"reporting.format":      func(c *models.Config) { c.Reporting.Format = strings.ToLower(viper.GetString("reporting.format")) },
	"reporting.output_dir":  func(c *models.Config) { c.Reporting.OutputDir = viper.GetString("reporting.output_dir") },
	"reporting.color":       func(c *models.Config) { c.Reporting.Color = viper.GetBool("reporting.color") },
}

// LoadConfig starts from the defaults, applies the config file viper found
// and then any flag or environment override.
func LoadConfig() (*models.Config, error) {
	cfg := models.DefaultConfig()
	if path := viper.ConfigFileUsed(); path != "" && utils.FileExists(path) {
		if err := cfg.Load(path); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	for key, apply := range configOverlay {
		if viper.IsSet(key) {
			apply(cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app bundles what every command builds from the configuration.
type app struct {
	cfg      *models.Config
	logger   *logrus.Logger
	analyzer *analysis.Analyzer
	metrics  *utils.MetricsCollector
}

func newApp() (*app, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := logrus.StandardLogger()

	db, err := loadVersionDB(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, analyzer: analysis.NewAnalyzer(db, logger)}
	if cfg.Metrics.Enabled {
		a.metrics = utils.NewAssessmentMetrics(cfg.Metrics.Runtime)
	}
	return a, nil
}

func loadVersionDB(cfg *models.Config) (*versiondb.Database, error) {
	if cfg.VersionDB.Path == "" {
		return versiondb.Default(), nil
	}
	db, err := versiondb.LoadFile(cfg.VersionDB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load version database: %w", err)
	}
	logrus.Debugf("Using version database %s", db.Source())
	return db, nil
}

// serveMetrics exposes /metrics until ctx ends. It is a no-op when metrics
// are disabled.
func (a *app) serveMetrics(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	go func() {
		a.logger.Infof("Serving metrics on http://%s/metrics", a.cfg.Metrics.Addr)
		if err := a.metrics.StartServerWithContext(ctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Warnf("Metrics server stopped: %v", err)
		}
	}()
}

func (a *app) openStorage() (*storage.LocalStorage, error) {
	ls, err := storage.FromConfig(a.cfg.Storage, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return ls, nil
}

func (a *app) reportGenerator(outputDir string) *reporting.ReportGenerator {
	return reporting.NewReportGenerator(reporting.ReportConfig{
		OutputDir: utils.FirstNonEmpty(outputDir, a.cfg.Reporting.OutputDir),
		Color:     a.cfg.Reporting.Color && !color.NoColor,
	}, a.logger)
}

// signalContext is cancelled on the first SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logrus.Info("Received interrupt signal, shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// decodeFile reads JSON or YAML into v, chosen by extension.
func decodeFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// encode writes v as indented JSON or YAML.
func encode(w io.Writer, format string, v interface{}) error {
	switch strings.ToLower(format) {
	case models.ReportFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case models.ReportFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return fmt.Errorf("unsupported format: %s", format)
}
