package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Global    GlobalConfig    `yaml:"global" json:"global"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	SSH       SSHConfig       `yaml:"ssh" json:"ssh"`
	VersionDB VersionDBConfig `yaml:"version_db" json:"version_db"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Reporting ReportingConfig `yaml:"reporting" json:"reporting"`
}

type GlobalConfig struct {
	LogLevel      string  `yaml:"log_level" json:"log_level"`
	LogFormat     string  `yaml:"log_format" json:"log_format"`
	LogFile       string  `yaml:"log_file" json:"log_file"`
	Debug         bool    `yaml:"debug" json:"debug"`
	DataDir       string  `yaml:"data_dir" json:"data_dir"`
	MaxConcurrent int     `yaml:"max_concurrent" json:"max_concurrent"`
	RateLimit     float64 `yaml:"rate_limit" json:"rate_limit"`
}

type HTTPConfig struct {
	Timeout      time.Duration     `yaml:"timeout" json:"timeout"`
	MaxRedirects int               `yaml:"max_redirects" json:"max_redirects"`
	UserAgent    string            `yaml:"user_agent" json:"user_agent"`
	MaxBodySize  int64             `yaml:"max_body_size" json:"max_body_size"`
	Headers      map[string]string `yaml:"headers" json:"headers"`
	ProbeServer  bool              `yaml:"probe_server" json:"probe_server"`
}

// FetchRedirects converts max_redirects to the fetcher convention, where zero
// selects the default and a negative value disables redirects.
func (h HTTPConfig) FetchRedirects() int {
	if h.MaxRedirects == 0 {
		return -1
	}
	return h.MaxRedirects
}

type SSHConfig struct {
	Host           string        `yaml:"host" json:"host"`
	Port           int           `yaml:"port" json:"port"`
	User           string        `yaml:"user" json:"user"`
	Password       string        `yaml:"password" json:"password"`
	KeyFile        string        `yaml:"key_file" json:"key_file"`
	KnownHostsFile string        `yaml:"known_hosts_file" json:"known_hosts_file"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

type VersionDBConfig struct {
	Path string `yaml:"path" json:"path"`
}

type DiscoveryConfig struct {
	Resolve       bool          `yaml:"resolve" json:"resolve"`
	Nameservers   []string      `yaml:"nameservers" json:"nameservers"`
	DNSTimeout    time.Duration `yaml:"dns_timeout" json:"dns_timeout"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
}

type StorageConfig struct {
	Path        string        `yaml:"path" json:"path"`
	Compression bool          `yaml:"compression" json:"compression"`
	Retention   time.Duration `yaml:"retention" json:"retention"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Runtime bool   `yaml:"runtime" json:"runtime"`
}

type ReportingConfig struct {
	Format        string  `yaml:"format" json:"format"`
	OutputDir     string  `yaml:"output_dir" json:"output_dir"`
	Color         bool    `yaml:"color" json:"color"`
	RiskThreshold float64 `yaml:"risk_threshold" json:"risk_threshold"`
}

func DefaultConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			LogLevel:      "info",
			LogFormat:     "text",
			DataDir:       "./data",
			MaxConcurrent: 10,
			RateLimit:     5,
		},
		HTTP: HTTPConfig{
			Timeout:      10 * time.Second,
			MaxRedirects: 5,
			UserAgent:    "Mozilla/5.0 (compatible; PatchLynx/1.0; +https://github.com/bl4ck0w1/patchlynx)",
			MaxBodySize:  5 * 1024 * 1024,
		},
		SSH: SSHConfig{
			Port:    22,
			Timeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Nameservers:   []string{"8.8.8.8", "1.1.1.1"},
			DNSTimeout:    5 * time.Second,
			RetryAttempts: 2,
		},
		Storage: StorageConfig{
			Path:        "./data/storage",
			Compression: false,
			Retention:   90 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9109",
		},
		Reporting: ReportingConfig{
			Format:        ReportFormatText,
			OutputDir:     "./reports",
			Color:         true,
			RiskThreshold: DefaultRiskThresholdHigh,
		},
	}
}

func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Global.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, "global.log_level must be one of trace|debug|info|warn|error|fatal|panic")
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "json", "text":
	default:
		errs = append(errs, "global.log_format must be json or text")
	}
	if c.Global.MaxConcurrent <= 0 {
		errs = append(errs, "global.max_concurrent must be > 0")
	}
	if c.Global.RateLimit < 0 {
		errs = append(errs, "global.rate_limit must be >= 0")
	}
	if c.Global.DataDir == "" {
		errs = append(errs, "global.data_dir must not be empty")
	}

	if c.HTTP.Timeout <= 0 {
		errs = append(errs, "http.timeout must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		errs = append(errs, "http.max_redirects must be >= 0")
	}
	if c.HTTP.UserAgent == "" {
		errs = append(errs, "http.user_agent must not be empty")
	}
	if c.HTTP.MaxBodySize <= 0 {
		errs = append(errs, "http.max_body_size must be > 0")
	}

	if c.SSH.Host != "" {
		if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
			errs = append(errs, "ssh.port must be in 1..65535")
		}
		if c.SSH.User == "" {
			errs = append(errs, "ssh.user must be set when ssh.host is set")
		}
		if c.SSH.Password == "" && c.SSH.KeyFile == "" {
			errs = append(errs, "ssh.password or ssh.key_file must be set when ssh.host is set")
		}
		if c.SSH.Timeout <= 0 {
			errs = append(errs, "ssh.timeout must be > 0")
		}
	}

	if c.Discovery.Resolve {
		if len(c.Discovery.Nameservers) == 0 {
			errs = append(errs, "discovery.nameservers must not be empty when resolve is enabled")
		}
		if c.Discovery.DNSTimeout <= 0 {
			errs = append(errs, "discovery.dns_timeout must be > 0 when resolve is enabled")
		}
	}
	if c.Discovery.RetryAttempts < 0 {
		errs = append(errs, "discovery.retry_attempts must be >= 0")
	}

	if c.Storage.Path == "" {
		errs = append(errs, "storage.path must not be empty")
	}
	if c.Storage.Retention < 0 {
		errs = append(errs, "storage.retention must be >= 0")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr must be set when metrics are enabled")
	}

	switch c.Reporting.Format {
	case ReportFormatJSON, ReportFormatYAML, ReportFormatText:
	default:
		errs = append(errs, fmt.Sprintf("reporting.format %q is not supported", c.Reporting.Format))
	}
	if c.Reporting.RiskThreshold < 0 || c.Reporting.RiskThreshold > 10 {
		errs = append(errs, "reporting.risk_threshold must be in [0,10]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomically write config: %w", err)
	}
	return nil
}

func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			if err2 := json.Unmarshal(data, c); err2 != nil {
				return fmt.Errorf("parse config (yaml/json): %v | %v", err, err2)
			}
		}
	}

	return c.Validate()
}
