package ospatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/patchlynx/internal/analysis"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

var ErrUnsupportedOS = errors.New("unsupported operating system")

// Executor runs one shell command on the target and returns its stdout.
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string) (string, error)

func (f ExecutorFunc) Run(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// driver lists the pending updates of one package manager. Command failures
// are logged by the driver and produce a partial list.
type driver interface {
	Name() string
	MissingPatches(ctx context.Context) []models.MissingPatch
}

const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultMaxChangelogs  = 20
)

type Options struct {
	CommandTimeout time.Duration
	// MaxChangelogs caps the apt-get changelog calls made to find CVEs.
	MaxChangelogs int
}

type Detector struct {
	exec     Executor
	analyzer *analysis.Analyzer
	logger   *logrus.Logger
	options  Options
}

func NewDetector(exec Executor, analyzer *analysis.Analyzer, opts Options, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.New()
	}
	if analyzer == nil {
		analyzer = analysis.NewAnalyzer(nil, logger)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.MaxChangelogs <= 0 {
		opts.MaxChangelogs = DefaultMaxChangelogs
	}
	return &Detector{exec: exec, analyzer: analyzer, logger: logger, options: opts}
}

// Detect identifies the OS and lists its missing patches with the default
// version database.
func Detect(ctx context.Context, exec Executor, logger *logrus.Logger) (*models.OSInfo, []models.MissingPatch, error) {
	return NewDetector(exec, nil, Options{}, logger).Detect(ctx)
}

// Detect returns an error only when the operating system cannot be
// identified, or ErrUnsupportedOS together with the OS info when no driver
// exists for it. Failing package commands give a partial or empty list.
func (d *Detector) Detect(ctx context.Context) (*models.OSInfo, []models.MissingPatch, error) {
	info, err := d.identify(ctx)
	if err != nil {
		return nil, nil, err
	}
	log := d.logger.WithFields(logrus.Fields{"os": info.ID, "version": info.VersionID, "family": info.Family})

	drv, err := d.driverFor(ctx, info)
	if err != nil {
		log.Debug("No package driver for operating system")
		return info, []models.MissingPatch{}, err
	}
	info.PackageManager = drv.Name()

	patches := drv.MissingPatches(ctx)
	if patches == nil {
		patches = []models.MissingPatch{}
	}
	log.WithFields(logrus.Fields{"package_manager": drv.Name(), "missing": len(patches)}).Info("OS patch detection finished")
	return info, patches, nil
}

// Component turns OS info into a detected component enriched from the
// operatingSystems table.
func (d *Detector) Component(info *models.OSInfo) *models.DetectedComponent {
	if info == nil {
		return nil
	}
	name := info.PrettyName
	if name == "" {
		name = info.Name
	}
	if name == "" {
		name = info.ID
	}
	c := models.NewComponent(name, models.ComponentOS, models.DetectedByManifest)
	c.Product = info.ID
	c.Version = info.VersionID
	c.Evidence = "/etc/os-release"
	if err := d.analyzer.Enrich(versiondb.CategoryOperatingSystems, &c); err != nil {
		d.logger.WithError(err).Debug("OS version not comparable")
	}
	return &c
}

func (d *Detector) run(ctx context.Context, command string) (string, error) {
	if d.exec == nil {
		return "", errors.New("no executor configured")
	}
	cctx, cancel := context.WithTimeout(ctx, d.options.CommandTimeout)
	defer cancel()
	out, err := d.exec.Run(cctx, command)
	if err != nil {
		d.logger.WithFields(logrus.Fields{"command": command}).WithError(err).Debug("Remote command failed")
		return out, fmt.Errorf("%s: %w", firstWord(command), err)
	}
	return out, nil
}

func (d *Detector) identify(ctx context.Context) (*models.OSInfo, error) {
	out, err := d.run(ctx, "cat /etc/os-release 2>/dev/null || cat /usr/lib/os-release")
	var info *models.OSInfo
	if err == nil && strings.TrimSpace(out) != "" {
		info = ParseOSRelease(out)
	} else {
		uname, uerr := d.run(ctx, "uname -s")
		if uerr != nil || strings.TrimSpace(uname) == "" {
			return nil, fmt.Errorf("identify operating system: %w", errors.Join(err, uerr))
		}
		id := strings.ToLower(strings.TrimSpace(uname))
		info = &models.OSInfo{ID: id, Name: strings.TrimSpace(uname), Family: id}
	}
	if kernel, err := d.run(ctx, "uname -r"); err == nil {
		info.Kernel = strings.TrimSpace(kernel)
	}
	return info, nil
}

func (d *Detector) driverFor(ctx context.Context, info *models.OSInfo) (driver, error) {
	switch info.Family {
	case FamilyDebian:
		return &aptDriver{d: d}, nil
	case FamilyRHEL:
		tool := "yum"
		if _, err := d.run(ctx, "command -v dnf"); err == nil {
			tool = "dnf"
		}
		return &rpmDriver{d: d, tool: tool}, nil
	case FamilyAlpine:
		return &apkDriver{d: d}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOS, info.ID)
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return s
}
