package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TelemetrySource yields the agent reports of one collection pass.
type TelemetrySource interface {
	Name() string
	Fetch(ctx context.Context) ([]Telemetry, error)
}

// FileSource reads agent reports or a scanner asset export from a JSON or
// YAML file.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) Name() string { return "file:" + filepath.Base(f.Path) }

func (f *FileSource) Fetch(ctx context.Context) ([]Telemetry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read telemetry file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(f.Path))
	records, err := decodeRecords(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	out := make([]Telemetry, 0, len(records))
	for _, r := range records {
		out = append(out, r.telemetry())
	}
	return out, nil
}

// StaticSource serves reports held in memory, for simulations and tests.
type StaticSource struct {
	Label   string
	Reports []Telemetry
}

func (s *StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

func (s *StaticSource) Fetch(ctx context.Context) ([]Telemetry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Telemetry(nil), s.Reports...), nil
}
