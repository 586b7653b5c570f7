package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"txreplay/internal/apperr"
	"txreplay/internal/metrics"
	"txreplay/internal/model"
	"txreplay/internal/storage/postgres"
)

const op = "export"

const (
	FormatJSON     = "json"
	FormatJSONL    = "jsonl"
	FormatMarkdown = "markdown"
	FormatPostgres = "postgres"
)

// Sink writes one result bundle and reports where it went.
type Sink interface {
	Put(ctx context.Context, result model.ResultBundle) (string, error)
}

// ExportConfig selects output locations.
type ExportConfig struct {
	OutputDir string
	PgDSN     string
}

// Exporter fans a result bundle out to the requested formats.
type Exporter struct {
	cfg     ExportConfig
	logger  *zap.Logger
	metrics *metrics.Recorder

	jsonl *JsonlStorage
	sinks map[string]Sink
}

func NewExporter(cfg ExportConfig, logger *zap.Logger, rec *metrics.Recorder) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./reports"
	}
	return &Exporter{
		cfg:     cfg,
		logger:  logger,
		metrics: rec,
		jsonl:   NewJsonlStorage(filepath.Join(cfg.OutputDir, "replays.jsonl")),
		sinks:   make(map[string]Sink),
	}
}

// Register adds or replaces the sink for a format.
func (e *Exporter) Register(format string, sink Sink) {
	e.sinks[normalizeFormat(format)] = sink
}

// CheckFormats rejects unknown format names before any work is done.
func CheckFormats(formats []string) error {
	for _, f := range formats {
		switch normalizeFormat(f) {
		case FormatJSON, FormatJSONL, FormatMarkdown, FormatPostgres:
		default:
			return apperr.New(apperr.KindValidation, op, "unknown export format %q", f)
		}
	}
	return nil
}

// Export writes result in every requested format and returns the location
// of each output keyed by format. The first failing sink aborts the export.
func (e *Exporter) Export(ctx context.Context, result model.ResultBundle, formats []string) (map[string]string, error) {
	if err := CheckFormats(formats); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(formats))
	for _, raw := range dedupe(formats) {
		format := normalizeFormat(raw)
		sink, closeSink, err := e.sink(ctx, format)
		if err != nil {
			e.metrics.Export(format, err)
			return out, err
		}
		location, err := sink.Put(ctx, result)
		if closeSink != nil {
			closeSink()
		}
		e.metrics.Export(format, err)
		if err != nil {
			return out, apperr.Wrap(apperr.KindSystem, op, fmt.Errorf("%s: %w", format, err))
		}
		out[format] = location
		e.logger.Info("result exported", zap.String("format", format), zap.String("location", location))
	}
	return out, nil
}

func (e *Exporter) sink(ctx context.Context, format string) (Sink, func(), error) {
	if s, ok := e.sinks[format]; ok {
		return s, nil, nil
	}
	switch format {
	case FormatJSON:
		return &JSONFile{dir: e.cfg.OutputDir}, nil, nil
	case FormatJSONL:
		return e.jsonl, nil, nil
	case FormatMarkdown:
		return &Markdown{dir: e.cfg.OutputDir}, nil, nil
	case FormatPostgres:
		if e.cfg.PgDSN == "" {
			return nil, nil, apperr.New(apperr.KindValidation, op, "postgres export requires pg-dsn")
		}
		store, err := postgres.NewStore(ctx, e.cfg.PgDSN)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("connect postgres: %w", err))
		}
		return store, store.Close, nil
	}
	return nil, nil, apperr.New(apperr.KindValidation, op, "unknown export format %q", format)
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	if f == "md" {
		return FormatMarkdown
	}
	return f
}

func dedupe(formats []string) []string {
	seen := make(map[string]bool, len(formats))
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		n := normalizeFormat(f)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
