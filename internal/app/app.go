// Package app provides the export run for the aslexport tool.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ayusman/aslexport/internal/config"
	"github.com/ayusman/aslexport/internal/converter"
	"github.com/ayusman/aslexport/internal/model"
	"github.com/ayusman/aslexport/internal/normalization"
	"github.com/ayusman/aslexport/internal/store"
)

// Exporter converts a loaded model into a web bundle.
type Exporter interface {
	Export(ctx context.Context, h *model.Handle, outDir string) (*converter.Bundle, error)
}

// Config holds configuration options for a run.
type Config struct {
	Export *config.Config
	// Store records successful runs. Nil disables history.
	Store *store.Store
	// Exporter overrides the converter built from Export.Converter.
	Exporter Exporter
	Logger   *log.Logger
}

// Stage names a step of the export run.
type Stage string

const (
	StageResolve Stage = "resolve model"
	StageLoad    Stage = "load model"
	StageExport  Stage = "export web model"
	StageWrite   Stage = "write normalization params"
)

// StageError reports the fatal stage a run stopped at.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Report describes a completed run.
type Report struct {
	ID string

	ModelPath   string
	ModelFormat model.Format
	ModelSize   int64
	ModelSHA256 string

	WebModelDir string
	ModelJSON   string
	Shards      int
	BundleBytes int64

	ParamsPath   string
	FeatureCount int
	ClassNames   []string
	ParamsSource normalization.Source
	// DegradedReason is set when default normalization parameters were
	// written.
	DegradedReason string

	Warnings []string
	Recorded bool
	Duration time.Duration
}

// Degraded reports whether default normalization parameters were written.
func (r *Report) Degraded() bool {
	return r.DegradedReason != ""
}

// App runs exports.
type App struct {
	config   Config
	exporter Exporter
	logger   *log.Logger
}

// New creates a new App instance with the given configuration.
func New(cfg Config) *App {
	if cfg.Export == nil {
		cfg.Export = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	exporter := cfg.Exporter
	if exporter == nil {
		c := cfg.Export.Converter
		exporter = converter.New(converter.Options{
			Path:           c.Path,
			Timeout:        c.Timeout.Duration,
			ShardSizeBytes: c.ShardSizeBytes,
			Quantization:   c.Quantization,
			Logger:         logger,
		})
	}

	return &App{
		config:   cfg,
		exporter: exporter,
		logger:   logger,
	}
}

// Run performs one export with cfg.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	return New(cfg).Run(ctx)
}
