// Package normalization produces the normalization sidecar the browser
// recognizer loads next to the web model: per-feature mean and standard
// deviation and the ordered class labels.
package normalization

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/ayusman/aslexport/internal/preprocessor"
)

var (
	// ErrPreprocessorUnavailable marks every degraded-mode cause.
	ErrPreprocessorUnavailable = errors.New("preprocessor unavailable")
	// ErrPreprocessorMissing is the cause when the preprocessor path is
	// unset or absent.
	ErrPreprocessorMissing = fmt.Errorf("%w: missing", ErrPreprocessorUnavailable)
	// ErrPreprocessorCorrupt is the cause when the preprocessor exists but
	// cannot be read or does not decode to valid statistics.
	ErrPreprocessorCorrupt = fmt.Errorf("%w: corrupt", ErrPreprocessorUnavailable)

	// ErrWrite is returned when the sidecar cannot be written.
	ErrWrite = errors.New("write normalization params failed")
)

// DefaultClassNames is the label set substituted in degraded mode.
var DefaultClassNames = []string{
	"A", "B", "C", "E", "G", "H", "I", "J", "K", "L",
	"S", "T", "U", "V", "W", "Y", "Z",
}

// Params is the sidecar record. Field order is the on-disk order.
type Params struct {
	Mean       []float64 `json:"mean"`
	Std        []float64 `json:"std"`
	ClassNames []string  `json:"class_names"`
}

// FeatureCount is the number of features the statistics cover.
func (p Params) FeatureCount() int {
	return len(p.Mean)
}

// Defaults describes the degraded-mode parameter set.
type Defaults struct {
	FeatureCount int
	ClassNames   []string
}

// StandardDefaults returns the 42-feature, 17-class fallback.
func StandardDefaults() Defaults {
	return Defaults{
		FeatureCount: DefaultFeatureCount,
		ClassNames:   DefaultClassNames,
	}
}

// Params builds an identity normalization: mean 0 and std 1 per feature.
func (d Defaults) Params() Params {
	p := Params{
		Mean:       make([]float64, d.FeatureCount),
		Std:        make([]float64, d.FeatureCount),
		ClassNames: append([]string{}, d.ClassNames...),
	}
	for i := range p.Std {
		p.Std[i] = 1
	}
	return p
}

// Default returns the standard degraded-mode parameters.
func Default() Params {
	return StandardDefaults().Params()
}

// Source records where a Params value came from.
type Source string

const (
	SourcePreprocessor   Source = "preprocessor"
	SourceDefaultMissing Source = "default (preprocessor missing)"
	SourceDefaultCorrupt Source = "default (preprocessor corrupt)"
)

// Result is the outcome of Extract.
type Result struct {
	Params Params
	Source Source
	// Cause wraps ErrPreprocessorMissing or ErrPreprocessorCorrupt when the
	// defaults were substituted.
	Cause error
}

// Degraded reports whether default parameters were substituted.
func (r Result) Degraded() bool {
	return r.Source != SourcePreprocessor
}

// Extract derives normalization parameters from the preprocessor at path.
// It never fails: when the preprocessor is missing or corrupt it logs the
// cause and substitutes defaults, recording the cause in the result.
func Extract(path string, defaults Defaults, logger *log.Logger) Result {
	if logger == nil {
		logger = log.Default()
	}

	if path == "" {
		logger.Printf("preprocessor missing (no path configured), using default normalization parameters")
		return Result{
			Params: defaults.Params(),
			Source: SourceDefaultMissing,
			Cause:  fmt.Errorf("%w: no path configured", ErrPreprocessorMissing),
		}
	}

	p, err := preprocessor.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Printf("preprocessor missing at %s, using default normalization parameters", path)
			return Result{
				Params: defaults.Params(),
				Source: SourceDefaultMissing,
				Cause:  fmt.Errorf("%w: %w", ErrPreprocessorMissing, err),
			}
		}

		logger.Printf("preprocessor at %s is corrupt (%v), using default normalization parameters", path, err)
		return Result{
			Params: defaults.Params(),
			Source: SourceDefaultCorrupt,
			Cause:  fmt.Errorf("%w: %w", ErrPreprocessorCorrupt, err),
		}
	}

	return Result{
		Params: Params{
			Mean:       append([]float64{}, p.Mean...),
			Std:        append([]float64{}, p.Std...),
			ClassNames: append([]string{}, p.Classes...),
		},
		Source: SourcePreprocessor,
	}
}

// WriteJSON writes p to path as indented UTF-8 JSON. The file is written to a
// temporary name in the same directory and renamed into place.
func WriteJSON(p Params, path string) error {
	// Absent fields must serialize as [] rather than null.
	if p.Mean == nil {
		p.Mean = []float64{}
	}
	if p.Std == nil {
		p.Std = []float64{}
	}
	if p.ClassNames == nil {
		p.ClassNames = []string{}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrWrite, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	tmp, err := os.CreateTemp(dir, ".normalization-*.json")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	return nil
}

// ReadJSON reads a sidecar written by WriteJSON.
func ReadJSON(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, err
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

