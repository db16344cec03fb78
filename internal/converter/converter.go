// Package converter turns a trained model into a TF.js layers-model bundle by
// running the external tensorflowjs_converter and verifying what it wrote.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ayusman/aslexport/internal/model"
)

// ErrExport is returned for every failure to produce a complete bundle.
var ErrExport = errors.New("web model export failed")

// ExecutableName is the converter looked up when no path is configured.
const ExecutableName = "tensorflowjs_converter"

// Quantization modes understood by the converter.
const (
	QuantizeFloat16 = "float16"
	QuantizeUint8   = "uint8"
	QuantizeUint16  = "uint16"
)

// Options configures a Converter.
type Options struct {
	// Path is the converter executable. A bare name is looked up on PATH.
	// Empty means discover it.
	Path string
	// Timeout bounds one conversion. Zero disables the bound.
	Timeout time.Duration
	// ShardSizeBytes is passed as --weight_shard_size_bytes when positive.
	ShardSizeBytes int64
	// Quantization is empty or one of the Quantize* modes.
	Quantization string
	// SearchDirs are checked for the executable before PATH. Nil means
	// DefaultSearchDirs().
	SearchDirs []string
	Logger     *log.Logger
}

// Converter runs tensorflowjs_converter.
type Converter struct {
	opts   Options
	logger *log.Logger
}

// New creates a Converter.
func New(opts Options) *Converter {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Converter{opts: opts, logger: logger}
}

// DefaultSearchDirs lists the virtualenv bin directories a converter is
// usually installed into, nearest first.
func DefaultSearchDirs() []string {
	dirs := []string{
		filepath.Join("venv", "bin"),
		filepath.Join("..", "venv", "bin"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".aslexport", "venv", "bin"))
	}
	return dirs
}

// Executable resolves the converter to run: the configured path, then each
// search directory, then PATH.
func (c *Converter) Executable() (string, error) {
	if p := c.opts.Path; p != "" {
		if !strings.ContainsRune(p, os.PathSeparator) {
			found, err := exec.LookPath(p)
			if err != nil {
				return "", fmt.Errorf("%w: converter %q: %w", ErrExport, p, err)
			}
			return found, nil
		}
		if !isExecutable(p) {
			return "", fmt.Errorf("%w: converter %s is not an executable file", ErrExport, p)
		}
		return p, nil
	}

	dirs := c.opts.SearchDirs
	if dirs == nil {
		dirs = DefaultSearchDirs()
	}
	tried := make([]string, 0, len(dirs)+1)
	for _, dir := range dirs {
		p := filepath.Join(dir, ExecutableName)
		if isExecutable(p) {
			return p, nil
		}
		tried = append(tried, p)
	}

	found, err := exec.LookPath(ExecutableName)
	if err == nil {
		return found, nil
	}
	tried = append(tried, "$PATH")
	return "", fmt.Errorf("%w: %s not found (tried %s)", ErrExport, ExecutableName, strings.Join(tried, ", "))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}

// InputFormat maps a model container to the converter's --input_format.
func InputFormat(f model.Format) (string, error) {
	switch f {
	case model.FormatKerasHDF5:
		return "keras", nil
	case model.FormatKerasV3:
		return "keras_keras", nil
	case model.FormatSavedModel:
		return "keras_saved_model", nil
	}
	return "", fmt.Errorf("%w: no converter input format for %q", ErrExport, f)
}

// Args builds the converter command line for exporting h into outDir.
func (c *Converter) Args(h *model.Handle, outDir string) ([]string, error) {
	format, err := InputFormat(h.Format)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--input_format=" + format,
		"--output_format=tfjs_layers_model",
	}
	if c.opts.ShardSizeBytes > 0 {
		args = append(args, fmt.Sprintf("--weight_shard_size_bytes=%d", c.opts.ShardSizeBytes))
	}
	switch c.opts.Quantization {
	case "":
	case QuantizeFloat16, QuantizeUint8, QuantizeUint16:
		args = append(args, "--quantize_"+c.opts.Quantization+"=*")
	default:
		return nil, fmt.Errorf("%w: unknown quantization %q", ErrExport, c.opts.Quantization)
	}
	return append(args, h.Path, outDir), nil
}

// Export converts h into a bundle in outDir, replacing any bundle a previous
// run left there, and verifies the result.
func (c *Converter) Export(ctx context.Context, h *model.Handle, outDir string) (*Bundle, error) {
	exe, err := c.Executable()
	if err != nil {
		return nil, err
	}
	args, err := c.Args(h, outDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrExport, outDir, err)
	}
	if err := RemoveStale(outDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Printf("Running %s %s", exe, strings.Join(args, " "))
	start := time.Now()
	err = cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: converter timed out after %s", ErrExport, c.opts.Timeout)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrExport, ctx.Err())
	}
	if err != nil {
		if s := strings.TrimSpace(stderr.String()); s != "" {
			return nil, fmt.Errorf("%w: converter failed: %w, stderr: %s", ErrExport, err, s)
		}
		return nil, fmt.Errorf("%w: converter failed: %w", ErrExport, err)
	}

	b, err := ReadBundle(outDir)
	if err != nil {
		return nil, err
	}
	c.logger.Printf("Converted %s in %s (%d shards)", h.Path, time.Since(start).Round(time.Millisecond), len(b.Shards))
	return b, nil
}

// RemoveStale deletes model.json and weight shards left in dir by an earlier
// export so a re-run never mixes shard sets.
func RemoveStale(dir string) error {
	shards, err := filepath.Glob(filepath.Join(dir, "group*-shard*.bin"))
	if err != nil {
		return err
	}
	for _, p := range append(shards, filepath.Join(dir, ModelJSON)) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", p, err)
		}
	}
	return nil
}
