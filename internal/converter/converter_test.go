package converter

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/aslexport/internal/fixtures"
	"github.com/ayusman/aslexport/internal/model"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setup installs the fake converter and an HDF5 model in a temp dir.
func setup(t *testing.T) (exe string, h *model.Handle, outDir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	dir := t.TempDir()
	exe, err := fixtures.InstallFakeConverter(filepath.Join(dir, "bin"))
	require.NoError(t, err)

	modelPath := filepath.Join(dir, "models", "asl.h5")
	require.NoError(t, fixtures.WriteFile(modelPath, fixtures.HDF5(1024)))
	h, err = model.Load(modelPath)
	require.NoError(t, err)

	return exe, h, filepath.Join(dir, "web_app", "model")
}

func TestExport(t *testing.T) {
	exe, h, outDir := setup(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("FAKE_CONVERTER_ARGS", argsFile)

	c := New(Options{Path: exe, Timeout: 10 * time.Second, ShardSizeBytes: 4194304, Logger: quietLogger()})
	b, err := c.Export(context.Background(), h, outDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, ModelJSON), b.ModelJSON)
	require.Len(t, b.Shards, 2)
	assert.Equal(t, filepath.Join(outDir, "group1-shard1of2.bin"), b.Shards[0])
	assert.Equal(t, "layers-model", b.Format)
	assert.Equal(t, "Sequential", b.Info.ClassName)
	assert.Equal(t, 42, b.Info.InputFeatures())
	assert.Equal(t, 17, b.Info.OutputUnits)

	info, err := os.Stat(b.ModelJSON)
	require.NoError(t, err)
	assert.Equal(t, info.Size()+int64(len("weights-1")+len("weights-22")), b.Bytes)

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--input_format=keras",
		"--output_format=tfjs_layers_model",
		"--weight_shard_size_bytes=4194304",
		h.Path,
		outDir,
	}, strings.Split(strings.TrimSpace(string(recorded)), "\n"))
}

func TestExport_RemovesStaleShards(t *testing.T) {
	exe, h, outDir := setup(t)
	require.NoError(t, os.MkdirAll(outDir, 0755))
	stale := filepath.Join(outDir, "group1-shard3of3.bin")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	keep := filepath.Join(outDir, "README.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep"), 0644))

	c := New(Options{Path: exe, Logger: quietLogger()})
	_, err := c.Export(context.Background(), h, outDir)
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, keep)

	// A second run over the same output produces the same file set.
	before, err := os.ReadDir(outDir)
	require.NoError(t, err)
	_, err = c.Export(context.Background(), h, outDir)
	require.NoError(t, err)
	after, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Equal(t, names(before), names(after))
}

func names(entries []os.DirEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name()
	}
	return out
}

func TestExport_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		timeout time.Duration
		wantErr string
	}{
		{"non-zero exit", "fail", 0, "Unknown layer: CustomAttention"},
		{"timeout", "hang", 200 * time.Millisecond, "timed out"},
		{"missing shard", "missing-shard", 0, "group1-shard2of2.bin"},
		{"empty shard", "empty-shard", 0, "is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exe, h, outDir := setup(t)
			t.Setenv("FAKE_CONVERTER_MODE", tt.mode)

			c := New(Options{Path: exe, Timeout: tt.timeout, Logger: quietLogger()})
			_, err := c.Export(context.Background(), h, outDir)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrExport), "error %v does not wrap ErrExport", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExport_ConverterMissing(t *testing.T) {
	_, h, outDir := setup(t)
	t.Setenv("PATH", t.TempDir())

	c := New(Options{SearchDirs: []string{t.TempDir()}, Logger: quietLogger()})
	_, err := c.Export(context.Background(), h, outDir)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExport))
	assert.Contains(t, err.Error(), ExecutableName+" not found")
	assert.NoDirExists(t, outDir)
}

func TestExecutable_Discovery(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	venv := filepath.Join(t.TempDir(), "venv", "bin")
	exe, err := fixtures.InstallFakeConverter(venv)
	require.NoError(t, err)
	t.Setenv("PATH", t.TempDir())

	t.Run("search dir", func(t *testing.T) {
		c := New(Options{SearchDirs: []string{t.TempDir(), venv}})
		got, err := c.Executable()
		require.NoError(t, err)
		assert.Equal(t, exe, got)
	})

	t.Run("path lookup", func(t *testing.T) {
		t.Setenv("PATH", venv)
		c := New(Options{SearchDirs: []string{}})
		got, err := c.Executable()
		require.NoError(t, err)
		assert.Equal(t, exe, got)
	})

	t.Run("explicit path wins", func(t *testing.T) {
		other, err := fixtures.InstallFakeConverter(t.TempDir())
		require.NoError(t, err)
		c := New(Options{Path: other, SearchDirs: []string{venv}})
		got, err := c.Executable()
		require.NoError(t, err)
		assert.Equal(t, other, got)
	})

	t.Run("explicit path not executable", func(t *testing.T) {
		plain := filepath.Join(t.TempDir(), "converter")
		require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0644))
		c := New(Options{Path: plain})
		_, err := c.Executable()
		assert.True(t, errors.Is(err, ErrExport))
	})
}

func TestArgs(t *testing.T) {
	tests := []struct {
		name   string
		format model.Format
		opts   Options
		want   []string
	}{
		{
			name:   "keras h5",
			format: model.FormatKerasHDF5,
			want:   []string{"--input_format=keras", "--output_format=tfjs_layers_model"},
		},
		{
			name:   "keras v3 with float16",
			format: model.FormatKerasV3,
			opts:   Options{Quantization: QuantizeFloat16},
			want:   []string{"--input_format=keras_keras", "--output_format=tfjs_layers_model", "--quantize_float16=*"},
		},
		{
			name:   "saved model with shard size",
			format: model.FormatSavedModel,
			opts:   Options{ShardSizeBytes: 1 << 20, Quantization: QuantizeUint8},
			want: []string{
				"--input_format=keras_saved_model", "--output_format=tfjs_layers_model",
				"--weight_shard_size_bytes=1048576", "--quantize_uint8=*",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.opts)
			got, err := c.Args(&model.Handle{Path: "in", Format: tt.format}, "out")
			require.NoError(t, err)
			assert.Equal(t, append(tt.want, "in", "out"), got)
		})
	}

	t.Run("unknown quantization", func(t *testing.T) {
		_, err := New(Options{Quantization: "int4"}).Args(&model.Handle{Format: model.FormatKerasHDF5}, "out")
		assert.True(t, errors.Is(err, ErrExport))
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := New(Options{}).Args(&model.Handle{Format: "onnx"}, "out")
		assert.True(t, errors.Is(err, ErrExport))
	})
}

func TestReadBundle(t *testing.T) {
	write := func(t *testing.T, files map[string]string) string {
		t.Helper()
		dir := t.TempDir()
		for name, body := range files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
		}
		return dir
	}
	const manifest = `"weightsManifest": [{"paths": ["group1-shard1of1.bin"], "weights": []}]`

	t.Run("valid with unknown topology", func(t *testing.T) {
		dir := write(t, map[string]string{
			ModelJSON:              `{"format": "layers-model", "modelTopology": {"node": []}, ` + manifest + `}`,
			"group1-shard1of1.bin": "abcd",
		})
		b, err := ReadBundle(dir)
		require.NoError(t, err)
		assert.Equal(t, model.Info{}, b.Info)
		assert.Len(t, b.Shards, 1)
	})

	invalid := []struct {
		name  string
		files map[string]string
	}{
		{"no model.json", map[string]string{}},
		{"bad json", map[string]string{ModelJSON: `{`}},
		{"no topology", map[string]string{ModelJSON: `{` + manifest + `}`, "group1-shard1of1.bin": "x"}},
		{"no manifest", map[string]string{ModelJSON: `{"modelTopology": {}}`}},
		{"no shards", map[string]string{ModelJSON: `{"modelTopology": {}, "weightsManifest": [{"paths": []}]}`}},
		{"escaping shard", map[string]string{ModelJSON: `{"modelTopology": {}, "weightsManifest": [{"paths": ["../x.bin"]}]}`}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadBundle(write(t, tt.files))
			assert.True(t, errors.Is(err, ErrExport), "got %v", err)
		})
	}
}
