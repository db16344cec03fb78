package app

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/aslexport/internal/config"
	"github.com/ayusman/aslexport/internal/converter"
	"github.com/ayusman/aslexport/internal/fixtures"
	"github.com/ayusman/aslexport/internal/model"
	"github.com/ayusman/aslexport/internal/normalization"
	"github.com/ayusman/aslexport/internal/store"
)

var standardLabels = []string{"A", "B", "C", "E", "G", "H", "I", "J", "K", "L", "S", "T", "U", "V", "W", "Y", "Z"}

// workspace lays out a project directory with a model and the fake converter
// and returns a config pointing into it.
func workspace(t *testing.T) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	dir := t.TempDir()
	exe, err := fixtures.InstallFakeConverter(filepath.Join(dir, "venv", "bin"))
	require.NoError(t, err)

	modelPath := filepath.Join(dir, "models", "asl", "asl.h5")
	require.NoError(t, fixtures.WriteFile(modelPath, fixtures.HDF5(2048)))

	preprocessorPath := filepath.Join(dir, "models", "asl", "preprocessor.json")
	require.NoError(t, fixtures.WriteFile(preprocessorPath, fixtures.PreprocessorJSON()))

	cfg := config.Default()
	cfg.ModelCandidates = []string{filepath.Join(dir, "missing.h5"), modelPath}
	cfg.PreprocessorPath = preprocessorPath
	cfg.WebModelDir = filepath.Join(dir, "web_app", "model")
	cfg.ParamsOut = filepath.Join(dir, "web_app", "normalization_params.json")
	cfg.Converter.Path = exe
	return cfg
}

func logTo(w io.Writer) *log.Logger {
	return log.New(w, "", 0)
}

func TestRun(t *testing.T) {
	cfg := workspace(t)

	r, err := Run(context.Background(), Config{Export: cfg, Logger: logTo(io.Discard)})
	require.NoError(t, err)

	assert.Equal(t, cfg.ModelCandidates[1], r.ModelPath)
	assert.Equal(t, model.FormatKerasHDF5, r.ModelFormat)
	assert.Len(t, r.ModelSHA256, 64)
	assert.Equal(t, 2, r.Shards)
	assert.FileExists(t, filepath.Join(cfg.WebModelDir, "model.json"))
	assert.FileExists(t, filepath.Join(cfg.WebModelDir, "group1-shard1of2.bin"))

	assert.Equal(t, normalization.SourcePreprocessor, r.ParamsSource)
	assert.False(t, r.Degraded())
	assert.Equal(t, 42, r.FeatureCount)
	assert.Equal(t, standardLabels, r.ClassNames)
	assert.Empty(t, r.Warnings)
	assert.False(t, r.Recorded)

	params, err := normalization.ReadJSON(cfg.ParamsOut)
	require.NoError(t, err)
	assert.Len(t, params.Mean, 42)
	assert.Len(t, params.Std, 42)
	assert.Equal(t, standardLabels, params.ClassNames)
	assert.NotEqual(t, normalization.Default().Mean, params.Mean)
}

func TestRun_MissingPreprocessor(t *testing.T) {
	cfg := workspace(t)
	cfg.PreprocessorPath = filepath.Join(filepath.Dir(cfg.PreprocessorPath), "absent.pkl")
	var logs strings.Builder

	r, err := Run(context.Background(), Config{Export: cfg, Logger: logTo(&logs)})
	require.NoError(t, err)

	assert.True(t, r.Degraded())
	assert.Equal(t, normalization.SourceDefaultMissing, r.ParamsSource)
	require.NotEmpty(t, r.Warnings)
	assert.Contains(t, r.Warnings[0], "defaults")
	assert.Contains(t, logs.String(), "preprocessor missing at")

	params, err := normalization.ReadJSON(cfg.ParamsOut)
	require.NoError(t, err)
	assert.Equal(t, normalization.Default(), params)
}

func TestRun_CorruptPreprocessor(t *testing.T) {
	cfg := workspace(t)
	cfg.PreprocessorPath = filepath.Join(filepath.Dir(cfg.PreprocessorPath), "preprocessor.pkl")
	require.NoError(t, os.WriteFile(cfg.PreprocessorPath, []byte{0x80, 0x04, 0x95}, 0644))
	var logs strings.Builder

	r, err := Run(context.Background(), Config{Export: cfg, Logger: logTo(&logs)})
	require.NoError(t, err)

	assert.Equal(t, normalization.SourceDefaultCorrupt, r.ParamsSource)
	assert.Contains(t, logs.String(), "is corrupt")
	assert.NotContains(t, logs.String(), "preprocessor missing")
}

func TestRun_TopologyMismatchWarns(t *testing.T) {
	cfg := workspace(t)
	t.Setenv("FAKE_CONVERTER_UNITS", "26")

	r, err := Run(context.Background(), Config{Export: cfg, Logger: logTo(io.Discard)})
	require.NoError(t, err)

	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "26 classes")
}

func TestRun_FatalStages(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T, cfg *config.Config)
		stage   Stage
		wantErr error
	}{
		{
			name: "no model",
			mutate: func(t *testing.T, cfg *config.Config) {
				cfg.ModelCandidates = cfg.ModelCandidates[:1]
			},
			stage:   StageResolve,
			wantErr: model.ErrNotFound,
		},
		{
			name: "truncated model",
			mutate: func(t *testing.T, cfg *config.Config) {
				require.NoError(t, os.WriteFile(cfg.ModelCandidates[1], fixtures.HDF5(2048)[:100], 0644))
			},
			stage:   StageLoad,
			wantErr: model.ErrLoad,
		},
		{
			name: "converter failure",
			mutate: func(t *testing.T, cfg *config.Config) {
				t.Setenv("FAKE_CONVERTER_MODE", "fail")
			},
			stage:   StageExport,
			wantErr: converter.ErrExport,
		},
		{
			name: "unwritable params",
			mutate: func(t *testing.T, cfg *config.Config) {
				blocker := filepath.Join(filepath.Dir(cfg.ParamsOut), "blocked")
				require.NoError(t, os.MkdirAll(filepath.Dir(blocker), 0755))
				require.NoError(t, os.WriteFile(blocker, []byte("file"), 0644))
				cfg.ParamsOut = filepath.Join(blocker, "normalization_params.json")
			},
			stage:   StageWrite,
			wantErr: normalization.ErrWrite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := workspace(t)
			tt.mutate(t, cfg)

			r, err := Run(context.Background(), Config{Export: cfg, Logger: logTo(io.Discard)})

			assert.Nil(t, r)
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr), "got %v", err)
			assert.Equal(t, tt.stage, stageErr.Stage)
			assert.True(t, errors.Is(err, tt.wantErr), "error %v does not wrap %v", err, tt.wantErr)
			assert.True(t, strings.HasPrefix(err.Error(), string(tt.stage)+": "))
		})
	}
}

func TestRun_ExportFailureWritesNoParams(t *testing.T) {
	cfg := workspace(t)
	t.Setenv("FAKE_CONVERTER_MODE", "fail")

	_, err := Run(context.Background(), Config{Export: cfg, Logger: logTo(io.Discard)})
	require.Error(t, err)

	assert.NoFileExists(t, cfg.ParamsOut)
}

func TestRun_RecordsHistory(t *testing.T) {
	cfg := workspace(t)
	s, err := store.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	cfg.PreprocessorPath = ""
	r, err := Run(context.Background(), Config{Export: cfg, Store: s, Logger: logTo(io.Discard)})
	require.NoError(t, err)
	assert.True(t, r.Recorded)

	e, err := s.Exports().GetByID(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ModelPath, e.ModelPath)
	assert.Equal(t, r.ModelSHA256, e.ModelSHA256)
	assert.Equal(t, 2, e.ShardCount)
	assert.Equal(t, 42, e.FeatureCount)
	assert.Equal(t, 17, e.ClassCount)
	assert.True(t, e.Degraded)
	assert.Equal(t, string(normalization.SourceDefaultMissing), e.ParamsSource)
	assert.Equal(t, r.Warnings, e.Warnings)
}

func TestRun_PrunesHistory(t *testing.T) {
	cfg := workspace(t)
	cfg.History.Keep = 2
	s, err := store.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := Run(context.Background(), Config{Export: cfg, Store: s, Logger: logTo(io.Discard)})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	exports, err := s.Exports().List(0)
	require.NoError(t, err)
	require.Len(t, exports, 2)
	_, err = s.Exports().GetByID(ids[0])
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Exports().GetByID(ids[2])
	assert.NoError(t, err)
}

func TestRun_HistoryFailureIsNotFatal(t *testing.T) {
	cfg := workspace(t)
	s, err := store.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r, err := Run(context.Background(), Config{Export: cfg, Store: s, Logger: logTo(io.Discard)})
	require.NoError(t, err)

	assert.False(t, r.Recorded)
	require.NotEmpty(t, r.Warnings)
	assert.Contains(t, r.Warnings[len(r.Warnings)-1], "history not recorded")
}

type stubExporter struct {
	bundle *converter.Bundle
	gotDir string
}

func (s *stubExporter) Export(ctx context.Context, h *model.Handle, outDir string) (*converter.Bundle, error) {
	s.gotDir = outDir
	return s.bundle, nil
}

func TestRun_ChecksBundleTopology(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "asl.h5")
	require.NoError(t, fixtures.WriteFile(modelPath, fixtures.HDF5(512)))

	cfg := config.Default()
	cfg.ModelCandidates = []string{modelPath}
	cfg.PreprocessorPath = ""
	cfg.WebModelDir = filepath.Join(dir, "out")
	cfg.ParamsOut = filepath.Join(dir, "params.json")
	cfg.Defaults.FeatureCount = 63

	stub := &stubExporter{bundle: &converter.Bundle{
		Dir:    cfg.WebModelDir,
		Shards: []string{"group1-shard1of1.bin"},
		Info:   model.Info{ClassName: "Sequential", InputShape: []int{-1, 30, 42}, OutputUnits: 17},
	}}

	r, err := Run(context.Background(), Config{Export: cfg, Exporter: stub, Logger: logTo(io.Discard)})
	require.NoError(t, err)

	assert.Equal(t, cfg.WebModelDir, stub.gotDir)
	assert.Equal(t, 63, r.FeatureCount)
	joined := strings.Join(r.Warnings, "\n")
	assert.Contains(t, joined, "42 input features")
}
