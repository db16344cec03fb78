package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/aslexport/internal/model"
	"github.com/ayusman/aslexport/internal/normalization"
	"github.com/ayusman/aslexport/internal/store"
)

// Run performs the export stages in order:
// 1. Resolve the first existing model candidate
// 2. Load and validate the model artifact
// 3. Convert it into the web model directory
// 4. Extract normalization parameters, substituting defaults if needed
// 5. Write normalization_params.json
// 6. Check the parameters against the exported topology
// 7. Record the run when history is enabled
//
// Stages 1, 2, 3 and 5 are fatal and return a *StageError. The rest only add
// warnings to the report.
func (a *App) Run(ctx context.Context) (*Report, error) {
	cfg := a.config.Export
	start := time.Now()
	r := &Report{
		ID:          uuid.NewString(),
		WebModelDir: cfg.WebModelDir,
		ParamsPath:  cfg.ParamsOut,
	}

	path, err := model.ResolvePath(cfg.ModelCandidates)
	if err != nil {
		return nil, &StageError{Stage: StageResolve, Err: err}
	}
	a.logger.Printf("Using model %s", path)

	h, err := model.Load(path)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	r.ModelPath, r.ModelFormat, r.ModelSize, r.ModelSHA256 = h.Path, h.Format, h.Size, h.SHA256

	bundle, err := a.exporter.Export(ctx, h, cfg.WebModelDir)
	if err != nil {
		return nil, &StageError{Stage: StageExport, Err: err}
	}
	r.ModelJSON, r.Shards, r.BundleBytes = bundle.ModelJSON, len(bundle.Shards), bundle.Bytes
	a.logger.Printf("Web model written to %s", cfg.WebModelDir)

	res := normalization.Extract(cfg.PreprocessorPath, cfg.NormalizationDefaults(), a.logger)
	r.ParamsSource = res.Source
	r.FeatureCount = res.Params.FeatureCount()
	r.ClassNames = res.Params.ClassNames
	if res.Degraded() {
		r.DegradedReason = res.Cause.Error()
		r.Warnings = append(r.Warnings, fmt.Sprintf("normalization params are defaults (%s)", res.Cause))
	}

	if err := normalization.WriteJSON(res.Params, cfg.ParamsOut); err != nil {
		return nil, &StageError{Stage: StageWrite, Err: err}
	}
	a.logger.Printf("Normalization params written to %s", cfg.ParamsOut)

	info := bundle.Info
	if info.ClassName == "" {
		info = h.Info
	}
	topo := normalization.Topology{InputFeatures: info.InputFeatures(), OutputUnits: info.OutputUnits}
	for _, w := range normalization.Check(res.Params, topo) {
		a.logger.Printf("Warning: %s", w)
		r.Warnings = append(r.Warnings, w)
	}

	r.Duration = time.Since(start)
	a.record(r)
	return r, nil
}

// record stores r in the history ledger. Failures are reported as warnings.
func (a *App) record(r *Report) {
	if a.config.Store == nil {
		return
	}

	err := a.config.Store.Exports().Create(&store.Export{
		ID:           r.ID,
		ModelPath:    r.ModelPath,
		ModelFormat:  string(r.ModelFormat),
		ModelSHA256:  r.ModelSHA256,
		WebModelDir:  r.WebModelDir,
		ParamsPath:   r.ParamsPath,
		ShardCount:   r.Shards,
		BundleBytes:  r.BundleBytes,
		FeatureCount: r.FeatureCount,
		ClassCount:   len(r.ClassNames),
		ParamsSource: string(r.ParamsSource),
		Degraded:     r.Degraded(),
		Duration:     r.Duration,
		Warnings:     r.Warnings,
	})
	if err != nil {
		a.logger.Printf("Failed to record export history: %v", err)
		r.Warnings = append(r.Warnings, fmt.Sprintf("export history not recorded: %v", err))
		return
	}
	r.Recorded = true

	if keep := a.config.Export.History.Keep; keep > 0 {
		removed, err := a.config.Store.Exports().Prune(keep)
		if err != nil {
			a.logger.Printf("Failed to prune export history: %v", err)
		} else if removed > 0 {
			a.logger.Printf("Pruned %d old export record(s), keeping %d", removed, keep)
		}
	}
}
