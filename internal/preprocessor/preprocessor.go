// Package preprocessor reads the fitted preprocessor produced by the training
// pipeline: per-feature normalization statistics and the label encoding.
//
// Two encodings are accepted. The training pipeline's native output is a
// Python pickle of its preprocessor object, holding
//
//	feature_stats = {"mean": ndarray, "std": ndarray}
//	label_encoder = LabelEncoder(classes_=ndarray)
//
// The same structure may also be supplied as JSON:
//
//	{"feature_stats": {"mean": [...], "std": [...]}, "label_encoder": {"classes_": [...]}}
package preprocessor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalid is returned when a preprocessor decodes but its contents are
// unusable.
var ErrInvalid = errors.New("invalid preprocessor")

// Preprocessor is the typed view of a fitted preprocessor.
type Preprocessor struct {
	Mean    []float64
	Std     []float64
	Classes []string
}

// FeatureCount is the number of input features the statistics describe.
func (p *Preprocessor) FeatureCount() int {
	return len(p.Mean)
}

// Validate checks that the statistics and labels are complete and finite.
func (p *Preprocessor) Validate() error {
	if len(p.Mean) == 0 {
		return fmt.Errorf("%w: feature_stats mean is empty", ErrInvalid)
	}
	if len(p.Mean) != len(p.Std) {
		return fmt.Errorf("%w: %d means but %d stds", ErrInvalid, len(p.Mean), len(p.Std))
	}
	for i := range p.Mean {
		if math.IsNaN(p.Mean[i]) || math.IsInf(p.Mean[i], 0) {
			return fmt.Errorf("%w: mean[%d] is %v", ErrInvalid, i, p.Mean[i])
		}
		if math.IsNaN(p.Std[i]) || math.IsInf(p.Std[i], 0) {
			return fmt.Errorf("%w: std[%d] is %v", ErrInvalid, i, p.Std[i])
		}
	}
	if len(p.Classes) == 0 {
		return fmt.Errorf("%w: label encoder has no classes", ErrInvalid)
	}
	return nil
}

// Load reads and validates the preprocessor at path. Files ending in .json
// are decoded as JSON; everything else as a pickle.
func Load(path string) (*Preprocessor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var p *Preprocessor
	if strings.EqualFold(filepath.Ext(path), ".json") {
		p, err = DecodeJSON(f)
	} else {
		p, err = DecodePickle(bufio.NewReader(f))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

// DecodePickle decodes a pickled preprocessor object. Malformed input is
// reported as an error, never as a panic.
func DecodePickle(r io.Reader) (p *Preprocessor, err error) {
	defer func() {
		if v := recover(); v != nil {
			p, err = nil, fmt.Errorf("%w: malformed pickle: %v", ErrInvalid, v)
		}
	}()

	root, err := unpickle(r)
	if err != nil {
		return nil, fmt.Errorf("unpickle: %w", err)
	}
	return fromObject(root)
}

type jsonPreprocessor struct {
	FeatureStats *struct {
		Mean []float64 `json:"mean"`
		Std  []float64 `json:"std"`
	} `json:"feature_stats"`
	LabelEncoder *struct {
		Classes []string `json:"classes_"`
	} `json:"label_encoder"`
}

// DecodeJSON decodes the JSON form of a preprocessor.
func DecodeJSON(r io.Reader) (*Preprocessor, error) {
	var raw jsonPreprocessor
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw.FeatureStats == nil {
		return nil, fmt.Errorf("%w: missing feature_stats", ErrInvalid)
	}
	if raw.LabelEncoder == nil {
		return nil, fmt.Errorf("%w: missing label_encoder", ErrInvalid)
	}

	p := &Preprocessor{
		Mean:    raw.FeatureStats.Mean,
		Std:     raw.FeatureStats.Std,
		Classes: raw.LabelEncoder.Classes,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// fromObject pulls the statistics and labels out of a decoded object graph.
// A scikit-learn StandardScaler stored as "scaler" (mean_, scale_) is accepted
// when feature_stats is absent.
func fromObject(root interface{}) (*Preprocessor, error) {
	p := &Preprocessor{}
	var err error

	if stats, ok := attr(root, "feature_stats"); ok {
		if p.Mean, err = floatsAttr(stats, "mean"); err != nil {
			return nil, err
		}
		if p.Std, err = floatsAttr(stats, "std"); err != nil {
			return nil, err
		}
	} else if scaler, ok := attr(root, "scaler"); ok {
		if p.Mean, err = floatsAttr(scaler, "mean_"); err != nil {
			return nil, err
		}
		if p.Std, err = floatsAttr(scaler, "scale_"); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("%w: missing feature_stats", ErrInvalid)
	}

	encoder, ok := attr(root, "label_encoder")
	if !ok {
		return nil, fmt.Errorf("%w: missing label_encoder", ErrInvalid)
	}
	classes, ok := attr(encoder, "classes_")
	if !ok {
		return nil, fmt.Errorf("%w: label_encoder has no classes_", ErrInvalid)
	}
	if p.Classes, err = toStrings(classes); err != nil {
		return nil, fmt.Errorf("%w: label_encoder.classes_: %v", ErrInvalid, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func floatsAttr(obj interface{}, name string) ([]float64, error) {
	v, ok := attr(obj, name)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalid, name)
	}
	vals, err := toFloats(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return vals, nil
}

// toFloats flattens an ndarray or a Python list of numbers.
func toFloats(v interface{}) ([]float64, error) {
	if a, ok := v.(*ndarray); ok {
		return a.Floats()
	}
	items, ok := sequence(v)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]float64, len(items))
	for i, it := range items {
		f, ok := toFloat(it)
		if !ok {
			return nil, fmt.Errorf("item %d is %T, not a number", i, it)
		}
		out[i] = f
	}
	return out, nil
}

// toStrings flattens an ndarray or a Python list of labels.
func toStrings(v interface{}) ([]string, error) {
	if a, ok := v.(*ndarray); ok {
		return a.Strings()
	}
	items, ok := sequence(v)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]string, len(items))
	for i, it := range items {
		s, err := labelString(it)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}
