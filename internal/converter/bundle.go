package converter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ayusman/aslexport/internal/model"
)

// ModelJSON is the topology descriptor every bundle holds.
const ModelJSON = "model.json"

// Bundle is a verified TF.js layers-model directory.
type Bundle struct {
	Dir       string
	ModelJSON string
	// Shards are the weight files in manifest order.
	Shards []string
	// Bytes is the size of model.json plus every shard.
	Bytes       int64
	Format      string
	ConvertedBy string
	// Info is read from modelTopology. It is zero when the topology is not
	// a Keras config the reader understands.
	Info model.Info
}

type modelDescriptor struct {
	Format          string          `json:"format"`
	GeneratedBy     string          `json:"generatedBy"`
	ConvertedBy     string          `json:"convertedBy"`
	ModelTopology   json.RawMessage `json:"modelTopology"`
	WeightsManifest []struct {
		Paths   []string          `json:"paths"`
		Weights []json.RawMessage `json:"weights"`
	} `json:"weightsManifest"`
}

// ReadBundle verifies the bundle in dir: model.json parses, carries a
// topology, and every shard it names exists inside dir and is non-empty.
func ReadBundle(dir string) (*Bundle, error) {
	path := filepath.Join(dir, ModelJSON)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	var desc modelDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrExport, path, err)
	}
	if len(desc.ModelTopology) == 0 || string(desc.ModelTopology) == "null" {
		return nil, fmt.Errorf("%w: %s has no modelTopology", ErrExport, path)
	}
	if len(desc.WeightsManifest) == 0 {
		return nil, fmt.Errorf("%w: %s has no weightsManifest", ErrExport, path)
	}

	b := &Bundle{
		Dir:         dir,
		ModelJSON:   path,
		Bytes:       int64(len(data)),
		Format:      desc.Format,
		ConvertedBy: desc.ConvertedBy,
	}
	if info, err := model.ParseTopology(desc.ModelTopology); err == nil {
		b.Info = info
	}

	for _, group := range desc.WeightsManifest {
		for _, name := range group.Paths {
			if !filepath.IsLocal(name) {
				return nil, fmt.Errorf("%w: shard path %q escapes %s", ErrExport, name, dir)
			}
			shard := filepath.Join(dir, name)
			info, err := os.Stat(shard)
			if err != nil {
				return nil, fmt.Errorf("%w: shard %s: %w", ErrExport, name, err)
			}
			if !info.Mode().IsRegular() || info.Size() == 0 {
				return nil, fmt.Errorf("%w: shard %s is empty", ErrExport, name)
			}
			b.Shards = append(b.Shards, shard)
			b.Bytes += info.Size()
		}
	}
	if len(b.Shards) == 0 {
		return nil, fmt.Errorf("%w: %s lists no weight shards", ErrExport, path)
	}
	return b, nil
}
