package model

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Members every Keras v3 archive carries.
const (
	kerasConfigMember  = "config.json"
	kerasWeightsMember = "model.weights.h5"
)

// kerasModel is the subset of a Keras model config the exporter reads. The
// same shape appears in .keras archives and in the converter's modelTopology.
type kerasModel struct {
	ClassName string `json:"class_name"`
	Config    struct {
		Layers       []kerasLayer      `json:"layers"`
		OutputLayers []json.RawMessage `json:"output_layers"`
	} `json:"config"`
	BuildConfig struct {
		InputShape []*int `json:"input_shape"`
	} `json:"build_config"`
}

type kerasLayer struct {
	ClassName string `json:"class_name"`
	Name      string `json:"name"`
	Config    struct {
		Name            string `json:"name"`
		Units           int    `json:"units"`
		BatchShape      []*int `json:"batch_shape"`
		BatchInputShape []*int `json:"batch_input_shape"`
	} `json:"config"`
}

func (l kerasLayer) layerName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Config.Name
}

// ParseTopology reads a Keras model config. It accepts either the bare model
// config or a wrapper holding it under "model_config", which is how the web
// converter stores it in model.json.
func ParseTopology(data []byte) (Info, error) {
	var wrapper struct {
		ModelConfig json.RawMessage `json:"model_config"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return Info{}, fmt.Errorf("parse model topology: %w", err)
	}
	if len(wrapper.ModelConfig) > 0 {
		data = wrapper.ModelConfig
	}

	var m kerasModel
	if err := json.Unmarshal(data, &m); err != nil {
		return Info{}, fmt.Errorf("parse model config: %w", err)
	}
	if m.ClassName == "" {
		return Info{}, fmt.Errorf("model config has no class_name")
	}

	info := Info{
		ClassName:  m.ClassName,
		LayerCount: len(m.Config.Layers),
		InputShape: shapeOf(m.BuildConfig.InputShape),
	}

	for _, l := range m.Config.Layers {
		if info.InputShape != nil {
			break
		}
		if s := l.Config.BatchShape; s != nil {
			info.InputShape = shapeOf(s)
		} else if s := l.Config.BatchInputShape; s != nil {
			info.InputShape = shapeOf(s)
		}
	}

	info.OutputUnits = outputUnits(&m)
	return info, nil
}

// outputUnits returns the unit count of the declared output layer, or of the
// last layer that has units when no output layer is declared.
func outputUnits(m *kerasModel) int {
	if len(m.Config.OutputLayers) > 0 {
		// Functional models list outputs as [name, node_index, tensor_index].
		var ref []json.RawMessage
		if err := json.Unmarshal(m.Config.OutputLayers[len(m.Config.OutputLayers)-1], &ref); err == nil && len(ref) > 0 {
			var name string
			if err := json.Unmarshal(ref[0], &name); err == nil {
				for _, l := range m.Config.Layers {
					if l.layerName() == name && l.Config.Units > 0 {
						return l.Config.Units
					}
				}
			}
		}
	}

	for i := len(m.Config.Layers) - 1; i >= 0; i-- {
		if u := m.Config.Layers[i].Config.Units; u > 0 {
			return u
		}
	}
	return 0
}

// shapeOf converts a JSON shape with null batch dimensions to ints, using -1
// for unknown dimensions.
func shapeOf(dims []*int) []int {
	if dims == nil {
		return nil
	}
	out := make([]int, len(dims))
	for i, d := range dims {
		if d == nil {
			out[i] = -1
		} else {
			out[i] = *d
		}
	}
	return out
}

// inspectKerasArchive validates a .keras zip and reads its model config.
func inspectKerasArchive(path string, size int64) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	zr, err := zip.NewReader(f, size)
	if err != nil {
		return Info{}, fmt.Errorf("not a keras archive: %w", err)
	}

	var config []byte
	var hasWeights bool
	for _, member := range zr.File {
		switch member.Name {
		case kerasConfigMember:
			config, err = readMember(member)
			if err != nil {
				return Info{}, fmt.Errorf("read %s: %w", kerasConfigMember, err)
			}
		case kerasWeightsMember:
			hasWeights = member.UncompressedSize64 > 0
		}
	}

	if config == nil {
		return Info{}, fmt.Errorf("keras archive has no %s", kerasConfigMember)
	}
	if !hasWeights {
		return Info{}, fmt.Errorf("keras archive has no %s", kerasWeightsMember)
	}

	return ParseTopology(config)
}

func readMember(member *zip.File) ([]byte, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
