// Package model locates and validates trained classifier artifacts before they
// are handed to the web converter.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when none of the candidate model paths exist.
	ErrNotFound = errors.New("model not found")
	// ErrLoad is returned when a model file exists but cannot be decoded.
	ErrLoad = errors.New("model load failed")
)

// Format identifies the container a model artifact is stored in.
type Format string

const (
	// FormatKerasHDF5 is the legacy Keras .h5 file.
	FormatKerasHDF5 Format = "keras_h5"
	// FormatKerasV3 is the zip-based .keras archive.
	FormatKerasV3 Format = "keras_v3"
	// FormatSavedModel is a TensorFlow SavedModel directory.
	FormatSavedModel Format = "saved_model"
)

// Handle is a validated model artifact ready for export.
type Handle struct {
	Path   string
	Format Format
	Size   int64
	SHA256 string
	// Info is what could be read from the artifact's own config. Fields are
	// zero when the container does not expose them without a numeric runtime.
	Info Info
}

// Info summarizes the network described by an artifact.
type Info struct {
	ClassName   string
	LayerCount  int
	InputShape  []int
	OutputUnits int
}

// InputFeatures is the last input dimension, or 0 when it is unknown.
func (i Info) InputFeatures() int {
	if len(i.InputShape) == 0 {
		return 0
	}
	if n := i.InputShape[len(i.InputShape)-1]; n > 0 {
		return n
	}
	return 0
}

// ResolvePath returns the first candidate that exists on disk.
func ResolvePath(candidates []string) (string, error) {
	var tried []string
	for _, p := range candidates {
		if p == "" {
			continue
		}
		tried = append(tried, p)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if len(tried) == 0 {
		return "", fmt.Errorf("%w: no candidate paths configured", ErrNotFound)
	}
	return "", fmt.Errorf("%w: tried %s", ErrNotFound, strings.Join(tried, ", "))
}

// Load validates the artifact at path and returns a handle for it.
func Load(path string) (*Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}

	if info.IsDir() {
		return loadSavedModel(path)
	}

	h := &Handle{Path: path, Size: info.Size()}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".keras":
		h.Format = FormatKerasV3
		h.Info, err = inspectKerasArchive(path, info.Size())
	default:
		h.Format = FormatKerasHDF5
		err = checkHDF5(path, info.Size())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}

	h.SHA256, err = fileDigest(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}

	return h, nil
}

func loadSavedModel(dir string) (*Handle, error) {
	pb := filepath.Join(dir, "saved_model.pb")
	info, err := os.Stat(pb)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is a directory without saved_model.pb", ErrLoad, dir)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrLoad, pb)
	}

	digest, err := fileDigest(pb)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, pb, err)
	}

	return &Handle{
		Path:   dir,
		Format: FormatSavedModel,
		Size:   info.Size(),
		SHA256: digest,
	}, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
