// Package fixtures holds test fixtures shared by the package and end-to-end
// tests.
package fixtures

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed testdata/fake_tensorflowjs_converter.sh
var fakeConverter []byte

//go:embed testdata/preprocessor.json
var preprocessorJSON []byte

// ConverterName is the file name the fake converter is installed under.
const ConverterName = "tensorflowjs_converter"

// InstallFakeConverter writes an executable stand-in for
// tensorflowjs_converter into dir and returns its path. Its behavior is
// steered through FAKE_CONVERTER_* environment variables, see the script.
func InstallFakeConverter(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ConverterName)
	if err := os.WriteFile(path, fakeConverter, 0755); err != nil {
		return "", fmt.Errorf("install fake converter: %w", err)
	}
	return path, nil
}

// PreprocessorJSON returns a fitted preprocessor for 42 features and the
// 17 standard labels in its JSON form.
func PreprocessorJSON() []byte {
	return append([]byte(nil), preprocessorJSON...)
}

// HDF5 returns the smallest file the model loader accepts as a Keras HDF5
// artifact: a version 2 superblock followed by padding up to size bytes.
func HDF5(size int) []byte {
	if size < 48 {
		size = 48
	}
	data := make([]byte, size)
	copy(data, []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n', 2, 8, 8, 0})
	// Base address, extension, end of file, root group.
	binary.LittleEndian.PutUint64(data[12:], 0)
	binary.LittleEndian.PutUint64(data[20:], ^uint64(0))
	binary.LittleEndian.PutUint64(data[28:], uint64(size))
	binary.LittleEndian.PutUint64(data[36:], 48)
	return data
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
