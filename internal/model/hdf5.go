package model

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// hdf5Signature opens every HDF5 superblock.
var hdf5Signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// undefinedAddress marks an unset address field in the superblock.
const undefinedAddress = ^uint64(0)

var errNoSignature = errors.New("no HDF5 superblock signature found")

// checkHDF5 verifies that path holds an HDF5 file whose superblock is intact
// and whose recorded end-of-file address fits inside the file. The signature
// may sit at byte 0 or after a user block at 512, 1024, 2048, ...
func checkHDF5(path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, 96)
	for offset := int64(0); offset < size; {
		n, err := f.ReadAt(header, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n >= len(hdf5Signature) && bytes.Equal(header[:len(hdf5Signature)], hdf5Signature) {
			return checkSuperblock(header[:n], size)
		}

		if offset == 0 {
			offset = 512
		} else {
			offset *= 2
		}
	}
	return errNoSignature
}

func checkSuperblock(sb []byte, fileSize int64) error {
	const sig = 8
	if len(sb) < sig+8 {
		return fmt.Errorf("superblock truncated at %d bytes", len(sb))
	}

	version := sb[sig]
	var offsetSize, lengthSize byte
	var baseAt int

	switch version {
	case 0, 1:
		offsetSize, lengthSize = sb[sig+5], sb[sig+6]
		baseAt = sig + 16
		if version == 1 {
			baseAt += 4
		}
	case 2, 3:
		offsetSize, lengthSize = sb[sig+1], sb[sig+2]
		baseAt = sig + 4
	default:
		return fmt.Errorf("unsupported superblock version %d", version)
	}

	if !validFieldSize(offsetSize) || !validFieldSize(lengthSize) {
		return fmt.Errorf("invalid superblock field sizes (offsets %d, lengths %d)", offsetSize, lengthSize)
	}

	eofAt := baseAt + 2*int(offsetSize)
	if len(sb) < eofAt+int(offsetSize) {
		return fmt.Errorf("superblock truncated at %d bytes", len(sb))
	}

	base := readAddress(sb[baseAt:], offsetSize)
	eof := readAddress(sb[eofAt:], offsetSize)
	if base == undefinedAddress || eof == undefinedAddress {
		return nil
	}
	if base+eof > uint64(fileSize) {
		return fmt.Errorf("file truncated: superblock records %d bytes, found %d", base+eof, fileSize)
	}
	return nil
}

func validFieldSize(n byte) bool {
	return n == 2 || n == 4 || n == 8
}

// readAddress decodes a little-endian address of the given width. All-ones
// values map to undefinedAddress regardless of width.
func readAddress(b []byte, width byte) uint64 {
	var v uint64
	switch width {
	case 2:
		v = uint64(binary.LittleEndian.Uint16(b))
		if v == 0xffff {
			return undefinedAddress
		}
	case 4:
		v = uint64(binary.LittleEndian.Uint32(b))
		if v == 0xffffffff {
			return undefinedAddress
		}
	default:
		v = binary.LittleEndian.Uint64(b)
	}
	return v
}
