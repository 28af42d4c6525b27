package store

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Boundary index file format. One uint64 per part giving the end offset of
// that part's gzip member within the compressed data file. Only written
// when a file holds more than one part; a data file without a boundary
// index holds exactly one part.
const (
	boundaryMagic   = uint32(0x53534244) // "SSBD"
	boundaryVersion = uint32(1)
	boundaryHdrSize = 12 // magic + version + count
)

func encodeBoundary(offsets []uint64) []byte {
	buf := make([]byte, boundaryHdrSize+8*len(offsets))
	binary.BigEndian.PutUint32(buf[0:4], boundaryMagic)
	binary.BigEndian.PutUint32(buf[4:8], boundaryVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(offsets)))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(buf[boundaryHdrSize+8*i:], off)
	}
	return buf
}

func decodeBoundary(data []byte) ([]uint64, error) {
	if len(data) < boundaryHdrSize {
		return nil, fmt.Errorf("%w: boundary index truncated", ErrCorrupt)
	}
	if binary.BigEndian.Uint32(data[0:4]) != boundaryMagic {
		return nil, fmt.Errorf("%w: bad boundary magic", ErrCorrupt)
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != boundaryVersion {
		return nil, fmt.Errorf("%w: unsupported boundary version %d", ErrCorrupt, v)
	}
	count := binary.BigEndian.Uint32(data[8:12])
	if len(data) != boundaryHdrSize+8*int(count) {
		return nil, fmt.Errorf("%w: boundary index size mismatch", ErrCorrupt)
	}
	offsets := make([]uint64, count)
	for i := range offsets {
		offsets[i] = binary.BigEndian.Uint64(data[boundaryHdrSize+8*i:])
	}
	return offsets, nil
}

func writeBoundaryFile(path string, offsets []uint64) error {
	if err := os.WriteFile(path, encodeBoundary(offsets), 0644); err != nil {
		return fmt.Errorf("writing boundary index: %w", err)
	}
	return nil
}

// readBoundaryFile loads a boundary index; a missing file yields nil
// offsets, meaning the data file holds a single part.
func readBoundaryFile(path string) ([]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading boundary index: %w", err)
	}
	return decodeBoundary(data)
}
