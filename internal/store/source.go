package store

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/meta"
)

// Source reads a sealed artifact part by part. Parts and side channels are
// opened lazily and closed independently of each other.
type Source struct {
	rec         *meta.Record
	primaryPath string
	offsets     []uint64 // nil means single part
	size        int64
	parts       int
	manifest    []fspath.Type
	closed      bool
}

func newSource(rec *meta.Record, primaryPath string) (*Source, error) {
	info, err := os.Stat(primaryPath)
	if err != nil {
		return nil, fmt.Errorf("statting primary file: %w", err)
	}

	bp, err := fspath.BoundaryPath(primaryPath)
	if err != nil {
		return nil, err
	}
	offsets, err := readBoundaryFile(bp)
	if err != nil {
		return nil, err
	}

	mp, err := fspath.ManifestPath(primaryPath)
	if err != nil {
		return nil, err
	}
	manifest, err := readManifestFile(mp)
	if err != nil {
		return nil, err
	}

	parts := len(offsets)
	if offsets == nil && info.Size() > 0 {
		parts = 1
	}

	return &Source{
		rec:         rec,
		primaryPath: primaryPath,
		offsets:     offsets,
		size:        info.Size(),
		parts:       parts,
		manifest:    manifest,
	}, nil
}

// Record returns the metadata record the source reads from.
func (s *Source) Record() meta.Record {
	return *s.rec
}

// PartCount returns the number of independently addressable parts.
func (s *Source) PartCount() int {
	return s.parts
}

// SideChannels returns the manifest's side-channel list.
func (s *Source) SideChannels() []fspath.Type {
	out := make([]fspath.Type, len(s.manifest))
	copy(out, s.manifest)
	return out
}

// Part returns an accessor for one part. Indexes at or beyond PartCount
// fail with ErrPartOutOfRange.
func (s *Source) Part(index int) (*Part, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if index < 0 || index >= s.parts {
		return nil, fmt.Errorf("%w: part %d of %d", ErrPartOutOfRange, index, s.parts)
	}
	return &Part{src: s, index: index}, nil
}

// Close invalidates the source. Readers already obtained stay usable until
// individually closed.
func (s *Source) Close() error {
	s.closed = true
	return nil
}

// Part addresses one boundary-delimited part of an artifact.
type Part struct {
	src   *Source
	index int
}

// Data opens the primary content of this part.
func (p *Part) Data() (io.ReadCloser, error) {
	return openMember(p.src.primaryPath, p.src.offsets, p.index, p.src.size)
}

// Side opens a named side channel's content for this part. Requesting a
// side channel the manifest does not list fails with ErrSideNotFound; a
// listed side channel whose file is missing fails with ErrCorrupt.
func (p *Part) Side(childType fspath.Type) (io.ReadCloser, error) {
	listed := false
	for _, t := range p.src.manifest {
		if t == childType {
			listed = true
			break
		}
	}
	if !listed {
		return nil, fmt.Errorf("%w: %s", ErrSideNotFound, childType)
	}

	path, err := fspath.ResolveChild(p.src.primaryPath, childType)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: manifest lists %s but %s is missing", ErrCorrupt, childType, path)
		}
		return nil, err
	}

	bp, err := fspath.BoundaryPath(path)
	if err != nil {
		return nil, err
	}
	offsets, err := readBoundaryFile(bp)
	if err != nil {
		return nil, err
	}

	sideParts := len(offsets)
	if offsets == nil && info.Size() > 0 {
		sideParts = 1
	}
	if p.index >= sideParts {
		return nil, fmt.Errorf("%w: side channel %s has %d parts", ErrPartOutOfRange, childType, sideParts)
	}
	return openMember(path, offsets, p.index, info.Size())
}

// openMember opens the gzip member holding part index of a data file. With
// no boundary index the whole file is the single member.
func openMember(path string, offsets []uint64, index int, size int64) (io.ReadCloser, error) {
	var start, end int64
	if offsets == nil {
		start, end = 0, size
	} else {
		if index > 0 {
			start = int64(offsets[index-1])
		}
		end = int64(offsets[index])
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}

	section := io.NewSectionReader(f, start, end-start)
	zr, err := gzip.NewReader(section)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	zr.Multistream(false)

	return &memberReader{zr: zr, f: f}, nil
}

type memberReader struct {
	zr *gzip.Reader
	f  *os.File
}

func (m *memberReader) Read(b []byte) (int, error) {
	return m.zr.Read(b)
}

func (m *memberReader) Close() error {
	zerr := m.zr.Close()
	ferr := m.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}
