// Package source wraps the data being uploaded and reports what the uploader
// may do with it.
//
// A seekable source has a known length and supports independent positioned
// reads, so parts can be computed up front, skipped on resume and read by
// several workers at once. Anything else is a stream that can only be read
// front to back.
package source

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
)

// Source is the data of one upload. It is owned by a single transfer for
// the duration of the upload.
type Source struct {
	r      io.Reader
	ra     io.ReaderAt
	size   int64
	closer io.Closer
}

// FromReaderAt returns a seekable source of size bytes.
func FromReaderAt(ra io.ReaderAt, size int64) *Source {
	return &Source{ra: ra, size: size}
}

// FromBytes returns a seekable source over b.
func FromBytes(b []byte) *Source {
	return FromReaderAt(bytes.NewReader(b), int64(len(b)))
}

// FromReader inspects r and returns a seekable source when r supports both
// positioned reads and seeking (files, bytes.Reader, io.SectionReader).
// The seekable view starts at r's current offset. Other readers become
// non-seekable streams.
func FromReader(r io.Reader) (*Source, error) {
	ra, okAt := r.(io.ReaderAt)
	sk, okSeek := r.(io.Seeker)
	if !okAt || !okSeek {
		return &Source{r: r, size: -1}, nil
	}

	start, err := sk.Seek(0, io.SeekCurrent)
	if err != nil {
		// Pipes and character devices implement the interfaces but cannot seek
		return &Source{r: r, size: -1}, nil
	}
	end, err := sk.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to determine source length: %w", err)
	}
	if _, err := sk.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind source: %w", err)
	}

	return &Source{ra: io.NewSectionReader(ra, start, end-start), size: end - start}, nil
}

// Open opens the file at path as a source. Regular files are seekable.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat source file: %w", err)
	}

	if !info.Mode().IsRegular() {
		return &Source{r: f, size: -1, closer: f}, nil
	}
	return &Source{ra: f, size: info.Size(), closer: f}, nil
}

// Seekable reports whether the source supports positioned reads.
func (s *Source) Seekable() bool {
	return s.ra != nil
}

// Size returns the length of the source and whether it is known.
func (s *Source) Size() (int64, bool) {
	if s.size < 0 {
		return 0, false
	}
	return s.size, true
}

// Section returns an independent reader over [off, off+n). Sections of a
// seekable source may be read concurrently.
func (s *Source) Section(off, n int64) (*io.SectionReader, error) {
	if s.ra == nil {
		return nil, fmt.Errorf("source is not seekable")
	}
	if off < 0 || n < 0 || off+n > s.size {
		return nil, fmt.Errorf("section [%d, %d) is outside source of %d bytes", off, off+n, s.size)
	}
	return io.NewSectionReader(s.ra, off, n), nil
}

// Read reads the next bytes of a stream source. Seekable sources are read
// through Section.
func (s *Source) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, fmt.Errorf("source is seekable; use Section")
	}
	return s.r.Read(p)
}

// Checksum reads the entire source and returns its digest. The source must
// be seekable, otherwise the bytes would be consumed before the upload.
func (s *Source) Checksum(a checksum.Algorithm) (string, error) {
	if !s.Seekable() {
		return "", mperrors.Configuration("checksum", "entire-object checksum requires a seekable source")
	}
	sum, err := checksum.Sum(a, io.NewSectionReader(s.ra, 0, s.size))
	if err != nil {
		return "", fmt.Errorf("failed to checksum source: %w", err)
	}
	return sum, nil
}

// Close releases the underlying file, if the source opened one.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
