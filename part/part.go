// Package part splits an upload source into numbered parts.
//
// Seekable sources are partitioned up front from their length: part n covers
// [(n-1)*size, min(n*size, length)). Streams are read and buffered one part
// at a time because their length is unknown. Either way every part except the
// last holds exactly the part size and an empty source yields one empty part.
package part

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/source"
)

// Limits imposed by S3 on multipart uploads.
const (
	MinSize  int64 = 5 * 1024 * 1024
	MaxSize  int64 = 5 * 1024 * 1024 * 1024
	MaxParts int32 = 10000
)

// Part is one contiguous byte range of the source. It is produced once by a
// Generator and consumed once by a transfer.
type Part struct {
	Number   int32
	Offset   int64
	Length   int64
	Seekable bool

	// Checksum is the base64 digest of the part when it was computed while
	// reading it, empty otherwise.
	Checksum string

	body    []byte
	section *io.SectionReader
}

// Body returns a fresh reader over the part's bytes. Each call starts at the
// beginning of the part so a failed request body can be replayed.
func (p Part) Body() io.ReadSeeker {
	if p.section != nil {
		return io.NewSectionReader(p.section, 0, p.section.Size())
	}
	return bytes.NewReader(p.body)
}

// Completed reports parts that were uploaded before this generator started.
type Completed interface {
	Recorded(number int32) (size int64, ok bool)
	Numbers() []int32
}

// Count returns how many parts a source of size bytes splits into.
func Count(size, partSize int64) (int32, error) {
	if err := checkPartSize(partSize); err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, mperrors.Configuration("partCount", "negative source size %d", size)
	}
	n := (size + partSize - 1) / partSize
	if n == 0 {
		n = 1
	}
	if n > int64(MaxParts) {
		return 0, mperrors.Configuration("partCount",
			"source of %d bytes needs %d parts of %d bytes, more than the %d allowed", size, n, partSize, MaxParts)
	}
	return int32(n), nil
}

func checkPartSize(partSize int64) error {
	if partSize < MinSize {
		return mperrors.Configuration("partCount", "part size %d is below the %d byte minimum", partSize, MinSize)
	}
	if partSize > MaxSize {
		return mperrors.Configuration("partCount", "part size %d exceeds the %d byte maximum", partSize, MaxSize)
	}
	return nil
}

// Generator lazily produces the parts of a source in part number order.
// It is not safe for concurrent use; transfers call Next from one goroutine.
type Generator struct {
	src      *source.Source
	partSize int64
	skip     map[int32]int64 // recorded when the generator was created
	algo     checksum.Algorithm

	next   int32
	total  int32
	known  bool
	eof    bool
	offset int64
}

// NewGenerator returns a generator over src. Parts already present in done
// are skipped. For seekable sources every recorded part must match the
// boundary computed for it, otherwise a state error is returned. algo is
// precomputed for buffered stream parts; seekable parts leave Checksum empty.
//
// done is read only here, so the caller may keep recording parts into it
// while the generator runs.
func NewGenerator(src *source.Source, partSize int64, done Completed, algo checksum.Algorithm) (*Generator, error) {
	g := &Generator{src: src, partSize: partSize, skip: make(map[int32]int64), algo: algo, next: 1}

	if err := checkPartSize(partSize); err != nil {
		return nil, err
	}
	if done != nil {
		for _, n := range done.Numbers() {
			g.skip[n], _ = done.Recorded(n)
		}
	}
	if !src.Seekable() {
		return g, nil
	}

	size, _ := src.Size()
	total, err := Count(size, partSize)
	if err != nil {
		return nil, err
	}
	g.total, g.known = total, true

	for n, recorded := range g.skip {
		if n < 1 || n > total {
			return nil, mperrors.State("resume",
				"recorded part %d is outside the %d parts of this source", n, total)
		}
		if want := g.length(n, size); recorded != want {
			return nil, mperrors.State("resume",
				"recorded part %d has %d bytes, expected %d for part size %d", n, recorded, want, partSize).WithPart(n)
		}
	}
	return g, nil
}

func (g *Generator) length(n int32, size int64) int64 {
	off := int64(n-1) * g.partSize
	return min(g.partSize, size-off)
}

func (g *Generator) recorded(n int32) (int64, bool) {
	size, ok := g.skip[n]
	return size, ok
}

// Total returns the number of parts of the source, including skipped ones.
// For streams it is only known once Next has returned io.EOF.
func (g *Generator) Total() (int32, bool) {
	return g.total, g.known
}

// Next returns the next part that still needs uploading, or io.EOF when the
// source is exhausted.
func (g *Generator) Next() (Part, error) {
	if g.src.Seekable() {
		return g.nextSeekable()
	}
	return g.nextStream()
}

func (g *Generator) nextSeekable() (Part, error) {
	size, _ := g.src.Size()
	for ; g.next <= g.total; g.next++ {
		if _, ok := g.recorded(g.next); ok {
			continue
		}
		n := g.next
		off := int64(n-1) * g.partSize
		length := g.length(n, size)
		sec, err := g.src.Section(off, length)
		if err != nil {
			return Part{}, fmt.Errorf("failed to slice part %d: %w", n, err)
		}
		g.next++
		return Part{Number: n, Offset: off, Length: length, Seekable: true, section: sec}, nil
	}
	return Part{}, io.EOF
}

func (g *Generator) nextStream() (Part, error) {
	for !g.eof {
		n := g.next
		buf := make([]byte, g.partSize)
		read, err := io.ReadFull(g.src, buf)
		switch {
		case err == nil:
		case errors.Is(err, io.ErrUnexpectedEOF):
			g.eof = true
		case errors.Is(err, io.EOF):
			g.eof = true
			if n > 1 {
				g.total, g.known = n-1, true
				return Part{}, io.EOF
			}
		default:
			return Part{}, fmt.Errorf("failed to read part %d: %w", n, err)
		}

		if n > MaxParts {
			return Part{}, mperrors.Configuration("nextPart",
				"stream exceeds %d parts of %d bytes", MaxParts, g.partSize)
		}

		off := g.offset
		g.offset += int64(read)
		g.next++
		if g.eof {
			g.total, g.known = n, true
		}

		if recorded, ok := g.recorded(n); ok {
			if recorded != int64(read) {
				return Part{}, mperrors.State("resume",
					"recorded part %d has %d bytes, stream produced %d", n, recorded, read).WithPart(n)
			}
			continue
		}

		body := buf[:read]
		return Part{
			Number:   n,
			Offset:   off,
			Length:   int64(read),
			Checksum: checksum.SumBytes(g.algo, body),
			body:     body,
		}, nil
	}
	return Part{}, io.EOF
}
