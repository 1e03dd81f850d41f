package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/source"
	"github.com/gurre/s3mpu/state"
)

// Serial uploads parts one at a time in part number order. It works with
// both seekable sources and streams.
type Serial struct {
	*base
}

// NewSerial creates a serial transfer of src into the upload described by st.
// Parts already recorded in st are skipped.
func NewSerial(client aws.MultipartAPI, src *source.Source, st *state.TransferState, opts Options) (*Serial, error) {
	b, err := newBase(client, src, st, opts)
	if err != nil {
		return nil, err
	}
	return &Serial{base: b}, nil
}

// Upload sends the remaining parts in order. The first failure stops the
// transfer: later parts are not attempted and Complete is not called.
func (t *Serial) Upload(ctx context.Context) (*Result, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	for {
		p, err := t.gen.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, t.fail(err)
		}

		done, err := t.uploadPart(ctx, p)
		if err != nil {
			return nil, t.fail(err)
		}
		if err := t.record(ctx, done); err != nil {
			return nil, t.fail(err)
		}
	}

	return t.complete(ctx, start)
}
