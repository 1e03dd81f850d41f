// Package transfer drives the part uploads of one multipart upload and
// completes it.
//
// Two strategies share the same contract. Serial uploads parts one after
// another and stops at the first failure. Parallel fans parts out to a pool
// of workers and aggregates every failure it sees. Neither retries: a failed
// Upload leaves the TransferState holding every acknowledged part so a new
// transfer can resume from it.
//
// Example:
//
//	t, err := transfer.NewSerial(client, src, st, transfer.Options{PartSize: part.MinSize})
//	if err != nil {
//	    return err
//	}
//	res, err := t.Upload(ctx)
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/checkpoint"
	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/logger"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/metrics"
	"github.com/gurre/s3mpu/part"
	"github.com/gurre/s3mpu/source"
	"github.com/gurre/s3mpu/state"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Status is the lifecycle of a transfer.
type Status int32

const (
	NotStarted Status = iota
	Uploading
	Completed
	Aborted
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Uploading:
		return "uploading"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Options tunes a transfer. The zero value of every field but PartSize is
// usable.
type Options struct {
	// PartSize is the length of every part but the last.
	PartSize int64
	// Checksum is the per-part digest sent with each UploadPart. It must
	// match the upload's algorithm when that one is flexible.
	Checksum checksum.Algorithm
	// Concurrency is the number of workers of a Parallel transfer.
	Concurrency int
	// Checkpoint receives a snapshot of the state after every recorded part
	// and is cleared once the upload completes.
	Checkpoint checkpoint.Store
	Metrics    *metrics.Metrics
	// Limiter paces UploadPart requests.
	Limiter *rate.Limiter
	// ProgressInterval enables periodic progress logging of a Parallel
	// transfer.
	ProgressInterval time.Duration
}

// Result describes a completed upload.
type Result struct {
	Bucket    string
	Key       string
	UploadID  string
	Location  string
	ETag      string
	VersionID string
	Parts     manifest.Manifest
	Size      int64
	Duration  time.Duration
}

// Transfer uploads the remaining parts of one multipart upload.
type Transfer interface {
	// Upload sends every part not yet in the state and completes the upload.
	// It may be called once.
	Upload(ctx context.Context) (*Result, error)
	// Abort discards the upload on the server.
	Abort(ctx context.Context) error
	// State returns the bookkeeping of acknowledged parts. It must not be
	// read while Upload is running.
	State() *state.TransferState
	Status() Status
}

// base is the bookkeeping shared by both strategies.
type base struct {
	client aws.MultipartAPI
	state  *state.TransferState
	gen    *part.Generator
	opts   Options
	status atomic.Int32
	log    zerolog.Logger
}

func newBase(client aws.MultipartAPI, src *source.Source, st *state.TransferState, opts Options) (*base, error) {
	if client == nil {
		return nil, mperrors.Configuration("newTransfer", "client is required")
	}
	if src == nil {
		return nil, mperrors.Configuration("newTransfer", "source is required")
	}
	if st == nil {
		return nil, mperrors.Configuration("newTransfer", "state is required")
	}
	// flexible checksums must be declared on the upload, and only that one
	if algo := st.Algorithm(); (algo.Flexible() || opts.Checksum.Flexible()) && opts.Checksum != algo {
		return nil, mperrors.Configuration("newTransfer",
			"part checksum %s does not match upload checksum %s", opts.Checksum, algo).
			WithBucket(st.Bucket()).WithKey(st.Key())
	}
	gen, err := part.NewGenerator(src, opts.PartSize, st, opts.Checksum)
	if err != nil {
		return nil, mperrors.ClassifyObject("newTransfer", st.Bucket(), st.Key(), err)
	}
	return &base{client: client, state: st, gen: gen, opts: opts}, nil
}

func (b *base) State() *state.TransferState {
	return b.state
}

func (b *base) Status() Status {
	return Status(b.status.Load())
}

// begin moves the transfer to Uploading. Only the first call succeeds.
func (b *base) begin(ctx context.Context) error {
	if !b.status.CompareAndSwap(int32(NotStarted), int32(Uploading)) {
		return mperrors.State("upload", "transfer is %s", b.Status()).
			WithBucket(b.state.Bucket()).WithKey(b.state.Key())
	}
	b.log = logger.Ctx(ctx).With().
		Str("bucket", b.state.Bucket()).
		Str("key", b.state.Key()).
		Str("upload_id", b.state.UploadID()).
		Logger()
	if n := b.state.Len(); n > 0 {
		b.opts.Metrics.PartsSkipped(n, b.state.BytesRecorded())
		b.log.Info().Int("parts", n).Msg("resuming upload")
	}
	return nil
}

func (b *base) partError(op string, number int32, err error) error {
	err = mperrors.ClassifyObject(op, b.state.Bucket(), b.state.Key(), err)
	var e *mperrors.Error
	if errors.As(err, &e) && e.Part == 0 {
		e.WithPart(number)
	}
	return err
}

// uploadPart sends one part and returns what the server acknowledged. It
// does not touch the state.
func (b *base) uploadPart(ctx context.Context, p part.Part) (manifest.Part, error) {
	if b.opts.Limiter != nil {
		if err := b.opts.Limiter.Wait(ctx); err != nil {
			return manifest.Part{}, b.partError("uploadPart", p.Number, err)
		}
	}

	algo := b.opts.Checksum
	sum := p.Checksum
	if sum == "" && algo != checksum.None {
		var err error
		if sum, err = checksum.Sum(algo, p.Body()); err != nil {
			return manifest.Part{}, b.partError("uploadPart", p.Number, fmt.Errorf("failed to checksum part: %w", err))
		}
	}

	in := &s3.UploadPartInput{
		Bucket:        awssdk.String(b.state.Bucket()),
		Key:           awssdk.String(b.state.Key()),
		UploadId:      awssdk.String(b.state.UploadID()),
		PartNumber:    awssdk.Int32(p.Number),
		ContentLength: awssdk.Int64(p.Length),
		Body:          p.Body(),
	}
	checksum.ApplyToPart(in, algo, sum)

	b.opts.Metrics.PartStarted()
	start := time.Now()
	out, err := b.client.UploadPart(ctx, in)
	if err != nil {
		b.opts.Metrics.PartFailed()
		return manifest.Part{}, b.partError("uploadPart", p.Number, err)
	}
	if algo.Flexible() {
		if echoed := checksum.FromPartOutput(out, algo); echoed != "" && echoed != sum {
			b.opts.Metrics.PartFailed()
			return manifest.Part{}, mperrors.ChecksumMismatch("uploadPart",
				"server %s %s does not match %s", algo, echoed, sum).
				WithBucket(b.state.Bucket()).WithKey(b.state.Key()).WithPart(p.Number)
		}
	}
	elapsed := time.Since(start)
	b.opts.Metrics.PartUploaded(p.Length, elapsed)

	done := manifest.Part{
		Number: p.Number,
		ETag:   awssdk.ToString(out.ETag),
		Size:   p.Length,
	}
	if algo.Flexible() {
		done.Checksum = sum
	}
	b.log.Debug().Int32("part", p.Number).Int64("size", p.Length).Dur("elapsed", elapsed).Msg("part uploaded")
	return done, nil
}

// record adds an acknowledged part to the state and checkpoints it. A failed
// checkpoint save is logged; the part stays recorded.
func (b *base) record(ctx context.Context, p manifest.Part) error {
	if err := b.state.RecordPart(p.Number, p.ETag, p.Size, p.Checksum); err != nil {
		return err
	}
	if b.opts.Checkpoint != nil {
		if err := b.opts.Checkpoint.Save(ctx, b.state.Snapshot()); err != nil {
			b.log.Warn().Err(err).Int32("part", p.Number).Msg("failed to save checkpoint")
		}
	}
	return nil
}

// complete asks the server to assemble the recorded parts.
func (b *base) complete(ctx context.Context, start time.Time) (*Result, error) {
	total, known := b.gen.Total()
	if !known || !b.state.IsComplete(total) {
		return nil, b.fail(mperrors.State("complete",
			"recorded parts %v do not cover 1..%d", b.state.Numbers(), total).
			WithBucket(b.state.Bucket()).WithKey(b.state.Key()))
	}

	m := b.state.Manifest()
	out, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          awssdk.String(b.state.Bucket()),
		Key:             awssdk.String(b.state.Key()),
		UploadId:        awssdk.String(b.state.UploadID()),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: m.CompletedParts(b.state.Algorithm())},
	})
	if err != nil {
		return nil, b.fail(mperrors.ClassifyObject("complete", b.state.Bucket(), b.state.Key(), err))
	}

	b.status.Store(int32(Completed))
	b.opts.Metrics.UploadCompleted()
	if b.opts.Checkpoint != nil {
		if err := b.opts.Checkpoint.Clear(ctx); err != nil {
			b.log.Warn().Err(err).Msg("failed to clear checkpoint")
		}
	}

	res := &Result{
		Bucket:    b.state.Bucket(),
		Key:       b.state.Key(),
		UploadID:  b.state.UploadID(),
		Location:  awssdk.ToString(out.Location),
		ETag:      awssdk.ToString(out.ETag),
		VersionID: awssdk.ToString(out.VersionId),
		Parts:     m,
		Size:      m.Size(),
		Duration:  time.Since(start),
	}
	b.log.Info().Int("parts", len(m)).Int64("size", res.Size).Dur("elapsed", res.Duration).Msg("upload completed")
	return res, nil
}

// fail marks the transfer aborted and returns err classified.
func (b *base) fail(err error) error {
	b.status.Store(int32(Aborted))
	err = mperrors.ClassifyObject("upload", b.state.Bucket(), b.state.Key(), err)
	b.log.Warn().Err(err).Ints32("recorded", b.state.Numbers()).Msg("upload failed")
	return err
}

// Abort discards the upload on the server and clears the checkpoint.
func (b *base) Abort(ctx context.Context) error {
	if err := AbortUpload(ctx, b.client, b.state.Bucket(), b.state.Key(), b.state.UploadID()); err != nil {
		return err
	}
	b.status.Store(int32(Aborted))
	if b.opts.Checkpoint != nil {
		if err := b.opts.Checkpoint.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear checkpoint: %w", err)
		}
	}
	return nil
}

// AbortUpload discards a multipart upload and every part stored for it.
func AbortUpload(ctx context.Context, client aws.MultipartAPI, bucket, key, uploadID string) error {
	if uploadID == "" {
		return mperrors.Configuration("abort", "upload ID is required").WithBucket(bucket).WithKey(key)
	}
	_, err := client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   awssdk.String(bucket),
		Key:      awssdk.String(key),
		UploadId: awssdk.String(uploadID),
	})
	if err != nil {
		return mperrors.ClassifyObject("abort", bucket, key, err)
	}
	logger.Ctx(ctx).Info().Str("bucket", bucket).Str("key", key).Str("upload_id", uploadID).Msg("upload aborted")
	return nil
}
