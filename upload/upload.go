// Package upload validates an upload configuration, resolves the multipart
// upload it targets and returns the transfer that will send it.
//
// Example:
//
//	src, err := source.Open("backup.tar")
//	if err != nil {
//	    return err
//	}
//	defer src.Close()
//
//	t, err := upload.New(ctx, client, src, upload.Config{
//	    Bucket:      "my-bucket",
//	    Key:         "backups/backup.tar",
//	    Concurrency: 8,
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := t.Upload(ctx)
package upload

import (
	"context"
	"errors"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/checkpoint"
	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/logger"
	"github.com/gurre/s3mpu/metrics"
	"github.com/gurre/s3mpu/part"
	"github.com/gurre/s3mpu/source"
	"github.com/gurre/s3mpu/state"
	"github.com/gurre/s3mpu/transfer"
	"golang.org/x/time/rate"
)

var errEmptyUploadID = errors.New("CreateMultipartUpload returned no upload ID")

// Config describes one upload. It is read once by New and never modified.
type Config struct {
	Bucket string
	Key    string

	// MinPartSize is the size of every part but the last. Zero or anything
	// below 5 MiB uses 5 MiB.
	MinPartSize int64
	// Concurrency above one selects a parallel transfer, which requires a
	// seekable source. Zero means one.
	Concurrency int

	// CalculateEntireChecksum reads the whole source before initiating the
	// upload and stores its digest as object metadata. Seekable sources only.
	CalculateEntireChecksum bool
	// EntireChecksum is a precomputed whole-object digest stored the same way.
	EntireChecksum string

	// DisablePartChecksum stops sending a digest with each part.
	DisablePartChecksum bool
	// ChecksumAlgorithm is the part digest. None means MD5. A flexible
	// algorithm is declared on the upload and carried into the completion.
	ChecksumAlgorithm checksum.Algorithm

	// Headers are added verbatim to the initiate request.
	Headers map[string]string
	ACL     types.ObjectCannedACL

	// Resume continues an existing upload instead of initiating one.
	Resume Resume
	// Checkpoint receives the state after every part.
	Checkpoint checkpoint.Store

	// PartsPerSecond caps the rate of UploadPart requests. Zero is unlimited.
	PartsPerSecond   float64
	ProgressInterval time.Duration
	Metrics          *metrics.Metrics
}

// Resume selects an existing upload to continue. It is either ExplicitState
// or ResumeByID.
type Resume interface {
	resume()
}

// ExplicitState resumes from a state held by the caller, for example one
// restored from a checkpoint.
type ExplicitState struct {
	State *state.TransferState
}

// ResumeByID resumes an upload by ID, rebuilding its state from ListParts.
type ResumeByID string

func (ExplicitState) resume() {}
func (ResumeByID) resume()    {}

// New validates cfg, resolves the upload's state and returns a transfer for
// src. Every configuration error is reported before any request is made.
// Resolving issues one CreateMultipartUpload, or ListParts pages when resuming
// by ID.
func New(ctx context.Context, client aws.MultipartAPI, src *source.Source, cfg Config) (transfer.Transfer, error) {
	if err := validate(client, src, &cfg); err != nil {
		return nil, err
	}

	algo, err := partChecksum(cfg)
	if err != nil {
		return nil, err
	}

	st, err := resolve(ctx, client, src, cfg, algo)
	if err != nil {
		return nil, err
	}

	if upload := st.Algorithm(); upload.Flexible() && !cfg.DisablePartChecksum {
		if cfg.ChecksumAlgorithm != checksum.None && cfg.ChecksumAlgorithm != upload {
			return nil, configError("resume", cfg,
				"upload %s uses checksum %s, not %s", st.UploadID(), upload, cfg.ChecksumAlgorithm)
		}
		algo = upload
	} else if algo.Flexible() && upload != algo {
		return nil, configError("resume", cfg,
			"upload %s declared no checksum, cannot send %s parts", st.UploadID(), algo)
	}

	opts := transfer.Options{
		PartSize:         cfg.MinPartSize,
		Checksum:         algo,
		Concurrency:      cfg.Concurrency,
		Checkpoint:       cfg.Checkpoint,
		Metrics:          cfg.Metrics,
		ProgressInterval: cfg.ProgressInterval,
	}
	if cfg.PartsPerSecond > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.PartsPerSecond), 1)
	}

	if cfg.Concurrency <= 1 {
		return transfer.NewSerial(client, src, st, opts)
	}
	return transfer.NewParallel(client, src, st, opts)
}

func configError(op string, cfg Config, format string, args ...any) error {
	return mperrors.Configuration(op, format, args...).WithBucket(cfg.Bucket).WithKey(cfg.Key)
}

// validate checks cfg against src without touching the network and applies
// defaults.
func validate(client aws.MultipartAPI, src *source.Source, cfg *Config) error {
	switch {
	case cfg.Bucket == "":
		return configError("build", *cfg, "bucket is required")
	case cfg.Key == "":
		return configError("build", *cfg, "key is required")
	case client == nil:
		return configError("build", *cfg, "client is required")
	case src == nil:
		return configError("build", *cfg, "source is required")
	case cfg.Concurrency < 0:
		return configError("build", *cfg, "concurrency must be at least 1, got %d", cfg.Concurrency)
	case cfg.PartsPerSecond < 0:
		return configError("build", *cfg, "parts per second must not be negative")
	case cfg.MinPartSize > part.MaxSize:
		return configError("build", *cfg, "part size %d exceeds %d bytes", cfg.MinPartSize, part.MaxSize)
	}

	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.MinPartSize < part.MinSize {
		cfg.MinPartSize = part.MinSize
	}

	seekable := src.Seekable()
	if cfg.Resume != nil && !seekable {
		return configError("build", *cfg, "resuming requires a seekable source")
	}
	if cfg.Concurrency > 1 && !seekable {
		return configError("build", *cfg, "concurrency %d requires a seekable source", cfg.Concurrency)
	}
	if cfg.CalculateEntireChecksum && !seekable {
		return configError("build", *cfg, "calculating the entire checksum requires a seekable source")
	}
	if cfg.CalculateEntireChecksum && cfg.EntireChecksum != "" {
		return configError("build", *cfg, "entire checksum is both given and to be calculated")
	}
	if size, known := src.Size(); known {
		if _, err := part.Count(size, cfg.MinPartSize); err != nil {
			return mperrors.ClassifyObject("build", cfg.Bucket, cfg.Key, err)
		}
	}

	switch r := cfg.Resume.(type) {
	case nil:
	case ExplicitState:
		if r.State == nil {
			return configError("build", *cfg, "resume state is nil")
		}
		if r.State.Bucket() != cfg.Bucket || r.State.Key() != cfg.Key {
			return configError("build", *cfg, "resume state belongs to %s/%s", r.State.Bucket(), r.State.Key())
		}
	case ResumeByID:
		if r == "" {
			return configError("build", *cfg, "resume upload ID is empty")
		}
	default:
		return configError("build", *cfg, "unsupported resume %T", r)
	}
	return nil
}

// partChecksum returns the digest sent with each part.
func partChecksum(cfg Config) (checksum.Algorithm, error) {
	if cfg.DisablePartChecksum {
		if cfg.ChecksumAlgorithm.Flexible() {
			return checksum.None, configError("build", cfg,
				"checksum algorithm %s needs part checksums", cfg.ChecksumAlgorithm)
		}
		return checksum.None, nil
	}
	if cfg.ChecksumAlgorithm == checksum.None {
		return checksum.MD5, nil
	}
	return cfg.ChecksumAlgorithm, nil
}

// resolve returns the state of the upload cfg targets, initiating a new
// upload when cfg does not resume one.
func resolve(ctx context.Context, client aws.MultipartAPI, src *source.Source, cfg Config, algo checksum.Algorithm) (*state.TransferState, error) {
	log := logger.Ctx(ctx).With().Str("bucket", cfg.Bucket).Str("key", cfg.Key).Logger()

	switch r := cfg.Resume.(type) {
	case ExplicitState:
		log.Info().Str("upload_id", r.State.UploadID()).Int("parts", r.State.Len()).Msg("resuming upload from state")
		return r.State, nil
	case ResumeByID:
		st, err := state.FromUploadID(ctx, client, cfg.Bucket, cfg.Key, string(r))
		if err != nil {
			return nil, err
		}
		log.Info().Str("upload_id", st.UploadID()).Int("parts", st.Len()).Msg("resuming upload by id")
		return st, nil
	}

	in := &s3.CreateMultipartUploadInput{
		Bucket: awssdk.String(cfg.Bucket),
		Key:    awssdk.String(cfg.Key),
		ACL:    cfg.ACL,
	}
	declared := checksum.None
	if algo.Flexible() {
		declared = algo
		in.ChecksumAlgorithm = algo.SDK()
	}

	entire, entireAlgo := cfg.EntireChecksum, entireAlgorithm(cfg)
	if cfg.CalculateEntireChecksum {
		var err error
		if entire, err = src.Checksum(entireAlgo); err != nil {
			return nil, mperrors.ClassifyObject("build", cfg.Bucket, cfg.Key, err)
		}
	}
	if entire != "" {
		in.Metadata = map[string]string{entireAlgo.MetadataKey(): entire}
	}

	var optFns []func(*s3.Options)
	for name, value := range cfg.Headers {
		optFns = append(optFns, func(o *s3.Options) {
			o.APIOptions = append(o.APIOptions, smithyhttp.AddHeaderValue(name, value))
		})
	}

	out, err := client.CreateMultipartUpload(ctx, in, optFns...)
	if err != nil {
		return nil, mperrors.ClassifyObject("initiate", cfg.Bucket, cfg.Key, err)
	}
	id := awssdk.ToString(out.UploadId)
	if id == "" {
		return nil, mperrors.New(mperrors.KindService, "initiate", errEmptyUploadID).WithBucket(cfg.Bucket).WithKey(cfg.Key)
	}
	log.Info().Str("upload_id", id).Str("checksum", declared.String()).Msg("upload initiated")
	return state.New(cfg.Bucket, cfg.Key, id, declared), nil
}

// entireAlgorithm is the digest of the whole object: the configured
// algorithm, or MD5.
func entireAlgorithm(cfg Config) checksum.Algorithm {
	if cfg.ChecksumAlgorithm == checksum.None {
		return checksum.MD5
	}
	return cfg.ChecksumAlgorithm
}
