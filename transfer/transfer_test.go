package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/gurre/s3mpu/checkpoint"
	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/integration/mock"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/metrics"
	"github.com/gurre/s3mpu/source"
	"github.com/gurre/s3mpu/state"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

const mib = 1024 * 1024

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// payload returns n deterministic bytes that differ between parts.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/mib)
	}
	return b
}

// streamOnly hides every interface of the wrapped reader but io.Reader.
type streamOnly struct {
	io.Reader
}

func newUpload(t *testing.T, client *mock.S3Client, algo checksum.Algorithm) *state.TransferState {
	t.Helper()
	out, err := client.CreateMultipartUpload(context.Background(), &s3.CreateMultipartUploadInput{
		Bucket:            awssdk.String("bucket"),
		Key:               awssdk.String("object"),
		ChecksumAlgorithm: algo.SDK(),
	})
	require.NoError(t, err)
	return state.New("bucket", "object", awssdk.ToString(out.UploadId), algo)
}

func completedNumbers(in *s3.CompleteMultipartUploadInput) []int32 {
	var out []int32
	for _, p := range in.MultipartUpload.Parts {
		out = append(out, awssdk.ToInt32(p.PartNumber))
	}
	return out
}

func TestSerialUploadsAllParts(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	data := payload(12 * mib)

	tr, err := NewSerial(client, source.FromBytes(data), st, Options{PartSize: 5 * mib})
	require.NoError(t, err)
	assert.Equal(t, NotStarted, tr.Status())

	res, err := tr.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Completed, tr.Status())
	assert.Equal(t, []int32{1, 2, 3}, client.UploadOrder())
	require.Len(t, client.Completed(), 1)
	assert.Equal(t, []int32{1, 2, 3}, completedNumbers(client.Completed()[0]))

	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, []int32{1, 2, 3}, res.Parts.Numbers())
	assert.Equal(t, int64(2*mib), res.Parts[2].Size)
	assert.Equal(t, "v1", res.VersionID)
	etag, err := res.Parts.ETag()
	require.NoError(t, err)
	assert.Equal(t, `"`+etag+`"`, res.ETag)

	stored, ok := client.Object("bucket", "object")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestSerialStopsAtFirstFailure(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	client.FailPart(2, &smithy.GenericAPIError{Code: "InternalError", Message: "boom"})

	tr, err := NewSerial(client, source.FromBytes(payload(12*mib)), st, Options{PartSize: 5 * mib})
	require.NoError(t, err)

	_, err = tr.Upload(context.Background())
	require.Error(t, err)
	assert.True(t, mperrors.IsService(err))

	var e *mperrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int32(2), e.Part)
	assert.Equal(t, "object", e.Key)

	assert.Equal(t, Aborted, tr.Status())
	assert.Equal(t, 0, client.PartAttempts(3))
	assert.Equal(t, 0, client.Calls(mock.OpComplete))
	assert.Equal(t, []int32{1}, tr.State().Numbers())
}

func TestSerialResumesFromState(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	data := payload(12 * mib)
	client.FailPart(3, errors.New("connection reset"))

	first, err := NewSerial(client, source.FromBytes(data), st, Options{PartSize: 5 * mib})
	require.NoError(t, err)
	_, err = first.Upload(context.Background())
	require.Error(t, err)
	require.Equal(t, []int32{1, 2}, st.Numbers())

	client.FailPart(3, nil)
	m := metrics.NewMetrics()
	second, err := NewSerial(client, source.FromBytes(data), st, Options{PartSize: 5 * mib, Metrics: m})
	require.NoError(t, err)
	res, err := second.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, client.PartAttempts(1))
	assert.Equal(t, 1, client.PartAttempts(2))
	assert.Equal(t, 2, client.PartAttempts(3))
	assert.Equal(t, []int32{1, 2, 3}, res.Parts.Numbers())

	report := m.GenerateReport()
	assert.Equal(t, int64(2), report.PartsSkipped)
	assert.Equal(t, int64(1), report.PartsUploaded)
	assert.Equal(t, int64(10*mib), report.BytesSkipped)
}

func TestSerialStreamWithChecksum(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.CRC32C)
	data := payload(11 * mib)

	src, err := source.FromReader(streamOnly{bytes.NewReader(data)})
	require.NoError(t, err)
	require.False(t, src.Seekable())

	tr, err := NewSerial(client, src, st, Options{PartSize: 5 * mib, Checksum: checksum.CRC32C})
	require.NoError(t, err)
	res, err := tr.Upload(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Parts, 3)
	for _, p := range res.Parts {
		off := int64(p.Number-1) * 5 * mib
		assert.Equal(t, checksum.SumBytes(checksum.CRC32C, data[off:off+p.Size]), p.Checksum)
	}
	completed := client.Completed()[0].MultipartUpload.Parts
	assert.Equal(t, res.Parts[0].Checksum, awssdk.ToString(completed[0].ChecksumCRC32C))
}

func TestSerialEmptySource(t *testing.T) {
	for name, src := range map[string]func() *source.Source{
		"seekable": func() *source.Source { return source.FromBytes(nil) },
		"stream": func() *source.Source {
			s, _ := source.FromReader(streamOnly{bytes.NewReader(nil)})
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			client := mock.NewS3Client()
			st := newUpload(t, client, checksum.None)

			tr, err := NewSerial(client, src(), st, Options{PartSize: 5 * mib})
			require.NoError(t, err)
			res, err := tr.Upload(context.Background())
			require.NoError(t, err)

			assert.Equal(t, manifest.Manifest{{Number: 1, ETag: res.Parts[0].ETag, Size: 0}}, res.Parts)
			assert.Equal(t, 1, client.Calls(mock.OpUpload))
		})
	}
}

func TestUploadTwiceIsStateError(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)

	tr, err := NewSerial(client, source.FromBytes(payload(1024)), st, Options{PartSize: 5 * mib})
	require.NoError(t, err)
	_, err = tr.Upload(context.Background())
	require.NoError(t, err)

	_, err = tr.Upload(context.Background())
	assert.True(t, mperrors.IsState(err))
	assert.Equal(t, 1, client.Calls(mock.OpComplete))
}

func TestCheckpointSavedPerPartAndCleared(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	store := checkpoint.NewMemoryStore()

	tr, err := NewSerial(client, source.FromBytes(payload(12*mib)), st, Options{PartSize: 5 * mib, Checkpoint: store})
	require.NoError(t, err)
	_, err = tr.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, store.Saves())
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestChecksumEchoMismatch(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.CRC32)
	client.EchoChecksum("AAAAAA==")

	tr, err := NewSerial(client, source.FromBytes(payload(1024)), st, Options{PartSize: 5 * mib, Checksum: checksum.CRC32})
	require.NoError(t, err)
	_, err = tr.Upload(context.Background())
	assert.True(t, mperrors.IsChecksumMismatch(err))
	assert.Equal(t, 0, st.Len())
}

func TestPartChecksumMustMatchUpload(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.SHA256)

	_, err := NewSerial(client, source.FromBytes(payload(1024)), st, Options{PartSize: 5 * mib, Checksum: checksum.CRC32})
	assert.True(t, mperrors.IsConfiguration(err))
}

func TestFlexibleChecksumNeedsDeclaredUpload(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)

	_, err := NewSerial(client, source.FromBytes(payload(1024)), st, Options{PartSize: 5 * mib, Checksum: checksum.CRC32})
	assert.True(t, mperrors.IsConfiguration(err))
	assert.Zero(t, client.Calls(mock.OpUpload))

	// S3 refuses parts whose checksum type differs from the upload's
	_, err = client.UploadPart(context.Background(), &s3.UploadPartInput{
		Bucket:            awssdk.String("bucket"),
		Key:               awssdk.String("object"),
		UploadId:          awssdk.String(st.UploadID()),
		PartNumber:        awssdk.Int32(1),
		Body:              bytes.NewReader(payload(16)),
		ChecksumAlgorithm: checksum.CRC32.SDK(),
	})
	var apiErr smithy.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "InvalidRequest", apiErr.ErrorCode())
}

func TestLimiterHonoursDeadline(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)

	tr, err := NewSerial(client, source.FromBytes(payload(12*mib)), st, Options{PartSize: 5 * mib, Limiter: limiter})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = tr.Upload(ctx)
	require.Error(t, err)
	assert.True(t, mperrors.IsService(err))
	assert.Equal(t, []int32{1}, st.Numbers())
}

func TestAbort(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), st.Snapshot()))

	tr, err := NewSerial(client, source.FromBytes(payload(1024)), st, Options{PartSize: 5 * mib, Checkpoint: store})
	require.NoError(t, err)
	require.NoError(t, tr.Abort(context.Background()))

	assert.Equal(t, Aborted, tr.Status())
	_, ok := client.Upload(st.UploadID())
	assert.False(t, ok)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Empty())

	err = AbortUpload(context.Background(), client, "bucket", "object", st.UploadID())
	assert.True(t, mperrors.IsService(err))
	err = AbortUpload(context.Background(), client, "bucket", "object", "")
	assert.True(t, mperrors.IsConfiguration(err))
}

func TestParallelMatchesSerial(t *testing.T) {
	data := payload(23 * mib)

	serialClient := mock.NewS3Client()
	serialState := newUpload(t, serialClient, checksum.SHA256)
	serial, err := NewSerial(serialClient, source.FromBytes(data), serialState, Options{PartSize: 5 * mib, Checksum: checksum.SHA256})
	require.NoError(t, err)
	want, err := serial.Upload(context.Background())
	require.NoError(t, err)

	client := mock.NewS3Client()
	client.DelayPart(1, 40*time.Millisecond)
	client.DelayPart(2, 10*time.Millisecond)
	client.DelayPart(4, 25*time.Millisecond)
	st := newUpload(t, client, checksum.SHA256)
	tr, err := NewParallel(client, source.FromBytes(data), st, Options{
		PartSize:         5 * mib,
		Checksum:         checksum.SHA256,
		Concurrency:      4,
		ProgressInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	got, err := tr.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, want.Parts, got.Parts)
	assert.Equal(t, want.ETag, got.ETag)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, completedNumbers(client.Completed()[0]))
	assert.NotEqual(t, []int32{1, 2, 3, 4, 5}, client.UploadOrder())

	var parts int64
	for _, s := range tr.WorkerStatuses() {
		parts += s.PartsUploaded
		assert.Zero(t, s.CurrentPart)
	}
	assert.Equal(t, int64(5), parts)
}

func TestParallelAggregatesFailures(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	client.DelayPart(1, 50*time.Millisecond)
	client.DelayPart(2, 50*time.Millisecond)
	client.FailPart(1, errors.New("connection reset"))
	client.FailPart(2, &smithy.GenericAPIError{Code: "SlowDown"})

	tr, err := NewParallel(client, source.FromBytes(payload(12*mib)), st, Options{PartSize: 5 * mib, Concurrency: 3})
	require.NoError(t, err)
	_, err = tr.Upload(context.Background())
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.True(t, mperrors.IsService(err))

	assert.Equal(t, Aborted, tr.Status())
	assert.Equal(t, 0, client.Calls(mock.OpComplete))
	assert.Equal(t, []int32{3}, st.Numbers())

	var failed int
	for _, s := range tr.WorkerStatuses() {
		if s.LastError != nil {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestParallelSingleFailureIsUnwrapped(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	client.FailPart(2, errors.New("connection reset"))

	tr, err := NewParallel(client, source.FromBytes(payload(12*mib)), st, Options{PartSize: 5 * mib, Concurrency: 1})
	require.NoError(t, err)
	_, err = tr.Upload(context.Background())

	var e *mperrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int32(2), e.Part)
	assert.Equal(t, 0, client.PartAttempts(3))
	assert.Equal(t, []int32{1}, st.Numbers())
}

func TestParallelRequiresSeekableSource(t *testing.T) {
	client := mock.NewS3Client()
	st := state.New("bucket", "object", "upload-1", checksum.None)
	src, err := source.FromReader(streamOnly{bytes.NewReader(payload(10))})
	require.NoError(t, err)

	_, err = NewParallel(client, src, st, Options{PartSize: 5 * mib, Concurrency: 4})
	assert.True(t, mperrors.IsConfiguration(err))
	assert.Zero(t, client.TotalCalls())
}

func TestParallelResumeSkipsRecorded(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	data := payload(12 * mib)
	client.FailPart(3, errors.New("connection reset"))

	first, err := NewSerial(client, source.FromBytes(data), st, Options{PartSize: 5 * mib})
	require.NoError(t, err)
	_, err = first.Upload(context.Background())
	require.Error(t, err)

	client.FailPart(3, nil)
	tr, err := NewParallel(client, source.FromBytes(data), st, Options{PartSize: 5 * mib, Concurrency: 4})
	require.NoError(t, err)
	res, err := tr.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, client.PartAttempts(1))
	assert.Equal(t, 1, client.PartAttempts(2))
	assert.Equal(t, 2, client.PartAttempts(3))
	assert.Equal(t, []int32{1, 2, 3}, res.Parts.Numbers())
}

func TestParallelRejectsMismatchedState(t *testing.T) {
	client := mock.NewS3Client()
	st := newUpload(t, client, checksum.None)
	require.NoError(t, st.RecordPart(2, `"etag"`, 4*mib, ""))

	_, err := NewParallel(client, source.FromBytes(payload(12*mib)), st, Options{PartSize: 5 * mib, Concurrency: 2})
	assert.True(t, mperrors.IsState(err))
}
