package integration

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	"github.com/gurre/s3mpu/checkpoint"
	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/integration/mock"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/metrics"
	"github.com/gurre/s3mpu/source"
	"github.com/gurre/s3mpu/state"
	"github.com/gurre/s3mpu/transfer"
	"github.com/gurre/s3mpu/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	mib    = 1024 * 1024
	bucket = "test-bucket"
	key    = "backups/2026-10-19.tar"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i ^ (i >> 13))
	}
	return b
}

// streamReader exposes only io.Reader so the source cannot seek.
type streamReader struct {
	r *bytes.Reader
}

func (s *streamReader) Read(p []byte) (int, error) { return s.r.Read(p) }

func serviceFailure() error {
	return &smithy.GenericAPIError{Code: "InternalError", Message: "We encountered an internal error."}
}

func TestFullUploadFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mock.NewS3Client()
	data := testData(12 * mib)
	m := metrics.NewMetrics()

	tr, err := upload.New(ctx, client, source.FromBytes(data), upload.Config{
		Bucket:                  bucket,
		Key:                     key,
		MinPartSize:             5 * mib,
		Concurrency:             3,
		CalculateEntireChecksum: true,
		ChecksumAlgorithm:       checksum.CRC64NVME,
		Metrics:                 m,
	})
	require.NoError(t, err)

	res, err := tr.Upload(ctx)
	require.NoError(t, err)

	assert.Equal(t, transfer.Completed, tr.Status())
	assert.Equal(t, []int32{1, 2, 3}, res.Parts.Numbers())
	assert.Equal(t, []int64{5 * mib, 5 * mib, 2 * mib}, []int64{res.Parts[0].Size, res.Parts[1].Size, res.Parts[2].Size})
	assert.Equal(t, int64(12*mib), res.Size)
	assert.Equal(t, 1, client.Calls(mock.OpComplete))

	completed := client.Completed()[0]
	for i, p := range completed.MultipartUpload.Parts {
		assert.Equal(t, int32(i+1), awssdk.ToInt32(p.PartNumber))
		assert.NotEmpty(t, awssdk.ToString(p.ChecksumCRC64NVME), "part %d checksum", i+1)
	}

	stored, ok := client.Object(bucket, key)
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))

	created := client.Created()[0]
	assert.Equal(t, checksum.SumBytes(checksum.CRC64NVME, data), created.Metadata[checksum.CRC64NVME.MetadataKey()])

	require.NoError(t, manifest.NewS3Verifier(client).Verify(ctx, res.Bucket, res.Key, res.Parts))

	report := m.GenerateReport()
	assert.Equal(t, int64(3), report.PartsUploaded)
	assert.Equal(t, int64(12*mib), report.BytesUploaded)
}

func TestParallelStreamIsRejectedBeforeAnyCall(t *testing.T) {
	client := mock.NewS3Client()
	src, err := source.FromReader(&streamReader{r: bytes.NewReader(testData(mib))})
	require.NoError(t, err)

	_, err = upload.New(context.Background(), client, src, upload.Config{
		Bucket:      bucket,
		Key:         key,
		Concurrency: 4,
	})
	require.Error(t, err)
	assert.True(t, mperrors.IsConfiguration(err))
	assert.Zero(t, client.TotalCalls())
}

func TestSerialFailureLeavesUploadOpen(t *testing.T) {
	ctx := context.Background()
	client := mock.NewS3Client()
	client.FailPart(2, serviceFailure())

	tr, err := upload.New(ctx, client, source.FromBytes(testData(12*mib)), upload.Config{
		Bucket: bucket,
		Key:    key,
	})
	require.NoError(t, err)

	_, err = tr.Upload(ctx)
	require.Error(t, err)
	assert.True(t, mperrors.IsService(err))

	assert.Zero(t, client.PartAttempts(3))
	assert.Zero(t, client.Calls(mock.OpComplete))
	assert.Zero(t, client.Calls(mock.OpAbort))
	assert.Equal(t, []int32{1}, tr.State().Numbers())

	_, open := client.Upload(tr.State().UploadID())
	assert.True(t, open, "failed upload must not be aborted automatically")

	require.NoError(t, tr.Abort(ctx))
	_, open = client.Upload(tr.State().UploadID())
	assert.False(t, open)
}

func TestEmptySourceUploadsOneEmptyPart(t *testing.T) {
	ctx := context.Background()
	client := mock.NewS3Client()

	src, err := source.FromReader(&streamReader{r: bytes.NewReader(nil)})
	require.NoError(t, err)

	tr, err := upload.New(ctx, client, src, upload.Config{Bucket: bucket, Key: key})
	require.NoError(t, err)

	res, err := tr.Upload(ctx)
	require.NoError(t, err)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, int64(0), res.Parts[0].Size)
	assert.Equal(t, 1, client.Calls(mock.OpUpload))

	stored, ok := client.Object(bucket, key)
	require.True(t, ok)
	assert.Empty(t, stored)
}

func TestParallelManifestEqualsSerial(t *testing.T) {
	ctx := context.Background()
	data := testData(23 * mib)

	run := func(concurrency int, delays map[int32]time.Duration) manifest.Manifest {
		client := mock.NewS3Client()
		for n, d := range delays {
			client.DelayPart(n, d)
		}
		tr, err := upload.New(ctx, client, source.FromBytes(data), upload.Config{
			Bucket:            bucket,
			Key:               key,
			Concurrency:       concurrency,
			ChecksumAlgorithm: checksum.SHA256,
		})
		require.NoError(t, err)
		res, err := tr.Upload(ctx)
		require.NoError(t, err)
		return res.Parts
	}

	serial := run(1, nil)
	orders := []map[int32]time.Duration{
		{1: 30 * time.Millisecond, 2: 20 * time.Millisecond},
		{5: 30 * time.Millisecond, 3: 10 * time.Millisecond},
		{},
	}
	for _, delays := range orders {
		assert.Equal(t, serial, run(4, delays))
	}
}

func TestResumeByUploadIDSkipsRecordedParts(t *testing.T) {
	ctx := context.Background()
	client := mock.NewS3Client()
	data := testData(12 * mib)
	client.FailPart(3, serviceFailure())

	first, err := upload.New(ctx, client, source.FromBytes(data), upload.Config{Bucket: bucket, Key: key})
	require.NoError(t, err)
	_, err = first.Upload(ctx)
	require.Error(t, err)
	uploadID := first.State().UploadID()

	client.FailPart(3, nil)
	second, err := upload.New(ctx, client, source.FromBytes(data), upload.Config{
		Bucket: bucket,
		Key:    key,
		Resume: upload.ResumeByID(uploadID),
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, second.State().Numbers())

	res, err := second.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, uploadID, res.UploadID)
	assert.Equal(t, 1, client.PartAttempts(1))
	assert.Equal(t, 1, client.PartAttempts(2))
	assert.Equal(t, 2, client.PartAttempts(3))
	assert.Equal(t, 1, client.Calls(mock.OpCreate))

	stored, _ := client.Object(bucket, key)
	assert.True(t, bytes.Equal(data, stored))
}

func TestStateIdempotence(t *testing.T) {
	st := state.New(bucket, key, "upload-1", checksum.None)
	require.NoError(t, st.RecordPart(1, `"a"`, 5*mib, ""))
	before := st.Snapshot()

	require.NoError(t, st.RecordPart(1, `"a"`, 5*mib, ""))
	assert.Equal(t, before, st.Snapshot())

	err := st.RecordPart(1, `"b"`, 5*mib, "")
	require.Error(t, err)
	assert.True(t, mperrors.IsState(err))
	assert.Equal(t, before, st.Snapshot())
}

func TestCheckpointResume(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		store       func(t *testing.T, client *mock.S3Client, ddb *mock.DynamoDBClient) checkpoint.Store
	}{
		{
			name:        "file",
			concurrency: 1,
			store: func(t *testing.T, _ *mock.S3Client, _ *mock.DynamoDBClient) checkpoint.Store {
				s, err := checkpoint.Open("file://"+filepath.Join(t.TempDir(), "upload.ckpt"), checkpoint.Clients{})
				require.NoError(t, err)
				return s
			},
		},
		{
			name:        "s3",
			concurrency: 1,
			store: func(t *testing.T, client *mock.S3Client, _ *mock.DynamoDBClient) checkpoint.Store {
				s, err := checkpoint.Open("s3://checkpoints/upload.ckpt", checkpoint.Clients{S3: client, Streamer: client})
				require.NoError(t, err)
				return s
			},
		},
		{
			name:        "dynamodb",
			concurrency: 3,
			store: func(t *testing.T, _ *mock.S3Client, ddb *mock.DynamoDBClient) checkpoint.Store {
				s, err := checkpoint.Open("dynamodb://checkpoints/upload-1", checkpoint.Clients{DynamoDB: ddb})
				require.NoError(t, err)
				return s
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			client := mock.NewS3Client()
			ddb := mock.NewDynamoDBClient()
			store := tt.store(t, client, ddb)
			data := testData(17 * mib)

			cfg := upload.Config{
				Bucket:            bucket,
				Key:               key,
				Concurrency:       tt.concurrency,
				ChecksumAlgorithm: checksum.CRC32,
				Checkpoint:        store,
			}

			client.FailPart(3, serviceFailure())
			first, err := upload.New(ctx, client, source.FromBytes(data), cfg)
			require.NoError(t, err)
			_, err = first.Upload(ctx)
			require.Error(t, err)

			snap, err := store.Load(ctx)
			require.NoError(t, err)
			require.False(t, snap.Empty())
			assert.Equal(t, first.State().UploadID(), snap.UploadID)
			assert.Equal(t, first.State().Numbers(), snap.Parts.Numbers())
			assert.NotContains(t, snap.Parts.Numbers(), int32(3))

			st, err := state.FromSnapshot(snap)
			require.NoError(t, err)
			assert.Equal(t, checksum.CRC32, st.Algorithm())

			client.FailPart(3, nil)
			cfg.Resume = upload.ExplicitState{State: st}
			second, err := upload.New(ctx, client, source.FromBytes(data), cfg)
			require.NoError(t, err)
			res, err := second.Upload(ctx)
			require.NoError(t, err)

			for _, n := range snap.Parts.Numbers() {
				assert.Equal(t, 1, client.PartAttempts(n), "part %d uploaded again", n)
			}
			assert.Equal(t, []int32{1, 2, 3, 4}, res.Parts.Numbers())
			stored, _ := client.Object(bucket, key)
			assert.True(t, bytes.Equal(data, stored))

			cleared, err := store.Load(ctx)
			require.NoError(t, err)
			assert.True(t, cleared.Empty())
		})
	}
}

func TestCancelledUploadCanBeResumed(t *testing.T) {
	client := mock.NewS3Client()
	data := testData(16 * mib)
	client.DelayPart(2, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	first, err := upload.New(ctx, client, source.FromBytes(data), upload.Config{Bucket: bucket, Key: key})
	require.NoError(t, err)
	_, err = first.Upload(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, transfer.Aborted, first.Status())

	client.DelayPart(2, 0)
	second, err := upload.New(context.Background(), client, source.FromBytes(data), upload.Config{
		Bucket: bucket,
		Key:    key,
		Resume: upload.ExplicitState{State: first.State()},
	})
	require.NoError(t, err)
	res, err := second.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(16*mib), res.Size)
	assert.Equal(t, 1, client.PartAttempts(1))
}
