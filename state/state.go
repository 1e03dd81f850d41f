// Package state tracks the identity and progress of one multipart upload.
//
// A TransferState is created when an upload is initiated, or rebuilt from the
// parts S3 already holds for an upload id. It changes only when a part upload
// is acknowledged. TransferState is not safe for concurrent use: transfers
// funnel every acknowledgment through a single goroutine that owns it.
package state

import (
	"context"
	"fmt"
	"slices"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/part"
)

// TransferState is the upload id and the parts recorded against it.
type TransferState struct {
	bucket    string
	key       string
	uploadID  string
	algorithm checksum.Algorithm
	parts     map[int32]manifest.Part
}

// New returns an empty state for an initiated upload. algo is the flexible
// checksum declared at initiation, checksum.None otherwise.
func New(bucket, key, uploadID string, algo checksum.Algorithm) *TransferState {
	return &TransferState{
		bucket:    bucket,
		key:       key,
		uploadID:  uploadID,
		algorithm: algo,
		parts:     make(map[int32]manifest.Part),
	}
}

// FromUploadID rebuilds the state of an existing upload from ListParts,
// following every page.
//
// Example:
//
//	st, err := state.FromUploadID(ctx, client, "bucket", "backups/db.tar", uploadID)
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("%d parts already uploaded\n", st.Len())
func FromUploadID(ctx context.Context, client aws.MultipartAPI, bucket, key, uploadID string) (*TransferState, error) {
	if uploadID == "" {
		return nil, mperrors.Configuration("listParts", "upload id is empty")
	}

	st := New(bucket, key, uploadID, checksum.None)
	paginator := s3.NewListPartsPaginator(client, &s3.ListPartsInput{
		Bucket:   &bucket,
		Key:      &key,
		UploadId: &uploadID,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mperrors.ClassifyObject("listParts", bucket, key, err)
		}
		if page.ChecksumAlgorithm != "" {
			st.algorithm = checksum.FromSDK(page.ChecksumAlgorithm)
		}
		for _, p := range page.Parts {
			n := awssdk.ToInt32(p.PartNumber)
			sum := checksum.FromListedPart(p, st.algorithm)
			if err := st.RecordPart(n, awssdk.ToString(p.ETag), awssdk.ToInt64(p.Size), sum); err != nil {
				return nil, err
			}
		}
	}
	return st, nil
}

func (s *TransferState) Bucket() string   { return s.bucket }
func (s *TransferState) Key() string      { return s.key }
func (s *TransferState) UploadID() string { return s.uploadID }

// Algorithm is the flexible checksum the upload was initiated with.
func (s *TransferState) Algorithm() checksum.Algorithm { return s.algorithm }

// RecordPart records an acknowledged part. Recording the same part twice is
// a no-op; a conflicting ETag or size for a recorded number is a state error.
func (s *TransferState) RecordPart(number int32, etag string, size int64, sum string) error {
	if number < 1 || number > part.MaxParts {
		return mperrors.State("recordPart", "part number %d outside 1..%d", number, part.MaxParts).
			WithBucket(s.bucket).WithKey(s.key)
	}
	if size < 0 {
		return mperrors.State("recordPart", "negative size %d", size).WithPart(number)
	}

	if existing, ok := s.parts[number]; ok {
		if existing.ETag != etag || existing.Size != size {
			return mperrors.State("recordPart", "conflicting acknowledgment: have etag %s size %d, got etag %s size %d",
				existing.ETag, existing.Size, etag, size).WithBucket(s.bucket).WithKey(s.key).WithPart(number)
		}
		return nil
	}

	s.parts[number] = manifest.Part{Number: number, ETag: etag, Size: size, Checksum: sum}
	return nil
}

// Recorded returns the size of a recorded part.
func (s *TransferState) Recorded(number int32) (int64, bool) {
	p, ok := s.parts[number]
	return p.Size, ok
}

// Part returns a recorded part.
func (s *TransferState) Part(number int32) (manifest.Part, bool) {
	p, ok := s.parts[number]
	return p, ok
}

// Numbers returns the recorded part numbers in ascending order.
func (s *TransferState) Numbers() []int32 {
	out := make([]int32, 0, len(s.parts))
	for n := range s.parts {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of recorded parts.
func (s *TransferState) Len() int { return len(s.parts) }

// BytesRecorded returns the total size of the recorded parts.
func (s *TransferState) BytesRecorded() int64 {
	var total int64
	for _, p := range s.parts {
		total += p.Size
	}
	return total
}

// Manifest returns the recorded parts sorted by part number.
func (s *TransferState) Manifest() manifest.Manifest {
	m := make(manifest.Manifest, 0, len(s.parts))
	for _, n := range s.Numbers() {
		m = append(m, s.parts[n])
	}
	return m
}

// IsComplete reports whether the recorded parts are exactly 1..expected.
func (s *TransferState) IsComplete(expected int32) bool {
	if expected < 1 || len(s.parts) != int(expected) {
		return false
	}
	for n := int32(1); n <= expected; n++ {
		if _, ok := s.parts[n]; !ok {
			return false
		}
	}
	return true
}

// Snapshot is the persisted form of a TransferState.
type Snapshot struct {
	Bucket    string            `json:"bucket"`
	Key       string            `json:"key"`
	UploadID  string            `json:"uploadId"`
	Algorithm string            `json:"checksumAlgorithm,omitempty"`
	Parts     manifest.Manifest `json:"parts"`
}

// Empty reports whether the snapshot holds no upload.
func (s Snapshot) Empty() bool {
	return s.UploadID == ""
}

// Snapshot copies the state into its persisted form.
func (s *TransferState) Snapshot() Snapshot {
	snap := Snapshot{
		Bucket:   s.bucket,
		Key:      s.key,
		UploadID: s.uploadID,
		Parts:    s.Manifest(),
	}
	if s.algorithm != checksum.None {
		snap.Algorithm = s.algorithm.String()
	}
	return snap
}

// FromSnapshot rebuilds a state from its persisted form.
func FromSnapshot(snap Snapshot) (*TransferState, error) {
	if snap.Empty() {
		return nil, mperrors.State("restore", "snapshot has no upload id")
	}
	algo, err := checksum.ParseAlgorithm(snap.Algorithm)
	if err != nil {
		return nil, mperrors.New(mperrors.KindState, "restore", fmt.Errorf("invalid snapshot: %w", err))
	}

	st := New(snap.Bucket, snap.Key, snap.UploadID, algo)
	for _, p := range snap.Parts {
		if err := st.RecordPart(p.Number, p.ETag, p.Size, p.Checksum); err != nil {
			return nil, err
		}
	}
	return st, nil
}
