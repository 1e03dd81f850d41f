// Package manifest holds the ordered list of uploaded parts that finalizes a
// multipart upload, and verifies the assembled object against it.
package manifest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/checksum"
	mperrors "github.com/gurre/s3mpu/errors"
)

// Part is one acknowledged part of an upload.
type Part struct {
	Number   int32  `json:"partNumber" dynamodbav:"partNumber"`
	ETag     string `json:"etag" dynamodbav:"etag"`
	Size     int64  `json:"size" dynamodbav:"size"`
	Checksum string `json:"checksum,omitempty" dynamodbav:"checksum,omitempty"` // base64 digest echoed by the server
}

// Manifest is a list of parts sorted by part number.
// Example:
//
//	m := state.Manifest()
//	_, err := client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
//	    Bucket:          &bucket,
//	    Key:             &key,
//	    UploadId:        &uploadID,
//	    MultipartUpload: &types.CompletedMultipartUpload{Parts: m.CompletedParts(checksum.None)},
//	})
type Manifest []Part

// CompletedParts converts the manifest into the CompleteMultipartUpload
// payload. Flexible checksums are included when the upload declared one.
func (m Manifest) CompletedParts(algo checksum.Algorithm) []types.CompletedPart {
	out := make([]types.CompletedPart, 0, len(m))
	for _, p := range m {
		cp := types.CompletedPart{
			PartNumber: awssdk.Int32(p.Number),
			ETag:       awssdk.String(p.ETag),
		}
		if algo.Flexible() {
			checksum.ApplyToCompletedPart(&cp, algo, p.Checksum)
		}
		out = append(out, cp)
	}
	return out
}

// Numbers returns the part numbers in manifest order.
func (m Manifest) Numbers() []int32 {
	out := make([]int32, len(m))
	for i, p := range m {
		out[i] = p.Number
	}
	return out
}

// Size returns the total number of bytes in the manifest.
func (m Manifest) Size() int64 {
	var total int64
	for _, p := range m {
		total += p.Size
	}
	return total
}

// Contiguous reports whether the manifest is exactly parts 1..len(m).
func (m Manifest) Contiguous() bool {
	for i, p := range m {
		if p.Number != int32(i+1) {
			return false
		}
	}
	return true
}

// ETag computes the ETag S3 assigns to an object assembled from the
// manifest: the hex MD5 of the concatenated binary part MD5s, suffixed with
// the part count. It fails when any part ETag is not a plain MD5, as is the
// case for SSE-KMS encrypted parts.
func (m Manifest) ETag() (string, error) {
	if len(m) == 0 {
		return "", fmt.Errorf("empty manifest has no ETag")
	}
	h := md5.New()
	for _, p := range m {
		raw, err := hex.DecodeString(strings.Trim(p.ETag, `"`))
		if err != nil || len(raw) != md5.Size {
			return "", fmt.Errorf("part %d ETag %q is not an MD5 digest", p.Number, p.ETag)
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(m)), nil
}

// Verifier checks a completed object against the manifest it was built from.
type Verifier interface {
	Verify(ctx context.Context, bucket, key string, m Manifest) error
}

// S3Verifier implements Verifier with HeadObject.
// Example:
//
//	v := manifest.NewS3Verifier(client)
//	if err := v.Verify(ctx, result.Bucket, result.Key, result.Parts); err != nil {
//	    log.Fatal(err)
//	}
type S3Verifier struct {
	client aws.S3Client
}

var _ Verifier = (*S3Verifier)(nil)

// NewS3Verifier creates a new S3Verifier.
func NewS3Verifier(client aws.S3Client) *S3Verifier {
	return &S3Verifier{client: client}
}

// Verify compares the object's size with the manifest and, when the manifest
// ETag is derivable, the object's ETag with the composite ETag. A
// disagreement is a checksum mismatch error.
func (v *S3Verifier) Verify(ctx context.Context, bucket, key string, m Manifest) error {
	resp, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return mperrors.Classify("verify", err)
	}

	if size := awssdk.ToInt64(resp.ContentLength); size != m.Size() {
		return mperrors.ChecksumMismatch("verify", "object has %d bytes, manifest has %d", size, m.Size()).
			WithBucket(bucket).WithKey(key)
	}

	expected, err := m.ETag()
	if err != nil {
		// Not derivable, size is all we can check
		return nil
	}
	etag := strings.Trim(awssdk.ToString(resp.ETag), `"`)
	if etag != expected {
		return mperrors.ChecksumMismatch("verify", "object ETag %s, expected %s", etag, expected).
			WithBucket(bucket).WithKey(key)
	}
	return nil
}
