// Package mock provides in-memory fakes of the AWS clients for tests.
package mock

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gurre/s3mpu/checksum"
	"github.com/gurre/s3mpu/manifest"
)

// Operation names used for call counting and failure injection.
const (
	OpCreate   = "CreateMultipartUpload"
	OpUpload   = "UploadPart"
	OpList     = "ListParts"
	OpComplete = "CompleteMultipartUpload"
	OpAbort    = "AbortMultipartUpload"
	OpGet      = "GetObject"
	OpPut      = "PutObject"
	OpHead     = "HeadObject"
	OpDelete   = "DeleteObject"
)

// Upload is an in-progress multipart upload held by the mock.
type Upload struct {
	Bucket            string
	Key               string
	ACL               types.ObjectCannedACL
	Metadata          map[string]string
	ChecksumAlgorithm types.ChecksumAlgorithm
	Parts             map[int32]StoredPart
}

// StoredPart is one uploaded part.
type StoredPart struct {
	Data     []byte
	ETag     string
	Checksum string
}

// S3Client is an in-memory S3 supporting the multipart lifecycle and plain
// objects. It is safe for concurrent use.
type S3Client struct {
	mu sync.Mutex

	objects  map[string][]byte
	etags    map[string]string
	metadata map[string]map[string]string
	uploads  map[string]*Upload
	nextID   int

	calls        map[string]int
	partAttempts map[int32]int
	uploadOrder  []int32
	completed    []*s3.CompleteMultipartUploadInput
	created      []*s3.CreateMultipartUploadInput
	createOpts   []s3.Options

	opErrors   map[string]error
	partErrors map[int32]error
	partDelays map[int32]time.Duration
	echo       string

	// ListPageSize bounds the parts returned per ListParts page.
	ListPageSize int
	// MinPartSize is enforced on every part but the last at completion.
	MinPartSize int64
}

// NewS3Client creates an empty mock.
func NewS3Client() *S3Client {
	return &S3Client{
		objects:      make(map[string][]byte),
		etags:        make(map[string]string),
		metadata:     make(map[string]map[string]string),
		uploads:      make(map[string]*Upload),
		calls:        make(map[string]int),
		partAttempts: make(map[int32]int),
		opErrors:     make(map[string]error),
		partErrors:   make(map[int32]error),
		partDelays:   make(map[int32]time.Duration),
		ListPageSize: 1000,
		MinPartSize:  5 * 1024 * 1024,
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// FailOperation makes every call of op return err until cleared with a nil err.
func (m *S3Client) FailOperation(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.opErrors, op)
		return
	}
	m.opErrors[op] = err
}

// FailPart makes uploads of part number n return err until cleared with a nil err.
func (m *S3Client) FailPart(n int32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.partErrors, n)
		return
	}
	m.partErrors[n] = err
}

// DelayPart delays the response to uploads of part n.
func (m *S3Client) DelayPart(n int32, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partDelays[n] = d
}

// EchoChecksum overrides the checksum returned by UploadPart.
func (m *S3Client) EchoChecksum(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.echo = value
}

// Calls returns how many times op was invoked.
func (m *S3Client) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (m *S3Client) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// PartAttempts returns how many times part n was sent.
func (m *S3Client) PartAttempts(n int32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partAttempts[n]
}

// UploadOrder returns part numbers in the order their uploads were accepted.
func (m *S3Client) UploadOrder() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.uploadOrder)
}

// Completed returns every CompleteMultipartUpload request received.
func (m *S3Client) Completed() []*s3.CompleteMultipartUploadInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.completed)
}

// Created returns every CreateMultipartUpload request received.
func (m *S3Client) Created() []*s3.CreateMultipartUploadInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.created)
}

// CreateOptions returns the client options each CreateMultipartUpload call
// applied, such as middleware adding request headers.
func (m *S3Client) CreateOptions() []s3.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.createOpts)
}

// Upload returns a copy of an in-progress upload.
func (m *S3Client) Upload(id string) (Upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return Upload{}, false
	}
	cp := *u
	cp.Parts = make(map[int32]StoredPart, len(u.Parts))
	for n, p := range u.Parts {
		cp.Parts[n] = p
	}
	return cp, true
}

// Object returns the content of a stored object.
func (m *S3Client) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey(bucket, key)]
	return data, ok
}

// PutFile stores an object directly.
func (m *S3Client) PutFile(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeObject(bucket, key, data, nil)
}

func (m *S3Client) storeObject(bucket, key string, data []byte, metadata map[string]string) string {
	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	k := objectKey(bucket, key)
	m.objects[k] = data
	m.etags[k] = etag
	m.metadata[k] = metadata
	return etag
}

// begin counts a call and returns the injected error for op, if any.
func (m *S3Client) begin(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.opErrors[op]
}

func noSuchUpload(id string) error {
	return &types.NoSuchUpload{Message: aws.String("upload " + id + " does not exist")}
}

// CreateMultipartUpload starts an upload and returns its id.
func (m *S3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if err := m.begin(OpCreate); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &Upload{
		Bucket:            aws.ToString(params.Bucket),
		Key:               aws.ToString(params.Key),
		ACL:               params.ACL,
		Metadata:          params.Metadata,
		ChecksumAlgorithm: params.ChecksumAlgorithm,
		Parts:             make(map[int32]StoredPart),
	}
	m.created = append(m.created, params)
	var opts s3.Options
	for _, fn := range optFns {
		fn(&opts)
	}
	m.createOpts = append(m.createOpts, opts)

	return &s3.CreateMultipartUploadOutput{
		Bucket:            params.Bucket,
		Key:               params.Key,
		UploadId:          aws.String(id),
		ChecksumAlgorithm: params.ChecksumAlgorithm,
	}, nil
}

// UploadPart stores one part. Declared digests are verified against the
// received bytes and the part's flexible checksum is echoed back.
func (m *S3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := m.begin(OpUpload); err != nil {
		return nil, err
	}
	n := aws.ToInt32(params.PartNumber)

	m.mu.Lock()
	m.partAttempts[n]++
	delay := m.partDelays[n]
	partErr := m.partErrors[n]
	echo := m.echo
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if partErr != nil {
		return nil, partErr
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, fmt.Errorf("mock S3: failed to read part body: %w", err)
	}
	if params.ContentLength != nil && *params.ContentLength != int64(len(data)) {
		return nil, &smithy.GenericAPIError{Code: "IncompleteBody", Message: "content length does not match body"}
	}

	sum := md5.Sum(data)
	if params.ContentMD5 != nil && *params.ContentMD5 != base64.StdEncoding.EncodeToString(sum[:]) {
		return nil, &smithy.GenericAPIError{Code: "BadDigest", Message: "The Content-MD5 you specified did not match what we received."}
	}

	algo := checksum.FromSDK(params.ChecksumAlgorithm)
	var declared *string
	switch algo {
	case checksum.CRC32:
		declared = params.ChecksumCRC32
	case checksum.CRC32C:
		declared = params.ChecksumCRC32C
	case checksum.CRC64NVME:
		declared = params.ChecksumCRC64NVME
	case checksum.SHA256:
		declared = params.ChecksumSHA256
	}
	actual := checksum.SumBytes(algo, data)
	if declared != nil && *declared != actual {
		return nil, &smithy.GenericAPIError{Code: "BadDigest", Message: "The " + algo.String() + " you specified did not match the calculated checksum."}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, noSuchUpload(aws.ToString(params.UploadId))
	}
	if params.ChecksumAlgorithm != "" && params.ChecksumAlgorithm != u.ChecksumAlgorithm {
		return nil, &smithy.GenericAPIError{Code: "InvalidRequest", Message: "Checksum Type mismatch occurred, expected checksum Type: " +
			strings.ToLower(string(u.ChecksumAlgorithm)) + ", actual checksum Type: " + strings.ToLower(string(params.ChecksumAlgorithm))}
	}
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	u.Parts[n] = StoredPart{Data: data, ETag: etag, Checksum: actual}
	m.uploadOrder = append(m.uploadOrder, n)

	out := &s3.UploadPartOutput{ETag: aws.String(etag)}
	if echo != "" {
		actual = echo
	}
	switch algo {
	case checksum.CRC32:
		out.ChecksumCRC32 = aws.String(actual)
	case checksum.CRC32C:
		out.ChecksumCRC32C = aws.String(actual)
	case checksum.CRC64NVME:
		out.ChecksumCRC64NVME = aws.String(actual)
	case checksum.SHA256:
		out.ChecksumSHA256 = aws.String(actual)
	}
	return out, nil
}

// ListParts returns the uploaded parts in part number order, paginated by
// ListPageSize.
func (m *S3Client) ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	if err := m.begin(OpList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, noSuchUpload(aws.ToString(params.UploadId))
	}

	marker := int32(0)
	if params.PartNumberMarker != nil {
		v, err := strconv.Atoi(*params.PartNumberMarker)
		if err != nil {
			return nil, &smithy.GenericAPIError{Code: "InvalidArgument", Message: "invalid part number marker"}
		}
		marker = int32(v)
	}
	pageSize := m.ListPageSize
	if params.MaxParts != nil && int(*params.MaxParts) < pageSize {
		pageSize = int(*params.MaxParts)
	}

	numbers := make([]int32, 0, len(u.Parts))
	for n := range u.Parts {
		if n > marker {
			numbers = append(numbers, n)
		}
	}
	slices.Sort(numbers)

	truncated := len(numbers) > pageSize
	if truncated {
		numbers = numbers[:pageSize]
	}

	out := &s3.ListPartsOutput{
		Bucket:            params.Bucket,
		Key:               params.Key,
		UploadId:          params.UploadId,
		IsTruncated:       aws.Bool(truncated),
		ChecksumAlgorithm: u.ChecksumAlgorithm,
	}
	algo := checksum.FromSDK(u.ChecksumAlgorithm)
	for _, n := range numbers {
		p := u.Parts[n]
		listed := types.Part{
			PartNumber: aws.Int32(n),
			ETag:       aws.String(p.ETag),
			Size:       aws.Int64(int64(len(p.Data))),
		}
		switch algo {
		case checksum.CRC32:
			listed.ChecksumCRC32 = aws.String(p.Checksum)
		case checksum.CRC32C:
			listed.ChecksumCRC32C = aws.String(p.Checksum)
		case checksum.CRC64NVME:
			listed.ChecksumCRC64NVME = aws.String(p.Checksum)
		case checksum.SHA256:
			listed.ChecksumSHA256 = aws.String(p.Checksum)
		}
		out.Parts = append(out.Parts, listed)
	}
	if truncated {
		out.NextPartNumberMarker = aws.String(strconv.Itoa(int(numbers[len(numbers)-1])))
	}
	return out, nil
}

// CompleteMultipartUpload assembles the listed parts into an object,
// enforcing ascending part numbers, matching ETags and the minimum part size.
func (m *S3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if err := m.begin(OpComplete); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed = append(m.completed, params)

	id := aws.ToString(params.UploadId)
	u, ok := m.uploads[id]
	if !ok {
		return nil, noSuchUpload(id)
	}
	if params.MultipartUpload == nil || len(params.MultipartUpload.Parts) == 0 {
		return nil, &smithy.GenericAPIError{Code: "MalformedXML", Message: "no parts"}
	}

	var (
		body      bytes.Buffer
		assembled manifest.Manifest
		last      int32
	)
	parts := params.MultipartUpload.Parts
	for i, cp := range parts {
		n := aws.ToInt32(cp.PartNumber)
		if n <= last {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder", Message: "parts must be in ascending order"}
		}
		last = n
		p, ok := u.Parts[n]
		if !ok || p.ETag != aws.ToString(cp.ETag) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d not found or ETag mismatch", n)}
		}
		if i < len(parts)-1 && int64(len(p.Data)) < m.MinPartSize {
			return nil, &smithy.GenericAPIError{Code: "EntityTooSmall", Message: fmt.Sprintf("part %d is smaller than the minimum", n)}
		}
		body.Write(p.Data)
		assembled = append(assembled, manifest.Part{Number: n, ETag: p.ETag, Size: int64(len(p.Data))})
	}

	etag, err := assembled.ETag()
	if err != nil {
		return nil, err
	}
	m.storeObject(u.Bucket, u.Key, body.Bytes(), u.Metadata)
	k := objectKey(u.Bucket, u.Key)
	m.etags[k] = `"` + etag + `"`
	delete(m.uploads, id)

	return &s3.CompleteMultipartUploadOutput{
		Bucket:    aws.String(u.Bucket),
		Key:       aws.String(u.Key),
		ETag:      aws.String(m.etags[k]),
		Location:  aws.String("https://" + u.Bucket + ".s3.amazonaws.com/" + u.Key),
		VersionId: aws.String("v1"),
	}, nil
}

// AbortMultipartUpload discards an upload and its parts.
func (m *S3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if err := m.begin(OpAbort); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(params.UploadId)
	if _, ok := m.uploads[id]; !ok {
		return nil, noSuchUpload(id)
	}
	delete(m.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

// GetObject implements the S3Client interface for reading objects
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := m.begin(OpGet); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.objects[k]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist: " + aws.ToString(params.Key))}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(content)),
		ContentLength: aws.Int64(int64(len(content))),
		ETag:          aws.String(m.etags[k]),
		Metadata:      m.metadata[k],
	}, nil
}

// PutObject implements the S3Client interface for writing objects
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := m.begin(OpPut); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	etag := m.storeObject(aws.ToString(params.Bucket), aws.ToString(params.Key), data, params.Metadata)
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

// HeadObject implements the S3Client interface for retrieving object metadata
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := m.begin(OpHead); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.objects[k]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(content))),
		ETag:          aws.String(m.etags[k]),
		Metadata:      m.metadata[k],
	}, nil
}

// DeleteObject implements the S3Client interface for removing objects
func (m *S3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := m.begin(OpDelete); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	delete(m.objects, k)
	delete(m.etags, k)
	delete(m.metadata, k)
	return &s3.DeleteObjectOutput{}, nil
}
