// Package checkpoint persists TransferState snapshots so an interrupted upload
// can be resumed by a later process without listing its parts again.
//
// Snapshots are written as JSON lines: a header line identifying the upload,
// then one line per recorded part in part number order.
package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/state"
	"github.com/gurre/s3streamer"
)

// Store saves and loads the snapshot of one upload.
// Example:
//
//	store, err := checkpoint.NewFileStore("file:///var/lib/s3mpu/backup.ckpt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	snap, err := store.Load(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !snap.Empty() {
//	    fmt.Printf("resuming upload %s with %d parts\n", snap.UploadID, len(snap.Parts))
//	}
type Store interface {
	// Load returns the stored snapshot, or an empty snapshot if none exists.
	Load(ctx context.Context) (state.Snapshot, error)
	Save(ctx context.Context, snap state.Snapshot) error
	// Clear removes the stored snapshot. Clearing a missing snapshot is not an error.
	Clear(ctx context.Context) error
}

// header is the first line of an encoded snapshot.
type header struct {
	Version   int    `json:"version"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	UploadID  string `json:"uploadId"`
	Algorithm string `json:"checksumAlgorithm,omitempty"`
}

const formatVersion = 1

func encode(snap state.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(header{
		Version:   formatVersion,
		Bucket:    snap.Bucket,
		Key:       snap.Key,
		UploadID:  snap.UploadID,
		Algorithm: snap.Algorithm,
	}); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint header: %w", err)
	}
	for _, p := range snap.Parts {
		if err := enc.Encode(p); err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint part %d: %w", p.Number, err)
		}
	}
	return buf.Bytes(), nil
}

// decoder rebuilds a snapshot one line at a time.
type decoder struct {
	snap   state.Snapshot
	header bool
}

func (d *decoder) line(b []byte) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if !d.header {
		var h header
		if err := json.Unmarshal(b, &h); err != nil {
			return fmt.Errorf("failed to decode checkpoint header: %w", err)
		}
		if h.Version != formatVersion {
			return fmt.Errorf("unsupported checkpoint version %d", h.Version)
		}
		d.snap = state.Snapshot{Bucket: h.Bucket, Key: h.Key, UploadID: h.UploadID, Algorithm: h.Algorithm}
		d.header = true
		return nil
	}
	var p manifest.Part
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("failed to decode checkpoint part: %w", err)
	}
	d.snap.Parts = append(d.snap.Parts, p)
	return nil
}

func decode(data []byte) (state.Snapshot, error) {
	var d decoder
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := d.line(scanner.Bytes()); err != nil {
			return state.Snapshot{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return state.Snapshot{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return d.snap, nil
}

// isNotFound reports whether err says the checkpoint object does not exist.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	// HeadObject and some S3-compatible stores return NotFound
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

// S3Store implements the Store interface using AWS S3. Snapshots are written
// with PutObject and read back line by line through the streamer.
// Example:
//
//	client := s3.NewFromConfig(cfg)
//	store, err := checkpoint.NewS3Store(client, s3streamer.NewS3Streamer(client), "s3://my-bucket/checkpoints/backup.ckpt")
type S3Store struct {
	client   aws.S3Client
	streamer s3streamer.Streamer
	bucket   string
	key      string
}

// NewS3Store creates a new S3Store instance from an S3 URI.
func NewS3Store(client aws.S3Client, streamer s3streamer.Streamer, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("invalid S3 URI %s (must be s3://bucket/key)", uri)
	}

	return &S3Store{
		client:   client,
		streamer: streamer,
		bucket:   u.Host,
		key:      key,
	}, nil
}

// Load streams the checkpoint object. A missing object is an empty snapshot.
func (s *S3Store) Load(ctx context.Context) (state.Snapshot, error) {
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &s.key}); err != nil {
		if isNotFound(err) {
			return state.Snapshot{}, nil
		}
		return state.Snapshot{}, fmt.Errorf("failed to stat checkpoint: %w", err)
	}

	var d decoder
	err := s.streamer.Stream(ctx, s.bucket, s.key, 0, func(line []byte, _ int64) error {
		return d.line(line)
	})
	if err != nil {
		if isNotFound(err) {
			return state.Snapshot{}, nil
		}
		return state.Snapshot{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return d.snap, nil
}

// Save writes the snapshot over any previous checkpoint.
func (s *S3Store) Save(ctx context.Context, snap state.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Clear deletes the checkpoint object.
func (s *S3Store) Clear(ctx context.Context) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &s.key}); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// FileStore implements the Store interface using the local filesystem.
type FileStore struct {
	path string
}

// NewFileStore creates a new FileStore instance from a file URI.
// The path must be absolute; its directory is created if missing.
// Example:
//
//	store, err := checkpoint.NewFileStore("file:///tmp/checkpoints/backup.ckpt")
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewFileStore(uri string) (*FileStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid file URI scheme: %s", u.Scheme)
	}

	cleanPath := filepath.Clean(u.Path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("checkpoint path must be absolute: %s", cleanPath)
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileStore{path: cleanPath}, nil
}

// Load reads the checkpoint file. A missing file is an empty snapshot.
func (f *FileStore) Load(ctx context.Context) (state.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state.Snapshot{}, nil
		}
		return state.Snapshot{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return decode(data)
}

// Save replaces the checkpoint file atomically.
func (f *FileStore) Save(ctx context.Context, snap state.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

// Clear removes the checkpoint file.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	return nil
}

// Clients are the AWS clients a store may need. Only the client for the
// URI's scheme is required.
type Clients struct {
	S3       aws.S3Client
	Streamer s3streamer.Streamer
	DynamoDB aws.DynamoDBClient
}

// Open returns the store for a checkpoint URI: file://, s3:// or dynamodb://.
func Open(uri string, clients Clients) (Store, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("invalid checkpoint URI %q", uri)
	}
	switch scheme {
	case "file":
		return NewFileStore(uri)
	case "s3":
		if clients.S3 == nil || clients.Streamer == nil {
			return nil, fmt.Errorf("s3 checkpoint requires an S3 client")
		}
		return NewS3Store(clients.S3, clients.Streamer, uri)
	case "dynamodb":
		if clients.DynamoDB == nil {
			return nil, fmt.Errorf("dynamodb checkpoint requires a DynamoDB client")
		}
		return NewDynamoDBStore(clients.DynamoDB, uri)
	default:
		return nil, fmt.Errorf("unsupported checkpoint URI scheme: %s", scheme)
	}
}
