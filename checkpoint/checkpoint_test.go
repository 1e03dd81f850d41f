package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/gurre/s3mpu/integration/mock"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/state"
)

func sampleSnapshot() state.Snapshot {
	return state.Snapshot{
		Bucket:    "my-bucket",
		Key:       "backups/db.tar",
		UploadID:  "upload-123",
		Algorithm: "SHA256",
		Parts: manifest.Manifest{
			{Number: 1, ETag: `"etag-1"`, Size: 5242880, Checksum: "c1"},
			{Number: 2, ETag: `"etag-2"`, Size: 1024, Checksum: "c2"},
		},
	}
}

func assertSnapshot(t *testing.T, got, want state.Snapshot) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("snapshot mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	snap := sampleSnapshot()

	data, err := encode(snap)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 part lines, got %d lines", len(lines))
	}

	decoded, err := decode(data)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	assertSnapshot(t, decoded, snap)
}

func TestCodec_RejectsUnknownVersion(t *testing.T) {
	if _, err := decode([]byte(`{"version":99,"uploadId":"x"}` + "\n")); err == nil {
		t.Error("expected error for unknown version")
	}
	if _, err := decode([]byte("not json\n")); err == nil {
		t.Error("expected error for malformed header")
	}
}

func TestMemoryStore_SaveLoadClear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	empty, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load empty state: %v", err)
	}
	if !empty.Empty() {
		t.Errorf("expected empty snapshot, got %+v", empty)
	}

	snap := sampleSnapshot()
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	// Mutating the caller's copy must not leak into the store
	snap.Parts[0].ETag = "mutated"

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	assertSnapshot(t, loaded, sampleSnapshot())
	if store.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", store.Saves())
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	cleared, _ := store.Load(ctx)
	if !cleared.Empty() {
		t.Errorf("expected empty snapshot after clear, got %+v", cleared)
	}
}

func TestFileStore_SaveLoadClear(t *testing.T) {
	tmpDir := t.TempDir()
	uri := "file://" + filepath.Join(tmpDir, "nested", "dir", "upload.ckpt")

	store, err := NewFileStore(uri)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "nested", "dir")); os.IsNotExist(err) {
		t.Error("expected nested directory to be created")
	}

	ctx := context.Background()
	missing, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load non-existent checkpoint: %v", err)
	}
	if !missing.Empty() {
		t.Errorf("expected empty snapshot for missing file, got %+v", missing)
	}

	if err := store.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	assertSnapshot(t, loaded, sampleSnapshot())

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clearing twice should succeed: %v", err)
	}
}

func TestFileStore_InvalidURI(t *testing.T) {
	testCases := []string{
		"s3://bucket/key",
		"http://example.com/file",
		"/path/without/scheme",
	}

	for _, uri := range testCases {
		t.Run(uri, func(t *testing.T) {
			if _, err := NewFileStore(uri); err == nil {
				t.Errorf("expected error for invalid file URI: %s", uri)
			}
		})
	}
}

func TestS3Store_SaveLoadClear(t *testing.T) {
	client := mock.NewS3Client()
	store, err := NewS3Store(client, client, "s3://ckpt-bucket/path/to/upload.ckpt")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}
	if store.bucket != "ckpt-bucket" || store.key != "path/to/upload.ckpt" {
		t.Errorf("unexpected location %s/%s", store.bucket, store.key)
	}

	ctx := context.Background()
	missing, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load missing checkpoint: %v", err)
	}
	if !missing.Empty() {
		t.Errorf("expected empty snapshot, got %+v", missing)
	}

	if err := store.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if _, ok := client.Object("ckpt-bucket", "path/to/upload.ckpt"); !ok {
		t.Fatal("expected checkpoint object to be written")
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	assertSnapshot(t, loaded, sampleSnapshot())

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if _, ok := client.Object("ckpt-bucket", "path/to/upload.ckpt"); ok {
		t.Error("expected checkpoint object to be deleted")
	}
}

func TestS3Store_InvalidURI(t *testing.T) {
	testCases := []string{
		"http://bucket/key",
		"file:///path/to/file",
		"s3://bucket-only",
		"bucket/key",
	}

	for _, uri := range testCases {
		t.Run(uri, func(t *testing.T) {
			if _, err := NewS3Store(nil, nil, uri); err == nil {
				t.Errorf("expected error for invalid S3 URI: %s", uri)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	client := mock.NewS3Client()
	clients := Clients{S3: client, Streamer: client, DynamoDB: mock.NewDynamoDBClient()}

	testCases := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "file://" + filepath.Join(t.TempDir(), "a.ckpt"), want: "*checkpoint.FileStore"},
		{uri: "s3://bucket/key", want: "*checkpoint.S3Store"},
		{uri: "dynamodb://table/id", want: "*checkpoint.DynamoDBStore"},
		{uri: "ftp://host/file", wantErr: true},
		{uri: "no-scheme", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.uri, func(t *testing.T) {
			store, err := Open(tc.uri, clients)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tc.uri)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := reflect.TypeOf(store).String(); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}

	if _, err := Open("s3://bucket/key", Clients{}); err == nil {
		t.Error("expected error when S3 client is missing")
	}
}
