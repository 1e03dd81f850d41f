package mock

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Stream implements s3streamer.Streamer over the stored objects. fn receives
// each line with the byte offset it starts at; lines before offset are skipped.
func (m *S3Client) Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error {
	m.mu.Lock()
	m.calls[OpGet]++
	content, ok := m.objects[objectKey(bucket, key)]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("mock S3: stream %s/%s: %w", bucket, key,
			&types.NoSuchKey{Message: aws.String("The specified key does not exist.")})
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pos int64
	for scanner.Scan() {
		line := scanner.Bytes()
		start := pos
		pos += int64(len(line)) + 1
		if start < offset {
			continue
		}
		if err := fn(line, start); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error scanning lines: %w", err)
	}
	return nil
}
