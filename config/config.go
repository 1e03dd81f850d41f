// Package config holds the command-line configuration of an upload and
// validates it before any AWS client is created.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gurre/s3mpu/checksum"
	"github.com/gurre/s3mpu/part"
	"github.com/gurre/s3mpu/upload"
)

// StdinSource is the Source value that reads the upload from standard input.
const StdinSource = "-"

// Config holds all configuration for one upload command.
type Config struct {
	Source              string            // Local file path, or "-" for stdin
	Destination         string            // S3 URI of the object (s3://bucket/key)
	Region              string            // AWS region for the operation
	PartSize            int64             // Size of every part but the last
	Concurrency         int               // Number of parts uploaded at once
	Checksum            string            // NONE|MD5|CRC32|CRC32C|CRC64NVME|SHA256
	EntireChecksum      bool              // Store a whole-object digest as metadata
	DisablePartChecksum bool              // Send parts without a digest
	ACL                 string            // Canned ACL of the object
	Headers             map[string]string // Extra headers of the initiate request
	ResumeUploadID      string            // Upload ID to continue
	CheckpointURI       string            // file://, s3:// or dynamodb:// checkpoint location
	ReportS3URI         string            // S3 URI for the final report
	MetricsFile         string            // Prometheus textfile written on exit
	PrincipalARN        string            // Principal whose permissions are simulated first
	PartsPerSecond      float64           // UploadPart rate limit, 0 for none
	Verify              bool              // HeadObject check after completion
	ProgressInterval    time.Duration     // Progress log interval of parallel uploads
	ShutdownTimeout     time.Duration     // Time allowed for reporting once the upload stops

	// Internal fields
	bucket    string
	key       string
	algorithm checksum.Algorithm
}

// Bucket returns the bucket parsed from Destination.
func (c *Config) Bucket() string {
	return c.bucket
}

// Key returns the object key parsed from Destination.
func (c *Config) Key() string {
	return c.key
}

// Algorithm returns the parsed Checksum.
func (c *Config) Algorithm() checksum.Algorithm {
	return c.algorithm
}

// ParseS3URI splits an s3://bucket/key URI.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("S3 URI must start with s3://")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URI: %w", err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("S3 URI %s must name a bucket and a key", uri)
	}
	return bucket, key, nil
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}

	if c.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	bucket, key, err := ParseS3URI(c.Destination)
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	c.bucket, c.key = bucket, key

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.PartSize < part.MinSize || c.PartSize > part.MaxSize {
		return fmt.Errorf("part size must be between %d and %d bytes", part.MinSize, part.MaxSize)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.Concurrency > 1 && c.Source == StdinSource {
		return fmt.Errorf("concurrency above 1 requires a file source")
	}

	algo, err := checksum.ParseAlgorithm(c.Checksum)
	if err != nil {
		return err
	}
	c.algorithm = algo
	if c.DisablePartChecksum && algo.Flexible() {
		return fmt.Errorf("checksum %s cannot be used without part checksums", algo)
	}
	if c.EntireChecksum && c.Source == StdinSource {
		return fmt.Errorf("entire checksum requires a file source")
	}

	if c.ACL != "" && !slices.Contains(types.ObjectCannedACL("").Values(), types.ObjectCannedACL(c.ACL)) {
		return fmt.Errorf("unknown ACL %q", c.ACL)
	}

	if c.ResumeUploadID != "" && c.Source == StdinSource {
		return fmt.Errorf("resuming requires a file source")
	}

	if c.CheckpointURI != "" {
		u, err := url.Parse(c.CheckpointURI)
		if err != nil {
			return fmt.Errorf("invalid checkpoint URI: %w", err)
		}
		switch u.Scheme {
		case "file", "s3", "dynamodb":
		default:
			return fmt.Errorf("checkpoint URI must use file, s3 or dynamodb scheme")
		}
		if c.Source == StdinSource {
			return fmt.Errorf("checkpoints require a file source")
		}
	}

	if c.ReportS3URI != "" && !strings.HasPrefix(c.ReportS3URI, "s3://") {
		return fmt.Errorf("report S3 URI must start with s3://")
	}

	if c.PartsPerSecond < 0 {
		return fmt.Errorf("parts per second must not be negative")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}

// UploadConfig converts a validated Config. Resume, checkpoint and metrics
// are wired by the caller.
func (c *Config) UploadConfig() upload.Config {
	return upload.Config{
		Bucket:                  c.bucket,
		Key:                     c.key,
		MinPartSize:             c.PartSize,
		Concurrency:             c.Concurrency,
		CalculateEntireChecksum: c.EntireChecksum,
		DisablePartChecksum:     c.DisablePartChecksum,
		ChecksumAlgorithm:       c.algorithm,
		Headers:                 c.Headers,
		ACL:                     types.ObjectCannedACL(c.ACL),
		PartsPerSecond:          c.PartsPerSecond,
		ProgressInterval:        c.ProgressInterval,
	}
}
