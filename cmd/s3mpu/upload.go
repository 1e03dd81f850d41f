package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gurre/s3mpu/checkpoint"
	"github.com/gurre/s3mpu/config"
	"github.com/gurre/s3mpu/logger"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/metrics"
	"github.com/gurre/s3mpu/preflight"
	"github.com/gurre/s3mpu/source"
	"github.com/gurre/s3mpu/state"
	"github.com/gurre/s3mpu/upload"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a file as a multipart upload",
	Long: `Upload a file, or standard input with --source -, to S3.

Parts already uploaded are skipped when the upload is resumed, either by
--resume-upload-id or from the snapshot stored at --checkpoint.`,
	Args: cobra.NoArgs,
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadFlags(uploadCmd.Flags())
	viper.BindPFlags(uploadCmd.Flags())
}

func uploadFlags(f *pflag.FlagSet) {
	f.String("source", "", "File to upload, - for standard input")
	f.String("destination", "", "S3 URI of the object (s3://bucket/key)")
	f.String("part-size", "8MiB", "Part size (at least 5MiB)")
	f.Int("concurrency", 4, "Parts uploaded at once (standard input defaults to 1)")
	f.String("checksum", "", "Part checksum (MD5|CRC32|CRC32C|CRC64NVME|SHA256), MD5 when empty")
	f.Bool("entire-checksum", false, "Store a checksum of the whole file as object metadata")
	f.Bool("no-part-checksum", false, "Send parts without a checksum")
	f.String("acl", "", "Canned ACL of the object")
	f.StringToString("header", nil, "Extra header of the initiate request (name=value)")
	f.String("resume-upload-id", "", "Continue this upload instead of starting a new one")
	f.String("checkpoint", "", "Checkpoint location (file://, s3:// or dynamodb://table/id)")
	f.String("report", "", "S3 URI for the final report")
	f.String("metrics-file", "", "Write Prometheus metrics to this textfile")
	f.String("principal-arn", "", "Simulate this principal's permissions before uploading")
	f.Float64("parts-per-second", 0, "Limit UploadPart requests per second (0 = unlimited)")
	f.Bool("verify", true, "Check the object size and ETag after completion")
	f.Duration("progress-interval", 10*time.Second, "Progress log interval of parallel uploads (0 = off)")
	f.Duration("shutdown-timeout", 30*time.Second, "Time allowed for reporting after the upload stops")
}

func loadUploadConfig(cmd *cobra.Command) (*config.Config, error) {
	f := NewFlagLoader(cmd)
	partSize, err := f.Bytes("part-size")
	if err != nil {
		return nil, err
	}

	src := f.String("source")
	concurrency := f.Int("concurrency")
	if src == config.StdinSource && !f.IsSet("concurrency") {
		concurrency = 1
	}

	cfg := &config.Config{
		Source:              src,
		Destination:         f.String("destination"),
		Region:              regionFrom(f),
		PartSize:            partSize,
		Concurrency:         concurrency,
		Checksum:            f.String("checksum"),
		EntireChecksum:      f.Bool("entire-checksum"),
		DisablePartChecksum: f.Bool("no-part-checksum"),
		ACL:                 f.String("acl"),
		Headers:             f.StringToString("header"),
		ResumeUploadID:      f.String("resume-upload-id"),
		CheckpointURI:       f.String("checkpoint"),
		ReportS3URI:         f.String("report"),
		MetricsFile:         f.String("metrics-file"),
		PrincipalARN:        f.String("principal-arn"),
		PartsPerSecond:      f.Float64("parts-per-second"),
		Verify:              f.Bool("verify"),
		ProgressInterval:    f.Duration("progress-interval"),
		ShutdownTimeout:     f.Duration("shutdown-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openSource(path string) (*source.Source, error) {
	if path == config.StdinSource {
		return source.FromReader(os.Stdin)
	}
	return source.Open(path)
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadUploadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClients(ctx, cfg.Region)
	if err != nil {
		return err
	}

	if cfg.PrincipalARN != "" {
		if err := preflight.NewChecker(c.iam).Check(ctx, cfg.PrincipalARN, cfg.Bucket(), cfg.Key()); err != nil {
			return fmt.Errorf("permission check failed: %w", err)
		}
	}

	src, err := openSource(cfg.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	m := metrics.NewMetrics()
	upCfg := cfg.UploadConfig()
	upCfg.Metrics = m

	if cfg.CheckpointURI != "" {
		store, err := checkpoint.Open(cfg.CheckpointURI, checkpoint.Clients{
			S3:       c.s3,
			Streamer: c.streamer,
			DynamoDB: c.dynamodb,
		})
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		upCfg.Checkpoint = store

		resume, err := resumeFromCheckpoint(ctx, store, cfg)
		if err != nil {
			return err
		}
		if resume != nil {
			upCfg.Resume = resume
		}
	}
	if cfg.ResumeUploadID != "" {
		upCfg.Resume = upload.ResumeByID(cfg.ResumeUploadID)
	}

	t, err := upload.New(ctx, c.s3, src, upCfg)
	if err != nil {
		return err
	}
	st := t.State()
	fmt.Printf("Uploading %s to s3://%s/%s (upload %s)\n", cfg.Source, st.Bucket(), st.Key(), st.UploadID())

	res, uploadErr := t.Upload(ctx)

	// ctx may be cancelled by now; reporting gets its own deadline
	reportCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if uploadErr == nil && cfg.Verify {
		if err := manifest.NewS3Verifier(c.s3).Verify(reportCtx, res.Bucket, res.Key, res.Parts); err != nil {
			uploadErr = fmt.Errorf("verification failed: %w", err)
		}
	}

	report := m.GenerateReport()
	fmt.Println(report)
	if err := publish(reportCtx, c, cfg, m, report); err != nil {
		logger.Warn().Err(err).Msg("failed to publish report")
	}

	if uploadErr != nil {
		if errors.Is(uploadErr, context.Canceled) {
			fmt.Printf("Interrupted; resume with --resume-upload-id %s\n", st.UploadID())
		}
		return uploadErr
	}

	fmt.Printf("Uploaded %s in %d parts: %s (ETag %s)\n",
		humanize.IBytes(uint64(res.Size)), len(res.Parts), res.Location, res.ETag)
	return nil
}

// resumeFromCheckpoint returns the state stored in store when it belongs to
// the configured object, nil when there is none.
func resumeFromCheckpoint(ctx context.Context, store checkpoint.Store, cfg *config.Config) (upload.Resume, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if snap.Empty() {
		return nil, nil
	}
	if snap.Bucket != cfg.Bucket() || snap.Key != cfg.Key() {
		return nil, fmt.Errorf("checkpoint belongs to s3://%s/%s", snap.Bucket, snap.Key)
	}
	st, err := state.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	fmt.Printf("Resuming upload %s with %d parts from %s\n", st.UploadID(), st.Len(), cfg.CheckpointURI)
	return upload.ExplicitState{State: st}, nil
}

func publish(ctx context.Context, c *clients, cfg *config.Config, m *metrics.Metrics, report metrics.Report) error {
	if cfg.ReportS3URI != "" {
		if err := metrics.NewS3ReportUploader(c.s3).UploadReport(ctx, cfg.ReportS3URI, report); err != nil {
			return err
		}
		fmt.Printf("Report uploaded to %s\n", cfg.ReportS3URI)
	}
	if cfg.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			return err
		}
	}
	return nil
}
