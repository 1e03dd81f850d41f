package main

import (
	"fmt"

	"github.com/gurre/s3mpu/checkpoint"
	"github.com/gurre/s3mpu/config"
	"github.com/gurre/s3mpu/transfer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort a multipart upload and discard its parts",
	Args:  cobra.NoArgs,
	RunE:  runAbort,
}

func init() {
	rootCmd.AddCommand(abortCmd)

	f := abortCmd.Flags()
	f.String("destination", "", "S3 URI of the object (s3://bucket/key)")
	f.String("upload-id", "", "Upload to abort")
	f.String("checkpoint", "", "Checkpoint to clear after the abort")

	viper.BindPFlags(f)
}

func runAbort(cmd *cobra.Command, args []string) error {
	f := NewFlagLoader(cmd)
	bucket, key, err := config.ParseS3URI(f.String("destination"))
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	uploadID := f.String("upload-id")
	if uploadID == "" {
		return fmt.Errorf("upload ID is required")
	}

	ctx := cmd.Context()
	c, err := newClients(ctx, regionFrom(f))
	if err != nil {
		return err
	}

	if err := transfer.AbortUpload(ctx, c.s3, bucket, key, uploadID); err != nil {
		return err
	}

	if uri := f.String("checkpoint"); uri != "" {
		store, err := checkpoint.Open(uri, checkpoint.Clients{S3: c.s3, Streamer: c.streamer, DynamoDB: c.dynamodb})
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		if err := store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear checkpoint: %w", err)
		}
	}

	fmt.Printf("Aborted upload %s of s3://%s/%s\n", uploadID, bucket, key)
	return nil
}
