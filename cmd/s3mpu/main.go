// Command s3mpu uploads large files to S3 with resumable multipart uploads.
//
//	s3mpu upload --source backup.tar --destination s3://bucket/backup.tar --concurrency 8
//	s3mpu parts --destination s3://bucket/backup.tar --upload-id <id>
//	s3mpu abort --destination s3://bucket/backup.tar --upload-id <id>
//
// Every flag can also be set through an S3MPU_ environment variable, for
// example S3MPU_PART_SIZE=64MiB.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/logger"
	"github.com/gurre/s3streamer"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "s3mpu",
	Short: "Resumable S3 multipart uploads",
	Long: `s3mpu uploads files to S3 as multipart uploads. Parts can be sent in
parallel, checksummed, checkpointed and resumed after a failure.`,
	SilenceUsage:      true,
	PersistentPreRunE: initLogging,
}

func init() {
	viper.SetEnvPrefix("S3MPU")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	pf := rootCmd.PersistentFlags()
	pf.String("region", "", "AWS region (defaults to AWS_REGION env)")
	pf.String("log-level", "info", "Log level (debug|info|warn|error)")
	viper.BindPFlags(pf)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(NewFlagLoader(cmd).String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)
	return nil
}

// clients are the AWS clients built from one shared configuration.
type clients struct {
	s3       *aws.S3ClientImpl
	streamer s3streamer.Streamer
	dynamodb *aws.DynamoDBClientImpl
	iam      *aws.IAMClientImpl
}

func newClients(ctx context.Context, region string) (*clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	rawS3Client := s3.NewFromConfig(awsCfg)
	return &clients{
		s3:       aws.NewS3Client(rawS3Client),
		streamer: s3streamer.NewS3Streamer(rawS3Client),
		dynamodb: aws.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg)),
		iam:      aws.NewIAMClient(iam.NewFromConfig(awsCfg)),
	}, nil
}

func regionFrom(f *FlagLoader) string {
	if r := f.String("region"); r != "" {
		return r
	}
	return os.Getenv("AWS_REGION")
}
