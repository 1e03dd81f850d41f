package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gurre/s3mpu/config"
	"github.com/gurre/s3mpu/state"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var partsCmd = &cobra.Command{
	Use:   "parts",
	Short: "List the parts already uploaded for an upload",
	Args:  cobra.NoArgs,
	RunE:  runParts,
}

func init() {
	rootCmd.AddCommand(partsCmd)

	f := partsCmd.Flags()
	f.String("destination", "", "S3 URI of the object (s3://bucket/key)")
	f.String("upload-id", "", "Upload to inspect")

	viper.BindPFlags(f)
}

func runParts(cmd *cobra.Command, args []string) error {
	f := NewFlagLoader(cmd)
	bucket, key, err := config.ParseS3URI(f.String("destination"))
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	ctx := cmd.Context()
	c, err := newClients(ctx, regionFrom(f))
	if err != nil {
		return err
	}

	st, err := state.FromUploadID(ctx, c.s3, bucket, key, f.String("upload-id"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PART\tSIZE\tETAG\tCHECKSUM")
	for _, p := range st.Manifest() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.Number, humanize.IBytes(uint64(p.Size)), p.ETag, p.Checksum)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d parts, %s", st.Len(), humanize.IBytes(uint64(st.BytesRecorded())))
	if algo := st.Algorithm(); algo.Flexible() {
		fmt.Printf(", checksum %s", algo)
	}
	fmt.Println()
	return nil
}
