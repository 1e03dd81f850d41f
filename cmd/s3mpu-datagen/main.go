// Package main generates deterministic test files for multipart uploads and
// prints the ETag and checksum S3 should report once the file is uploaded
// with a given part size.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gurre/s3mpu/checksum"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/part"
)

// Config holds the command-line configuration for the generator.
type Config struct {
	Output   string
	Size     int64
	PartSize int64
	Seed     int64
	Checksum checksum.Algorithm
}

// Expected is what S3 reports for the generated file.
type Expected struct {
	Parts    manifest.Manifest
	ETag     string
	Checksum string // base64 digest of the whole file, empty for no algorithm
}

// generate writes cfg.Size pseudo-random bytes to w and hashes them per part.
func generate(w io.Writer, cfg Config) (Expected, error) {
	count, err := part.Count(cfg.Size, cfg.PartSize)
	if err != nil {
		return Expected{}, err
	}

	r := rand.New(rand.NewSource(cfg.Seed))
	entire := cfg.Checksum.New()
	buf := make([]byte, 64*1024)

	var exp Expected
	for n := int32(1); n <= count; n++ {
		size := cfg.PartSize
		if rest := cfg.Size - int64(n-1)*cfg.PartSize; rest < size {
			size = rest
		}

		md5sum := checksum.MD5.New()
		sinks := []io.Writer{w, md5sum}
		if entire != nil {
			sinks = append(sinks, entire)
		}
		out := io.MultiWriter(sinks...)

		for left := size; left > 0; {
			chunk := buf[:min(left, int64(len(buf)))]
			r.Read(chunk)
			if _, err := out.Write(chunk); err != nil {
				return Expected{}, fmt.Errorf("failed to write part %d: %w", n, err)
			}
			left -= int64(len(chunk))
		}

		exp.Parts = append(exp.Parts, manifest.Part{
			Number: n,
			ETag:   `"` + hex.EncodeToString(md5sum.Sum(nil)) + `"`,
			Size:   size,
		})
	}

	if len(exp.Parts) > 0 {
		if exp.ETag, err = exp.Parts.ETag(); err != nil {
			return Expected{}, err
		}
	}
	if entire != nil {
		exp.Checksum = base64.StdEncoding.EncodeToString(entire.Sum(nil))
	}
	return exp, nil
}

func main() {
	var cfg Config
	var size, partSize, algo string

	flag.StringVar(&cfg.Output, "output", "", "File to write (required)")
	flag.StringVar(&size, "size", "64MiB", "File size")
	flag.StringVar(&partSize, "part-size", "8MiB", "Part size used for the expected ETag")
	flag.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 = time-based)")
	flag.StringVar(&algo, "checksum", "", "Also print the whole-file checksum for this algorithm")
	flag.Parse()

	if cfg.Output == "" {
		log.Fatal("-output is required")
	}
	n, err := humanize.ParseBytes(size)
	if err != nil {
		log.Fatalf("Invalid -size: %v", err)
	}
	cfg.Size = int64(n)
	if n, err = humanize.ParseBytes(partSize); err != nil {
		log.Fatalf("Invalid -part-size: %v", err)
	}
	cfg.PartSize = int64(n)
	if cfg.Checksum, err = checksum.ParseAlgorithm(algo); err != nil {
		log.Fatal(err)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	f, err := os.Create(cfg.Output)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", cfg.Output, err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	exp, err := generate(w, cfg)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("Failed to generate %s: %v", cfg.Output, err)
	}

	fmt.Printf("Wrote %s (%s, seed %d)\n", cfg.Output, humanize.IBytes(uint64(cfg.Size)), cfg.Seed)
	fmt.Printf("Parts: %d of %s\n", len(exp.Parts), humanize.IBytes(uint64(cfg.PartSize)))
	if exp.ETag != "" {
		fmt.Printf("ETag: %s\n", exp.ETag)
	}
	if exp.Checksum != "" {
		fmt.Printf("%s: %s\n", cfg.Checksum.MetadataKey(), exp.Checksum)
	}
}
