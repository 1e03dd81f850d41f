// Package checksum computes the integrity digests attached to uploaded parts
// and maps them onto the S3 request and response fields that carry them.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/crc64nvme"
	"github.com/minio/sha256-simd"
)

// Algorithm selects the digest used for part and whole-object checksums.
type Algorithm uint8

const (
	None Algorithm = iota
	MD5
	CRC32
	CRC32C
	CRC64NVME
	SHA256
)

var (
	algorithmNames = map[Algorithm]string{
		None:      "NONE",
		MD5:       "MD5",
		CRC32:     "CRC32",
		CRC32C:    "CRC32C",
		CRC64NVME: "CRC64NVME",
		SHA256:    "SHA256",
	}
	algorithmsByName = map[string]Algorithm{
		"NONE":       None,
		"":           None,
		"MD5":        MD5,
		"CRC32":      CRC32,
		"CRC32C":     CRC32C,
		"CRC64NVME":  CRC64NVME,
		"CRC64-NVME": CRC64NVME,
		"SHA256":     SHA256,
	}
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return "NONE"
}

// ParseAlgorithm accepts the algorithm names in any case.
func ParseAlgorithm(s string) (Algorithm, error) {
	if a, ok := algorithmsByName[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return a, nil
	}
	return None, fmt.Errorf("unknown checksum algorithm %q", s)
}

// Flexible reports whether the algorithm is one of the S3 "additional
// checksums" that must be declared when the upload is initiated. MD5 travels
// in Content-MD5 instead.
func (a Algorithm) Flexible() bool {
	switch a {
	case CRC32, CRC32C, CRC64NVME, SHA256:
		return true
	}
	return false
}

// SDK returns the S3 enum value for flexible algorithms, empty otherwise.
func (a Algorithm) SDK() types.ChecksumAlgorithm {
	switch a {
	case CRC32:
		return types.ChecksumAlgorithmCrc32
	case CRC32C:
		return types.ChecksumAlgorithmCrc32c
	case CRC64NVME:
		return types.ChecksumAlgorithmCrc64nvme
	case SHA256:
		return types.ChecksumAlgorithmSha256
	}
	return ""
}

// MetadataKey is the object metadata key under which a whole-object digest is stored.
func (a Algorithm) MetadataKey() string {
	return "x-amz-content-" + strings.ToLower(a.String())
}

// New returns a fresh hash for the algorithm, nil for None.
func (a Algorithm) New() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case CRC32:
		return crc32.NewIEEE()
	case CRC32C:
		return crc32.New(castagnoli)
	case CRC64NVME:
		return crc64nvme.New()
	case SHA256:
		return sha256.New()
	}
	return nil
}

// Sum returns the base64 encoded digest of everything read from r.
func Sum(a Algorithm, r io.Reader) (string, error) {
	h := a.New()
	if h == nil {
		return "", nil
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to compute %s checksum: %w", a, err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// SumBytes returns the base64 encoded digest of b.
func SumBytes(a Algorithm, b []byte) string {
	h := a.New()
	if h == nil {
		return ""
	}
	_, _ = h.Write(b)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ApplyToPart attaches a precomputed digest to an UploadPart request so the
// server verifies the received bytes.
func ApplyToPart(in *s3.UploadPartInput, a Algorithm, value string) {
	if value == "" {
		return
	}
	switch a {
	case MD5:
		in.ContentMD5 = &value
		return
	case CRC32:
		in.ChecksumCRC32 = &value
	case CRC32C:
		in.ChecksumCRC32C = &value
	case CRC64NVME:
		in.ChecksumCRC64NVME = &value
	case SHA256:
		in.ChecksumSHA256 = &value
	default:
		return
	}
	in.ChecksumAlgorithm = a.SDK()
}

// FromPartOutput returns the digest the server echoed for a part, if any.
func FromPartOutput(out *s3.UploadPartOutput, a Algorithm) string {
	var v *string
	switch a {
	case CRC32:
		v = out.ChecksumCRC32
	case CRC32C:
		v = out.ChecksumCRC32C
	case CRC64NVME:
		v = out.ChecksumCRC64NVME
	case SHA256:
		v = out.ChecksumSHA256
	}
	if v == nil {
		return ""
	}
	return *v
}

// FromListedPart returns the digest ListParts reported for a part, if any.
func FromListedPart(p types.Part, a Algorithm) string {
	var v *string
	switch a {
	case CRC32:
		v = p.ChecksumCRC32
	case CRC32C:
		v = p.ChecksumCRC32C
	case CRC64NVME:
		v = p.ChecksumCRC64NVME
	case SHA256:
		v = p.ChecksumSHA256
	}
	if v == nil {
		return ""
	}
	return *v
}

// FromSDK maps the algorithm S3 reports for an upload back to an Algorithm.
func FromSDK(a types.ChecksumAlgorithm) Algorithm {
	switch a {
	case types.ChecksumAlgorithmCrc32:
		return CRC32
	case types.ChecksumAlgorithmCrc32c:
		return CRC32C
	case types.ChecksumAlgorithmCrc64nvme:
		return CRC64NVME
	case types.ChecksumAlgorithmSha256:
		return SHA256
	}
	return None
}

// ApplyToCompletedPart sets the flexible digest on a manifest entry. S3
// requires it on completion when the upload declared a checksum algorithm.
func ApplyToCompletedPart(p *types.CompletedPart, a Algorithm, value string) {
	if value == "" {
		return
	}
	switch a {
	case CRC32:
		p.ChecksumCRC32 = &value
	case CRC32C:
		p.ChecksumCRC32C = &value
	case CRC64NVME:
		p.ChecksumCRC64NVME = &value
	case SHA256:
		p.ChecksumSHA256 = &value
	}
}
