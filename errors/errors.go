// Package errors defines the failure kinds of a multipart upload.
//
// Every error produced by the uploader is an *Error carrying one Kind, the
// operation that failed and the object it was operating on. Callers branch on
// the kind with errors.Is against the package sentinels:
//
//	if errors.Is(err, mperrors.ErrService) {
//	    // resume from the stored state and try again
//	}
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Kind classifies an upload failure.
type Kind int

const (
	// KindConfiguration is invalid or missing input, detected before any network call.
	KindConfiguration Kind = iota + 1
	// KindState is an invariant violation in part bookkeeping.
	KindState
	// KindService is a collaborator failure for an individual operation.
	KindService
	// KindChecksumMismatch is a server or local integrity disagreement.
	KindChecksumMismatch
)

// Sentinels matched by errors.Is for each kind.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrState            = errors.New("state error")
	ErrService          = errors.New("service error")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindState:
		return "state"
	case KindService:
		return "service"
	case KindChecksumMismatch:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindState:
		return ErrState
	case KindService:
		return ErrService
	case KindChecksumMismatch:
		return ErrChecksumMismatch
	default:
		return nil
	}
}

// Error is an upload failure with context about where it happened.
type Error struct {
	Kind Kind

	// Op is the operation that failed (e.g. "build", "uploadPart", "complete")
	Op string

	Bucket string
	Key    string

	// Part is the 1-based part number, zero when the failure is not part specific
	Part int32

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("s3mpu.%s", e.Op)
	if e.Bucket != "" || e.Key != "" {
		msg += fmt.Sprintf(" %s/%s", e.Bucket, e.Key)
	}
	if e.Part > 0 {
		msg += fmt.Sprintf(" part %d", e.Part)
	}
	return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// WithBucket adds bucket context to an existing error.
func (e *Error) WithBucket(bucket string) *Error {
	e.Bucket = bucket
	return e
}

// WithKey adds object key context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithPart adds the part number to an existing error.
func (e *Error) WithPart(number int32) *Error {
	e.Part = number
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration returns a KindConfiguration error with a formatted message.
func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, fmt.Errorf(format, args...))
}

// State returns a KindState error with a formatted message.
func State(op, format string, args ...any) *Error {
	return New(KindState, op, fmt.Errorf(format, args...))
}

// ChecksumMismatch returns a KindChecksumMismatch error with a formatted message.
func ChecksumMismatch(op, format string, args ...any) *Error {
	return New(KindChecksumMismatch, op, fmt.Errorf(format, args...))
}

// checksumCodes are the S3 error codes reported when a digest sent with a
// request does not match the received payload.
var checksumCodes = map[string]bool{
	"BadDigest":                   true,
	"InvalidDigest":               true,
	"InvalidChecksum":             true,
	"XAmzContentSHA256Mismatch":   true,
	"XAmzContentChecksumMismatch": true,
}

// Classify wraps a collaborator error as a service or checksum mismatch error.
// Errors that already carry a kind are returned unchanged. Context cancellation
// and deadlines are service errors so a timed-out part takes the abort path.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && checksumCodes[apiErr.ErrorCode()] {
		return New(KindChecksumMismatch, op, err)
	}
	return New(KindService, op, err)
}

// ClassifyObject is Classify with the bucket and key the operation targeted.
func ClassifyObject(op, bucket, key string, err error) error {
	err = Classify(op, err)
	var e *Error
	if errors.As(err, &e) && e.Bucket == "" && e.Key == "" {
		e.Bucket, e.Key = bucket, key
	}
	return err
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsState reports whether err is a state error.
func IsState(err error) bool { return errors.Is(err, ErrState) }

// IsService reports whether err is a service error.
func IsService(err error) bool { return errors.Is(err, ErrService) }

// IsChecksumMismatch reports whether err is a checksum mismatch.
func IsChecksumMismatch(err error) bool { return errors.Is(err, ErrChecksumMismatch) }

// IsTimeout reports whether err was caused by a deadline or cancellation.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
