package audit

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"strings"
)

// ErrorKind is the value written to the error_type column.
type ErrorKind string

const (
	KindDownload   ErrorKind = "download error"
	KindFormat     ErrorKind = "format error"
	KindProcessing ErrorKind = "processing error"
)

var (
	ErrEmptyReference         = errors.New("empty image reference")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrSizeMismatch           = errors.New("images must be the same size")
	ErrEmptyImage             = errors.New("image has zero size")
	ErrNoImageInMetadata      = errors.New("metadata document has no image field")
	ErrBodyTooLarge           = errors.New("response body exceeds size limit")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// FormatError marks bytes that were fetched fine but are not a valid image.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return "invalid image format: " + e.Err.Error() }
func (e *FormatError) Unwrap() error { return e.Err }

// AssetError is a classified failure of one pipeline stage for one asset.
type AssetError struct {
	Kind  ErrorKind
	Stage string
	Leg   Leg
	URL   string
	Err   error
}

func (e *AssetError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		if e.Leg != "" {
			b.WriteString(" ")
			b.WriteString(string(e.Leg))
		}
		b.WriteString("]")
	}
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(truncate(e.URL, 120))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AssetError) Unwrap() error { return e.Err }

// Classify maps an arbitrary error onto the error_type taxonomy.
//   - transport, timeout, HTTP status, unsupported content type -> download error
//   - undecodable bytes, zero-size image, size mismatch -> format error
//   - anything else -> processing error
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *AssetError
	if errors.As(err, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	var fe *FormatError
	if errors.As(err, &fe) ||
		errors.Is(err, ErrSizeMismatch) ||
		errors.Is(err, ErrEmptyImage) ||
		errors.Is(err, image.ErrFormat) {
		return KindFormat
	}
	if isTransportError(err) ||
		errors.Is(err, ErrUnsupportedContentType) ||
		errors.Is(err, ErrEmptyReference) ||
		errors.Is(err, ErrNoImageInMetadata) ||
		errors.Is(err, ErrBodyTooLarge) {
		return KindDownload
	}
	return KindProcessing
}

// isTransportError reports whether err is worth a retry against another gateway:
// connection failures, timeouts and HTTP status errors.
func isTransportError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

func newAssetError(stage string, leg Leg, url string, err error) *AssetError {
	var ae *AssetError
	if errors.As(err, &ae) {
		return ae
	}
	return &AssetError{Kind: Classify(err), Stage: stage, Leg: leg, URL: url, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
