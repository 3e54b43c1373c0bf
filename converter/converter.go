package converter

import (
	"context"
	"errors"

	"convert-gateway/constant"
)

var (
	// ErrUnsupportedFormat is terminal; retrying the same bytes cannot help.
	ErrUnsupportedFormat = errors.New("unsupported input format")
	// ErrTimeout means the capability exceeded its deadline; retryable.
	ErrTimeout = errors.New("conversion timed out")
)

// Options carries per-job conversion parameters. ContentType is the sniffed
// type of the input artifact; Voice and Language only apply to text-to-audio.
type Options struct {
	ContentType string
	Voice       string
	Language    string
}

// Converter invokes one external conversion capability. Convert returns the
// output bytes and their content type. Implementations must honor ctx; the
// worker runs them under a hard timeout.
type Converter interface {
	Kind() constant.JobKind
	Convert(ctx context.Context, input []byte, opts Options) ([]byte, string, error)
}
