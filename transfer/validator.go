package transfer

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/teranos/harvest/errors"
)

// Validator is a lightweight integrity check run on complete content before it is accepted.
// A non-nil error rejects the content permanently.
type Validator interface {
	Validate(ctx context.Context, unit Unit, content io.Reader, size int64) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, unit Unit, content io.Reader, size int64) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, unit Unit, content io.Reader, size int64) error {
	return f(ctx, unit, content, size)
}

// RejectMarkup refuses content that sniffs as HTML or XML. Image hosts commonly
// answer 200 with an error or login page when an asset has been pulled.
func RejectMarkup() Validator {
	return ValidatorFunc(func(_ context.Context, _ Unit, content io.Reader, size int64) error {
		if size == 0 {
			return errors.New("empty content")
		}
		head := make([]byte, 512)
		n, err := io.ReadFull(content, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "failed to read content head")
		}
		ct := http.DetectContentType(head[:n])
		if strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "text/xml") {
			return errors.Newf("content sniffed as %s", ct)
		}
		return nil
	})
}
