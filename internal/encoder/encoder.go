package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrEncoding matches every *EncodingError.
var ErrEncoding = errors.New("encoding failed")

// EncodingError reports the first blob of a batch that could not be read.
type EncodingError struct {
	Index    int
	MimeType string
	Err      error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode blob %d (%s): %v", e.Index, e.MimeType, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// Encoder reads blobs concurrently and returns their data URIs.
type Encoder struct {
	concurrency int
	maxBytes    int64
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithConcurrency bounds the number of blobs read at once.
func WithConcurrency(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMaxBytes rejects any single blob larger than n bytes.
func WithMaxBytes(n int64) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

// New returns an Encoder; by default it reads up to GOMAXPROCS blobs at once.
func New(opts ...Option) *Encoder {
	e := &Encoder{concurrency: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EncodeAll is New().EncodeAll.
func EncodeAll(ctx context.Context, blobs []Blob) ([]string, error) {
	return New().EncodeAll(ctx, blobs)
}

// EncodeAll returns one data URI per blob in input order.
// If any blob fails, no results are returned.
func (e *Encoder) EncodeAll(ctx context.Context, blobs []Blob) ([]string, error) {
	results := make([]string, len(blobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, blob := range blobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &EncodingError{Index: i, MimeType: mimeOf(blob), Err: err}
			}
			uri, err := e.encode(blob)
			if err != nil {
				return &EncodingError{Index: i, MimeType: mimeOf(blob), Err: err}
			}
			results[i] = uri
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Encoder) encode(blob Blob) (string, error) {
	if blob == nil {
		return "", errors.New("nil blob")
	}
	rc, err := blob.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var r io.Reader = rc
	if e.maxBytes > 0 {
		r = io.LimitReader(rc, e.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if e.maxBytes > 0 && int64(len(data)) > e.maxBytes {
		return "", fmt.Errorf("blob exceeds %d bytes", e.maxBytes)
	}

	mimeType := blob.MimeType()
	if strings.TrimSpace(mimeType) == "" {
		mimeType = http.DetectContentType(data)
	}
	return FormatDataURI(normalizeMimeType(mimeType), data), nil
}

// normalizeMimeType drops whitespace around parameters:
// "text/plain; charset=utf-8" -> "text/plain;charset=utf-8".
func normalizeMimeType(mimeType string) string {
	parts := strings.Split(mimeType, ";")
	kept := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ";")
}

func mimeOf(blob Blob) string {
	if blob == nil {
		return ""
	}
	return blob.MimeType()
}
