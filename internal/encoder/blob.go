package encoder

import (
	"bytes"
	"io"
	"mime/multipart"
)

// Blob is a file-like input: content plus its declared MIME type.
// An empty MIME type is sniffed from the content.
type Blob interface {
	MimeType() string
	Open() (io.ReadCloser, error)
}

// Bytes is an in-memory Blob.
type Bytes struct {
	Type string
	Data []byte
}

func (b Bytes) MimeType() string { return b.Type }

func (b Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// FileHeader adapts a multipart upload.
type FileHeader struct {
	*multipart.FileHeader
}

func (f FileHeader) MimeType() string {
	return f.Header.Get("Content-Type")
}

func (f FileHeader) Open() (io.ReadCloser, error) {
	return f.FileHeader.Open()
}

// FromFileHeaders wraps uploads in request order.
func FromFileHeaders(headers []*multipart.FileHeader) []Blob {
	blobs := make([]Blob, len(headers))
	for i, h := range headers {
		blobs[i] = FileHeader{h}
	}
	return blobs
}
