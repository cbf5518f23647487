package uploader

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"attache/internal/models"
)

// IO is the capability set an upload source must offer: readable,
// rewindable and closeable. Size comes from Size, Stat or seeking.
type IO interface {
	io.Reader
	io.Seeker
	io.Closer
}

type sizer interface {
	Size() int64
}

type stater interface {
	Stat() (fs.FileInfo, error)
}

type filenamer interface {
	Filename() string
}

type contentTyper interface {
	ContentType() string
}

// namedIO decorates a source with an original filename and declared type.
type namedIO struct {
	IO
	filename    string
	contentType string
}

func (n namedIO) Filename() string    { return n.filename }
func (n namedIO) ContentType() string { return n.contentType }

func (n namedIO) Size() int64 {
	size, err := sourceSize(n.IO)
	if err != nil {
		return -1
	}
	return size
}

// WithFilename attaches an original filename and declared content type to
// src. Either may be empty.
func WithFilename(src IO, filename, contentType string) IO {
	return namedIO{IO: src, filename: filename, contentType: contentType}
}

type nopCloseReader struct {
	*bytes.Reader
}

func (nopCloseReader) Close() error { return nil }

// NewBytes wraps in-memory content as an upload source.
func NewBytes(data []byte, filename, contentType string) IO {
	return WithFilename(nopCloseReader{bytes.NewReader(data)}, filename, contentType)
}

// CheckIO verifies that src satisfies the upload source capability set.
func CheckIO(src any) (IO, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is nil", models.ErrInvalidSource)
	}
	rs, ok := src.(IO)
	if !ok {
		return nil, fmt.Errorf("%w: %T must be readable, seekable and closeable", models.ErrInvalidSource, src)
	}
	if _, err := sourceSize(rs); err != nil {
		return nil, fmt.Errorf("%w: size unavailable: %v", models.ErrInvalidSource, err)
	}
	return rs, nil
}

func sourceSize(src IO) (int64, error) {
	if s, ok := src.(sizer); ok {
		if n := s.Size(); n >= 0 {
			return n, nil
		}
	}
	if s, ok := src.(stater); ok {
		info, err := s.Stat()
		if err == nil && info.Mode().IsRegular() {
			return info.Size(), nil
		}
	}
	cur, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := src.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

func sourceFilename(src any) string {
	switch v := src.(type) {
	case filenamer:
		return strings.TrimSpace(v.Filename())
	case *os.File:
		return filepath.Base(v.Name())
	}
	return ""
}

func sourceContentType(src any) string {
	if v, ok := src.(contentTyper); ok {
		return strings.TrimSpace(v.ContentType())
	}
	return ""
}

func rewind(src io.Seeker) error {
	_, err := src.Seek(0, io.SeekStart)
	return err
}
