package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"

	"attache/internal/attacher"
	"attache/internal/uploader"
)

// builtinProcessors are the derivative processors available to every
// attachment from the CLI.
func builtinProcessors() map[string]attacher.Processor {
	return map[string]attacher.Processor{
		"copy": copyProcessor,
		"gzip": gzipProcessor,
	}
}

func copyProcessor(ctx context.Context, source *os.File, _ ...any) (attacher.Outputs, error) {
	data, err := readSource(ctx, source)
	if err != nil {
		return nil, err
	}
	return attacher.Outputs{
		"copy": uploader.NewBytes(data, filepath.Base(source.Name()), ""),
	}, nil
}

// gzipProcessor compresses the source. An optional "best" argument selects
// maximum compression.
func gzipProcessor(ctx context.Context, source *os.File, args ...any) (attacher.Outputs, error) {
	data, err := readSource(ctx, source)
	if err != nil {
		return nil, err
	}
	level := gzip.DefaultCompression
	for _, arg := range args {
		if arg == "best" {
			level = gzip.BestCompression
		}
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return attacher.Outputs{
		"gzip": uploader.NewBytes(buf.Bytes(), filepath.Base(source.Name())+".gz", "application/gzip"),
	}, nil
}

func readSource(ctx context.Context, source *os.File) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(source)
}
