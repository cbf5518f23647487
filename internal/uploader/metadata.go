package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"

	"attache/internal/models"
)

const fallbackMimeType = "application/octet-stream"

// Analyzer extracts extra metadata from a source. Analyzers may read the
// source; it is rewound before the next one runs.
type Analyzer func(ctx context.Context, src IO) (map[string]any, error)

// ExtractMetadata returns filename, size and mime_type for src, followed by
// the output of each analyzer.
func ExtractMetadata(ctx context.Context, src IO, analyzers ...Analyzer) (map[string]any, error) {
	size, err := sourceSize(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSource, err)
	}
	meta := map[string]any{
		models.MetaFilename: nil,
		models.MetaSize:     size,
		models.MetaMimeType: nil,
	}
	if filename := sourceFilename(src); filename != "" {
		meta[models.MetaFilename] = filename
	}

	mimeType, err := determineMimeType(src)
	if err != nil {
		return nil, err
	}
	if mimeType != "" {
		meta[models.MetaMimeType] = mimeType
	}

	for _, analyze := range analyzers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		extra, err := analyze(ctx, src)
		if rwErr := rewind(src); rwErr != nil && err == nil {
			err = rwErr
		}
		if err != nil {
			return nil, err
		}
		for k, v := range extra {
			meta[k] = v
		}
	}
	return meta, nil
}

// determineMimeType prefers a declared content type and falls back to
// sniffing the leading bytes.
func determineMimeType(src IO) (string, error) {
	if declared, err := NormalizeMediaType(sourceContentType(src)); err == nil && declared != "" && declared != fallbackMimeType {
		return declared, nil
	}
	if err := rewind(src); err != nil {
		return "", err
	}
	detected, err := mimetype.DetectReader(src)
	if err != nil {
		return "", err
	}
	if err := rewind(src); err != nil {
		return "", err
	}
	sniffed, err := NormalizeMediaType(detected.String())
	if err != nil {
		return "", nil
	}
	return sniffed, nil
}

// NormalizeMediaType lowercases a media type and drops its parameters.
func NormalizeMediaType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", fmt.Errorf("invalid media type %q", raw)
	}
	return strings.ToLower(strings.TrimSpace(parsed)), nil
}

// Signature returns an analyzer storing a hex content digest under the
// algorithm's name. Supported algorithms: sha256, blake2b.
func Signature(algorithm string) (Analyzer, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	var newHash func() (hash.Hash, error)
	switch algorithm {
	case "sha256":
		newHash = func() (hash.Hash, error) { return sha256.New(), nil }
	case "blake2b":
		newHash = func() (hash.Hash, error) { return blake2b.New256(nil) }
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}
	return func(ctx context.Context, src IO) (map[string]any, error) {
		h, err := newHash()
		if err != nil {
			return nil, err
		}
		if err := rewind(src); err != nil {
			return nil, err
		}
		if _, err := io.Copy(h, src); err != nil {
			return nil, err
		}
		return map[string]any{algorithm: hex.EncodeToString(h.Sum(nil))}, nil
	}, nil
}
