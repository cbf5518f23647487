package uploader

import (
	"path"
	"strings"

	"github.com/google/uuid"

	"attache/internal/models"
)

// LocationInput describes the upload a location is generated for.
type LocationInput struct {
	// Filename is the original filename, or the id of the source file when
	// uploading an existing UploadedFile.
	Filename   string
	Metadata   map[string]any
	Context    models.Context
	Derivative models.Path
}

// LocationFunc generates a storage location. Returning "" is an error.
type LocationFunc func(in LocationInput) string

// DefaultLocation returns a random hex id keeping the source extension.
func DefaultLocation(in LocationInput) string {
	return uniqueID() + extensionOf(in.Filename)
}

// PrettyLocation nests the random id under record type, record id, attachment
// name and derivative path.
func PrettyLocation(in LocationInput) string {
	var parts []string
	if in.Context.Record.Type != "" {
		parts = append(parts, strings.ToLower(in.Context.Record.Type))
	}
	if in.Context.Record.ID != "" {
		parts = append(parts, in.Context.Record.ID)
	}
	if in.Context.Name != "" {
		parts = append(parts, in.Context.Name)
	}
	basename := uniqueID() + extensionOf(in.Filename)
	if len(in.Derivative) > 0 {
		basename = strings.Join(in.Derivative, "-") + "-" + basename
	}
	parts = append(parts, basename)
	return path.Join(parts...)
}

func uniqueID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func extensionOf(name string) string {
	ext := path.Ext(strings.TrimSpace(name))
	if len(ext) < 2 || strings.ContainsAny(ext, " /\\") {
		return ""
	}
	return strings.ToLower(ext)
}
