package models

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Conventional metadata keys.
const (
	MetaFilename = "filename"
	MetaSize     = "size"
	MetaMimeType = "mime_type"
)

// FileRef is the minimal identity of an uploaded file.
type FileRef struct {
	ID      string `json:"id"`
	Storage string `json:"storage"`
}

// String renders the reference as storage:id.
func (r FileRef) String() string {
	return r.Storage + ":" + r.ID
}

// UploadedFile identifies one file inside a registered storage.
//
// Identity is (Storage, ID); metadata is not part of equality.
type UploadedFile struct {
	ID       string         `json:"id"`
	Storage  string         `json:"storage"`
	Metadata map[string]any `json:"metadata"`
}

// NewUploadedFile builds a file value, copying metadata.
func NewUploadedFile(storage, id string, metadata map[string]any) UploadedFile {
	return UploadedFile{ID: id, Storage: storage, Metadata: copyMetadata(metadata)}
}

func (UploadedFile) derivative() {}

// Ref returns the file identity.
func (f UploadedFile) Ref() FileRef {
	return FileRef{ID: f.ID, Storage: f.Storage}
}

// Equal reports whether both values point at the same storage location.
func (f UploadedFile) Equal(other UploadedFile) bool {
	return f.Storage == other.Storage && f.ID == other.ID
}

// Matches reports whether the file has the given identity.
func (f UploadedFile) Matches(ref FileRef) bool {
	return f.Storage == ref.Storage && f.ID == ref.ID
}

// SameFile compares two optional files by identity. Two nil files are equal.
func SameFile(a, b *UploadedFile) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// WithMetadata returns a new version of the file with metadata merged in.
// Identity is unchanged.
func (f UploadedFile) WithMetadata(metadata map[string]any) UploadedFile {
	merged := copyMetadata(f.Metadata)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range metadata {
		merged[k] = v
	}
	f.Metadata = merged
	return f
}

// Filename returns the original filename, if known.
func (f UploadedFile) Filename() string {
	v, _ := f.Metadata[MetaFilename].(string)
	return v
}

// MimeType returns the recorded MIME type, if known.
func (f UploadedFile) MimeType() string {
	v, _ := f.Metadata[MetaMimeType].(string)
	return v
}

// Size returns the recorded size in bytes, or -1 when unknown.
func (f UploadedFile) Size() int64 {
	switch v := f.Metadata[MetaSize].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return n
		}
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return -1
}

// Extension returns the lowercase extension (without dot) from the id or
// the original filename.
func (f UploadedFile) Extension() string {
	if ext := extension(f.ID); ext != "" {
		return ext
	}
	return extension(f.Filename())
}

// MarshalJSON always emits a metadata object.
func (f UploadedFile) MarshalJSON() ([]byte, error) {
	type plain UploadedFile
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	return json.Marshal(plain(f))
}

// ParseUploadedFile builds a file from a decoded descriptor map
// ({"id": ..., "storage": ..., "metadata": {...}}).
func ParseUploadedFile(raw map[string]any) (UploadedFile, error) {
	id, _ := raw["id"].(string)
	storage, _ := raw["storage"].(string)
	if strings.TrimSpace(id) == "" {
		return UploadedFile{}, fmt.Errorf("uploaded file id is required")
	}
	if strings.TrimSpace(storage) == "" {
		return UploadedFile{}, fmt.Errorf("uploaded file storage is required")
	}
	file := UploadedFile{ID: id, Storage: storage, Metadata: map[string]any{}}
	switch meta := raw["metadata"].(type) {
	case nil:
	case map[string]any:
		file.Metadata = copyMetadata(meta)
	default:
		return UploadedFile{}, fmt.Errorf("uploaded file metadata must be an object")
	}
	return file, nil
}

// ParseUploadedFileJSON parses a JSON descriptor.
func ParseUploadedFileJSON(data []byte) (UploadedFile, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return UploadedFile{}, fmt.Errorf("parse uploaded file: %w", err)
	}
	if raw == nil {
		return UploadedFile{}, fmt.Errorf("uploaded file descriptor is empty")
	}
	return ParseUploadedFile(raw)
}

func isFileDescriptor(raw map[string]any) bool {
	_, idOK := raw["id"].(string)
	_, storageOK := raw["storage"].(string)
	return idOK && storageOK
}

func extension(name string) string {
	ext := path.Ext(name)
	if len(ext) < 2 {
		return ""
	}
	return strings.ToLower(ext[1:])
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
