package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Data is the attachment state persisted in one record column: the original
// file and its derivatives.
type Data struct {
	File        *UploadedFile
	Derivatives DerivativeMap
}

type fileColumn struct {
	ID          string         `json:"id"`
	Storage     string         `json:"storage"`
	Metadata    map[string]any `json:"metadata"`
	Derivatives DerivativeMap  `json:"derivatives,omitempty"`
}

type derivativesColumn struct {
	Derivatives DerivativeMap `json:"derivatives"`
}

// Empty reports whether there is nothing to persist.
func (d Data) Empty() bool {
	return d.File == nil && len(d.Derivatives) == 0
}

// MarshalJSON renders the column value; empty data renders as null.
func (d Data) MarshalJSON() ([]byte, error) {
	switch {
	case d.File != nil:
		meta := d.File.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		return json.Marshal(fileColumn{ID: d.File.ID, Storage: d.File.Storage, Metadata: meta, Derivatives: d.Derivatives})
	case len(d.Derivatives) > 0:
		return json.Marshal(derivativesColumn{Derivatives: d.Derivatives})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON parses a column value.
func (d *Data) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseData(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Column serializes the data for storage. Empty data yields nil (NULL).
func (d Data) Column() ([]byte, error) {
	if d.Empty() {
		return nil, nil
	}
	return json.Marshal(d)
}

// ParseData parses a serialized column value. Nil, blank and "null" values
// decode to empty data.
func ParseData(column []byte) (Data, error) {
	trimmed := bytes.TrimSpace(column)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Data{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Data{}, fmt.Errorf("parse attachment data: %w", err)
	}
	return ParseDataMap(raw)
}

// ParseDataMap parses a decoded column value.
func ParseDataMap(raw map[string]any) (Data, error) {
	var data Data
	if raw == nil {
		return data, nil
	}
	if _, hasID := raw["id"]; hasID {
		file, err := ParseUploadedFile(raw)
		if err != nil {
			return Data{}, err
		}
		data.File = &file
	}
	if rawDerivatives, ok := raw["derivatives"]; ok {
		derivatives, err := ParseDerivativeMap(rawDerivatives)
		if err != nil {
			return Data{}, err
		}
		if len(derivatives) > 0 {
			data.Derivatives = derivatives
		}
	}
	return data, nil
}
