package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"attache/internal/attacher"
	"attache/internal/format"
	"attache/internal/models"
	"attache/internal/store"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func writeJSON(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

type attachmentView struct {
	Record      models.RecordRef     `json:"record"`
	Attachment  string               `json:"attachment"`
	State       string               `json:"state"`
	File        *models.UploadedFile `json:"file,omitempty"`
	Derivatives models.DerivativeMap `json:"derivatives,omitempty"`
	Errors      []string             `json:"errors,omitempty"`
}

func newAttachmentView(a *attacher.Attacher) attachmentView {
	view := attachmentView{
		Attachment:  a.Name(),
		State:       attachmentState(a),
		File:        a.File(),
		Derivatives: a.Derivatives(),
		Errors:      a.Errors(),
	}
	if rec := a.Record(); rec != nil {
		view.Record = rec.Ref()
	}
	return view
}

func attachmentState(a *attacher.Attacher) string {
	switch {
	case a.Cached():
		return "cached"
	case a.Stored():
		return "stored"
	case a.Attached():
		return "attached"
	default:
		return "empty"
	}
}

func writeAttachment(a *attacher.Attacher, jsonOutput bool) error {
	view := newAttachmentView(a)
	if jsonOutput {
		return writeJSON(view)
	}
	return writeAttachmentDetail(view)
}

func writeAttachmentDetail(view attachmentView) error {
	lines := []string{
		fmt.Sprintf("record: %s", view.Record),
		fmt.Sprintf("attachment: %s", view.Attachment),
		fmt.Sprintf("state: %s", view.State),
	}
	if view.File != nil {
		lines = append(lines,
			fmt.Sprintf("id: %s", view.File.ID),
			fmt.Sprintf("storage: %s", view.File.Storage),
		)
		if name := view.File.Filename(); name != "" {
			lines = append(lines, fmt.Sprintf("filename: %s", name))
		}
		lines = append(lines, fmt.Sprintf("size: %d", view.File.Size()))
		if mimeType := view.File.MimeType(); mimeType != "" {
			lines = append(lines, fmt.Sprintf("mime_type: %s", mimeType))
		}
	}
	if len(view.Derivatives) > 0 {
		lines = append(lines, "derivatives:")
		for path, file := range view.Derivatives.All() {
			lines = append(lines, fmt.Sprintf("  - %s: %s", path, file.Ref()))
		}
	}
	if len(view.Errors) > 0 {
		lines = append(lines, fmt.Sprintf("errors: %s", strings.Join(view.Errors, "; ")))
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

type recordView struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newRecordView(rec *store.Record) recordView {
	ref := rec.Ref()
	return recordView{
		Type:        ref.Type,
		ID:          ref.ID,
		Attachments: rec.Attributes(),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func writeRecordList(records []*store.Record) error {
	for _, rec := range records {
		if err := writePlain("%s\n", formatRecordLine(newRecordView(rec))); err != nil {
			return err
		}
	}
	return nil
}

func formatRecordLine(view recordView) string {
	line := fmt.Sprintf("%s/%s  updated %s", view.Type, view.ID, formatTime(view.UpdatedAt))
	if len(view.Attachments) > 0 {
		line += "  [" + strings.Join(view.Attachments, ", ") + "]"
	}
	return line
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
