package main

import (
	"context"
	"errors"
	"os"

	"attache/internal/models"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	var validation *validationError
	switch {
	case errors.As(err, &validation):
		lines = append(lines, "hint: check attachments."+validation.attachment+".max_size and allowed_media_types.")
	case errors.Is(err, models.ErrRecordNotFound):
		lines = append(lines, "hint: create the record first with: attache record create <type>")
	case errors.Is(err, models.ErrStorageNotFound):
		lines = append(lines, "hint: the file lives in a storage that is not configured; check [storages] in .attache.toml.")
	case errors.Is(err, models.ErrAttachmentInvalid):
		lines = append(lines, "hint: only descriptors of files in the attachment's cache storage are accepted.")
	case errors.Is(err, models.ErrFileNotFound), errors.Is(err, os.ErrNotExist):
		lines = append(lines, "hint: the file does not exist; it may have been removed by cache clear.")
	case errors.Is(err, context.DeadlineExceeded):
		lines = append(lines, "hint: the operation timed out; check storage and redis connectivity.")
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
