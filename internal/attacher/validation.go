package attacher

import (
	"fmt"

	"attache/internal/uploader"
)

// Validate runs the configured validators against the current file and
// stores their messages. Nothing runs when no file is attached.
func (a *Attacher) Validate() []string {
	var errs []string
	if a.File() != nil {
		for _, validator := range a.cfg.Validators {
			errs = append(errs, validator(a)...)
		}
	}
	a.mu.Lock()
	a.errors = errs
	a.mu.Unlock()
	return append([]string(nil), errs...)
}

// MaxSize rejects files larger than limit bytes. Files of unknown size pass.
func MaxSize(limit int64) Validator {
	return func(a *Attacher) []string {
		file := a.File()
		if file == nil || limit <= 0 {
			return nil
		}
		if size := file.Size(); size > limit {
			return []string{fmt.Sprintf("size must not be greater than %d bytes", limit)}
		}
		return nil
	}
}

// AllowedMediaTypes rejects files whose MIME type is not listed. Invalid
// entries are ignored; an empty list allows everything.
func AllowedMediaTypes(mediaTypes ...string) Validator {
	allowed := map[string]struct{}{}
	for _, raw := range mediaTypes {
		mediaType, err := uploader.NormalizeMediaType(raw)
		if err != nil || mediaType == "" {
			continue
		}
		allowed[mediaType] = struct{}{}
	}
	return func(a *Attacher) []string {
		file := a.File()
		if file == nil || len(allowed) == 0 {
			return nil
		}
		mediaType, err := uploader.NormalizeMediaType(file.MimeType())
		if err != nil || mediaType == "" {
			return []string{"media type is unknown"}
		}
		if _, ok := allowed[mediaType]; ok {
			return nil
		}
		return []string{fmt.Sprintf("media type %s is not allowed", mediaType)}
	}
}
