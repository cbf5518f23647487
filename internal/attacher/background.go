package attacher

import (
	"context"
	"encoding/json"
	"fmt"

	"attache/internal/models"
)

// Job is the serializable snapshot handed to background callbacks. It holds
// everything a worker needs to rebuild the attacher and finish the
// operation.
type Job struct {
	Action models.Action `json:"action"`
	// Attacher is the registry key of the attachment configuration.
	Attacher string           `json:"attacher"`
	Record   models.RecordRef `json:"record"`
	// Name is the record attribute holding the attachment.
	Name string          `json:"name"`
	File *models.FileRef `json:"file,omitempty"`
	// Data is only set for destroy jobs, since the record no longer exists
	// when they run.
	Data *models.Data `json:"data,omitempty"`
}

// Marshal encodes the job.
func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// ParseJob decodes a job payload.
func ParseJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("parse job: %w", err)
	}
	if job.Attacher == "" {
		return Job{}, fmt.Errorf("job attacher is required")
	}
	switch job.Action {
	case models.ActionStore:
		if job.File == nil {
			return Job{}, fmt.Errorf("promote job requires a file reference")
		}
	case models.ActionDestroy:
	default:
		return Job{}, fmt.Errorf("unsupported job action: %s", job.Action)
	}
	return job, nil
}

// PromoteJob snapshots the current file for background promotion.
func (a *Attacher) PromoteJob() (Job, error) {
	file := a.File()
	if file == nil {
		return Job{}, fmt.Errorf("no file attached")
	}
	ref := file.Ref()
	job := Job{Action: models.ActionStore, Attacher: a.cfg.Name, Name: a.cfg.ColumnName(), File: &ref}
	if a.record != nil {
		job.Record = a.record.Ref()
	}
	return job, nil
}

// DestroyJob snapshots the file and derivative references for background
// destruction. Metadata is dropped; deleting needs only identities.
func (a *Attacher) DestroyJob() Job {
	data := bareData(a.Data())
	job := Job{Action: models.ActionDestroy, Attacher: a.cfg.Name, Name: a.cfg.ColumnName(), Data: &data}
	if data.File != nil {
		ref := data.File.Ref()
		job.File = &ref
	}
	if a.record != nil {
		job.Record = a.record.Ref()
	}
	return job
}

func bareData(data models.Data) models.Data {
	var out models.Data
	if data.File != nil {
		file := models.NewUploadedFile(data.File.Storage, data.File.ID, nil)
		out.File = &file
	}
	if len(data.Derivatives) > 0 {
		bare, err := models.MapFiles(data.Derivatives, func(_ models.Path, f models.UploadedFile) (models.UploadedFile, error) {
			return models.NewUploadedFile(f.Storage, f.ID, nil), nil
		})
		if err == nil {
			out.Derivatives = bare.(models.DerivativeMap)
		}
	}
	return out
}

// PromoteCached promotes a cached file, through the background callback
// when one is configured. Stored or empty attachments are left alone.
func (a *Attacher) PromoteCached(ctx context.Context) error {
	if !a.Cached() {
		return nil
	}
	if bg := a.cfg.Background; bg != nil && bg.Promote != nil {
		job, err := a.PromoteJob()
		if err != nil {
			return err
		}
		a.logger.Debug("dispatching promote job", "record", a.recordRef(), "file", job.File.String())
		return bg.Promote(ctx, job)
	}
	if a.persistence != nil && a.record != nil && a.record.Ref().Persisted() {
		_, err := a.AtomicPromote(ctx, AtomicOptions{})
		return err
	}
	_, err := a.Promote(ctx)
	return err
}

// DestroyAttached deletes the attached files after the record was removed,
// through the background callback when one is configured. Without an
// attached file nothing happens: derivatives alone belong to the caller.
func (a *Attacher) DestroyAttached(ctx context.Context) error {
	if !a.Attached() {
		return nil
	}
	if bg := a.cfg.Background; bg != nil && bg.Destroy != nil {
		a.logger.Debug("dispatching destroy job", "record", a.recordRef())
		return bg.Destroy(ctx, a.DestroyJob())
	}
	return a.Destroy(ctx)
}

// Finalize runs after the record was saved: it deletes the replaced stored
// file and promotes the new cached one.
func (a *Attacher) Finalize(ctx context.Context) error {
	if err := a.DestroyPrevious(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.previous = nil
	a.mu.Unlock()
	return a.PromoteCached(ctx)
}
