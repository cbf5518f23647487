package attacher

import (
	"context"
	"errors"
	"testing"

	"attache/internal/models"
	"attache/internal/uploader"
)

func TestFinalizeDispatchesPromoteJob(t *testing.T) {
	s := newAtomicSetup(t, map[models.Action][]string{})
	var jobs []Job
	s.cfg.Background = &Background{Promote: func(_ context.Context, job Job) error {
		jobs = append(jobs, job)
		return nil
	}}
	ctx := context.Background()

	a, err := FromRecord(s.record, s.cfg, s.storages, WithPersistence(s.persistence))
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	file, _ := a.Assign(ctx, jpeg("a.jpg"))
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Action != models.ActionStore || job.Attacher != "image" || job.Name != "image_data" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Record != s.record.Ref() || job.File == nil || *job.File != file.Ref() {
		t.Fatalf("unexpected job reference %+v", job)
	}
	if job.Data != nil {
		t.Fatal("promote jobs carry only the file reference")
	}
	if !a.Cached() || a.Changed() {
		t.Fatal("dispatching must not promote inline")
	}

	raw, err := job.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseJob(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *parsed.File != *job.File || parsed.Record != job.Record {
		t.Fatalf("job did not survive encoding: %+v", parsed)
	}
}

func TestFinalizeInlinePromotesAtomically(t *testing.T) {
	s := newAtomicSetup(t, map[models.Action][]string{})
	ctx := context.Background()

	a, err := s.registry.ForRecord("image", s.record)
	if err != nil {
		t.Fatalf("for record: %v", err)
	}
	_, _ = a.Assign(ctx, jpeg("a.jpg"))
	if err := s.persistence.Persist(ctx, s.record); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	data, _ := models.ParseData(s.persistence.column(s.record.Ref(), "image_data"))
	if data.File == nil || data.File.Storage != "store" {
		t.Fatalf("expected persisted stored file, got %+v", data.File)
	}
}

func TestFinalizeDestroysReplacedStoredFile(t *testing.T) {
	f := newFixture(t)
	a := f.attacher(t)
	ctx := context.Background()

	_, _ = a.Assign(ctx, jpeg("a.jpg"))
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	old := a.File()
	if !a.Stored() {
		t.Fatal("expected inline promotion without persistence")
	}

	_, _ = a.Assign(ctx, jpeg("b.jpg"))
	if err := a.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if exists(t, f.store, old.ID) {
		t.Fatal("replaced stored file must be deleted")
	}
	if !exists(t, f.store, a.File().ID) {
		t.Fatal("new file must be stored")
	}
}

func TestDestroyAttachedDispatchesSnapshot(t *testing.T) {
	f := newFixture(t)
	var got Job
	f.cfg.Background = &Background{Destroy: func(_ context.Context, job Job) error {
		got = job
		return nil
	}}
	a := f.attacher(t, WithRecord(newTestRecord("7")))
	ctx := context.Background()

	if err := a.DestroyAttached(ctx); err != nil || got.Action != "" {
		t.Fatalf("empty attachment dispatches nothing, got %+v %v", got, err)
	}

	_, _ = a.Assign(ctx, jpeg("a.jpg"))
	_ = a.AddDerivative("thumb", models.NewUploadedFile("store", "t.jpg", nil))
	if err := a.DestroyAttached(ctx); err != nil {
		t.Fatalf("destroy attached: %v", err)
	}
	if got.Action != models.ActionDestroy || got.Data == nil || got.Data.File == nil {
		t.Fatalf("destroy job must carry file references, got %+v", got)
	}
	if len(got.Data.File.Metadata) != 0 {
		t.Fatalf("destroy job must not carry metadata, got %v", got.Data.File.Metadata)
	}
	if _, ok := got.Data.Derivatives.File("thumb"); !ok {
		t.Fatal("destroy job must carry derivatives")
	}
	if a.File().Filename() != "a.jpg" {
		t.Fatal("building the job must not strip the attacher's own metadata")
	}
	if !exists(t, f.cache, got.Data.File.ID) {
		t.Fatal("dispatch must not delete inline")
	}

	failing := errors.New("queue down")
	f.cfg.Background.Destroy = func(context.Context, Job) error { return failing }
	b := f.attacher(t)
	_ = b.Set(got.Data.File)
	if err := b.DestroyAttached(ctx); !errors.Is(err, failing) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
}

func TestDestroyAttachedSkipsDerivativesWithoutFile(t *testing.T) {
	f := newFixture(t)
	a := f.attacher(t)
	ctx := context.Background()

	thumb, err := a.store.Upload(ctx, jpeg("thumb.jpg"), uploader.Options{})
	if err != nil {
		t.Fatalf("upload thumb: %v", err)
	}
	if err := a.AddDerivative("thumb", thumb); err != nil {
		t.Fatalf("add derivative: %v", err)
	}
	if err := a.DestroyAttached(ctx); err != nil {
		t.Fatalf("destroy attached: %v", err)
	}
	if !exists(t, f.store, thumb.ID) {
		t.Fatal("derivatives without a file must be left to the caller")
	}

	if err := a.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if exists(t, f.store, thumb.ID) {
		t.Fatal("explicit destroy must delete derivatives")
	}
}

func TestParseJobValidation(t *testing.T) {
	cases := map[string]string{
		"garbage":        `{`,
		"no attacher":    `{"action":"store","file":{"id":"a","storage":"cache"}}`,
		"no file":        `{"action":"store","attacher":"image"}`,
		"unknown action": `{"action":"cache","attacher":"image"}`,
	}
	for name, raw := range cases {
		if _, err := ParseJob([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
