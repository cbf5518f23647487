package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"attache/internal/config"
	"attache/internal/models"
	"attache/internal/storage"
	"attache/internal/store"
)

type cliFixture struct {
	cfg      *config.Config
	dir      string
	cacheDir string
	storeDir string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	t.Setenv(logLevelEnvKey, "error")
	dir := t.TempDir()
	f := &cliFixture{
		dir:      dir,
		cacheDir: filepath.Join(dir, "cache"),
		storeDir: filepath.Join(dir, "store"),
	}
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "test.db")
	cfg.Storages = map[string]config.StorageConfig{
		"cache": {Backend: config.BackendFileSystem, Directory: f.cacheDir},
		"store": {Backend: config.BackendFileSystem, Directory: f.storeDir},
	}
	cfg.Attachments = map[string]config.AttachmentConfig{
		"file": {Cache: "cache", Store: "store", Location: config.LocationDefault, DerivativesConcurrency: 2},
	}
	f.cfg = &cfg
	return f
}

func (f *cliFixture) run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd(f.cfg)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func (f *cliFixture) mustRun(t *testing.T, args ...string) {
	t.Helper()
	if err := f.run(t, args...); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
}

func (f *cliFixture) openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(f.cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func (f *cliFixture) createRecord(t *testing.T) models.RecordRef {
	t.Helper()
	st := f.openStore(t)
	defer st.Close()
	rec, err := st.CreateRecord(context.Background(), "photos")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	return rec.Ref()
}

func (f *cliFixture) data(t *testing.T, ref models.RecordRef) models.Data {
	t.Helper()
	st := f.openStore(t)
	defer st.Close()
	rec, err := st.GetRecord(context.Background(), ref)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	data, err := models.ParseData(rec.Attribute("file_data"))
	if err != nil {
		t.Fatalf("parse data: %v", err)
	}
	return data
}

func (f *cliFixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func existsIn(t *testing.T, dir, location string) bool {
	t.Helper()
	fs, err := storage.NewFileSystem(dir, storage.FileSystemOptions{})
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	ok, err := fs.Exists(context.Background(), location)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	return ok
}

func TestAttachPromotesInline(t *testing.T) {
	f := newCLIFixture(t)
	ref := f.createRecord(t)
	path := f.writeFile(t, "notes.txt", "hello attache")

	f.mustRun(t, "attach", ref.Type, ref.ID, path)

	data := f.data(t, ref)
	if data.File == nil || data.File.Storage != "store" {
		t.Fatalf("expected stored file, got %+v", data.File)
	}
	if data.File.Filename() != "notes.txt" || data.File.Size() != int64(len("hello attache")) {
		t.Fatalf("unexpected metadata %+v", data.File.Metadata)
	}
	if !existsIn(t, f.storeDir, data.File.ID) {
		t.Fatal("expected promoted file on disk")
	}
}

func TestAttachCacheOnlyThenPromote(t *testing.T) {
	f := newCLIFixture(t)
	ref := f.createRecord(t)
	path := f.writeFile(t, "notes.txt", "cached first")

	f.mustRun(t, "attach", "--cache-only", ref.Type, ref.ID, path)
	cached := f.data(t, ref).File
	if cached == nil || cached.Storage != "cache" {
		t.Fatalf("expected cached file, got %+v", cached)
	}

	f.mustRun(t, "promote", ref.Type, ref.ID)
	stored := f.data(t, ref).File
	if stored == nil || stored.Storage != "store" {
		t.Fatalf("expected stored file, got %+v", stored)
	}

	// Promoting a stored attachment is a no-op.
	f.mustRun(t, "promote", ref.Type, ref.ID)
	if again := f.data(t, ref).File; !models.SameFile(again, stored) {
		t.Fatalf("expected unchanged file, got %+v", again)
	}
}

func TestAttachReplacingDeletesPreviousStoredFile(t *testing.T) {
	f := newCLIFixture(t)
	ref := f.createRecord(t)

	f.mustRun(t, "attach", ref.Type, ref.ID, f.writeFile(t, "a.txt", "first"))
	first := f.data(t, ref).File

	f.mustRun(t, "attach", ref.Type, ref.ID, f.writeFile(t, "b.txt", "second"))
	second := f.data(t, ref).File
	if second == nil || second.Filename() != "b.txt" || second.Storage != "store" {
		t.Fatalf("expected second stored file, got %+v", second)
	}
	if existsIn(t, f.storeDir, first.ID) {
		t.Fatal("expected replaced file deleted")
	}
}

func TestAttachValidationFailure(t *testing.T) {
	f := newCLIFixture(t)
	att := f.cfg.Attachments["file"]
	att.MaxSize = 3
	f.cfg.Attachments["file"] = att
	ref := f.createRecord(t)

	err := f.run(t, "attach", ref.Type, ref.ID, f.writeFile(t, "big.txt", "too large"))
	var validation *validationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if data := f.data(t, ref); !data.Empty() {
		t.Fatalf("invalid attachment must not be saved, got %+v", data)
	}
}

func TestAttachUnknownRecord(t *testing.T) {
	f := newCLIFixture(t)
	err := f.run(t, "attach", "photos", "ph-none", f.writeFile(t, "a.txt", "x"))
	if !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeriveAndDestroy(t *testing.T) {
	f := newCLIFixture(t)
	ref := f.createRecord(t)
	f.mustRun(t, "attach", ref.Type, ref.ID, f.writeFile(t, "notes.txt", "derive me"))

	f.mustRun(t, "derive", ref.Type, ref.ID, "gzip")
	data := f.data(t, ref)
	gz, ok := data.Derivatives.File("gzip")
	if !ok || gz.Storage != "store" {
		t.Fatalf("expected gzip derivative, got %+v", data.Derivatives)
	}
	if !existsIn(t, f.storeDir, gz.ID) {
		t.Fatal("expected derivative on disk")
	}

	f.mustRun(t, "derive", "--remove", "gzip", ref.Type, ref.ID)
	if data := f.data(t, ref); len(data.Derivatives) != 0 {
		t.Fatalf("expected derivative removed, got %+v", data.Derivatives)
	}
	if existsIn(t, f.storeDir, gz.ID) {
		t.Fatal("expected removed derivative deleted")
	}

	f.mustRun(t, "destroy", ref.Type, ref.ID)
	if data := f.data(t, ref); !data.Empty() {
		t.Fatalf("expected empty column, got %+v", data)
	}
	if existsIn(t, f.storeDir, data.File.ID) {
		t.Fatal("expected stored file deleted")
	}
}

func TestDeriveRequiresProcessor(t *testing.T) {
	f := newCLIFixture(t)
	ref := f.createRecord(t)
	if err := f.run(t, "derive", ref.Type, ref.ID); err == nil {
		t.Fatal("expected error without processor or --remove")
	}
	f.mustRun(t, "attach", ref.Type, ref.ID, f.writeFile(t, "a.txt", "x"))
	if err := f.run(t, "derive", ref.Type, ref.ID, "resize"); err == nil {
		t.Fatal("expected error for unknown processor")
	}
}

func TestBackgroundPromotionWithSQLiteQueue(t *testing.T) {
	f := newCLIFixture(t)
	f.cfg.Queue.Backend = config.QueueSQLite
	att := f.cfg.Attachments["file"]
	att.Background = true
	f.cfg.Attachments["file"] = att
	ref := f.createRecord(t)

	f.mustRun(t, "attach", ref.Type, ref.ID, f.writeFile(t, "notes.txt", "later"))
	if file := f.data(t, ref).File; file == nil || file.Storage != "cache" {
		t.Fatalf("expected cached file until the worker runs, got %+v", file)
	}

	f.mustRun(t, "worker", "--once")
	if file := f.data(t, ref).File; file == nil || file.Storage != "store" {
		t.Fatalf("expected worker to promote, got %+v", file)
	}

	st := f.openStore(t)
	defer st.Close()
	counts, err := st.JobCounts(context.Background())
	if err != nil {
		t.Fatalf("job counts: %v", err)
	}
	if counts[store.JobDone] != 1 {
		t.Fatalf("expected one finished job, got %v", counts)
	}
}

func TestWorkerRequiresQueue(t *testing.T) {
	f := newCLIFixture(t)
	if err := f.run(t, "worker", "--once"); err == nil {
		t.Fatal("expected error with inline queue")
	}
}

func TestRecordDeleteDestroysFiles(t *testing.T) {
	f := newCLIFixture(t)
	ref := f.createRecord(t)
	f.mustRun(t, "attach", ref.Type, ref.ID, f.writeFile(t, "a.txt", "bye"))
	stored := f.data(t, ref).File

	f.mustRun(t, "record", "delete", ref.Type, ref.ID)

	st := f.openStore(t)
	defer st.Close()
	if ok, _ := st.RecordExists(context.Background(), ref); ok {
		t.Fatal("expected record deleted")
	}
	if existsIn(t, f.storeDir, stored.ID) {
		t.Fatal("expected attached file deleted")
	}
}

func TestCacheClear(t *testing.T) {
	f := newCLIFixture(t)
	ref := f.createRecord(t)
	f.mustRun(t, "attach", "--cache-only", ref.Type, ref.ID, f.writeFile(t, "a.txt", "stale"))
	cached := f.data(t, ref).File

	f.mustRun(t, "cache", "clear", "--older-than", "1ns")
	if !existsIn(t, f.cacheDir, cached.ID) {
		t.Fatal("dry run must not delete")
	}

	f.mustRun(t, "cache", "clear", "--older-than", "1ns", "--apply")
	if existsIn(t, f.cacheDir, cached.ID) {
		t.Fatal("expected cached file deleted")
	}

	if err := f.run(t, "cache", "clear", "--older-than", "0s"); err == nil {
		t.Fatal("expected error for non-positive age")
	}
}

func TestCacheStorageKeys(t *testing.T) {
	cfg := &config.Config{Attachments: map[string]config.AttachmentConfig{
		"avatar": {Cache: "tmp", Store: "store"},
		"file":   {Cache: "cache", Store: "store"},
		"image":  {Cache: "cache", Store: "store"},
		"direct": {Cache: "store", Store: "store"},
	}}
	got := cacheStorageKeys(cfg)
	if len(got) != 2 || got[0] != "cache" || got[1] != "tmp" {
		t.Fatalf("unexpected cache keys %v", got)
	}
}

func TestGzipProcessor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.txt")
	if err := os.WriteFile(path, []byte("compress me"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	source, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer source.Close()

	outputs, err := gzipProcessor(context.Background(), source, "best")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	out, ok := outputs["gzip"].(io.Reader)
	if !ok {
		t.Fatalf("expected reader output, got %T", outputs["gzip"])
	}
	compressed, _ := io.ReadAll(out)
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, _ := io.ReadAll(zr)
	if string(plain) != "compress me" {
		t.Fatalf("unexpected round trip %q", plain)
	}
}

func TestParseRecordRef(t *testing.T) {
	ref, err := parseRecordRef([]string{"photos", " ph-1 ", "extra"})
	if err != nil || ref.Type != "photos" || ref.ID != "ph-1" {
		t.Fatalf("unexpected ref %+v %v", ref, err)
	}
	if _, err := parseRecordRef([]string{"photos"}); err == nil {
		t.Fatal("expected error for missing id")
	}
	if _, err := parseRecordRef([]string{"photos", " "}); err == nil {
		t.Fatal("expected error for blank id")
	}
	if ref, err := parseRecordRef([]string{" Photos", "ph-1"}); err != nil || ref.Type != "photos" {
		t.Fatalf("expected normalized type, got %+v %v", ref, err)
	}
	if _, err := parseRecordRef([]string{"../photos", "ph-1"}); err == nil {
		t.Fatal("expected error for unsafe record type")
	}
}

func TestMigrateDryRunLeavesDatabaseUntouched(t *testing.T) {
	f := newCLIFixture(t)

	f.mustRun(t, "migrate", "--dry-run")

	db, err := openRawDB(f.cfg.DBPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	plan, err := store.MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.CurrentVersion != 0 || len(plan.Pending) == 0 {
		t.Fatalf("expected dry run to apply nothing, got %+v", plan)
	}

	f.mustRun(t, "migrate")
	plan, err = store.MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan after migrate: %v", err)
	}
	if len(plan.Pending) != 0 || plan.CurrentVersion != plan.AvailableVersion {
		t.Fatalf("expected migrations applied, got %+v", plan)
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	done := make(chan []byte)
	go func() {
		out, _ := io.ReadAll(r)
		done <- out
	}()
	fn()
	_ = w.Close()
	return string(<-done)
}

func TestConfigListShowsConfiguredStorages(t *testing.T) {
	f := newCLIFixture(t)

	out := captureStdout(t, func() { f.mustRun(t, "config", "list") })
	for _, want := range []string{
		"storages.cache.backend = filesystem\n",
		"storages.store.directory = " + f.storeDir + "\n",
		"attachments.file.store = store\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "storages.cache.redis_addr") {
		t.Fatalf("expected empty values to be skipped:\n%s", out)
	}

	out = captureStdout(t, func() { f.mustRun(t, "--json", "config", "list") })
	var values map[string]string
	if err := json.Unmarshal([]byte(out), &values); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if values["attachments.file.cache"] != "cache" {
		t.Fatalf("unexpected json values %v", values)
	}
	if _, ok := values["storages.cache.redis_addr"]; !ok {
		t.Fatalf("expected json output to list every key")
	}
}
