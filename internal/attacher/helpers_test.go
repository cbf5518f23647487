package attacher

import (
	"context"
	"sync"
	"testing"

	"attache/internal/models"
	"attache/internal/storage"
	"attache/internal/uploader"
)

type testRecord struct {
	ref   models.RecordRef
	attrs map[string][]byte
}

func newTestRecord(id string) *testRecord {
	return &testRecord{ref: models.RecordRef{Type: "photos", ID: id}, attrs: map[string][]byte{}}
}

func (r *testRecord) Ref() models.RecordRef { return r.ref }

func (r *testRecord) Attribute(name string) []byte { return r.attrs[name] }

func (r *testRecord) SetAttribute(name string, value []byte) {
	if value == nil {
		delete(r.attrs, name)
		return
	}
	r.attrs[name] = append([]byte(nil), value...)
}

// memoryPersistence keeps record attributes in memory. Reload holds a single
// mutex for the duration of the callback.
type memoryPersistence struct {
	lock sync.Mutex

	mu      sync.Mutex
	records map[models.RecordRef]map[string][]byte

	beforeReload func()
	persisted    int
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{records: map[models.RecordRef]map[string][]byte{}}
}

func (p *memoryPersistence) Find(_ context.Context, ref models.RecordRef) (models.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, ok := p.records[ref]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	rec := &testRecord{ref: ref, attrs: map[string][]byte{}}
	for k, v := range attrs {
		rec.attrs[k] = append([]byte(nil), v...)
	}
	return rec, nil
}

func (p *memoryPersistence) Reload(ctx context.Context, record models.Record, fn func(context.Context, models.Record) error) error {
	if hook := p.beforeReload; hook != nil {
		p.beforeReload = nil
		hook()
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	reloaded, err := p.Find(ctx, record.Ref())
	if err != nil {
		return err
	}
	return fn(ctx, reloaded)
}

func (p *memoryPersistence) Persist(_ context.Context, record models.Record) error {
	rec := record.(*testRecord)
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs := map[string][]byte{}
	for k, v := range rec.attrs {
		attrs[k] = append([]byte(nil), v...)
	}
	p.records[rec.ref] = attrs
	p.persisted++
	return nil
}

func (p *memoryPersistence) column(ref models.RecordRef, name string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[ref][name]
}

type fixture struct {
	storages *storage.Registry
	cache    *storage.Memory
	store    *storage.Memory
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		storages: storage.NewRegistry(),
		cache:    storage.NewMemory("cache"),
		store:    storage.NewMemory("store"),
	}
	if err := f.storages.Register("cache", f.cache); err != nil {
		t.Fatalf("register cache: %v", err)
	}
	if err := f.storages.Register("store", f.store); err != nil {
		t.Fatalf("register store: %v", err)
	}
	f.cfg = Config{Name: "image", Cache: "cache", Store: "store"}
	return f
}

func (f *fixture) attacher(t *testing.T, opts ...Option) *Attacher {
	t.Helper()
	a, err := New(f.cfg, f.storages, opts...)
	if err != nil {
		t.Fatalf("new attacher: %v", err)
	}
	return a
}

func jpeg(name string) uploader.IO {
	return uploader.NewBytes([]byte("\xff\xd8\xff\xe0 image "+name), name, "image/jpeg")
}

func exists(t *testing.T, mem *storage.Memory, id string) bool {
	t.Helper()
	ok, err := mem.Exists(context.Background(), id)
	if err != nil {
		t.Fatalf("exists %s: %v", id, err)
	}
	return ok
}
