package attacher

import (
	"context"
	"errors"
	"fmt"

	"attache/internal/models"
	"attache/internal/storage"
)

// Persistence loads and saves records. Reload must hold a lock that
// serializes concurrent reload+persist pairs for the same record until fn
// returns; the ctx handed to fn carries that lock and must be passed to
// Persist.
type Persistence interface {
	Find(ctx context.Context, ref models.RecordRef) (models.Record, error)
	Reload(ctx context.Context, record models.Record, fn func(ctx context.Context, reloaded models.Record) error) error
	Persist(ctx context.Context, record models.Record) error
}

// ReloadFunc fetches a fresh copy of the bound record under a lock and calls
// fn with it.
type ReloadFunc func(ctx context.Context, fn func(ctx context.Context, reloaded models.Record) error) error

// PersistFunc durably saves record. It is called inside ReloadFunc.
type PersistFunc func(ctx context.Context, record models.Record) error

// AtomicOptions overrides the persistence adapter for a single atomic call.
type AtomicOptions struct {
	Reload  ReloadFunc
	Persist PersistFunc
	// Block runs after the change check and before persisting. The attacher
	// it receives is bound to the reloaded record and already carries the
	// new state; changes it makes are persisted.
	Block func(ctx context.Context, reloaded *Attacher) error
}

// Retrieve builds an attacher from record and checks that its current file
// is expected. Metadata differences are ignored.
func Retrieve(record models.Record, cfg Config, storages *storage.Registry, expected models.FileRef, opts ...Option) (*Attacher, error) {
	a, err := FromRecord(record, cfg, storages, opts...)
	if err != nil {
		return nil, err
	}
	file := a.File()
	if file == nil || !file.Matches(expected) {
		current := "none"
		if file != nil {
			current = file.Ref().String()
		}
		return nil, fmt.Errorf("%w: expected %s, found %s", models.ErrAttachmentChanged, expected, current)
	}
	return a, nil
}

// AtomicPromote promotes the current file, then reloads the record under a
// lock and persists the promoted state only if the persisted file is still
// the one that was promoted. If persisting fails for any reason the promoted
// copies are deleted and the cached file is referenced again; a persisted
// file that moved on yields ErrAttachmentChanged.
func (a *Attacher) AtomicPromote(ctx context.Context, opts AtomicOptions) (*models.UploadedFile, error) {
	if a.File() == nil {
		return nil, nil
	}

	p, err := a.promote(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: replaced during promotion", models.ErrAttachmentChanged)
	}

	before := a.Data()
	if err := a.atomicPersist(ctx, &p.cached, opts); err != nil {
		a.revert(ctx, p, before)
		return nil, err
	}
	return copyFile(&p.stored), nil
}

// AtomicPersist saves out-of-band changes, such as refreshed metadata or new
// derivatives, if the persisted file still matches the in-memory one.
func (a *Attacher) AtomicPersist(ctx context.Context, opts AtomicOptions) error {
	return a.atomicPersist(ctx, a.File(), opts)
}

func (a *Attacher) atomicPersist(ctx context.Context, original *models.UploadedFile, opts AtomicOptions) error {
	reload, persist, err := a.atomicFuncs(opts)
	if err != nil {
		return err
	}

	err = reload(ctx, func(ctx context.Context, reloaded models.Record) error {
		fresh, err := FromRecord(reloaded, a.cfg, a.storages, WithLogger(a.logger), WithPersistence(a.persistence))
		if err != nil {
			return err
		}
		if current := fresh.File(); !models.SameFile(current, original) {
			return fmt.Errorf("%w: %s is no longer attached", models.ErrAttachmentChanged, describe(original))
		}

		fresh.LoadData(a.Data())
		if err := fresh.write(); err != nil {
			return err
		}
		if opts.Block != nil {
			if err := opts.Block(ctx, fresh); err != nil {
				return err
			}
			a.LoadData(fresh.Data())
			if err := a.write(); err != nil {
				return err
			}
		}
		return persist(ctx, reloaded)
	})
	if err != nil {
		if isRecordNotFound(err) && !errors.Is(err, models.ErrAttachmentChanged) {
			return fmt.Errorf("%w: %w", models.ErrAttachmentChanged, err)
		}
		return err
	}
	a.logger.Debug("persisted attachment", "record", a.recordRef(), "file", describe(a.File()))
	return nil
}

func (a *Attacher) atomicFuncs(opts AtomicOptions) (ReloadFunc, PersistFunc, error) {
	reload, persist := opts.Reload, opts.Persist
	if reload == nil {
		if a.persistence == nil || a.record == nil {
			return nil, nil, fmt.Errorf("reload requires a bound record and persistence")
		}
		reload = func(ctx context.Context, fn func(context.Context, models.Record) error) error {
			return a.persistence.Reload(ctx, a.record, fn)
		}
	}
	if persist == nil {
		if a.persistence == nil {
			return nil, nil, fmt.Errorf("persist requires persistence")
		}
		persist = a.persistence.Persist
	}
	return reload, persist, nil
}

func (a *Attacher) write() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeLocked()
}

func (a *Attacher) recordRef() string {
	if a.record == nil {
		return ""
	}
	return a.record.Ref().String()
}

func describe(file *models.UploadedFile) string {
	if file == nil {
		return "none"
	}
	return file.Ref().String()
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, models.ErrRecordNotFound)
}
