package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"attache/internal/attacher"
	"attache/internal/models"
)

var _ attacher.Persistence = (*Store)(nil)

// Record is a persisted entity owning attachment columns. Each attribute is
// stored as one row of record_attachments.
type Record struct {
	ref       models.RecordRef
	attrs     map[string][]byte
	dirty     map[string]bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord returns an unsaved record.
func NewRecord(recordType, id string) *Record {
	return &Record{
		ref:   models.RecordRef{Type: recordType, ID: id},
		attrs: map[string][]byte{},
		dirty: map[string]bool{},
	}
}

func (r *Record) Ref() models.RecordRef { return r.ref }

func (r *Record) Attribute(name string) []byte {
	return r.attrs[name]
}

// SetAttribute sets or, for nil values, clears an attribute. Only changed
// attributes are written by Persist.
func (r *Record) SetAttribute(name string, value []byte) {
	if value == nil {
		delete(r.attrs, name)
	} else {
		r.attrs[name] = append([]byte(nil), value...)
	}
	r.dirty[name] = true
}

// Attributes lists attribute names in sorted order.
func (r *Record) Attributes() []string {
	out := make([]string, 0, len(r.attrs))
	for name := range r.attrs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateRecord inserts a new record with a generated id.
func (s *Store) CreateRecord(ctx context.Context, recordType string) (*Record, error) {
	recordType, err := ParseRecordType(recordType)
	if err != nil {
		return nil, err
	}
	id, err := GenerateRecordID(recordType, func(id string) (bool, error) {
		return s.RecordExists(ctx, models.RecordRef{Type: recordType, ID: id})
	})
	if err != nil {
		return nil, err
	}
	record := NewRecord(recordType, id)
	if err := s.Persist(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// RecordExists reports whether a record exists.
func (s *Store) RecordExists(ctx context.Context, ref models.RecordRef) (bool, error) {
	var exists int
	err := s.conn(ctx).QueryRowContext(ctx, "SELECT 1 FROM records WHERE type = ? AND id = ? LIMIT 1", ref.Type, ref.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRecord loads a record with all its attributes.
func (s *Store) GetRecord(ctx context.Context, ref models.RecordRef) (*Record, error) {
	return getRecord(ctx, s.conn(ctx), ref)
}

// Find implements attacher.Persistence.
func (s *Store) Find(ctx context.Context, ref models.RecordRef) (models.Record, error) {
	return s.GetRecord(ctx, ref)
}

func getRecord(ctx context.Context, q querier, ref models.RecordRef) (*Record, error) {
	var createdAt, updatedAt string
	err := q.QueryRowContext(ctx, "SELECT created_at, updated_at FROM records WHERE type = ? AND id = ?", ref.Type, ref.ID).Scan(&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrRecordNotFound, ref)
	}
	if err != nil {
		return nil, err
	}

	record := NewRecord(ref.Type, ref.ID)
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, "SELECT name, data FROM record_attachments WHERE record_type = ? AND record_id = ?", ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		record.attrs[name] = []byte(data)
	}
	return record, rows.Err()
}

// ListRecords returns records of one type, most recently updated first.
func (s *Store) ListRecords(ctx context.Context, recordType string, limit int) ([]*Record, error) {
	query := "SELECT id FROM records WHERE type = ? ORDER BY updated_at DESC, id"
	args := []any{recordType}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetRecord(ctx, models.RecordRef{Type: recordType, ID: id})
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// DeleteRecord removes a record and its attachment columns.
func (s *Store) DeleteRecord(ctx context.Context, ref models.RecordRef) error {
	res, err := s.conn(ctx).ExecContext(ctx, "DELETE FROM records WHERE type = ? AND id = ?", ref.Type, ref.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRecordNotFound, ref)
	}
	return nil
}

// Reload implements attacher.Persistence. It takes the database write lock,
// loads a fresh copy of record and calls fn inside the transaction. The
// transaction commits when fn succeeds.
func (s *Store) Reload(ctx context.Context, record models.Record, fn func(ctx context.Context, reloaded models.Record) error) (err error) {
	if _, nested := ctx.Value(txKey{}).(*sql.Tx); nested {
		return fmt.Errorf("reload cannot be nested")
	}
	ref := record.Ref()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// A no-op write upgrades the transaction to hold the write lock before
	// the row is read.
	res, err := tx.ExecContext(ctx, "UPDATE records SET updated_at = updated_at WHERE type = ? AND id = ?", ref.Type, ref.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRecordNotFound, ref)
	}

	reloaded, err := getRecord(ctx, tx, ref)
	if err != nil {
		return err
	}
	if err = fn(withTx(ctx, tx), reloaded); err != nil {
		return err
	}
	return tx.Commit()
}

// Persist implements attacher.Persistence. It upserts the record row and
// writes changed attributes. Inside Reload it joins the reload transaction.
func (s *Store) Persist(ctx context.Context, record models.Record) (err error) {
	rec, ok := record.(*Record)
	if !ok {
		return fmt.Errorf("unsupported record type %T", record)
	}
	if !rec.ref.Persisted() {
		return fmt.Errorf("record type and id are required")
	}

	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return persistRecord(ctx, tx, rec)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = persistRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func persistRecord(ctx context.Context, q querier, rec *Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO records (type, id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET updated_at = excluded.updated_at
	`, rec.ref.Type, rec.ref.ID, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return err
	}

	names := make([]string, 0, len(rec.dirty))
	for name := range rec.dirty {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, ok := rec.attrs[name]
		if !ok {
			_, err = q.ExecContext(ctx, "DELETE FROM record_attachments WHERE record_type = ? AND record_id = ? AND name = ?", rec.ref.Type, rec.ref.ID, name)
		} else {
			_, err = q.ExecContext(ctx, `
				INSERT INTO record_attachments (record_type, record_id, name, data, updated_at) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(record_type, record_id, name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
			`, rec.ref.Type, rec.ref.ID, name, string(value), formatTime(now))
		}
		if err != nil {
			return fmt.Errorf("persist %s: %w", name, err)
		}
	}
	clear(rec.dirty)
	return nil
}

// IsNotFound reports whether err means a record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrRecordNotFound)
}
