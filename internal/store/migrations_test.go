package store

import (
	"database/sql"
	"net/url"
	"path/filepath"
	"testing"
)

func testRawDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	u := url.URL{Scheme: "file", Path: path}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrationsFreshDB(t *testing.T) {
	db := testRawDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	for _, table := range []string{"records", "record_attachments", "jobs"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
			t.Fatalf("check %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("%s table not created", table)
		}
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := testRawDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := runMigrations(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestMigrationPlanIsReadOnly(t *testing.T) {
	db := testRawDB(t)

	if _, err := MigrationPlan(db); err != nil {
		t.Fatalf("plan: %v", err)
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&count); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected plan to leave the database empty, found %d tables", count)
	}
}

func TestRunMigrationsFillsGaps(t *testing.T) {
	db := testRawDB(t)
	if _, err := db.Exec(migrationsTableSQL); err != nil {
		t.Fatalf("create migrations table: %v", err)
	}
	if err := applyMigration(db, migrations[0]); err != nil {
		t.Fatalf("apply first migration: %v", err)
	}

	plan, err := MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.CurrentVersion != 1 || len(plan.Pending) != 1 || plan.Pending[0].Version != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	plan, err = MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan after run: %v", err)
	}
	if plan.CurrentVersion != 2 || len(plan.Pending) != 0 {
		t.Fatalf("unexpected plan after run %+v", plan)
	}
}

func TestMigrationPlan(t *testing.T) {
	db := testRawDB(t)

	plan, err := MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.CurrentVersion != 0 {
		t.Fatalf("expected current 0, got %d", plan.CurrentVersion)
	}
	if plan.AvailableVersion != 2 {
		t.Fatalf("expected available 2, got %d", plan.AvailableVersion)
	}
	if len(plan.Pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(plan.Pending))
	}
}

func TestMigrationCascadesAttachmentRows(t *testing.T) {
	db := testRawDB(t)
	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("foreign keys: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO records (type, id, created_at, updated_at) VALUES ('photos', 'photos-1', datetime('now'), datetime('now'))`); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO record_attachments (record_type, record_id, name, data, updated_at) VALUES ('photos', 'photos-1', 'image_data', '{}', datetime('now'))`); err != nil {
		t.Fatalf("insert attachment: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO record_attachments (record_type, record_id, name, data, updated_at) VALUES ('photos', 'missing', 'image_data', '{}', datetime('now'))`); err == nil {
		t.Fatal("expected foreign key violation")
	}
	if _, err := db.Exec("DELETE FROM records WHERE id = 'photos-1'"); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM record_attachments").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cascade delete, found %d rows", count)
	}
}
