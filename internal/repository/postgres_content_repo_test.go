package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/civicmail/internal/model"
)

func TestPostgresContentRepo_UpsertStaging(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresContentRepo(db)

	p := 5
	items := []*model.ContentItem{
		{DatasetID: "ds-1", RowUID: "r1", Subject: "Council vote", BodyHTML: "<p>a</p>", Scope: "state:oh", Priority: &p, ContentHash: "h1"},
		{DatasetID: "ds-1", RowUID: "r2", Subject: "Budget", ContentHash: "h2"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO content_items_staging")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.UpsertStaging(context.Background(), items); err != nil {
		t.Fatalf("UpsertStaging() error = %v", err)
	}
	for _, it := range items {
		if it.ID == "" {
			t.Errorf("row %s: ID should be assigned", it.RowUID)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresContentRepo_UpsertStaging_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresContentRepo(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO content_items_staging")
	prep.ExpectExec().WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err = repo.UpsertStaging(context.Background(), []*model.ContentItem{{DatasetID: "ds-1", RowUID: "r1", Subject: "x"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresContentRepo_UpsertStaging_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	if err := NewPostgresContentRepo(db).UpsertStaging(context.Background(), nil); err != nil {
		t.Fatalf("UpsertStaging(nil) error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no queries expected: %v", err)
	}
}

func TestPostgresContentRepo_Promote(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresContentRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM content_items WHERE dataset_id").
		WithArgs("ds-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("INSERT INTO content_items").
		WithArgs("ds-1", "editor@example.com").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM content_items_staging WHERE dataset_id").
		WithArgs("ds-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	res, err := repo.Promote(context.Background(), "ds-1", "editor@example.com")
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if res.Promoted != 3 || res.Cleared != 3 {
		t.Errorf("Promote() = %+v, want promoted=3 cleared=3", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresContentRepo_Promote_InsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresContentRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM content_items WHERE dataset_id").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO content_items").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, err := repo.Promote(context.Background(), "ds-1", "admin"); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresContentRepo_ListLive(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresContentRepo(db)

	now := time.Now()
	cols := []string{"id", "dataset_id", "row_uid", "subject", "body_html", "body_md", "ocd_scope", "audience_rule", "priority",
		"topic", "geo_level", "geo_code", "start_date", "end_date", "source_url", "content_hash", "promoted_by", "created_at"}
	mock.ExpectQuery("FROM content_items WHERE dataset_id").
		WithArgs("ds-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", "ds-1", "r1", "Vote", "<p>x</p>", nil, "state:oh", nil, int64(3),
				"elections", "state", "oh", nil, nil, nil, "h1", "admin", now).
			AddRow("c2", "ds-1", "r2", "General", nil, nil, nil, nil, nil,
				nil, nil, nil, nil, nil, nil, "h2", "admin", now))

	items, err := repo.ListLive(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("ListLive() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].Priority == nil || *items[0].Priority != 3 {
		t.Errorf("items[0].Priority = %v, want 3", items[0].Priority)
	}
	if items[0].Scope != "state:oh" {
		t.Errorf("items[0].Scope = %q", items[0].Scope)
	}
	if items[1].Priority != nil || items[1].Scope != "" || items[1].BodyHTML != "" {
		t.Errorf("NULL columns should map to zero values: %+v", items[1])
	}
}

func TestPostgresContentRepo_DeleteStagingByRowUIDs_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	n, err := NewPostgresContentRepo(db).DeleteStagingByRowUIDs(context.Background(), "ds-1", nil)
	if err != nil || n != 0 {
		t.Fatalf("DeleteStagingByRowUIDs() = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no queries expected: %v", err)
	}
}

func TestPostgresContentRepo_DeleteStagingByRowUIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM content_items_staging WHERE dataset_id").
		WithArgs("ds-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := NewPostgresContentRepo(db).DeleteStagingByRowUIDs(context.Background(), "ds-1", []string{"a", "b"})
	if err != nil {
		t.Fatalf("DeleteStagingByRowUIDs() error = %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
}
