package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testModel struct {
	ID   int
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

func TestIsUniqueViolationRecognisesSQLite(t *testing.T) {
	db := newTestDB(t)
	type uniqueModel struct {
		ID   int
		Code string `gorm:"uniqueIndex:idx_unique_models_code"`
	}
	if err := db.AutoMigrate(&uniqueModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Create(&uniqueModel{ID: 1, Code: "ABC123"}).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := db.Create(&uniqueModel{ID: 2, Code: "ABC123"}).Error
	if err == nil {
		t.Fatal("expected duplicate insert to fail")
	}
	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if !IsUniqueViolation(err, "unique_models.code") {
		t.Fatalf("expected column match, got %v", err)
	}
	if IsUniqueViolation(errors.New("boom"), "") {
		t.Fatal("plain error must not be a unique violation")
	}
}

func TestTimestampNormalizes(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)
	in := time.Date(2026, 1, 2, 15, 4, 5, 999, loc)
	got := Timestamp(in)
	if got.Location() != time.UTC || got.Nanosecond() != 0 {
		t.Fatalf("expected utc whole seconds, got %v", got)
	}
	if !got.Equal(time.Date(2026, 1, 2, 12, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected instant %v", got)
	}
	if TimestampPtr(nil) != nil {
		t.Fatal("nil pointer should stay nil")
	}
}
