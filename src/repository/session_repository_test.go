package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"tradeengine/src/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}

func TestSessionCompareAndSwap(t *testing.T) {
	t.Run("matching version bumps and writes", func(t *testing.T) {
		mockDB, mock := newMockDB(t)
		repo := &SessionRepository{db: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "session_keys" SET`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updates := map[string]interface{}{
			"total_value_used_usd": decimal.RequireFromString("150"),
			"transaction_count":    3,
		}
		if err := repo.CompareAndSwap(context.Background(), 7, 4, updates); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if updates["version"] != int64(5) {
			t.Fatalf("expected version bumped to 5, got %v", updates["version"])
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})

	t.Run("stale version yields conflict", func(t *testing.T) {
		mockDB, mock := newMockDB(t)
		repo := &SessionRepository{db: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "session_keys" SET`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := repo.CompareAndSwap(context.Background(), 7, 4, map[string]interface{}{
			"transaction_count": 3,
		})
		if !errors.Is(err, model.ErrVersionConflict) {
			t.Fatalf("expected version conflict, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})

	t.Run("database error is surfaced", func(t *testing.T) {
		mockDB, mock := newMockDB(t)
		repo := &SessionRepository{db: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "session_keys" SET`)).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := repo.CompareAndSwap(context.Background(), 7, 4, map[string]interface{}{
			"transaction_count": 3,
		})
		if err == nil || errors.Is(err, model.ErrVersionConflict) {
			t.Fatalf("expected the driver error, got %v", err)
		}
	})
}

func TestSessionExpireDue(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &SessionRepository{db: mockDB}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "session_keys" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	moved, err := repo.ExpireDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 keys expired, got %d", moved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
