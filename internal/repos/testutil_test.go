package repos

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/types"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Run{}, &types.RunEvent{}, &types.InboxEntry{}, &types.QueueEntry{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entry_active_run
		ON queue_entry (run_id)
		WHERE status IN ('pending', 'processing')
	`).Error
	if err != nil {
		t.Fatalf("create partial index: %v", err)
	}
	return db
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}
