package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/textops-io/textops/internal/app"
	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/types"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(cfg app.PersistenceConfig, log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService", "provider", cfg.Provider)

	var dialector gorm.Dialector
	switch cfg.Provider {
	case app.ProviderPostgres:
		dialector = postgres.Open(cfg.ConnectionString)
	case app.ProviderSqlite:
		dialector = sqlite.Open(cfg.ConnectionString)
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q", cfg.Provider)
	}

	serviceLog.Info("Connecting to database...")
	gdb, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to database", "error", err)
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Service{db: gdb, log: serviceLog}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&types.Run{},
		&types.RunEvent{},
		&types.InboxEntry{},
		&types.QueueEntry{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	// At most one pending/processing entry per run. Partial unique indexes
	// are supported by both sqlite and postgres.
	if err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entry_active_run
		ON queue_entry (run_id)
		WHERE status IN ('pending', 'processing')
	`).Error; err != nil {
		s.log.Error("Failed to create active-run unique index", "error", err)
		return err
	}
	return nil
}

func (s *Service) DB() *gorm.DB { return s.db }
