package repos

import (
	"context"

	"gorm.io/gorm"
)

// TxRunner is the shared transaction boundary for compound writes, so the
// orchestrator can mark the inbox and mutate a run atomically without
// holding a *gorm.DB itself.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type gormTxRunner struct {
	db *gorm.DB
}

func NewGormTxRunner(db *gorm.DB) TxRunner {
	return &gormTxRunner{db: db}
}

func (r *gormTxRunner) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if fn == nil {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(fn)
}

// noopTxRunner backs the in-memory repositories, which guard their own state
// with a mutex and ignore the tx handle.
type noopTxRunner struct{}

func NewNoopTxRunner() TxRunner { return noopTxRunner{} }

func (noopTxRunner) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if fn == nil {
		return nil
	}
	return fn(nil)
}
