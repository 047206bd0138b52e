package scheduler

import (
	"context"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/store"
)

// RestoreTarget rebuilds services from records.
type RestoreTarget interface {
	Restore(ctx context.Context, records []domain.ServiceRecord) (int, error)
}

// Restorer loads persisted services into the registry on startup
type Restorer struct {
	store  store.Store
	target RestoreTarget
	logger logger.Logger
}

// NewRestorer creates a new restorer
func NewRestorer(st store.Store, target RestoreTarget, log logger.Logger) *Restorer {
	return &Restorer{
		store:  st,
		target: target,
		logger: log,
	}
}

// Sync loads every record and restores it.
func (r *Restorer) Sync(ctx context.Context) error {
	r.logger.Info("restoring services from store")

	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		r.logger.Info("no services found in store")
		return nil
	}

	n, err := r.target.Restore(ctx, records)
	if err != nil {
		return err
	}

	r.logger.Info("restored services from store",
		logger.Int("count", n),
		logger.Int("records", len(records)))

	return nil
}
