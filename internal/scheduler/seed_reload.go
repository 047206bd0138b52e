package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
	"github.com/MrSnakeDoc/servicesync/internal/sources/seed"
)

// ServiceManager is the part of the registry the seed reloader drives.
type ServiceManager interface {
	Self() domain.NodeID
	CreateService(ctx context.Context, spec registry.CreateSpec) (domain.ServiceID, error)
	DeleteService(ctx context.Context, id domain.ServiceID) error
}

// SeedReloader applies the seed file periodically and on manual trigger.
// Listed services that do not exist are created. Services it seeded before
// and that left the file are deleted; other services are never touched.
type SeedReloader struct {
	loader        *seed.Loader
	mapper        *seed.Mapper
	services      ServiceManager
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	manualTrigger chan struct{}

	mu     sync.Mutex
	seeded map[string]bool
}

// NewSeedReloader creates a new seed reloader
func NewSeedReloader(
	seedFile string,
	services ServiceManager,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *SeedReloader {
	return &SeedReloader{
		loader:        seed.NewLoader(seedFile),
		mapper:        seed.NewMapper(),
		services:      services,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
		seeded:        make(map[string]bool),
	}
}

// Start applies the file once, then on each tick or trigger.
func (sr *SeedReloader) Start(ctx context.Context) error {
	if err := sr.Reload(ctx); err != nil {
		return fmt.Errorf("initial seed failed: %w", err)
	}

	ticker := time.NewTicker(sr.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sr.Reload(ctx); err != nil {
					sr.logger.Error("failed to reload seed", logger.Error(err))
				}
			case <-sr.manualTrigger:
				sr.logger.Info("manual reload triggered")
				if err := sr.Reload(ctx); err != nil {
					sr.logger.Error("failed to reload seed", logger.Error(err))
				}
			case <-sr.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the reloader
func (sr *SeedReloader) Stop() {
	close(sr.stopCh)
}

// Reload applies the seed file once.
func (sr *SeedReloader) Reload(ctx context.Context) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.logger.Info("reloading seed services", logger.String("file", sr.loader.Path()))

	f, err := sr.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load seed: %w", err)
	}
	specs, err := sr.mapper.MapServices(f)
	if err != nil {
		return fmt.Errorf("failed to map seed: %w", err)
	}

	listed := make(map[string]bool, len(specs))
	created := 0
	for _, spec := range specs {
		listed[spec.Name] = true
		_, err := sr.services.CreateService(ctx, spec)
		switch {
		case err == nil:
			created++
			sr.seeded[spec.Name] = true
		case errors.Is(err, domain.ErrAlreadyExists):
		default:
			sr.logger.Warn("failed to create seed service",
				logger.String("service", spec.Name),
				logger.Error(err))
		}
	}

	retired := 0
	for name := range sr.seeded {
		if listed[name] {
			continue
		}
		delete(sr.seeded, name)
		id := domain.NewServiceID(sr.services.Self(), name)
		if err := sr.services.DeleteService(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			sr.logger.Warn("failed to delete retired seed service",
				logger.Stringer("service", id),
				logger.Error(err))
			continue
		}
		retired++
	}

	sr.logger.Info("seed applied",
		logger.Int("listed", len(specs)),
		logger.Int("created", created),
		logger.Int("retired", retired))
	return nil
}
