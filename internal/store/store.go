// Package store persists service records keyed by ServiceID.
package store

import (
	"context"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

// Store is last-write-wins durable storage of whole service records.
type Store interface {
	// Save replaces the record stored under rec.ID.
	Save(ctx context.Context, rec domain.ServiceRecord) error
	// Load fails with domain.ErrNotFound when nothing is stored.
	Load(ctx context.Context, id domain.ServiceID) (domain.ServiceRecord, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id domain.ServiceID) error
	// LoadAll returns every record, sorted by id.
	LoadAll(ctx context.Context) ([]domain.ServiceRecord, error)
	// Ping reports backend health for readiness probes.
	Ping(ctx context.Context) error
}
