package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

// Store handles Redis persistence of service records
type Store struct {
	client redis.UniversalClient
}

// NewStore creates a new Redis store
func NewStore(client redis.UniversalClient) *Store {
	return &Store{
		client: client,
	}
}

// Save stores a record and indexes its id. Both writes go in one MULTI.
func (s *Store) Save(ctx context.Context, rec domain.ServiceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal service %s: %w", rec.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ServiceKey(rec.ID), data, 0)
		pipe.SAdd(ctx, AllServicesKey(), rec.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save service %s: %w", rec.ID, err)
	}
	return nil
}

// Load retrieves a record by id
func (s *Store) Load(ctx context.Context, id domain.ServiceID) (domain.ServiceRecord, error) {
	data, err := s.client.Get(ctx, ServiceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ServiceRecord{}, fmt.Errorf("load %s: %w", id, domain.ErrNotFound)
		}
		return domain.ServiceRecord{}, fmt.Errorf("failed to get service %s: %w", id, err)
	}
	return decode(data)
}

// LoadAll retrieves every indexed record with one pipelined round trip.
// Index entries whose value vanished are skipped.
func (s *Store) LoadAll(ctx context.Context) ([]domain.ServiceRecord, error) {
	members, err := s.client.SMembers(ctx, AllServicesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get service IDs: %w", err)
	}
	if len(members) == 0 {
		return []domain.ServiceRecord{}, nil
	}

	ids := make([]domain.ServiceID, 0, len(members))
	for _, m := range members {
		id, err := domain.ParseServiceID(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	domain.SortServiceIDs(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, ServiceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load services: %w", err)
	}

	records := make([]domain.ServiceRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes a record and its index entry
func (s *Store) Delete(ctx context.Context, id domain.ServiceID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ServiceKey(id))
		pipe.SRem(ctx, AllServicesKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete service %s: %w", id, err)
	}
	return nil
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decode(data []byte) (domain.ServiceRecord, error) {
	var rec domain.ServiceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.ServiceRecord{}, fmt.Errorf("failed to unmarshal service: %w", err)
	}
	return rec, nil
}
