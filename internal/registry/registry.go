// Package registry hosts the services owned by this node.
//
// Each service runs on its own worker goroutine which is the single writer of
// its metadata and application state. The registry map is locked only for
// lookup, insert and remove. Requests for one service are handled in FIFO
// order; different services run concurrently.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/metrics"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
	"github.com/MrSnakeDoc/servicesync/internal/store"
)

const (
	// DefaultPresenceTimeout is the reference eviction policy.
	DefaultPresenceTimeout = 10 * time.Minute
	// DefaultSweepInterval bounds how late an eviction can happen.
	DefaultSweepInterval = time.Minute
	// DefaultInboxSize is the per-service request buffer.
	DefaultInboxSize = 256
)

// Fanout is what the registry needs from fanout.Dispatcher.
type Fanout interface {
	UpdateSubscribers(ctx context.Context, id domain.ServiceID, meta domain.ServiceMetadata, u protocol.Update) int
	UpdateSubscriber(ctx context.Context, id domain.ServiceID, meta domain.ServiceMetadata, target domain.NodeID, u protocol.Update) error
	UpdateClient(ctx context.Context, id domain.ServiceID, meta *domain.ServiceMetadata, target domain.NodeID, u protocol.Update) error
}

// PluginSender is what the registry needs from plugin.Delegate.
type PluginSender interface {
	Init(ctx context.Context, plugin string, svc *domain.Service)
	ClientJoined(ctx context.Context, plugins []string, id domain.ServiceID, node domain.NodeID)
	ClientExited(ctx context.Context, plugins []string, id domain.ServiceID, node domain.NodeID)
	ClientRequest(ctx context.Context, plugins []string, id domain.ServiceID, node domain.NodeID, payload []byte)
	Kill(ctx context.Context, plugin string, id domain.ServiceID)
}

// Options configures a Registry. Zero durations and sizes use the defaults.
type Options struct {
	Self    domain.NodeID
	Store   store.Store
	Catalog Catalog
	Fanout  Fanout
	Plugins PluginSender
	Metrics *metrics.Metrics
	Log     logger.Logger
	Now     func() time.Time

	PresenceTimeout time.Duration
	SweepInterval   time.Duration
	InboxSize       int
}

// Registry maps ServiceID to the worker that owns it.
type Registry struct {
	self    domain.NodeID
	store   store.Store
	catalog Catalog
	fanout  Fanout
	plugins PluginSender
	metrics *metrics.Metrics
	log     logger.Logger
	now     func() time.Time

	presenceTimeout time.Duration
	sweepInterval   time.Duration
	inboxSize       int
	lastSweep       atomic.Int64
	sweeping        atomic.Bool

	mu       sync.RWMutex
	services map[domain.ServiceID]*worker
}

// New validates opts and returns an empty registry.
func New(opts Options) (*Registry, error) {
	if err := address.ValidateToken("node", string(opts.Self)); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Fanout == nil || opts.Plugins == nil {
		return nil, fmt.Errorf("registry: store, fanout and plugins are required")
	}
	r := &Registry{
		self:            opts.Self,
		store:           opts.Store,
		catalog:         opts.Catalog,
		fanout:          opts.Fanout,
		plugins:         opts.Plugins,
		metrics:         opts.Metrics,
		log:             opts.Log,
		now:             opts.Now,
		presenceTimeout: opts.PresenceTimeout,
		sweepInterval:   opts.SweepInterval,
		inboxSize:       opts.InboxSize,
		services:        make(map[domain.ServiceID]*worker),
	}
	if r.log == nil {
		r.log = logger.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.catalog == nil {
		r.catalog = Catalog{}
	}
	if r.presenceTimeout <= 0 {
		r.presenceTimeout = DefaultPresenceTimeout
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.inboxSize <= 0 {
		r.inboxSize = DefaultInboxSize
	}
	r.lastSweep.Store(r.now().UnixNano())
	return r, nil
}

// Self returns the hosting node id.
func (r *Registry) Self() domain.NodeID { return r.self }

// PresenceTimeout returns the eviction timeout.
func (r *Registry) PresenceTimeout() time.Duration { return r.presenceTimeout }

// SweepInterval returns the eviction sweep period.
func (r *Registry) SweepInterval() time.Duration { return r.sweepInterval }

// CreateSpec describes a new service.
type CreateSpec struct {
	Name       string
	Kind       string
	Plugins    []string
	Visibility domain.Policy
	Access     domain.Policy
	Whitelist  []domain.NodeID
}

// SpecFromProtocol converts the wire form.
func SpecFromProtocol(c protocol.CreateSpec) CreateSpec {
	return CreateSpec{
		Name:       c.Name,
		Kind:       c.Kind,
		Plugins:    c.Plugins,
		Visibility: c.Visibility,
		Access:     c.Access,
		Whitelist:  c.Whitelist,
	}
}

func (s CreateSpec) validate() error {
	if err := address.ValidateToken("service", s.Name); err != nil {
		return err
	}
	for _, p := range s.Plugins {
		if err := address.ValidateToken("plugin", p); err != nil {
			return err
		}
	}
	for _, n := range s.Whitelist {
		if err := address.ValidateToken("node", string(n)); err != nil {
			return err
		}
	}
	if _, err := domain.ParsePolicy(string(s.Visibility)); err != nil {
		return err
	}
	if _, err := domain.ParsePolicy(string(s.Access)); err != nil {
		return err
	}
	return nil
}

// CreateService registers a new service hosted on this node, persists it and
// sends Init to each plugin.
func (r *Registry) CreateService(ctx context.Context, spec CreateSpec) (domain.ServiceID, error) {
	if err := spec.validate(); err != nil {
		return domain.ServiceID{}, err
	}
	id := domain.NewServiceID(r.self, spec.Name)
	visibility, _ := domain.ParsePolicy(string(spec.Visibility))
	access, _ := domain.ParsePolicy(string(spec.Access))

	now := r.now()
	svc := &domain.Service{
		ID:         id,
		Kind:       spec.Kind,
		Visibility: visibility,
		Access:     access,
		Whitelist:  make(map[domain.NodeID]struct{}, len(spec.Whitelist)),
		Metadata:   domain.NewServiceMetadata(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, n := range spec.Whitelist {
		svc.Whitelist[n] = struct{}{}
	}
	for _, p := range spec.Plugins {
		svc.Metadata.Plugins[p] = struct{}{}
	}

	r.mu.Lock()
	if _, exists := r.services[id]; exists {
		r.mu.Unlock()
		return id, fmt.Errorf("create %s: %w", id, domain.ErrAlreadyExists)
	}
	app, err := r.catalog.build(spec.Kind, id, nil)
	if err != nil {
		r.mu.Unlock()
		return id, err
	}
	w := newWorker(r, svc, app)
	r.services[id] = w
	r.mu.Unlock()

	go w.run()
	r.metrics.ServiceAdded()

	err = w.submitWait(ctx, func(ctx context.Context) error {
		if err := w.persist(ctx); err != nil {
			return err
		}
		w.initPlugins(ctx)
		return nil
	})
	if err != nil {
		r.mu.Lock()
		delete(r.services, id)
		r.mu.Unlock()
		w.stop()
		r.metrics.ServiceRemoved(0)
		return id, err
	}
	r.log.Info("service created",
		logger.Stringer("service", id),
		logger.String("kind", spec.Kind),
		logger.Int("plugins", len(spec.Plugins)))
	return id, nil
}

// DeleteService kicks every subscriber, kills every plugin and removes the
// persisted record. The service leaves the registry only once its worker runs
// the teardown, so a delete cancelled before that changes nothing.
func (r *Registry) DeleteService(ctx context.Context, id domain.ServiceID) error {
	w, err := r.lookup(id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, domain.ErrNotFound)
	}
	return w.submitWait(ctx, w.teardown)
}

// forget drops w from the registry if it is still the worker for its id.
func (r *Registry) forget(w *worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[w.svc.ID] == w {
		delete(r.services, w.svc.ID)
	}
}

// Restore rebuilds services from persisted records and re-sends Init to
// every plugin. Records of other nodes and already running ids are skipped.
func (r *Registry) Restore(ctx context.Context, records []domain.ServiceRecord) (int, error) {
	now := r.now()
	restored := 0
	for _, rec := range records {
		if rec.ID.Node != r.self {
			r.log.Warn("skipping record hosted elsewhere", logger.Stringer("service", rec.ID))
			continue
		}
		svc := domain.ServiceFromRecord(rec, now)

		r.mu.Lock()
		if _, exists := r.services[rec.ID]; exists {
			r.mu.Unlock()
			continue
		}
		app, err := r.catalog.build(rec.Kind, rec.ID, rec.State)
		if err != nil {
			r.mu.Unlock()
			r.log.Error("cannot restore service", logger.Stringer("service", rec.ID), logger.Error(err))
			continue
		}
		w := newWorker(r, svc, app)
		r.services[rec.ID] = w
		r.mu.Unlock()

		go w.run()
		r.metrics.ServiceAdded()
		r.metrics.SubscribersDelta(len(svc.Metadata.Subscribers))

		if err := w.submit(ctx, func(ctx context.Context) { w.initPlugins(ctx) }); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// AttachPlugin delegates part of a service to plugin and sends Init.
func (r *Registry) AttachPlugin(ctx context.Context, id domain.ServiceID, plugin string) error {
	if err := address.ValidateToken("plugin", plugin); err != nil {
		return err
	}
	w, err := r.lookup(id)
	if err != nil {
		return err
	}
	return w.submitWait(ctx, func(ctx context.Context) error { return w.attach(ctx, plugin) })
}

// DetachPlugin sends Kill and forgets plugin.
func (r *Registry) DetachPlugin(ctx context.Context, id domain.ServiceID, plugin string) error {
	w, err := r.lookup(id)
	if err != nil {
		return err
	}
	return w.submitWait(ctx, func(ctx context.Context) error { return w.detach(ctx, plugin) })
}

// List returns the services visible to from, sorted.
func (r *Registry) List(from domain.NodeID) []domain.ServiceID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.ServiceID, 0, len(r.services))
	for id, w := range r.services {
		if w.policy.visibleTo(from) {
			ids = append(ids, id)
		}
	}
	return domain.SortServiceIDs(ids)
}

// Services returns the latest snapshot of every hosted service, sorted by id.
func (r *Registry) Services() []domain.ServiceSnapshot {
	r.mu.RLock()
	workers := make([]*worker, 0, len(r.services))
	for _, w := range r.services {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	out := make([]domain.ServiceSnapshot, 0, len(workers))
	for _, w := range workers {
		if snap := w.snapshot.Load(); snap != nil {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Node != out[j].ID.Node {
			return out[i].ID.Node < out[j].ID.Node
		}
		return out[i].ID.Name < out[j].ID.Name
	})
	return out
}

// Service returns the latest snapshot of one service.
func (r *Registry) Service(id domain.ServiceID) (domain.ServiceSnapshot, error) {
	w, err := r.lookup(id)
	if err != nil {
		return domain.ServiceSnapshot{}, err
	}
	return *w.snapshot.Load(), nil
}

// Kinds returns the service kinds this registry can host.
func (r *Registry) Kinds() []string { return r.catalog.Kinds() }

// Count returns the number of hosted services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Stop halts every worker without deleting anything.
func (r *Registry) Stop() {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.services))
	for _, w := range r.services {
		workers = append(workers, w)
	}
	r.services = make(map[domain.ServiceID]*worker)
	r.mu.Unlock()

	for _, w := range workers {
		w.stop()
		<-w.done
	}
}

func (r *Registry) lookup(id domain.ServiceID) (*worker, error) {
	r.mu.RLock()
	w, ok := r.services[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}
