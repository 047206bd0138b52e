package registry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

type job func(ctx context.Context)

// worker owns one Service and its Application. Only the run goroutine
// touches svc.Metadata and app.
type worker struct {
	reg    *Registry
	svc    *domain.Service
	app    Application
	policy accessPolicy
	log    logger.Logger

	inbox    chan job
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	exit     bool

	// snapshot is republished after every job for lock-free readers.
	snapshot atomic.Pointer[domain.ServiceSnapshot]
}

func newWorker(reg *Registry, svc *domain.Service, app Application) *worker {
	w := &worker{
		reg:    reg,
		svc:    svc,
		app:    app,
		policy: newAccessPolicy(svc),
		log:    reg.log.With(logger.Stringer("service", svc.ID)),
		inbox:  make(chan job, reg.inboxSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.publish()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case j := <-w.inbox:
			w.exec(j)
			w.publish()
			if w.exit {
				return
			}
		}
	}
}

func (w *worker) exec(j job) {
	defer func() {
		if rec := recover(); rec != nil {
			w.reg.metrics.Panic("service_worker")
			w.log.Error("service handler panic",
				logger.Any("panic", rec),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	j(context.Background())
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// submit enqueues j in FIFO order. It blocks while the inbox is full.
func (w *worker) submit(ctx context.Context, j job) error {
	select {
	case w.inbox <- j:
		return nil
	case <-w.done:
		return fmt.Errorf("service %s: %w", w.svc.ID, domain.ErrNotFound)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitWait enqueues fn and waits for its result.
func (w *worker) submitWait(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	err := w.submit(ctx, func(jctx context.Context) {
		var err error
		defer func() { res <- err }()
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("service %s: handler panic: %v", w.svc.ID, rec)
				panic(rec)
			}
		}()
		err = fn(jctx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-res:
		return err
	case <-w.done:
		select {
		case err := <-res:
			return err
		default:
			return fmt.Errorf("service %s: %w", w.svc.ID, domain.ErrNotFound)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) publish() {
	snap := w.svc.Snapshot()
	w.snapshot.Store(&snap)
}

// ─────────────────────────────
// Presence and subscription
// ─────────────────────────────

func (w *worker) subscribe(ctx context.Context, node domain.NodeID) {
	meta := &w.svc.Metadata
	_, existed := meta.Subscribers[node]
	meta.Subscribers[node] = struct{}{}
	meta.UserPresence[node] = domain.PresenceRecord{LastSeen: w.reg.now()}

	if !existed {
		w.reg.metrics.SubscribersDelta(1)
		w.reg.plugins.ClientJoined(ctx, meta.PluginList(), w.svc.ID, node)
		w.persist(ctx)
		w.log.Debug("subscriber joined", logger.String("node", string(node)))
	}
	w.app.OnSubscribe(ctx, &ServiceContext{w: w, snapshotFor: node}, node)
}

func (w *worker) unsubscribe(ctx context.Context, node domain.NodeID, reason string) bool {
	meta := &w.svc.Metadata
	if _, ok := meta.Subscribers[node]; !ok {
		return false
	}
	delete(meta.Subscribers, node)
	delete(meta.UserPresence, node)

	w.reg.metrics.SubscribersDelta(-1)
	w.reg.plugins.ClientExited(ctx, meta.PluginList(), w.svc.ID, node)
	w.app.OnUnsubscribe(ctx, w.context(), node)
	w.persist(ctx)
	w.log.Debug("subscriber left", logger.String("node", string(node)), logger.String("reason", reason))
	return true
}

// touch refreshes presence of an existing subscriber only.
func (w *worker) touch(node domain.NodeID) bool {
	if !w.svc.Metadata.HasSubscriber(node) {
		return false
	}
	w.svc.Metadata.UserPresence[node] = domain.PresenceRecord{LastSeen: w.reg.now()}
	return true
}

// evict removes subscribers whose presence is older than timeout.
func (w *worker) evict(ctx context.Context, now time.Time, timeout time.Duration) int {
	meta := &w.svc.Metadata
	stale := make([]domain.NodeID, 0)
	for _, node := range meta.SubscriberList() {
		rec, ok := meta.UserPresence[node]
		if !ok {
			meta.UserPresence[node] = domain.PresenceRecord{LastSeen: now}
			continue
		}
		if now.Sub(rec.LastSeen) > timeout {
			stale = append(stale, node)
		}
	}
	for _, node := range stale {
		w.unsubscribe(ctx, node, "evicted")
	}
	return len(stale)
}

// ─────────────────────────────
// Requests
// ─────────────────────────────

func (w *worker) handle(ctx context.Context, req protocol.Request) {
	start := time.Now()
	result := "ok"

	switch req.Type {
	case protocol.Subscribe:
		w.subscribe(ctx, req.From)
	case protocol.Unsubscribe:
		if !w.unsubscribe(ctx, req.From, "unsubscribe") {
			result = "noop"
		}
	case protocol.Heartbeat:
		if !w.touch(req.From) {
			// The node still believes it is subscribed, most likely after an
			// eviction. Tell it so it can rejoin.
			result = "not_subscribed"
			kick := protocol.Update{Kind: protocol.Kick, Reason: protocol.ReasonEvicted}
			if err := w.reg.fanout.UpdateClient(ctx, w.svc.ID, nil, req.From, kick); err != nil {
				w.log.Debug("eviction notice not delivered", logger.String("node", string(req.From)), logger.Error(err))
			}
		}
	case protocol.ClientRequest:
		w.touch(req.From)
		if err := w.app.HandleRequest(ctx, w.context(), req.From, req.Payload); err != nil {
			result = "app_error"
			w.log.Warn("application rejected request", logger.String("from", string(req.From)), logger.Error(err))
		}
		w.reg.plugins.ClientRequest(ctx, w.svc.Metadata.PluginList(), w.svc.ID, req.From, req.Payload)
		w.persist(ctx)
	}

	w.reg.metrics.Request(string(req.Type), result, time.Since(start))
}

func (w *worker) handlePluginOutput(ctx context.Context, out protocol.PluginOutput) {
	if _, live := w.svc.Metadata.Plugins[out.Plugin]; !live {
		w.reg.metrics.PluginOutputDropped("not_attached")
		w.log.Warn("dropping output from detached or killed plugin",
			logger.String("plugin", out.Plugin),
			logger.String("kind", string(out.Kind)))
		return
	}

	switch out.Kind {
	case protocol.PluginUpdateSubscribers:
		w.reg.fanout.UpdateSubscribers(ctx, w.svc.ID, w.svc.Metadata, protocol.Update{Kind: protocol.Data, Payload: out.Payload})
	case protocol.PluginUpdateClient:
		u := protocol.Update{Kind: protocol.Data, Payload: out.Payload}
		var err error
		if w.svc.Metadata.HasSubscriber(out.Node) {
			err = w.reg.fanout.UpdateSubscriber(ctx, w.svc.ID, w.svc.Metadata, out.Node, u)
		} else {
			meta := w.svc.Metadata
			err = w.reg.fanout.UpdateClient(ctx, w.svc.ID, &meta, out.Node, u)
		}
		if err != nil {
			w.log.Debug("plugin update_client not delivered", logger.String("plugin", out.Plugin), logger.Error(err))
		}
	case protocol.PluginShuttingDown:
		delete(w.svc.Metadata.Plugins, out.Plugin)
		w.persist(ctx)
		w.log.Info("plugin shut down", logger.String("plugin", out.Plugin))
	default:
		w.reg.metrics.PluginOutputDropped("unknown_kind")
		w.log.Warn("dropping unknown plugin output", logger.String("plugin", out.Plugin), logger.String("kind", string(out.Kind)))
	}
}

// ─────────────────────────────
// Lifecycle
// ─────────────────────────────

func (w *worker) initPlugins(ctx context.Context) {
	for _, p := range w.svc.Metadata.PluginList() {
		w.reg.plugins.Init(ctx, p, w.svc)
	}
}

func (w *worker) attach(ctx context.Context, plugin string) error {
	if _, ok := w.svc.Metadata.Plugins[plugin]; ok {
		return nil
	}
	w.svc.Metadata.Plugins[plugin] = struct{}{}
	if err := w.persist(ctx); err != nil {
		return err
	}
	w.reg.plugins.Init(ctx, plugin, w.svc)
	return nil
}

func (w *worker) detach(ctx context.Context, plugin string) error {
	if _, ok := w.svc.Metadata.Plugins[plugin]; !ok {
		return fmt.Errorf("plugin %s on %s: %w", plugin, w.svc.ID, domain.ErrNotFound)
	}
	delete(w.svc.Metadata.Plugins, plugin)
	w.reg.plugins.Kill(ctx, plugin, w.svc.ID)
	return w.persist(ctx)
}

// teardown kicks every subscriber, kills every plugin and forgets the
// record. The worker exits after it.
func (w *worker) teardown(ctx context.Context) error {
	kicked := w.reg.fanout.UpdateSubscribers(ctx, w.svc.ID, w.svc.Metadata, protocol.Update{Kind: protocol.Kick, Reason: protocol.ReasonDeleted})
	for _, p := range w.svc.Metadata.PluginList() {
		w.reg.plugins.Kill(ctx, p, w.svc.ID)
	}
	w.reg.metrics.ServiceRemoved(len(w.svc.Metadata.Subscribers))
	w.reg.forget(w)
	w.exit = true

	w.log.Info("service deleted", logger.Int("kicked", kicked))
	if err := w.reg.store.Delete(ctx, w.svc.ID); err != nil {
		return fmt.Errorf("delete record %s: %w", w.svc.ID, err)
	}
	return nil
}

// persist writes the whole record synchronously.
func (w *worker) persist(ctx context.Context) error {
	state, err := w.app.Save()
	if err != nil {
		w.log.Error("application state encode failed", logger.Error(err))
		return fmt.Errorf("save state %s: %w", w.svc.ID, err)
	}
	w.svc.UpdatedAt = w.reg.now()
	if err := w.reg.store.Save(ctx, w.svc.Record(state)); err != nil {
		w.log.Error("persist service failed", logger.Error(err))
		return fmt.Errorf("persist %s: %w", w.svc.ID, err)
	}
	return nil
}

func (w *worker) context() *ServiceContext {
	return &ServiceContext{w: w}
}
