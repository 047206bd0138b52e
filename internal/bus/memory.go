package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

// DefaultMailboxSize is the per-subscription buffer of the memory bus.
const DefaultMailboxSize = 1024

// MemoryBus is an in-process Bus used by tests and single-process mode.
// Every subscription owns a buffered mailbox drained by one goroutine.
type MemoryBus struct {
	mu          sync.RWMutex
	subs        map[*memorySub]struct{}
	mailboxSize int
	closed      bool
	log         logger.Logger
}

type memorySub struct {
	bus     *MemoryBus
	pattern address.Address
	inbox   chan message
	done    chan struct{}
	once    sync.Once
}

type message struct {
	subject address.Address
	data    []byte
}

// NewMemoryBus creates an empty bus. mailboxSize <= 0 uses DefaultMailboxSize.
func NewMemoryBus(mailboxSize int, log logger.Logger) *MemoryBus {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryBus{
		subs:        make(map[*memorySub]struct{}),
		mailboxSize: mailboxSize,
		log:         log,
	}
}

// Publish copies data into the mailbox of every matching subscription.
// It fails with ErrUnreachable when nothing matches or a mailbox is full.
func (b *MemoryBus) Publish(_ context.Context, to address.Address, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("publish %s: bus closed: %w", to, domain.ErrUnreachable)
	}

	delivered := 0
	var full int
	for s := range b.subs {
		if !Match(s.pattern, to) {
			continue
		}
		msg := message{subject: to, data: append([]byte(nil), data...)}
		select {
		case s.inbox <- msg:
			delivered++
		default:
			full++
		}
	}

	if full > 0 {
		return fmt.Errorf("publish %s: %d mailbox(es) full: %w", to, full, domain.ErrUnreachable)
	}
	if delivered == 0 {
		return fmt.Errorf("publish %s: no subscriber: %w", to, domain.ErrUnreachable)
	}
	return nil
}

// Subscribe registers h for pattern until Unsubscribe or Close.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern address.Address, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed: %w", pattern, domain.ErrUnreachable)
	}

	s := &memorySub{
		bus:     b,
		pattern: pattern,
		inbox:   make(chan message, b.mailboxSize),
		done:    make(chan struct{}),
	}
	b.subs[s] = struct{}{}

	go s.run(ctx, h)
	return s, nil
}

func (s *memorySub) run(ctx context.Context, h Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbox:
			h(ctx, msg.subject, msg.data)
		}
	}
}

// Unsubscribe stops delivery. Messages already queued are discarded.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// Ready is true until Close.
func (b *MemoryBus) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*memorySub]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
	b.log.Debug("memory bus closed", logger.Int("subscriptions", len(subs)))
	return nil
}
