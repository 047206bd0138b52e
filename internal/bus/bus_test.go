package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/connect"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern address.Address
		subject address.Address
		want    bool
	}{
		{"sync.a.svc.*", "sync.a.svc.chat", true},
		{"sync.a.svc.*", "sync.a.svc", false},
		{"sync.a.svc.*", "sync.a.svc.chat.x", false},
		{"sync.a.svc.*", "sync.b.svc.chat", false},
		{"sync.>", "sync.a.host", true},
		{"sync.>", "sync", false},
		{"sync.a.host", "sync.a.host", true},
		{"sync.a.host", "sync.a.client", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s~%s", tt.pattern, tt.subject), func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.subject))
		})
	}
}

// collector records messages in arrival order.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, _ address.Address, data []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func exerciseOrdering(t *testing.T, b Bus, flush func()) {
	t.Helper()
	ctx := context.Background()

	var got collector
	sub, err := b.Subscribe(ctx, "sync.n1.svc.*", got.handle)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	flush()

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		m := fmt.Sprintf("m%02d", i)
		want = append(want, m)
		require.NoError(t, b.Publish(ctx, "sync.n1.svc.room", []byte(m)))
	}
	flush()

	require.Eventually(t, func() bool { return len(got.snapshot()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got.snapshot())
}

func TestMemoryBus_Ordering(t *testing.T) {
	b := NewMemoryBus(0, logger.Nop())
	defer func() { _ = b.Close() }()
	exerciseOrdering(t, b, func() {})
}

func TestMemoryBus_NoSubscriberIsUnreachable(t *testing.T) {
	b := NewMemoryBus(0, logger.Nop())
	defer func() { _ = b.Close() }()

	err := b.Publish(context.Background(), "sync.ghost.svc.x", []byte("hi"))
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestMemoryBus_FullMailboxIsUnreachable(t *testing.T) {
	b := NewMemoryBus(1, logger.Nop())
	defer func() { _ = b.Close() }()

	block := make(chan struct{})
	defer close(block)
	_, err := b.Subscribe(context.Background(), "sync.a.host", func(context.Context, address.Address, []byte) { <-block })
	require.NoError(t, err)

	ctx := context.Background()
	var lastErr error
	for i := 0; i < 5; i++ {
		lastErr = b.Publish(ctx, "sync.a.host", []byte("x"))
	}
	assert.ErrorIs(t, lastErr, domain.ErrUnreachable)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(0, logger.Nop())
	defer func() { _ = b.Close() }()

	var got collector
	sub, err := b.Subscribe(context.Background(), "sync.a.client", got.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	assert.ErrorIs(t, b.Publish(context.Background(), "sync.a.client", []byte("x")), domain.ErrUnreachable)
	assert.Empty(t, got.snapshot())
}

func TestMemoryBus_PublishCopiesPayload(t *testing.T) {
	b := NewMemoryBus(0, logger.Nop())
	defer func() { _ = b.Close() }()

	var got collector
	_, err := b.Subscribe(context.Background(), "sync.a.client", got.handle)
	require.NoError(t, err)

	buf := []byte("abc")
	require.NoError(t, b.Publish(context.Background(), "sync.a.client", buf))
	buf[0] = 'z'

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"abc"}, got.snapshot())
}

func runNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSBus_Ordering(t *testing.T) {
	ns := runNATSServer(t)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	b := NewNATSBus(conn, logger.Nop())
	defer func() { _ = b.Close() }()

	assert.True(t, b.Ready())
	exerciseOrdering(t, b, func() {
		require.NoError(t, b.Flush(context.Background()))
	})
}

// Callers flush with plain contexts, which nats.go alone would reject.
func TestNATSBus_FlushWithoutDeadline(t *testing.T) {
	ns := runNATSServer(t)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	b := NewNATSBus(conn, logger.Nop())

	require.NoError(t, b.Publish(context.Background(), "sync.a.client", []byte("x")))
	require.NoError(t, b.Flush(context.Background()))

	require.NoError(t, b.Close())
	require.Eventually(t, conn.IsClosed, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, b.Flush(context.Background()))
}

func TestConnectNATS(t *testing.T) {
	ns := runNATSServer(t)

	b, err := ConnectNATS(context.Background(), NATSOptions{
		URL:           ns.ClientURL(),
		Name:          "test",
		ReconnectWait: 10 * time.Millisecond,
		DrainTimeout:  time.Second,
		Connect: connect.Policy{
			Timeout:        2 * time.Second,
			RetryInterval:  10 * time.Millisecond,
			MaxWait:        50 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
	}, logger.Nop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	assert.True(t, b.Ready())
}
