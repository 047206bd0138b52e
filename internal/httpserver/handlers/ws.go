package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/servicesync/internal/consumer"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 64 << 10
	defaultSendBuf = 64
)

var (
	errChannelClosed = errors.New("channel closed")
	errSendBufFull   = errors.New("send buffer full")
)

// wsChannel is one browser connection seen as a consumer.Channel. Frames are
// queued and written by a single writer goroutine; Send never blocks.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// gorilla/websocket panics on concurrent writes
	writeMu sync.Mutex
}

func newWSChannel(id string, conn *websocket.Conn, buf int) *wsChannel {
	if buf <= 0 {
		buf = defaultSendBuf
	}
	return &wsChannel{
		id:   id,
		conn: conn,
		send: make(chan []byte, buf),
		done: make(chan struct{}),
	}
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Send(frame []byte) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errChannelClosed
	default:
		return errSendBufFull
	}
}

func (c *wsChannel) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsChannel) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsChannel) writeLoop(log logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				log.Debug("websocket write failed", logger.String("channel", c.id), logger.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Debug("websocket ping failed", logger.String("channel", c.id), logger.Error(err))
				return
			}
		}
	}
}

// WebSocket bridges one browser connection to the consumer multiplexer.
func WebSocket(d deps.Deps) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Host and CIDR checks run in the route middlewares
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error
			d.Logger.Debug("websocket upgrade failed",
				logger.String("remote_ip", r.RemoteAddr),
				logger.Error(err))
			return
		}

		ch := newWSChannel(consumer.NewChannelID(), conn, d.WSSendBuffer)
		if err := d.Multiplexer.Open(ch); err != nil {
			d.Logger.Warn("failed to open channel", logger.Error(err))
			ch.close()
			return
		}
		log := d.Logger.With(logger.String("channel", ch.id))
		log.Info("websocket connected", logger.String("remote_ip", r.RemoteAddr))

		ctx := context.WithoutCancel(r.Context())
		go ch.writeLoop(log)
		defer func() {
			d.Multiplexer.DropChannel(ctx, ch.id)
			ch.close()
			log.Info("websocket disconnected")
		}()

		readCommands(ctx, d.Multiplexer, ch, log)
	}
}

func readCommands(ctx context.Context, mux *consumer.Multiplexer, ch *wsChannel, log logger.Logger) {
	conn := ch.conn
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read failed", logger.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage || !utf8.Valid(data) {
			continue
		}
		cmd, err := consumer.DecodeCommand(data)
		if err != nil {
			log.Debug("dropping invalid frame", logger.Error(err))
			continue
		}
		if err := apply(ctx, mux, ch.id, cmd); err != nil {
			reportError(ch, cmd, err, log)
		}
	}
}

func apply(ctx context.Context, mux *consumer.Multiplexer, channelID string, cmd consumer.Command) error {
	switch cmd.Type {
	case consumer.CommandJoin:
		return mux.JoinService(ctx, channelID, cmd.Service)
	case consumer.CommandExit:
		return mux.ExitService(ctx, channelID, cmd.Service)
	case consumer.CommandRequest:
		return mux.Request(ctx, channelID, cmd.Service, cmd.Payload)
	case consumer.CommandList:
		return mux.ListServices(ctx, channelID, cmd.Node)
	}
	return nil
}

func reportError(ch *wsChannel, cmd consumer.Command, err error, log logger.Logger) {
	frame, encErr := consumer.EncodeFrame(consumer.Frame{
		Service: cmd.Service,
		Kind:    consumer.KindError,
		Node:    cmd.Node,
		Reason:  err.Error(),
	})
	if encErr != nil {
		return
	}
	if sendErr := ch.Send(frame); sendErr != nil {
		log.Debug("failed to report command error", logger.Error(sendErr))
	}
}
