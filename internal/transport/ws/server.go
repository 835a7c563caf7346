package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/tessel/internal/engine"
	"github.com/roach88/tessel/internal/schema"
)

// SessionHeader carries the client session id on the upgrade request.
const SessionHeader = "X-Tessel-Session"

// Backend is the engine a Server exposes.
type Backend interface {
	engine.Engine
	engine.SchemaNotifier
	Schema() *schema.Schema
}

// Settings are the connection timeouts shared by Server and Remote.
type Settings struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBuffer       int
}

// DefaultSettings returns the timeouts used when none are given.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		SendBuffer:       64,
	}
}

// Server serves one engine to any number of WebSocket clients and pushes
// every new schema generation to all of them.
type Server struct {
	backend  Backend
	settings Settings
	logger   *slog.Logger
	upgrader websocket.Upgrader
	conns    *xsync.MapOf[string, *conn]
	unwatch  func()

	frames   *metrics.Counter
	failures *metrics.Counter
}

// NewServer creates a server for b. A nil set disables metrics.
func NewServer(b Backend, settings Settings, logger *slog.Logger, set *metrics.Set) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if set == nil {
		set = metrics.NewSet()
	}
	s := &Server{
		backend:  b,
		settings: settings,
		logger:   logger,
		upgrader: websocket.Upgrader{HandshakeTimeout: settings.HandshakeTimeout},
		conns:    xsync.NewMapOf[string, *conn](),
		frames:   set.GetOrCreateCounter("tessel_ws_frames_total"),
		failures: set.GetOrCreateCounter("tessel_ws_request_errors_total"),
	}
	set.GetOrCreateGauge("tessel_ws_connections", func() float64 { return float64(s.conns.Size()) })
	s.unwatch = b.OnSchemaChange(s.broadcast)
	return s
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:      uuid.NewString(),
		session: r.Header.Get(SessionHeader),
		server:  s,
		socket:  socket,
		send:    make(chan []byte, max(s.settings.SendBuffer, 1)),
		subs:    make(map[uint64]func()),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.logger = s.logger.With("conn", c.id, "session", c.session)
	s.conns.Store(c.id, c)
	c.logger.Info("client connected", "remote", r.RemoteAddr)

	if cur := s.backend.Schema(); cur != nil {
		c.pushSchema(cur)
	}
	go c.writeLoop()
	c.readLoop()

	c.close()
	s.conns.Delete(c.id)
	c.logger.Info("client disconnected")
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.conns.Size()
}

// Close disconnects every client and stops schema pushes.
func (s *Server) Close() {
	s.unwatch()
	s.conns.Range(func(_ string, c *conn) bool {
		c.cancel()
		c.socket.Close()
		return true
	})
}

func (s *Server) broadcast(sch *schema.Schema) {
	s.conns.Range(func(_ string, c *conn) bool {
		c.pushSchema(sch)
		return true
	})
}

// conn is one client connection. Requests are handled in arrival order
// on the read loop, so modify buffers apply in the order they were sent.
type conn struct {
	id      string
	session string
	server  *Server
	socket  *websocket.Conn
	logger  *slog.Logger
	send    chan []byte

	mu   sync.Mutex
	subs map[uint64]func()

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *conn) readLoop() {
	settings := c.server.settings
	for {
		c.socket.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, msg, err := c.socket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		f, err := parseFrame(msg)
		if err != nil {
			c.logger.Warn("bad frame", "bytes", len(msg), "error", err)
			return
		}
		c.server.frames.Inc()
		c.handle(f)
	}
}

func (c *conn) handle(f frame) {
	ctx := c.ctx
	b := c.server.backend
	switch f.kind {
	case kindSetSchema:
		s, err := decodeSchema(f.body)
		if err == nil {
			err = b.SetSchema(ctx, s)
		}
		c.reply(f, nil, err)
	case kindModify:
		res, err := b.ApplyModify(ctx, f.body)
		if err != nil {
			c.reply(f, nil, err)
			return
		}
		c.enqueue(newFrame(kindAck, f.id, encodeAcks(res)))
	case kindQuery:
		out, err := b.RunQuery(ctx, f.body)
		c.reply(f, out, err)
	case kindSubscribe:
		id := f.id
		stop, err := b.Subscribe(ctx, f.body,
			func(buf []byte) { c.enqueue(newFrame(kindData, id, buf)) },
			func(err error) { c.enqueue(newFrame(kindSubError, id, encodeError(err))) },
		)
		if err == nil {
			c.mu.Lock()
			if old, ok := c.subs[id]; ok {
				old()
			}
			c.subs[id] = stop
			c.mu.Unlock()
		}
		c.reply(f, nil, err)
	case kindUnsubscribe:
		c.mu.Lock()
		stop, ok := c.subs[f.id]
		delete(c.subs, f.id)
		c.mu.Unlock()
		if ok {
			stop()
		}
	default:
		c.reply(f, nil, errors.New("unknown frame "+kindName(f.kind)))
	}
}

func (c *conn) reply(f frame, body []byte, err error) {
	if err != nil {
		c.server.failures.Inc()
		c.logger.Debug("request failed", "kind", kindName(f.kind), "id", f.id, "error", err)
		c.enqueue(newFrame(kindError, f.id, encodeError(err)))
		return
	}
	c.enqueue(newFrame(kindOK, f.id, body))
}

func (c *conn) pushSchema(s *schema.Schema) {
	body, err := encodeSchema(s)
	if err != nil {
		c.logger.Error("schema push failed", "error", err)
		return
	}
	c.enqueue(newFrame(kindSchema, 0, body))
}

// enqueue hands msg to the write loop. It gives up once the connection is
// closing.
func (c *conn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (c *conn) writeLoop() {
	defer c.cancel()
	settings := c.server.settings
	ping := time.NewTicker(settings.PingInterval)
	defer ping.Stop()
	for {
		var msg []byte
		select {
		case <-c.ctx.Done():
			return
		case msg = <-c.send:
		case <-ping.C:
			msg = []byte{}
		}
		c.socket.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
		if err := c.socket.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			// a write deadline cannot be recovered on a websocket
			c.logger.Debug("write failed", "error", err)
			c.socket.Close()
			return
		}
	}
}

func (c *conn) close() {
	c.cancel()
	c.socket.Close()
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, stop := range subs {
		stop()
	}
}
