package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/tessel/internal/engine"
	"github.com/roach88/tessel/internal/schema"
)

// ErrDisconnected is returned for requests on a closed or broken
// connection.
var ErrDisconnected = errors.New("ws: disconnected")

var (
	_ engine.Engine         = (*Remote)(nil)
	_ engine.SchemaNotifier = (*Remote)(nil)
)

// Remote is an engine reached over one WebSocket connection.
//
// Thread-safety: all methods are safe for concurrent use. Subscription
// listeners run on their own goroutines and may call back into the
// Remote.
type Remote struct {
	socket   *websocket.Conn
	settings Settings
	logger   *slog.Logger

	seq     atomic.Uint64
	pending *xsync.MapOf[uint64, chan frame]
	feeds   *xsync.MapOf[uint64, *engine.Feed]
	schemas *engine.Feed
	send    chan []byte

	smu       sync.Mutex
	s         *schema.Schema
	listeners map[uint64]func(*schema.Schema)
	lseq      uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to a tessel server. session is sent as SessionHeader.
func Dial(ctx context.Context, url, session string, settings Settings, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout}
	header := http.Header{}
	if session != "" {
		header.Set(SessionHeader, session)
	}
	socket, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	rctx, cancel := context.WithCancel(context.Background())
	r := &Remote{
		socket:    socket,
		settings:  settings,
		logger:    logger.With("url", url),
		pending:   xsync.NewMapOf[uint64, chan frame](),
		feeds:     xsync.NewMapOf[uint64, *engine.Feed](),
		send:      make(chan []byte, max(settings.SendBuffer, 1)),
		listeners: make(map[uint64]func(*schema.Schema)),
		ctx:       rctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.schemas = engine.NewFeed("ws-schema", r.applySchema, nil, r.logger)
	go r.writeLoop()
	go r.readLoop()
	return r, nil
}

// Schema returns the last generation the server pushed, or nil.
func (r *Remote) Schema() *schema.Schema {
	r.smu.Lock()
	defer r.smu.Unlock()
	return r.s
}

// WaitSchema blocks until the server pushed a schema generation.
func (r *Remote) WaitSchema(ctx context.Context) (*schema.Schema, error) {
	got := make(chan *schema.Schema, 1)
	stop := r.OnSchemaChange(func(s *schema.Schema) {
		select {
		case got <- s:
		default:
		}
	})
	defer stop()
	if s := r.Schema(); s != nil {
		return s, nil
	}
	select {
	case s := <-got:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrDisconnected
	}
}

// OnSchemaChange registers fn for every generation the server pushes.
func (r *Remote) OnSchemaChange(fn func(*schema.Schema)) func() {
	r.smu.Lock()
	r.lseq++
	id := r.lseq
	r.listeners[id] = fn
	r.smu.Unlock()
	return func() {
		r.smu.Lock()
		defer r.smu.Unlock()
		delete(r.listeners, id)
	}
}

// SetSchema installs s on the server.
func (r *Remote) SetSchema(ctx context.Context, s *schema.Schema) error {
	body, err := encodeSchema(s)
	if err != nil {
		return err
	}
	_, err = r.request(ctx, kindSetSchema, r.seq.Add(1), body)
	return err
}

// ApplyModify sends a modify buffer and returns its acknowledgement.
func (r *Remote) ApplyModify(ctx context.Context, buf []byte) (*engine.ModifyResult, error) {
	f, err := r.request(ctx, kindModify, r.seq.Add(1), buf)
	if err != nil {
		return nil, err
	}
	if f.kind != kindAck {
		return nil, fmt.Errorf("modify: unexpected %s reply", kindName(f.kind))
	}
	return decodeAcks(f.body)
}

// RunQuery runs a query program on the server.
func (r *Remote) RunQuery(ctx context.Context, program []byte) ([]byte, error) {
	f, err := r.request(ctx, kindQuery, r.seq.Add(1), program)
	if err != nil {
		return nil, err
	}
	return f.body, nil
}

// Subscribe starts a server-side subscription. Updates arrive in server
// order on a goroutine owned by the subscription.
func (r *Remote) Subscribe(ctx context.Context, program []byte, onData func([]byte), onErr func(error)) (func(), error) {
	id := r.seq.Add(1)
	feed := engine.NewFeed(fmt.Sprintf("ws-%d", id), onData, onErr, r.logger)
	r.feeds.Store(id, feed)
	if _, err := r.request(ctx, kindSubscribe, id, program); err != nil {
		r.feeds.Delete(id)
		feed.Close()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if f, ok := r.feeds.LoadAndDelete(id); ok {
				f.Close()
			}
			select {
			case r.send <- newFrame(kindUnsubscribe, id, nil):
			case <-r.ctx.Done():
			}
		})
	}, nil
}

// Close closes the connection. Pending requests fail with
// ErrDisconnected.
func (r *Remote) Close() error {
	r.cancel()
	r.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(r.settings.WriteTimeout))
	err := r.socket.Close()
	<-r.done
	return err
}

// Done is closed once the connection is gone.
func (r *Remote) Done() <-chan struct{} { return r.done }

func (r *Remote) request(ctx context.Context, kind uint8, id uint64, body []byte) (frame, error) {
	reply := make(chan frame, 1)
	r.pending.Store(id, reply)
	defer r.pending.Delete(id)

	select {
	case r.send <- newFrame(kind, id, body):
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-r.done:
		return frame{}, ErrDisconnected
	}
	select {
	case f := <-reply:
		if f.kind == kindError {
			return frame{}, decodeError(f.body)
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-r.done:
		return frame{}, ErrDisconnected
	}
}

func (r *Remote) readLoop() {
	defer func() {
		r.cancel()
		r.feeds.Range(func(id uint64, f *engine.Feed) bool {
			r.feeds.Delete(id)
			f.Close()
			return true
		})
		r.schemas.Close()
		close(r.done)
	}()
	for {
		r.socket.SetReadDeadline(time.Now().Add(r.settings.ReadTimeout))
		messageType, msg, err := r.socket.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("connection lost", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		f, err := parseFrame(msg)
		if err != nil {
			r.logger.Warn("bad frame", "bytes", len(msg), "error", err)
			return
		}
		r.dispatch(f)
	}
}

func (r *Remote) dispatch(f frame) {
	switch f.kind {
	case kindData:
		if feed, ok := r.feeds.Load(f.id); ok {
			feed.Push(engine.Delivery{Data: f.body})
		}
	case kindSubError:
		if feed, ok := r.feeds.Load(f.id); ok {
			feed.Push(engine.Delivery{Err: decodeError(f.body)})
		}
	case kindSchema:
		// Listeners may issue requests, so they run off the read loop.
		r.schemas.Push(engine.Delivery{Data: f.body})
	default:
		if reply, ok := r.pending.Load(f.id); ok {
			reply <- f
			return
		}
		r.logger.Debug("reply without request", "kind", kindName(f.kind), "id", f.id)
	}
}

func (r *Remote) applySchema(body []byte) {
	s, err := decodeSchema(body)
	if err != nil {
		r.logger.Error("rejected pushed schema", "error", err)
		return
	}
	r.smu.Lock()
	r.s = s
	ls := make([]func(*schema.Schema), 0, len(r.listeners))
	for _, fn := range r.listeners {
		ls = append(ls, fn)
	}
	r.smu.Unlock()
	r.logger.Info("schema pushed", "hash", fmt.Sprintf("%016x", s.Hash))
	for _, fn := range ls {
		fn(s)
	}
}

func (r *Remote) writeLoop() {
	ping := time.NewTicker(r.settings.PingInterval)
	defer ping.Stop()
	for {
		var msg []byte
		select {
		case <-r.ctx.Done():
			return
		case msg = <-r.send:
		case <-ping.C:
			msg = []byte{}
		}
		r.socket.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
		if err := r.socket.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			r.logger.Debug("write failed", "error", err)
			r.socket.Close()
			return
		}
	}
}
