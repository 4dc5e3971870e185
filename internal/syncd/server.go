// Package syncd hosts the realtime document tree behind a websocket
// endpoint: request/response ops over the docstore contract plus
// subscription fanout and per-connection disconnect hooks.
package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/docstore/memstore"
	"github.com/studytogether/studysync/internal/docstore/wsproto"
)

// ConnConfig holds per-connection websocket tuning.
type ConnConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConnConfig returns the defaults used by the server binary.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBuffer:     64,
	}
}

// Server owns the document tree and the set of live connections.
type Server struct {
	root     *memstore.Root
	clock    clockwork.Clock
	config   ConnConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]bool
}

// New creates a Server around a document tree.
func New(root *memstore.Root, clock clockwork.Clock, config ConnConfig) *Server {
	return &Server{
		root:   root,
		clock:  clock,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]bool),
	}
}

// HandleSync upgrades an HTTP request and serves the sync protocol on it.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{
		id:     uuid.New().String()[:8],
		ws:     ws,
		bind:   s.root.Bind(),
		server: s,
		send:   make(chan wsproto.ServerMessage, s.config.SendBuffer),
		subs:   make(map[uint64]func()),
		hooks:  make(map[uint64]docstore.Hook),
	}
	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()

	log.Info().Str("conn_id", c.id).Str("remote", r.RemoteAddr).Msg("sync connection established")

	go c.writePump()
	go c.readPump()
}

// Shutdown closes every live connection, firing their disconnect hooks.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

type conn struct {
	id     string
	ws     *websocket.Conn
	bind   *memstore.Bind
	server *Server
	send   chan wsproto.ServerMessage

	mu       sync.Mutex
	subs     map[uint64]func()
	nextSub  uint64
	hooks    map[uint64]docstore.Hook
	nextHook uint64

	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancels := make([]func(), 0, len(c.subs))
		for _, cancel := range c.subs {
			cancels = append(cancels, cancel)
		}
		c.subs = map[uint64]func(){}
		c.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		// Uncancelled hooks fire here, same as an abrupt disconnect.
		if err := c.bind.Close(); err != nil {
			log.Error().Err(err).Str("conn_id", c.id).Msg("bind close failed")
		}
		c.ws.Close()
		close(c.send)

		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()

		log.Info().Str("conn_id", c.id).Msg("sync connection closed")
	})
}

func (c *conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(c.server.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout))
		return nil
	})
	for {
		var req wsproto.Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("sync connection dropped")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout))
		c.enqueue(c.handle(req))
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Error().Err(err).Str("conn_id", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a frame for the write pump; the pump owns the socket.
func (c *conn) enqueue(msg wsproto.ServerMessage) {
	defer func() {
		// The send channel closes when the connection tears down; a frame
		// racing that close is dropped with it.
		_ = recover()
	}()
	c.send <- msg
}

func (c *conn) handle(req wsproto.Request) wsproto.ServerMessage {
	resp := wsproto.ServerMessage{Type: wsproto.FrameResponse, ID: req.ID, OK: true}
	var err error

	switch req.Op {
	case wsproto.OpGet:
		resp.Value, err = c.server.root.Get(req.Path)
	case wsproto.OpExists:
		var raw json.RawMessage
		raw, err = c.server.root.Get(req.Path)
		resp.Exists = raw != nil
	case wsproto.OpSet:
		err = c.server.root.Set(req.Path, req.Value)
	case wsproto.OpUpdate:
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		err = c.server.root.Update(req.Path, fields)
	case wsproto.OpDelete:
		err = c.server.root.Delete(req.Path)
	case wsproto.OpTxnGet:
		resp.Value, resp.Rev, err = c.server.root.GetForTxn(req.Path)
	case wsproto.OpCAS:
		value := req.Value
		if req.TombstoneCAS {
			value = nil
		}
		var res docstore.TxnResult
		res, err = c.server.root.CompareAndSet(req.Path, req.Rev, value)
		resp.Committed = res.Committed
		resp.Value = res.Value
	case wsproto.OpListen:
		resp.Sub, resp.Value, err = c.listen(req.Path)
	case wsproto.OpUnlisten:
		c.unlisten(req.Sub)
	case wsproto.OpHook:
		resp.Hook, err = c.registerHook(req.Path)
	case wsproto.OpCancelHook:
		err = c.cancelHook(req.Hook)
	case wsproto.OpTime:
		resp.TimeMs = c.server.clock.Now().UnixMilli()
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
		resp.Code = errorCode(err)
		resp.Value = nil
	}
	return resp
}

func errorCode(err error) string {
	if errors.Is(err, docstore.ErrPermission) {
		return wsproto.CodePermission
	}
	return wsproto.CodeInternal
}

func (c *conn) listen(path string) (uint64, json.RawMessage, error) {
	initial, err := c.server.root.Get(path)
	if err != nil {
		return 0, nil, err
	}
	ch, cancel, err := c.server.root.Subscribe(path)
	if err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = cancel
	c.mu.Unlock()

	go func() {
		for ev := range ch {
			c.enqueue(wsproto.ServerMessage{
				Type: wsproto.FrameEvent,
				Sub:  id,
				Path: ev.Path,
				Data: ev.Data,
			})
		}
	}()
	return id, initial, nil
}

func (c *conn) unlisten(id uint64) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *conn) registerHook(path string) (uint64, error) {
	h, err := c.bind.OnDisconnectDelete(context.Background(), path)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.nextHook++
	id := c.nextHook
	c.hooks[id] = h
	c.mu.Unlock()
	return id, nil
}

func (c *conn) cancelHook(id uint64) error {
	c.mu.Lock()
	h, ok := c.hooks[id]
	delete(c.hooks, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Cancel(context.Background())
}
