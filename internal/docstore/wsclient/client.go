// Package wsclient implements the docstore contract over a websocket
// connection to syncd. Conditional updates are expressed on the wire as a
// read-revision / compare-and-set pair, retried until the store reports the
// commit applied against the latest value.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/docstore/wsproto"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
	txnMaxAttempts = 16
)

// Client is one connection to syncd. It implements docstore.Store.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	subs    map[uint64]*subscription
	closed  bool

	done     chan struct{}
	closeErr error
}

type pendingCall struct {
	ch chan wsproto.ServerMessage
	// sub is non-nil for listen calls; the read loop registers it before
	// processing any further frames, so the initial snapshot and every
	// later event land on the channel in order.
	sub *subscription
}

type subscription struct {
	path string
	ch   chan docstore.Event
}

// deliver is latest-wins, mirroring the server's coalescing semantics.
// Called with c.mu held.
func (s *subscription) deliver(ev docstore.Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

var _ docstore.Store = (*Client)(nil)

// Dial connects to a syncd websocket endpoint, e.g. ws://host:8080/sync.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sync server: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var msg wsproto.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.shutdown(fmt.Errorf("sync connection lost: %w", err))
			return
		}
		switch msg.Type {
		case wsproto.FrameResponse:
			c.mu.Lock()
			pc, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
				if pc.sub != nil && msg.OK {
					c.subs[msg.Sub] = pc.sub
					pc.sub.deliver(docstore.Event{Path: pc.sub.path, Data: msg.Value})
				}
			}
			c.mu.Unlock()
			if ok {
				pc.ch <- msg
			}
		case wsproto.FrameEvent:
			c.mu.Lock()
			if sub, ok := c.subs[msg.Sub]; ok {
				sub.deliver(docstore.Event{Path: sub.path, Data: msg.Data})
			}
			c.mu.Unlock()
		default:
			log.Warn().Str("type", msg.Type).Msg("unknown frame from sync server")
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	for _, sub := range c.subs {
		close(sub.ch)
	}
	c.subs = nil
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
}

func (c *Client) call(ctx context.Context, req wsproto.Request, sub *subscription) (wsproto.ServerMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wsproto.ServerMessage{}, docstore.ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	pc := &pendingCall{ch: make(chan wsproto.ServerMessage, 1), sub: sub}
	c.pending[req.ID] = pc
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(req.ID)
		return wsproto.ServerMessage{}, fmt.Errorf("write %s: %w", req.Op, err)
	}

	select {
	case msg := <-pc.ch:
		if !msg.OK {
			return msg, respError(msg)
		}
		return msg, nil
	case <-ctx.Done():
		c.dropPending(req.ID)
		return wsproto.ServerMessage{}, ctx.Err()
	case <-c.done:
		return wsproto.ServerMessage{}, c.closeErr
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func respError(msg wsproto.ServerMessage) error {
	if msg.Code == wsproto.CodePermission {
		return fmt.Errorf("%s: %w", msg.Error, docstore.ErrPermission)
	}
	return errors.New(msg.Error)
}

func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	msg, err := c.call(ctx, wsproto.Request{Op: wsproto.OpGet, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	return msg.Value, nil
}

func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	msg, err := c.call(ctx, wsproto.Request{Op: wsproto.OpExists, Path: path}, nil)
	if err != nil {
		return false, err
	}
	return msg.Exists, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, wsproto.Request{Op: wsproto.OpSet, Path: path, Value: raw}, nil)
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	enc := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		enc[k] = raw
	}
	_, err := c.call(ctx, wsproto.Request{Op: wsproto.OpUpdate, Path: path, Fields: enc}, nil)
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, wsproto.Request{Op: wsproto.OpDelete, Path: path}, nil)
	return err
}

// Txn implements the conditional update as read-revision plus
// compare-and-set, re-running fn against the fresher value after every
// collision.
func (c *Client) Txn(ctx context.Context, path string, fn docstore.TxnFunc) (docstore.TxnResult, error) {
	for attempt := 0; attempt < txnMaxAttempts; attempt++ {
		read, err := c.call(ctx, wsproto.Request{Op: wsproto.OpTxnGet, Path: path}, nil)
		if err != nil {
			return docstore.TxnResult{}, err
		}
		next, ok := fn(read.Value)
		if !ok {
			return docstore.TxnResult{Committed: false, Value: read.Value}, nil
		}
		req := wsproto.Request{Op: wsproto.OpCAS, Path: path, Rev: read.Rev}
		if next == nil {
			req.TombstoneCAS = true
		} else {
			req.Value = next
		}
		cas, err := c.call(ctx, req, nil)
		if err != nil {
			return docstore.TxnResult{}, err
		}
		if cas.Committed {
			return docstore.TxnResult{Committed: true, Value: cas.Value}, nil
		}
		// Lost the race; retry against whatever won.
	}
	return docstore.TxnResult{}, docstore.ErrTxnContention
}

func (c *Client) Listen(ctx context.Context, path string) (<-chan docstore.Event, func(), error) {
	sub := &subscription{path: path, ch: make(chan docstore.Event, 1)}
	msg, err := c.call(ctx, wsproto.Request{Op: wsproto.OpListen, Path: path}, sub)
	if err != nil {
		return nil, nil, err
	}
	subID := msg.Sub
	cancel := func() {
		c.mu.Lock()
		if s, ok := c.subs[subID]; ok {
			delete(c.subs, subID)
			close(s.ch)
		}
		c.mu.Unlock()
		go func() {
			ctx, stop := context.WithTimeout(context.Background(), writeTimeout)
			defer stop()
			if _, err := c.call(ctx, wsproto.Request{Op: wsproto.OpUnlisten, Sub: subID}, nil); err != nil && !errors.Is(err, docstore.ErrClosed) {
				log.Debug().Err(err).Str("path", path).Msg("unlisten failed")
			}
		}()
	}
	return sub.ch, cancel, nil
}

type remoteHook struct {
	c  *Client
	id uint64
}

func (h *remoteHook) Cancel(ctx context.Context) error {
	_, err := h.c.call(ctx, wsproto.Request{Op: wsproto.OpCancelHook, Hook: h.id}, nil)
	return err
}

func (c *Client) OnDisconnectDelete(ctx context.Context, path string) (docstore.Hook, error) {
	msg, err := c.call(ctx, wsproto.Request{Op: wsproto.OpHook, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	return &remoteHook{c: c, id: msg.Hook}, nil
}

// EstimateOffset samples the server clock and returns the skew estimate for
// the shared clock: server time minus the local midpoint of the round trip.
func (c *Client) EstimateOffset(ctx context.Context) (time.Duration, error) {
	t0 := time.Now()
	msg, err := c.call(ctx, wsproto.Request{Op: wsproto.OpTime}, nil)
	if err != nil {
		return 0, err
	}
	t1 := time.Now()
	mid := t0.Add(t1.Sub(t0) / 2)
	return time.Duration(msg.TimeMs-mid.UnixMilli()) * time.Millisecond, nil
}

// Close tears the connection down. Server-side disconnect hooks fire as
// they would for a dropped connection; cancel hooks before closing for a
// graceful leave.
func (c *Client) Close() error {
	c.shutdown(docstore.ErrClosed)
	return nil
}
