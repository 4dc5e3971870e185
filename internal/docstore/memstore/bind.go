package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore"
)

// Bind is one connection's view of a Root. It implements docstore.Store and
// owns that connection's disconnect hooks: Close fires every hook that was
// not cancelled, exactly as a dropped connection would.
type Bind struct {
	root *Root

	mu     sync.Mutex
	closed bool
	hooks  []*hook
}

type hook struct {
	bind      *Bind
	path      string
	cancelled bool
}

func (h *hook) Cancel(ctx context.Context) error {
	h.bind.mu.Lock()
	defer h.bind.mu.Unlock()
	h.cancelled = true
	return nil
}

var _ docstore.Store = (*Bind)(nil)

func (b *Bind) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return docstore.ErrClosed
	}
	return nil
}

func (b *Bind) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.root.Get(path)
}

func (b *Bind) Exists(ctx context.Context, path string) (bool, error) {
	raw, err := b.Get(ctx, path)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

func (b *Bind) Set(ctx context.Context, path string, value any) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.root.Set(path, value)
}

func (b *Bind) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.root.Update(path, fields)
}

func (b *Bind) Delete(ctx context.Context, path string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.root.Delete(path)
}

func (b *Bind) Txn(ctx context.Context, path string, fn docstore.TxnFunc) (docstore.TxnResult, error) {
	if err := b.checkOpen(); err != nil {
		return docstore.TxnResult{}, err
	}
	return b.root.Txn(path, fn)
}

func (b *Bind) Listen(ctx context.Context, path string) (<-chan docstore.Event, func(), error) {
	if err := b.checkOpen(); err != nil {
		return nil, nil, err
	}
	return b.root.Subscribe(path)
}

func (b *Bind) OnDisconnectDelete(ctx context.Context, path string) (docstore.Hook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, docstore.ErrClosed
	}
	h := &hook{bind: b, path: path}
	b.hooks = append(b.hooks, h)
	return h, nil
}

// Close fires the connection's remaining disconnect hooks and marks the
// binding unusable.
func (b *Bind) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := make([]*hook, 0, len(b.hooks))
	for _, h := range b.hooks {
		if !h.cancelled {
			pending = append(pending, h)
		}
	}
	b.hooks = nil
	b.mu.Unlock()

	for _, h := range pending {
		if err := b.root.Delete(h.path); err != nil {
			log.Error().Err(err).Str("path", h.path).Msg("disconnect hook removal failed")
		}
	}
	return nil
}
