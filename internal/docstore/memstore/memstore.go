// Package memstore is the in-process implementation of the docstore
// contract. A single Root holds the document tree; each client connection
// gets its own Bind, which carries that connection's disconnect hooks. The
// sync server mounts a Root behind its websocket hub, and tests drive
// multiple simulated clients as Binds over one Root.
package memstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/studytogether/studysync/internal/docstore"
)

// OpKind classifies a committed mutation for observers.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
)

// Op describes one committed mutation.
type Op struct {
	Kind  OpKind
	Path  string
	Value json.RawMessage // nil for deletes
}

// Option configures a Root.
type Option func(*Root)

// WithWriteGuard installs a policy check run before every mutation. A
// non-nil error rejects the write; return docstore.ErrPermission to exercise
// the client's permission-failure paths.
func WithWriteGuard(guard func(path string) error) Option {
	return func(r *Root) { r.guard = guard }
}

// WithObserver installs a tap invoked synchronously after every committed
// mutation. Observers must not call back into the store.
func WithObserver(fn func(Op)) Option {
	return func(r *Root) { r.observer = fn }
}

// Root is the shared document tree.
type Root struct {
	mu        sync.Mutex
	tree      map[string]any
	revs      map[string]uint64
	listeners map[int]*listener
	nextSub   int
	guard     func(path string) error
	observer  func(Op)
}

// NewRoot creates an empty document tree.
func NewRoot(opts ...Option) *Root {
	r := &Root{
		tree:      make(map[string]any),
		revs:      make(map[string]uint64),
		listeners: make(map[int]*listener),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Bind creates a connection-scoped view of the tree.
func (r *Root) Bind() *Bind {
	return &Bind{root: r}
}

type listener struct {
	id   int
	path string
	ch   chan docstore.Event
}

// deliver is latest-wins: a slow consumer sees a coalesced snapshot, never
// a backlog of stale ones. Called with the root lock held.
func (l *listener) deliver(ev docstore.Event) {
	for {
		select {
		case l.ch <- ev:
			return
		default:
			select {
			case <-l.ch:
			default:
			}
		}
	}
}

// related reports whether two paths address overlapping subtrees.
func related(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("memstore: empty path")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("memstore: malformed path %q", path)
		}
	}
	return segs, nil
}

// normalize round-trips a value through JSON so the tree only ever holds
// map[string]any, []any, string, float64, bool and nil.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Root) lookupLocked(segs []string) (any, bool) {
	var node any = r.tree
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func (r *Root) snapshotLocked(path string) json.RawMessage {
	segs, err := splitPath(path)
	if err != nil {
		return nil
	}
	node, ok := r.lookupLocked(segs)
	if !ok || node == nil {
		return nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return raw
}

// setLocked writes a normalized value, creating intermediate maps. A nil
// value deletes the subtree and prunes empty parents, matching the store's
// "null removes" convention.
func (r *Root) setLocked(segs []string, value any) {
	if value == nil {
		r.deleteLocked(segs)
		return
	}
	m := r.tree
	for _, s := range segs[:len(segs)-1] {
		child, ok := m[s].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[s] = child
		}
		m = child
	}
	m[segs[len(segs)-1]] = value
}

func (r *Root) deleteLocked(segs []string) {
	parents := make([]map[string]any, 0, len(segs))
	m := r.tree
	for _, s := range segs[:len(segs)-1] {
		parents = append(parents, m)
		child, ok := m[s].(map[string]any)
		if !ok {
			return
		}
		m = child
	}
	delete(m, segs[len(segs)-1])
	// Prune now-empty branches so absence checks see them as gone.
	for i := len(segs) - 2; i >= 0; i-- {
		if len(m) != 0 {
			break
		}
		m = parents[i]
		delete(m, segs[i])
	}
}

func (r *Root) bumpRevsLocked(path string) {
	for k := range r.revs {
		if related(k, path) {
			r.revs[k]++
		}
	}
}

// commitLocked records the mutation for CAS, notifies overlapping listeners
// and feeds the observer.
func (r *Root) commitLocked(kind OpKind, paths ...string) {
	notified := make(map[int]bool)
	for _, p := range paths {
		r.bumpRevsLocked(p)
		for _, l := range r.listeners {
			if notified[l.id] || !related(l.path, p) {
				continue
			}
			notified[l.id] = true
			l.deliver(docstore.Event{Path: l.path, Data: r.snapshotLocked(l.path)})
		}
		if r.observer != nil {
			r.observer(Op{Kind: kind, Path: p, Value: r.snapshotLocked(p)})
		}
	}
}

func (r *Root) checkGuard(path string) error {
	if r.guard != nil {
		return r.guard(path)
	}
	return nil
}

// Get returns the JSON subtree at path, or nil when absent.
func (r *Root) Get(path string) (json.RawMessage, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(path), nil
}

// Set replaces the subtree at path.
func (r *Root) Set(path string, value any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if err := r.checkGuard(path); err != nil {
		return err
	}
	norm, err := normalize(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(segs, norm)
	r.commitLocked(OpSet, path)
	return nil
}

// Update applies a multi-field partial update atomically. Field keys may be
// slash-paths relative to base; nil values delete.
func (r *Root) Update(base string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	type write struct {
		path  string
		segs  []string
		value any
	}
	writes := make([]write, 0, len(fields))
	for k, v := range fields {
		full := base + "/" + strings.Trim(k, "/")
		segs, err := splitPath(full)
		if err != nil {
			return err
		}
		if err := r.checkGuard(full); err != nil {
			return err
		}
		norm, err := normalize(v)
		if err != nil {
			return err
		}
		writes = append(writes, write{path: full, segs: segs, value: norm})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(writes))
	for _, w := range writes {
		r.setLocked(w.segs, w.value)
		paths = append(paths, w.path)
	}
	r.commitLocked(OpSet, paths...)
	return nil
}

// Delete removes the subtree at path.
func (r *Root) Delete(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if err := r.checkGuard(path); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(segs)
	r.commitLocked(OpDelete, path)
	return nil
}

// Txn applies fn atomically against the latest value at a single path.
func (r *Root) Txn(path string, fn docstore.TxnFunc) (docstore.TxnResult, error) {
	segs, err := splitPath(path)
	if err != nil {
		return docstore.TxnResult{}, err
	}
	if err := r.checkGuard(path); err != nil {
		return docstore.TxnResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.snapshotLocked(path)
	next, ok := fn(current)
	if !ok {
		return docstore.TxnResult{Committed: false, Value: current}, nil
	}
	if next == nil {
		r.deleteLocked(segs)
		r.commitLocked(OpDelete, path)
		return docstore.TxnResult{Committed: true, Value: nil}, nil
	}
	var norm any
	if err := json.Unmarshal(next, &norm); err != nil {
		return docstore.TxnResult{}, fmt.Errorf("memstore: txn value: %w", err)
	}
	r.setLocked(segs, norm)
	r.commitLocked(OpSet, path)
	return docstore.TxnResult{Committed: true, Value: r.snapshotLocked(path)}, nil
}

// GetForTxn reads a path together with its revision, for the wire-level
// optimistic-concurrency form of Txn used by remote clients.
func (r *Root) GetForTxn(path string) (json.RawMessage, uint64, error) {
	if _, err := splitPath(path); err != nil {
		return nil, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revs[path]; !ok {
		r.revs[path] = 1
	}
	return r.snapshotLocked(path), r.revs[path], nil
}

// CompareAndSet commits value at path only if no related mutation happened
// since the revision was read. A nil value deletes the path.
func (r *Root) CompareAndSet(path string, rev uint64, value json.RawMessage) (docstore.TxnResult, error) {
	segs, err := splitPath(path)
	if err != nil {
		return docstore.TxnResult{}, err
	}
	if err := r.checkGuard(path); err != nil {
		return docstore.TxnResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revs[path] != rev {
		return docstore.TxnResult{Committed: false, Value: r.snapshotLocked(path)}, nil
	}
	if value == nil {
		r.deleteLocked(segs)
		r.commitLocked(OpDelete, path)
		return docstore.TxnResult{Committed: true, Value: nil}, nil
	}
	var norm any
	if err := json.Unmarshal(value, &norm); err != nil {
		return docstore.TxnResult{}, fmt.Errorf("memstore: cas value: %w", err)
	}
	r.setLocked(segs, norm)
	r.commitLocked(OpSet, path)
	return docstore.TxnResult{Committed: true, Value: r.snapshotLocked(path)}, nil
}

// Subscribe attaches a whole-subtree listener. The first event is the
// current snapshot.
func (r *Root) Subscribe(path string) (<-chan docstore.Event, func(), error) {
	if _, err := splitPath(path); err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	l := &listener{id: r.nextSub, path: path, ch: make(chan docstore.Event, 1)}
	r.listeners[l.id] = l
	l.deliver(docstore.Event{Path: path, Data: r.snapshotLocked(path)})
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.listeners[l.id]; ok {
			delete(r.listeners, l.id)
			close(l.ch)
		}
	}
	return l.ch, cancel, nil
}
