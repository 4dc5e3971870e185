// Package docstore defines the contract the coordination core has with the
// realtime document store: a path-addressable tree supporting whole-subtree
// live listen, partial multi-field update, single-path conditional
// transactions, create-if-absent, remove-on-disconnect registration and
// one-time existence checks. The core depends on nothing beyond this
// interface; the in-memory implementation backs both the sync server and
// every test, and the websocket client speaks the same contract to a remote
// syncd.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrPermission is returned when the store rejects a write on policy
	// grounds. Host election treats it as a deployment problem and stops
	// claiming for the rest of the session.
	ErrPermission = errors.New("docstore: permission denied")

	// ErrClosed is returned when operating on a closed binding.
	ErrClosed = errors.New("docstore: store closed")

	// ErrTxnContention is returned when a conditional update could not be
	// committed within the retry budget.
	ErrTxnContention = errors.New("docstore: transaction contention")
)

// TxnResult is the explicit outcome of a conditional update. Callers must
// branch on Committed; an aborted transaction is not an error.
type TxnResult struct {
	Committed bool
	// Value is the value at the path after the transaction resolved,
	// whether or not this caller committed it.
	Value json.RawMessage
}

// TxnFunc computes a replacement value from the current one (nil when the
// path is absent). Returning ok=false aborts without side effect. Returning
// a nil value with ok=true deletes the path.
type TxnFunc func(current json.RawMessage) (next json.RawMessage, ok bool)

// Event is one whole-subtree snapshot delivery. Data is nil when the
// subtree is absent. Listeners always replace their local view with the
// snapshot rather than patching it, so a missed delivery never causes drift
// beyond the next one.
type Event struct {
	Path string
	Data json.RawMessage
}

// Hook is a scoped remove-on-disconnect registration: acquired at join
// time, cancelled on graceful leave. If Cancel is never called (or fails)
// the removal fires when the connection drops.
type Hook interface {
	Cancel(ctx context.Context) error
}

// Store is the document store seen by one client connection.
type Store interface {
	// Get returns the JSON subtree at path, or nil when absent.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Exists is a one-time existence check.
	Exists(ctx context.Context, path string) (bool, error)

	// Set replaces the subtree at path with value.
	Set(ctx context.Context, path string, value any) error

	// Update applies a partial multi-field update relative to path. Field
	// keys may contain slashes to address nested children; a nil value
	// deletes that child. All fields land atomically.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Delete removes the subtree at path.
	Delete(ctx context.Context, path string) error

	// Txn runs a conditional update against the latest value at a single
	// path. The store applies fn atomically against the current value;
	// concurrent writers cause fn to be re-run against the fresher value.
	Txn(ctx context.Context, path string, fn TxnFunc) (TxnResult, error)

	// Listen delivers live whole-subtree snapshots for path, starting with
	// the current one. The returned cancel detaches synchronously: after it
	// returns no further events are delivered.
	Listen(ctx context.Context, path string) (<-chan Event, func(), error)

	// OnDisconnectDelete registers removal of path when this connection
	// drops without a graceful close.
	OnDisconnectDelete(ctx context.Context, path string) (Hook, error)

	// Close tears down the binding, firing any uncancelled disconnect
	// hooks.
	Close() error
}

// CreateIfAbsent is a helper for the common create-only transaction shape.
func CreateIfAbsent(ctx context.Context, s Store, path string, value any) (TxnResult, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return TxnResult{}, err
	}
	return s.Txn(ctx, path, func(current json.RawMessage) (json.RawMessage, bool) {
		if current != nil {
			return nil, false // occupied
		}
		return raw, true
	})
}
