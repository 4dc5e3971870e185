// Package wsproto defines the JSON frames spoken between the websocket
// store client and syncd. Requests are correlated by id; listener snapshots
// arrive as unsolicited event frames correlated by subscription id.
package wsproto

import "encoding/json"

// Request operations.
const (
	OpGet        = "get"
	OpExists     = "exists"
	OpSet        = "set"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpTxnGet     = "txnget" // read value + revision for a conditional update
	OpCAS        = "cas"    // commit if revision unchanged
	OpListen     = "listen"
	OpUnlisten   = "unlisten"
	OpHook       = "hook" // register remove-on-disconnect
	OpCancelHook = "cancelhook"
	OpTime       = "time" // server clock sample for skew estimation
)

// Error codes carried on failed responses.
const (
	CodePermission = "permission"
	CodeBadRequest = "bad_request"
	CodeInternal   = "internal"
)

// Request is a client-to-server frame.
type Request struct {
	ID     uint64                     `json:"id"`
	Op     string                     `json:"op"`
	Path   string                     `json:"path,omitempty"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Rev    uint64                     `json:"rev,omitempty"`
	// TombstoneCAS marks a CAS that deletes the path instead of writing
	// Value.
	TombstoneCAS bool   `json:"tombstone,omitempty"`
	Sub          uint64 `json:"sub,omitempty"`
	Hook         uint64 `json:"hook,omitempty"`
}

// Frame types.
const (
	FrameResponse = "resp"
	FrameEvent    = "event"
)

// ServerMessage is any server-to-client frame.
type ServerMessage struct {
	Type string `json:"type"`

	// Response fields.
	ID    uint64 `json:"id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	Value     json.RawMessage `json:"value,omitempty"`
	Exists    bool            `json:"exists,omitempty"`
	Committed bool            `json:"committed,omitempty"`
	Rev       uint64          `json:"rev,omitempty"`
	Hook      uint64          `json:"hook,omitempty"`
	TimeMs    int64           `json:"timeMs,omitempty"`

	// Subscription id: response to listen, and correlation on events.
	Sub uint64 `json:"sub,omitempty"`

	// Event fields.
	Path string          `json:"path,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
