package voice

import (
	"github.com/rs/zerolog/log"
)

// Manager tracks this participant's voice state and its calls: at most one
// call per remote participant. Methods are driven from the session's run
// loop; no internal locking.
type Manager struct {
	bus     Caller
	roomID  string
	selfKey string

	enabled bool
	muted   bool
	calls   map[string]bool
}

// NewManager creates a Manager for one room membership.
func NewManager(bus Caller, roomID, selfKey string) *Manager {
	return &Manager{
		bus:     bus,
		roomID:  roomID,
		selfKey: selfKey,
		calls:   make(map[string]bool),
	}
}

// Enabled reports whether voice is on.
func (m *Manager) Enabled() bool { return m.enabled }

// Muted reports the mute state.
func (m *Manager) Muted() bool { return m.muted }

// Enable turns voice on and offers a call to every peer without one.
func (m *Manager) Enable(peers []string) {
	m.enabled = true
	m.muted = false
	m.ConnectPeers(peers)
}

// ConnectPeers offers calls to peers not yet connected. Invoked on enable
// and whenever the registry changes while voice is on.
func (m *Manager) ConnectPeers(peers []string) {
	if !m.enabled {
		return
	}
	for _, peer := range peers {
		if peer == m.selfKey || m.calls[peer] {
			continue
		}
		sig := Signal{Type: SignalOffer, RoomID: m.roomID, From: m.selfKey, To: peer}
		if err := m.bus.Publish(sig); err != nil {
			log.Warn().Err(err).Str("peer", peer).Msg("voice offer failed")
			continue
		}
		m.calls[peer] = true
	}
}

// Disable hangs up every call and turns voice off.
func (m *Manager) Disable() {
	if !m.enabled && len(m.calls) == 0 {
		return
	}
	m.enabled = false
	m.muted = false
	for peer := range m.calls {
		sig := Signal{Type: SignalHangup, RoomID: m.roomID, From: m.selfKey, To: peer}
		if err := m.bus.Publish(sig); err != nil {
			log.Debug().Err(err).Str("peer", peer).Msg("voice hangup failed")
		}
	}
	m.calls = make(map[string]bool)
}

// ToggleMute flips the mute state; meaningful only while enabled.
func (m *Manager) ToggleMute() bool {
	if !m.enabled {
		return false
	}
	m.muted = !m.muted
	return m.muted
}

// HandleSignal processes one inbound signal.
func (m *Manager) HandleSignal(sig Signal) {
	switch sig.Type {
	case SignalOffer:
		if !m.enabled {
			// Declining silently mirrors a callee with no local stream.
			return
		}
		answer := Signal{Type: SignalAnswer, RoomID: m.roomID, From: m.selfKey, To: sig.From}
		if err := m.bus.Publish(answer); err != nil {
			log.Warn().Err(err).Str("peer", sig.From).Msg("voice answer failed")
			return
		}
		m.calls[sig.From] = true
	case SignalAnswer:
		m.calls[sig.From] = true
	case SignalHangup:
		delete(m.calls, sig.From)
	default:
		log.Debug().Str("type", sig.Type).Msg("unknown voice signal")
	}
}

// DropPeer tears down call state for a departed participant.
func (m *Manager) DropPeer(key string) {
	delete(m.calls, key)
}

// Calls returns the number of live calls.
func (m *Manager) Calls() int { return len(m.calls) }
