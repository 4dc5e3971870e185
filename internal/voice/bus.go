// Package voice carries the peer call signaling for break-time chatter.
// Participants are addressable by key on per-room NATS subjects; what flows
// is call control (offer, answer, hangup), not media. The break-only rule is
// policy enforced here and by the session, not media-layer access control.
package voice

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Signal types.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalHangup = "hangup"
)

// Signal is one call-control message between two participants.
type Signal struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func subject(roomID, key string) string {
	return fmt.Sprintf("voice.%s.%s", roomID, key)
}

// Caller is the signaling surface a session talks through. Bus is the
// NATS-backed implementation; tests substitute in-process fakes.
type Caller interface {
	Subscribe(roomID, selfKey string) (<-chan Signal, func(), error)
	Publish(sig Signal) error
}

// Bus is the NATS connection used for signaling.
type Bus struct {
	nc *nats.Conn
}

// Connect dials NATS with reconnection handlers.
func Connect(url string) (*Bus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("voice bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("voice bus reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("voice bus error")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect voice bus: %w", err)
	}
	return &Bus{nc: nc}, nil
}

// Subscribe attaches to this participant's inbound signaling subject.
func (b *Bus) Subscribe(roomID, selfKey string) (<-chan Signal, func(), error) {
	ch := make(chan Signal, 16)
	sub, err := b.nc.Subscribe(subject(roomID, selfKey), func(msg *nats.Msg) {
		var sig Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			log.Warn().Err(err).Msg("unreadable voice signal")
			return
		}
		select {
		case ch <- sig:
		default:
			log.Warn().Str("type", sig.Type).Msg("voice signal queue full, dropping")
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe voice signals: %w", err)
	}
	cancel := func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("voice unsubscribe failed")
		}
		close(ch)
	}
	return ch, cancel, nil
}

// Publish sends a signal to its addressee.
func (b *Bus) Publish(sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subject(sig.RoomID, sig.To), data); err != nil {
		return fmt.Errorf("publish voice signal: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	b.nc.Close()
}
