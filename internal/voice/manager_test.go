package voice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaller records published signals in place of a live connection.
type fakeCaller struct {
	sent []Signal
	fail bool
}

func (f *fakeCaller) Subscribe(roomID, selfKey string) (<-chan Signal, func(), error) {
	ch := make(chan Signal, 16)
	return ch, func() { close(ch) }, nil
}

func (f *fakeCaller) Publish(sig Signal) error {
	if f.fail {
		return errors.New("signaling down")
	}
	f.sent = append(f.sent, sig)
	return nil
}

func (f *fakeCaller) ofType(kind string) []Signal {
	var out []Signal
	for _, s := range f.sent {
		if s.Type == kind {
			out = append(out, s)
		}
	}
	return out
}

func TestEnableOffersEachPeerOnce(t *testing.T) {
	fake := &fakeCaller{}
	m := NewManager(fake, "ABQ2EF", "alice-1")

	m.Enable([]string{"bob-1", "carol-1"})
	require.True(t, m.Enabled())
	assert.Len(t, fake.ofType(SignalOffer), 2)
	assert.Equal(t, 2, m.Calls())

	// Peers already in a call are not re-offered; new arrivals are.
	m.ConnectPeers([]string{"bob-1", "carol-1", "dave-1"})
	offers := fake.ofType(SignalOffer)
	require.Len(t, offers, 3)
	assert.Equal(t, "dave-1", offers[2].To)
	assert.Equal(t, "alice-1", offers[2].From)
}

func TestConnectPeersIsInertWhileDisabled(t *testing.T) {
	fake := &fakeCaller{}
	m := NewManager(fake, "ABQ2EF", "alice-1")

	m.ConnectPeers([]string{"bob-1"})
	assert.Empty(t, fake.sent)
	assert.Zero(t, m.Calls())
}

func TestOfferDeclinedWhileDisabled(t *testing.T) {
	fake := &fakeCaller{}
	m := NewManager(fake, "ABQ2EF", "alice-1")

	// A callee with voice off stays silent.
	m.HandleSignal(Signal{Type: SignalOffer, RoomID: "ABQ2EF", From: "bob-1", To: "alice-1"})
	assert.Empty(t, fake.sent)
	assert.Zero(t, m.Calls())

	m.Enable(nil)
	m.HandleSignal(Signal{Type: SignalOffer, RoomID: "ABQ2EF", From: "bob-1", To: "alice-1"})
	answers := fake.ofType(SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "bob-1", answers[0].To)
	assert.Equal(t, 1, m.Calls())
}

func TestDisableHangsUpEveryCall(t *testing.T) {
	fake := &fakeCaller{}
	m := NewManager(fake, "ABQ2EF", "alice-1")
	m.Enable([]string{"bob-1", "carol-1"})
	m.ToggleMute()

	m.Disable()
	assert.False(t, m.Enabled())
	assert.False(t, m.Muted())
	assert.Zero(t, m.Calls())
	assert.Len(t, fake.ofType(SignalHangup), 2)
}

func TestToggleMuteRequiresEnabled(t *testing.T) {
	m := NewManager(&fakeCaller{}, "ABQ2EF", "alice-1")
	assert.False(t, m.ToggleMute())
	m.Enable(nil)
	assert.True(t, m.ToggleMute())
	assert.False(t, m.ToggleMute())
}

func TestFailedOfferRecordsNoCall(t *testing.T) {
	fake := &fakeCaller{fail: true}
	m := NewManager(fake, "ABQ2EF", "alice-1")
	m.Enable([]string{"bob-1"})
	assert.True(t, m.Enabled())
	assert.Zero(t, m.Calls(), "an undelivered offer is not a call")
}
