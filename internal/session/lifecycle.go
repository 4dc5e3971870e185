package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/election"
	"github.com/studytogether/studysync/internal/history"
	"github.com/studytogether/studysync/internal/presence"
	"github.com/studytogether/studysync/internal/room"
	"github.com/studytogether/studysync/internal/timer"
	"github.com/studytogether/studysync/internal/voice"
)

// CreateRoom allocates a fresh room and writes its initial document in a
// single transaction, retrying on code collision. The creator is recorded
// as host up front so the room never starts hostless.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	for attempt := 0; attempt < s.cfg.CreateRetries; attempt++ {
		code := room.GenerateCode()
		now := s.clock.NowMs()
		settings := room.DefaultSettings()
		doc := room.Doc{
			Meta:         room.Meta{HostID: s.selfKey, CreatedAt: now},
			Settings:     settings,
			Timer:        room.NewTimer(settings, now),
			Participants: map[string]room.Participant{},
		}
		res, err := docstore.CreateIfAbsent(ctx, s.store, room.Path(code), doc)
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}
		if res.Committed {
			return code, nil
		}
		log.Debug().Str("code", code).Int("attempt", attempt+1).Msg("room code collision, retrying")
	}
	return "", ErrCodeExhausted
}

// JoinRoom validates a code (pasted directly or as an invite link) and
// checks the room exists. It does not join; Enter does.
func (s *Session) JoinRoom(ctx context.Context, raw string) (string, error) {
	code := room.NormalizeCode(room.CodeFromInvite(raw))
	if !room.ValidCode(code) {
		return "", ErrBadRoomCode
	}
	ok, err := s.store.Exists(ctx, room.Path(code))
	if err != nil {
		return "", fmt.Errorf("join room: %w", err)
	}
	if !ok {
		return "", ErrRoomNotFound
	}
	return code, nil
}

// Enter joins the room and attaches every listener. Call it once, before
// Run. The order matters: presence first (so the record plus its disconnect
// hook exist before anything can observe us), listeners second, voice last
// and lazily, where failure downgrades the session instead of aborting it.
func (s *Session) Enter(ctx context.Context, code string) error {
	code = room.NormalizeCode(code)
	if !room.ValidCode(code) {
		return ErrBadRoomCode
	}

	s.roomID = code
	s.pres = presence.NewManager(s.store, s.clock, s.cfg.Presence, code, s.selfKey)
	s.elector = election.New(s.store, s.clock.Local(), s.cfg.Election, code, s.selfKey)
	s.claimCh = s.elector.Outcomes()
	s.engine = timer.NewEngine(s.store, s.clock, code)
	s.recorder = history.NewRecorder(s.store, s.clock, code, s.selfKey)
	s.evict = presence.NewEvictionDetector(s.clock.Local(), s.selfKey, s.cfg.Presence.SelfEvictionGrace)
	s.participants = map[string]room.Participant{}
	s.settings = room.DefaultSettings()

	if err := s.pres.Join(ctx, s.nickname); err != nil {
		return fmt.Errorf("enter room %s: %w", code, err)
	}

	regCh, cancelReg, err := s.pres.Observe(ctx)
	if err != nil {
		s.enterFailed(ctx)
		return fmt.Errorf("enter room %s: %w", code, err)
	}
	s.cancels = append(s.cancels, cancelReg)
	go func() {
		for reg := range regCh {
			reg := reg
			s.post(func() { s.handleRegistry(reg) })
		}
	}()

	listeners := []struct {
		path    string
		handler func(docstore.Event)
	}{
		{room.MetaPath(code), s.handleMeta},
		{room.SettingsPath(code), s.handleSettings},
		{room.TimerPath(code), s.handleTimer},
		{room.Path(code), s.handleRoot},
	}
	for _, l := range listeners {
		ch, cancel, err := s.store.Listen(ctx, l.path)
		if err != nil {
			s.enterFailed(ctx)
			return fmt.Errorf("enter room %s: listen %s: %w", code, l.path, err)
		}
		s.cancels = append(s.cancels, cancel)
		handler := l.handler
		go func() {
			for ev := range ch {
				ev := ev
				s.post(func() { handler(ev) })
			}
		}()
	}

	if s.bus != nil {
		sigCh, cancelSig, err := s.bus.Subscribe(code, s.selfKey)
		if err != nil {
			log.Warn().Err(err).Str("room", code).Msg("voice signaling unavailable")
			s.notify("Voice chat is unavailable for this session.", true)
		} else {
			s.voiceMgr = voice.NewManager(s.bus, code, s.selfKey)
			s.voiceSignals = sigCh
			s.voiceCancel = cancelSig
		}
	}

	s.inRoom = true
	s.publishView()
	return nil
}

// enterFailed unwinds a half-finished Enter.
func (s *Session) enterFailed(ctx context.Context) {
	s.detach()
	if err := s.pres.RemoveSelf(ctx); err != nil {
		log.Warn().Err(err).Str("room", s.roomID).Msg("could not remove presence record after failed entry")
	}
}

// detach stops every listener and the voice subsystem. It touches only
// local resources; the store record is the caller's problem.
func (s *Session) detach() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	if s.voiceMgr != nil {
		s.voiceMgr.Disable()
		s.voiceMgr = nil
	}
	if s.voiceCancel != nil {
		s.voiceCancel()
		s.voiceCancel = nil
	}
	s.voiceSignals = nil
	s.claimCh = nil
}

// leave is the single exit path for a membership, run-loop only. It hands
// the room off (or deletes it) when we are host, detaches listeners before
// touching our own record so the departure does not feed back into this
// session, and finally removes the presence record and its disconnect hook.
// roomGone means the room no longer exists, so no store cleanup is owed.
func (s *Session) leave(ctx context.Context, text string, roomGone bool) {
	if s.leaving {
		return
	}
	s.leaving = true
	if !s.inRoom {
		close(s.done)
		return
	}

	roomDeleted := roomGone
	if !roomGone && s.isHost() {
		rest := make(map[string]room.Participant, len(s.participants))
		for k, p := range s.participants {
			if k != s.selfKey {
				rest[k] = p
			}
		}
		if next := election.Oldest(rest); next != "" {
			if err := s.store.Set(ctx, room.HostPath(s.roomID), next); err != nil {
				log.Warn().Err(err).Str("room", s.roomID).Str("next", next).Msg("host handoff failed")
			}
		} else {
			if err := s.store.Delete(ctx, room.Path(s.roomID)); err != nil {
				log.Warn().Err(err).Str("room", s.roomID).Msg("could not delete empty room")
			} else {
				roomDeleted = true
			}
		}
	}

	s.detach()
	if !roomDeleted {
		if err := s.pres.RemoveSelf(ctx); err != nil {
			log.Warn().Err(err).Str("room", s.roomID).Msg("presence removal failed on leave")
		}
	}

	s.inRoom = false
	s.participants = nil
	s.hostID = ""
	s.participantsLoaded = false
	s.metaLoaded = false
	s.rootLoaded = false
	s.timerLoaded = false
	s.publishView()
	if text != "" {
		s.notify(text, roomGone)
	}
	close(s.done)
}
