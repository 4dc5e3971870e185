package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/election"
	"github.com/studytogether/studysync/internal/presence"
	"github.com/studytogether/studysync/internal/room"
)

// Run is the session's event loop. Every store event, timer tick, claim
// outcome and voice signal funnels through this one goroutine, which is the
// only writer of session state. Run returns when the session leaves its
// room or ctx is cancelled (which leaves gracefully).
func (s *Session) Run(ctx context.Context) {
	s.baseCtx = ctx

	tick := s.clock.Local().NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	hb := s.clock.Local().NewTicker(s.cfg.Presence.HeartbeatInterval)
	defer hb.Stop()
	prune := s.clock.Local().NewTicker(s.cfg.Presence.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			s.leave(context.Background(), "", false)
			return
		case <-s.done:
			return
		case fn := <-s.loopCh:
			fn()
		case <-tick.Chan():
			s.handleTick(ctx)
		case <-hb.Chan():
			s.sendHeartbeat(ctx)
		case <-prune.Chan():
			s.handlePrune(ctx)
		case out := <-s.claimCh:
			s.elector.ResolveClaim(out)
		case sig := <-s.voiceSignals:
			if s.voiceMgr != nil {
				s.voiceMgr.HandleSignal(sig)
				s.publishView()
			}
		}
	}
}

func (s *Session) electionView() election.View {
	return election.View{
		HostID:             s.hostID,
		MetaLoaded:         s.metaLoaded,
		Participants:       s.participants,
		ParticipantsLoaded: s.participantsLoaded,
	}
}

// voicePeers lists the other participants currently advertising voice.
func (s *Session) voicePeers() []string {
	peers := make([]string, 0, len(s.participants))
	for key, p := range s.participants {
		if key != s.selfKey && p.VoiceEnabled {
			peers = append(peers, key)
		}
	}
	return peers
}

func (s *Session) handleRegistry(reg map[string]room.Participant) {
	if !s.inRoom || s.leaving {
		return
	}
	prev := s.participants
	s.participants = reg
	s.participantsLoaded = true

	if s.evict.Check(reg) {
		s.leave(s.baseCtx, "You were removed from the room after losing connection.", false)
		return
	}
	if s.voiceMgr != nil {
		for key := range prev {
			if _, still := reg[key]; !still {
				s.voiceMgr.DropPeer(key)
			}
		}
		if s.voiceMgr.Enabled() {
			s.voiceMgr.ConnectPeers(s.voicePeers())
		}
	}
	s.elector.Evaluate(s.baseCtx, s.electionView())
	s.publishView()
}

func (s *Session) handleMeta(ev docstore.Event) {
	if !s.inRoom || s.leaving {
		return
	}
	var meta room.Meta
	if ev.Data != nil {
		if err := json.Unmarshal(ev.Data, &meta); err != nil {
			log.Warn().Err(err).Str("room", s.roomID).Msg("malformed meta record")
			return
		}
	}
	prev := s.hostID
	s.hostID = meta.HostID
	s.metaLoaded = true
	if prev != s.hostID && s.isHost() {
		s.notify("You are now the host.", false)
	}
	s.elector.Evaluate(s.baseCtx, s.electionView())
	s.publishView()
}

func (s *Session) handleSettings(ev docstore.Event) {
	if !s.inRoom || s.leaving || ev.Data == nil {
		return
	}
	var settings room.Settings
	if err := json.Unmarshal(ev.Data, &settings); err != nil {
		log.Warn().Err(err).Str("room", s.roomID).Msg("malformed settings record")
		return
	}
	// Out-of-range values written by older or hostile clients are clamped
	// on read rather than trusted.
	s.settings = settings.Clamp()
	s.publishView()
}

func (s *Session) handleTimer(ev docstore.Event) {
	if !s.inRoom || s.leaving || ev.Data == nil {
		return
	}
	var t room.Timer
	if err := json.Unmarshal(ev.Data, &t); err != nil {
		log.Warn().Err(err).Str("room", s.roomID).Msg("malformed timer record")
		return
	}
	prev, wasLoaded := s.tmr, s.timerLoaded
	s.tmr = t
	s.timerLoaded = true
	s.engine.Observe(t)
	if wasLoaded {
		if prev.Paused && !t.Paused && t.Phase == room.PhaseWork && !s.recorder.Active() {
			s.recorder.Begin(s.task)
		}
		if prev.Phase != t.Phase {
			s.onPhaseFlip(t)
		}
	}
	s.publishView()
}

// onPhaseFlip reacts to a replicated phase change, whoever wrote it. Work
// sessions are recorded per participant, so everyone closes their own
// history entry here, not just the host that advanced the timer.
func (s *Session) onPhaseFlip(t room.Timer) {
	if t.Phase == room.PhaseBreak {
		s.notify("Break time. Step away for a bit.", false)
		if s.recorder.Active() {
			if err := s.recorder.Complete(s.baseCtx, s.settings.WorkSec); err != nil {
				log.Warn().Err(err).Str("room", s.roomID).Msg("could not record work session")
			}
		}
		return
	}
	s.notify("Back to focus.", false)
	if s.voiceMgr != nil && s.voiceMgr.Enabled() {
		s.voiceMgr.Disable()
		s.notify("Voice chat closed for the focus phase.", false)
		s.sendHeartbeat(s.baseCtx)
	}
	if !t.Paused {
		s.recorder.Begin(s.task)
	}
}

func (s *Session) handleRoot(ev docstore.Event) {
	if !s.inRoom || s.leaving {
		return
	}
	if ev.Data == nil {
		// Deletion events before the first snapshot are noise, not a
		// closed room.
		if s.rootLoaded {
			s.leave(s.baseCtx, "The room was closed.", true)
		}
		return
	}
	s.rootLoaded = true
}

func (s *Session) handleTick(ctx context.Context) {
	if !s.inRoom || s.leaving {
		return
	}
	if s.isHost() && s.timerLoaded {
		if _, err := s.engine.CheckExpiry(ctx, s.tmr, s.settings); err != nil && !errors.Is(err, docstore.ErrClosed) {
			log.Debug().Err(err).Str("room", s.roomID).Msg("phase expiry check failed")
		}
	}
	s.elector.Evaluate(ctx, s.electionView())
	s.publishView()
}

func (s *Session) sendHeartbeat(ctx context.Context) {
	if !s.inRoom || s.leaving {
		return
	}
	hb := presence.HeartbeatState{Task: s.task}
	if s.voiceMgr != nil {
		hb.Muted = s.voiceMgr.Muted()
		hb.VoiceEnabled = s.voiceMgr.Enabled()
	}
	if err := s.pres.Heartbeat(ctx, hb); err != nil && !errors.Is(err, docstore.ErrClosed) {
		log.Warn().Err(err).Str("room", s.roomID).Msg("heartbeat failed")
	}
}

func (s *Session) handlePrune(ctx context.Context) {
	if !s.inRoom || s.leaving || !s.participantsLoaded {
		return
	}
	if _, err := s.pres.PruneStale(ctx, s.participants, s.isHost()); err != nil {
		log.Warn().Err(err).Str("room", s.roomID).Msg("stale prune failed")
	}
}
