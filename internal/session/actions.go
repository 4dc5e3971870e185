package session

import (
	"context"
	"errors"

	"github.com/studytogether/studysync/internal/history"
	"github.com/studytogether/studysync/internal/room"
)

// StartPause toggles the timer between running and paused. Host only; the
// check is advisory here and enforced by the store's write rules.
func (s *Session) StartPause() {
	s.post(func() {
		if !s.inRoom || !s.timerLoaded {
			return
		}
		if !s.isHost() {
			s.notify("Only the host can control the timer.", true)
			return
		}
		var err error
		if s.tmr.Paused {
			err = s.engine.Resume(s.baseCtx, s.tmr, s.settings)
		} else {
			err = s.engine.Pause(s.baseCtx, s.tmr, s.settings)
		}
		if err != nil {
			s.notify("Timer update failed: "+err.Error(), true)
		}
	})
}

// Skip ends the current phase immediately.
func (s *Session) Skip() {
	s.post(func() {
		if !s.inRoom || !s.timerLoaded {
			return
		}
		if !s.isHost() {
			s.notify("Only the host can skip a phase.", true)
			return
		}
		if err := s.engine.AdvancePhase(s.baseCtx, s.tmr, s.settings); err != nil {
			s.notify("Could not skip the phase: "+err.Error(), true)
		}
	})
}

// UpdateSettings applies new durations (in minutes) and resets the timer.
func (s *Session) UpdateSettings(workMin, breakMin int) {
	s.post(func() {
		if !s.inRoom {
			return
		}
		if !s.isHost() {
			s.notify("Only the host can change the settings.", true)
			return
		}
		next := room.Settings{WorkSec: workMin * 60, BreakSec: breakMin * 60}.Clamp()
		if err := s.engine.ApplySettings(s.baseCtx, s.tmr, next); err != nil {
			s.notify("Could not apply settings: "+err.Error(), true)
			return
		}
		s.notify("Settings applied. The timer was reset.", false)
	})
}

// SetTask updates what this participant is working on. The task rides on
// the next history entry and on the presence record for everyone to see.
func (s *Session) SetTask(raw string) {
	task := room.SanitizeTask(raw)
	s.post(func() {
		if !s.inRoom {
			return
		}
		s.task = task
		if err := s.store.Update(s.baseCtx, room.ParticipantPath(s.roomID, s.selfKey), map[string]any{"task": task}); err != nil {
			s.notify("Could not update the task: "+err.Error(), true)
			return
		}
		s.publishView()
	})
}

// ToggleVoice opens or closes this participant's voice chat. Opening is
// allowed during breaks only.
func (s *Session) ToggleVoice() {
	s.post(func() {
		if !s.inRoom {
			return
		}
		if s.voiceMgr == nil {
			s.notify("Voice chat is unavailable for this session.", true)
			return
		}
		if s.voiceMgr.Enabled() {
			s.voiceMgr.Disable()
		} else {
			if s.tmr.Phase != room.PhaseBreak {
				s.notify("Voice chat opens during breaks only.", true)
				return
			}
			s.voiceMgr.Enable(s.voicePeers())
		}
		// Replicate the flag right away instead of waiting out the
		// heartbeat interval.
		s.sendHeartbeat(s.baseCtx)
		s.publishView()
	})
}

// ToggleMute flips the local mute flag.
func (s *Session) ToggleMute() {
	s.post(func() {
		if !s.inRoom || s.voiceMgr == nil {
			return
		}
		s.voiceMgr.ToggleMute()
		s.sendHeartbeat(s.baseCtx)
		s.publishView()
	})
}

// Leave exits the room gracefully and waits for the session to finish.
// Run must be active for Leave to complete.
func (s *Session) Leave(ctx context.Context) error {
	s.post(func() { s.leave(s.baseCtx, "", false) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns this participant's recorded work sessions, newest first.
func (s *Session) History(ctx context.Context) ([]history.Entry, error) {
	r := s.recorder
	if r == nil {
		return nil, errors.New("session: not in a room")
	}
	return r.List(ctx)
}

// DeleteHistory removes one recorded session by id.
func (s *Session) DeleteHistory(ctx context.Context, sessionID string) error {
	r := s.recorder
	if r == nil {
		return errors.New("session: not in a room")
	}
	return r.Delete(ctx, sessionID)
}
