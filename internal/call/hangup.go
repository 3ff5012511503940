package call

import (
	"context"

	"roomcall/native/internal/media"

	"go.uber.org/zap"
)

// HangUp ends the session and resets the orchestrator to its initial
// state. Every step runs even if an earlier one failed; failures are
// returned together as a *TeardownError.
func (o *Orchestrator) HangUp(ctx context.Context) error {
	o.mu.Lock()
	s := o.sess
	o.sess = nil
	local := o.local
	o.local = nil
	screen := o.screen
	o.screen = nil
	o.stopRetryLocked()
	o.retries = 0
	o.mediaErr = nil
	o.mu.Unlock()

	var roomID string
	if s != nil {
		roomID = s.roomID()
	}
	err := o.teardown(ctx, s, local, screen)
	if err != nil {
		o.log.Warn("hang up finished with errors", zap.Error(err))
	} else if s != nil {
		o.log.Info("hung up", zap.String("room", roomID))
	}
	o.bus.Publish(HangUpEvent{RoomID: roomID, Err: err})
	return err
}

// teardown releases everything a session holds. s, local and screen may
// each be nil.
func (o *Orchestrator) teardown(ctx context.Context, s *session, local *media.Result, screen *media.Stream) error {
	te := &TeardownError{}
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			o.log.Warn("teardown step failed", zap.String("step", name), zap.Error(err))
			te.Steps = append(te.Steps, StepError{Step: name, Err: err})
		}
	}

	step("stop tracks", func() error {
		if local != nil {
			o.media.Release(local.Stream)
		}
		if screen != nil {
			o.media.Release(screen)
		}
		if s == nil {
			return nil
		}
		return s.peer.StopRemoteTracks()
	})
	if s != nil {
		step("close data channel", func() error {
			s.mu.Lock()
			dc := s.dc
			s.open = false
			s.mu.Unlock()
			if dc == nil {
				return nil
			}
			return dc.Close()
		})
		step("close connection", s.peer.Close)
		step("unsubscribe", func() error {
			s.cancel()
			if s.stopPeerEvents != nil {
				s.stopPeerEvents()
			}
			s.inbox.Close()
			return s.wait(ctx)
		})
		step("delete room", func() error {
			s.mu.Lock()
			id, owns := s.id, s.ownsRoom
			s.mu.Unlock()
			if !owns || id == "" {
				return nil
			}
			return o.signal.Teardown(ctx, id)
		})
		step("reset", func() error {
			s.recv.Close()
			return nil
		})
	}

	if len(te.Steps) == 0 {
		return nil
	}
	return te
}
