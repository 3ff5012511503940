package call

import (
	"context"
	"errors"
	"fmt"

	"roomcall/native/internal/channel"
	"roomcall/native/internal/media"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ErrNoUploader is returned by ShareFile without an upload service.
var ErrNoUploader = errors.New("no upload service configured")

// StartScreenShare replaces the outgoing video with a display capture.
// When the display track ends on its own the camera is restored.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	if o.unsupported != nil {
		return o.unsupported
	}
	o.mu.Lock()
	s := o.sess
	active := o.screen != nil
	o.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	if active {
		return nil
	}

	display, err := o.media.AcquireDisplay(ctx)
	if err != nil {
		return err
	}
	track := display.Track(media.Video)
	if track == nil {
		o.media.Release(display)
		return fmt.Errorf("display capture returned no video track")
	}
	if err := s.peer.ReplaceOutgoingTrack(track); err != nil {
		o.media.Release(display)
		return fmt.Errorf("send screen: %w", err)
	}
	// A muted camera must not hide the shared screen.
	if err := s.peer.SetTrackEnabled(pion.RTPCodecTypeVideo, true); err != nil {
		o.media.Release(display)
		return fmt.Errorf("send screen: %w", err)
	}

	o.mu.Lock()
	if o.sess != s || o.screen != nil {
		o.mu.Unlock()
		o.media.Release(display)
		return ErrNoSession
	}
	o.screen = display
	o.mu.Unlock()

	o.log.Info("screen share started")
	o.bus.Publish(ScreenShareEvent{Active: true})

	go func() {
		select {
		case <-track.Done():
			o.log.Info("screen capture ended")
			if err := o.stopScreen(display); err != nil {
				o.log.Warn("restore camera", zap.Error(err))
			}
		case <-s.ctx.Done():
		}
	}()
	return nil
}

// StopScreenShare restores the camera and releases the display capture.
func (o *Orchestrator) StopScreenShare() error {
	if o.unsupported != nil {
		return o.unsupported
	}
	o.mu.Lock()
	display := o.screen
	o.mu.Unlock()
	if display == nil {
		return nil
	}
	return o.stopScreen(display)
}

func (o *Orchestrator) stopScreen(display *media.Stream) error {
	o.mu.Lock()
	if o.screen != display {
		o.mu.Unlock()
		return nil
	}
	o.screen = nil
	s := o.sess
	local := o.local
	o.mu.Unlock()

	var cam *media.LocalTrack
	if local != nil {
		cam = local.Stream.Track(media.Video)
	}
	var err error
	if s != nil {
		if cam != nil {
			err = s.peer.ReplaceOutgoingTrack(cam)
			if err == nil && !cam.Enabled() {
				err = s.peer.SetTrackEnabled(pion.RTPCodecTypeVideo, false)
			}
		} else {
			err = s.peer.SetTrackEnabled(pion.RTPCodecTypeVideo, false)
		}
	}
	o.media.Release(display)
	o.log.Info("screen share stopped")
	o.bus.Publish(ScreenShareEvent{Active: false})
	return err
}

func (o *Orchestrator) channelConn() *channel.Conn {
	o.mu.Lock()
	s := o.sess
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.connection()
}

func notOpen() error { return &channel.Error{Kind: channel.KindNotOpen} }

// SendMessage sends any frame. Chat and file frames are echoed as local
// events.
func (o *Orchestrator) SendMessage(f channel.Frame) error {
	c := o.channelConn()
	if c == nil {
		return notOpen()
	}
	if err := c.Send(f); err != nil {
		return err
	}
	switch v := f.(type) {
	case channel.Chat:
		o.bus.Publish(ChatEvent{From: Local, Chat: v})
	case channel.File:
		o.bus.Publish(FileEvent{From: Local, File: v})
	}
	return nil
}

// SendChat sends a chat message stamped now.
func (o *Orchestrator) SendChat(text string) error {
	c := o.channelConn()
	if c == nil {
		return notOpen()
	}
	msg, err := c.SendChat(text)
	if err != nil {
		return err
	}
	o.bus.Publish(ChatEvent{From: Local, Chat: msg})
	return nil
}

// SendTyping tells the remote side the user is typing.
func (o *Orchestrator) SendTyping() error {
	c := o.channelConn()
	if c == nil {
		return notOpen()
	}
	return c.SendTyping()
}

// ShareFile uploads data and sends a link to it.
func (o *Orchestrator) ShareFile(ctx context.Context, name, contentType string, data []byte) error {
	if o.uploader == nil {
		return ErrNoUploader
	}
	o.mu.Lock()
	s := o.sess
	o.mu.Unlock()
	if s == nil {
		return notOpen()
	}
	c := s.connection()
	if c == nil || !c.IsOpen() {
		return notOpen()
	}
	ref, err := o.uploader.Upload(ctx, s.roomID(), name, contentType, data)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	f, err := c.SendFileLink(ref.Name, ref.URL, ref.Type, ref.Size)
	if err != nil {
		return err
	}
	o.bus.Publish(FileEvent{From: Local, File: f})
	return nil
}

// SendFile sends data inline over the data channel.
func (o *Orchestrator) SendFile(name, contentType string, data []byte) error {
	c := o.channelConn()
	if c == nil {
		return notOpen()
	}
	return c.SendFile(name, contentType, data)
}
