package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"roomcall/native/internal/api"
	"roomcall/native/internal/call"

	"go.uber.org/zap"
)

// readCommands turns stdin lines into orchestrator calls. quit is closed
// on /quit or EOF.
func readCommands(ctx context.Context, o *call.Orchestrator, in io.Reader, quit chan<- struct{}) {
	defer close(quit)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		done, err := runCommand(ctx, o, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		if done {
			return
		}
	}
}

func runCommand(ctx context.Context, o *call.Orchestrator, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, o.SendChat(line)
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true, nil
	case "/typing":
		return false, o.SendTyping()
	case "/mute":
		on, err := o.ToggleAudio()
		if err == nil {
			fmt.Printf("* microphone %s\n", onOff(on))
		}
		return false, err
	case "/video":
		on, err := o.ToggleVideo()
		if err == nil {
			fmt.Printf("* camera %s\n", onOff(on))
		}
		return false, err
	case "/screen":
		return false, o.StartScreenShare(ctx)
	case "/unscreen":
		return false, o.StopScreenShare()
	case "/send", "/share":
		if arg == "" {
			return false, fmt.Errorf("usage: %s <path>", cmd)
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return false, err
		}
		name := filepath.Base(arg)
		typ := api.DetectType(name, data)
		if cmd == "/send" {
			return false, o.SendFile(name, typ, data)
		}
		return false, o.ShareFile(ctx, name, typ, data)
	case "/retry":
		_, err := o.RetryMedia(ctx)
		return false, err
	case "/status":
		s := o.Snapshot()
		fmt.Printf("* room=%s role=%s state=%s channel=%t media=%t profile=%d audio=%t video=%t screen=%t remote-tracks=%d\n",
			s.RoomID, s.Role, s.State, s.ChannelOpen, s.HasMedia, s.ProfileIndex,
			s.AudioEnabled, s.VideoEnabled, s.ScreenSharing, s.RemoteTracks)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// printEvents writes chat to stdout and everything else to the log.
func printEvents(events <-chan call.Event, log *zap.Logger) {
	for ev := range events {
		switch e := ev.(type) {
		case call.ChatEvent:
			who := "you"
			if e.From == call.Remote {
				who = "peer"
			}
			fmt.Printf("[%s %s] %s\n", e.Chat.Timestamp.Local().Format("15:04:05"), who, e.Chat.Text)
		case call.FileEvent:
			fmt.Printf("* file %s (%d bytes, %s): %s\n", e.File.FileName, e.File.FileSize, e.File.FileType, e.File.FileURL)
		case call.FileReceivedEvent:
			path := "received-" + filepath.Base(e.Name)
			if err := os.WriteFile(path, e.Data, 0o644); err != nil {
				log.Warn("save received file", zap.String("file", e.Name), zap.Error(err))
				continue
			}
			fmt.Printf("* received %s (%d bytes) -> %s\n", e.Name, len(e.Data), path)
		case call.TypingEvent:
			if e.Typing {
				fmt.Println("* peer is typing...")
			}
		case call.RoomEvent:
			log.Info("room ready", zap.String("room", e.RoomID), zap.String("role", string(e.Role)))
		case call.StateEvent:
			if e.Err != nil {
				log.Warn("connection", zap.String("state", string(e.State)), zap.Error(e.Err))
			} else {
				log.Info("connection", zap.String("state", string(e.State)))
			}
		case call.MediaEvent:
			switch {
			case e.Result != nil:
				log.Info("media ready", zap.Int("profile", e.Result.ProfileIndex),
					zap.Bool("video", e.Result.HasVideo), zap.Bool("audio", e.Result.HasAudio))
			case e.Err != nil:
				log.Warn("media unavailable", zap.Error(e.Err),
					zap.Int("retry", e.RetryCount), zap.Bool("retrying", e.RetryScheduled))
			}
		case call.RemoteTrackEvent:
			log.Info("remote track", zap.String("kind", string(e.Kind)), zap.String("codec", e.Track.Codec().MimeType))
		case call.ChannelStateEvent:
			log.Info("data channel", zap.Bool("open", e.Open))
		case call.ScreenShareEvent:
			log.Info("screen share", zap.Bool("active", e.Active))
		case call.ToggleEvent:
			log.Debug("toggle", zap.String("kind", string(e.Kind)), zap.Bool("enabled", e.Enabled))
		case call.HangUpEvent:
			log.Info("call ended", zap.String("room", e.RoomID), zap.NamedError("teardown", e.Err))
		}
	}
}
