package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"roomcall/native/internal/api"
	"roomcall/native/internal/call"
	"roomcall/native/internal/config"
	"roomcall/native/internal/docstore/backend"
	"roomcall/native/internal/domain"
	"roomcall/native/internal/logger"
	"roomcall/native/internal/media"
	"roomcall/native/internal/signal"
	"roomcall/native/internal/webrtc"

	"go.uber.org/zap"
)

const helpText = `roomcall - two-party audio/video/chat calls over WebRTC

Usage:
  roomcall create          Create a room and wait for someone to join
  roomcall join <room>     Join an existing room
  roomcall devices         List capture devices and permissions
  roomcall test-media      Acquire and release a stream, then print diagnostics

During a call every line typed on stdin is sent as chat. Commands:
  /typing          Send a typing indicator
  /mute            Toggle the microphone
  /video           Toggle the camera
  /screen          Share the screen instead of the camera
  /unscreen        Go back to the camera
  /send <path>     Send a file inline over the data channel
  /share <path>    Upload a file and send a link to it
  /retry           Retry media acquisition
  /status          Print the call state
  /quit            Hang up and exit

Environment Variables:
  ROOMCALL_STORE                memory | sqlite | redis | ws (default memory)
  ROOMCALL_SQLITE_PATH          SQLite database file (default roomcall.db)
  ROOMCALL_DOCSTORE_URL         docstored websocket URL (default ws://localhost:8080/ws)
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
  ROOMCALL_ROOM_TTL             Room expiry in Redis (default 24h)
  ROOMCALL_STUN_URLS            Comma-separated STUN URLs
  ROOMCALL_NEGOTIATION_TIMEOUT  Time allowed to reach connected (default 30s)
  ROOMCALL_UPLOAD_URL           Blob upload endpoint used by /share
  ROOMCALL_UPLOAD_TOKEN         Bearer token for the upload endpoint
  ROOMCALL_RECORD_DIR           Record remote tracks into this directory
  ROOMCALL_LOG_LEVEL            debug | info | warn | error (default info)

Options:
  -h, --help  Show this help message
`

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg.LogLevel).Named("main")
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	devices, err := media.NewNativeDevices(log)
	if err != nil {
		log.Fatal("open capture devices", zap.Error(err))
	}
	svc := media.NewService(devices, log)

	switch args[0] {
	case "devices":
		err = listDevices(ctx, svc)
	case "test-media":
		err = testMedia(ctx, svc)
	case "create":
		err = runCall(ctx, cfg, log, svc, devices, "")
	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: roomcall join <room>")
			os.Exit(2)
		}
		err = runCall(ctx, cfg, log, svc, devices, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], helpText)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("roomcall failed", zap.Error(err))
	}
}

func listDevices(ctx context.Context, svc *media.Service) error {
	if err := svc.Supported(); err != nil {
		return err
	}
	devs, err := svc.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devs {
		fmt.Printf("%-6s %-24s %s\n", d.Kind, d.ID, d.Label)
	}
	perms := svc.QueryPermissions(ctx)
	fmt.Printf("camera: %s\nmicrophone: %s\n", perms.Camera, perms.Microphone)
	return nil
}

func testMedia(ctx context.Context, svc *media.Service) error {
	res, err := svc.Test(ctx)
	diag := svc.Diagnostics()
	for _, a := range diag.Attempts {
		fmt.Println(a)
	}
	if err != nil {
		return err
	}
	fmt.Printf("profile %d (%s): video=%t audio=%t\n",
		res.ProfileIndex, media.Ladder[res.ProfileIndex].Name, res.HasVideo, res.HasAudio)
	return nil
}

func runCall(ctx context.Context, cfg *config.Config, log *zap.Logger, svc *media.Service, devices *media.NativeDevices, roomID string) error {
	store, err := backend.Open(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var uploader domain.BlobUploader
	if cfg.Upload.URL != "" {
		uploader = api.NewClient(cfg.Upload.URL, cfg.Upload.Token, log)
	}

	o := call.New(call.Config{
		Media:     svc,
		Signaling: signal.New(store, log),
		NewPeer: func() (call.Peer, error) {
			return webrtc.NewPeer(webrtc.Config{
				ICEServers:         cfg.ICEServers,
				NegotiationTimeout: cfg.NegotiationTimeout,
				Codecs:             devices,
			}, log)
		},
		Uploader:  uploader,
		RecordDir: cfg.RecordDir,
		Logger:    log,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Close(closeCtx); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()
	if err := o.Supported(); err != nil {
		return err
	}

	events, stop := o.Subscribe()
	defer stop()
	go printEvents(events, log)

	if err := waitForMedia(ctx, o); err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	if roomID == "" {
		if roomID, err = o.CreateRoom(ctx); err != nil {
			return err
		}
		fmt.Printf("room: %s\n", roomID)
	} else if err := o.JoinRoom(ctx, roomID); err != nil {
		return err
	}

	quit := make(chan struct{})
	go readCommands(ctx, o, os.Stdin, quit)
	select {
	case <-ctx.Done():
	case <-quit:
	}

	hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.HangUp(hangCtx)
}

// waitForMedia returns once a stream is held or automatic retries are
// exhausted.
func waitForMedia(ctx context.Context, o *call.Orchestrator) error {
	events, stop := o.Subscribe()
	defer stop()
	if _, err := o.AcquireMedia(ctx); err == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("orchestrator closed")
			}
			me, ok := ev.(call.MediaEvent)
			if !ok {
				continue
			}
			if me.Result != nil {
				return nil
			}
			if me.Err != nil && !me.RetryScheduled {
				return me.Err
			}
		}
	}
}
