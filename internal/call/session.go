package call

import (
	"context"
	"fmt"
	"sync"

	"roomcall/native/internal/channel"
	"roomcall/native/internal/domain"
	"roomcall/native/internal/event"
	"roomcall/native/internal/media"
	"roomcall/native/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// session is one peer connection bound to one room.
type session struct {
	role   domain.Role
	peer   Peer
	ctx    context.Context
	cancel context.CancelFunc
	inbox  *event.Bus[any]
	done   chan struct{}
	recv   *channel.Receiver

	stopPeerEvents func()

	mu        sync.Mutex
	id        string
	ownsRoom  bool
	published bool
	pending   []domain.CandidateRecord
	state     domain.ConnectionState
	dc        *webrtc.DataChannel
	conn      *channel.Conn
	open      bool
	remote    []*pion.TrackRemote
}

// Inbox messages besides webrtc events.
type (
	roomPublished    struct{}
	answerArrived    struct{ desc domain.SessionDescription }
	candidateArrived struct{ rec domain.CandidateRecord }
)

func (s *session) roomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) connState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) channelOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *session) remoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remote)
}

func (s *session) connection() *channel.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for dispatch: %w", ctx.Err())
	}
}

func mediaInfo(r *media.Result) *domain.MediaInfo {
	return &domain.MediaInfo{HasVideo: r.HasVideo, HasAudio: r.HasAudio, FallbackUsed: r.ProfileIndex}
}

// forward copies a source channel into the session inbox until either
// side is done.
func forward[T any](ctx context.Context, in <-chan T, inbox *event.Bus[any], wrap func(T) any) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-in:
			if !ok {
				return
			}
			inbox.Publish(wrap(v))
		}
	}
}

// startSession reserves the session slot, opens the peer with the local
// tracks and starts the dispatch goroutine.
func (o *Orchestrator) startSession(role domain.Role) (*session, *media.Result, error) {
	if o.unsupported != nil {
		return nil, nil, o.unsupported
	}
	peer, err := o.newPeer()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	ctx, cancel := context.WithCancel(o.ctx)
	s := &session{
		role:   role,
		peer:   peer,
		ctx:    ctx,
		cancel: cancel,
		inbox:  event.NewBus[any](),
		done:   make(chan struct{}),
		state:  domain.StateNew,
	}
	s.recv = channel.NewReceiver(o.clk, o.log, o.onReceived)

	o.mu.Lock()
	switch {
	case o.local == nil:
		o.mu.Unlock()
		cancel()
		return nil, nil, ErrNoMedia
	case o.sess != nil:
		o.mu.Unlock()
		cancel()
		return nil, nil, ErrInSession
	}
	o.sess = s
	local := o.local
	o.mu.Unlock()

	// Subscribe before Open so no candidate or state change is missed.
	inbox, _ := s.inbox.Subscribe()
	events, stop := peer.Events()
	s.stopPeerEvents = stop
	go forward(ctx, events, s.inbox, func(e webrtc.Event) any { return e })
	go o.dispatch(s, inbox)

	var tracks []pion.TrackLocal
	for _, t := range local.Stream.Tracks() {
		tracks = append(tracks, t)
	}
	if err := peer.Open(role, tracks); err != nil {
		return s, local, fmt.Errorf("open peer: %w", err)
	}
	for _, t := range local.Stream.Tracks() {
		if !t.Enabled() {
			if err := peer.SetTrackEnabled(codecType(t.MediaKind()), false); err != nil {
				o.log.Warn("mute track", zap.Error(err))
			}
		}
	}
	o.log.Info("session started", zap.String("role", string(role)))
	return s, local, nil
}

// abort tears down a session whose setup failed. Local media is kept.
func (o *Orchestrator) abort(ctx context.Context, s *session, cause error) error {
	o.mu.Lock()
	if o.sess != s {
		o.mu.Unlock()
		return cause
	}
	o.sess = nil
	screen := o.screen
	o.screen = nil
	o.mu.Unlock()

	o.log.Warn("session setup failed", zap.Error(cause))
	if err := o.teardown(ctx, s, nil, screen); err != nil {
		o.log.Warn("cleanup after failed setup", zap.Error(err))
	}
	return cause
}

// CreateRoom opens the peer as caller, publishes the offer and wires the
// answer and callee-candidate subscriptions. It returns the room id.
func (o *Orchestrator) CreateRoom(ctx context.Context) (string, error) {
	s, local, err := o.startSession(domain.RoleCaller)
	if s == nil {
		return "", err
	}
	if err != nil {
		return "", o.abort(ctx, s, err)
	}

	dc, err := s.peer.OpenDataChannel(ChatLabel)
	if err != nil {
		return "", o.abort(ctx, s, err)
	}
	s.mu.Lock()
	s.dc = dc
	s.conn = channel.NewConn(dc, o.clk, o.log)
	s.mu.Unlock()

	offer, err := s.peer.CreateOffer()
	if err != nil {
		return "", o.abort(ctx, s, err)
	}
	id, err := o.signal.PublishOffer(ctx, offer, mediaInfo(local))
	if err != nil {
		return "", o.abort(ctx, s, err)
	}
	s.mu.Lock()
	s.id = id
	s.ownsRoom = true
	s.mu.Unlock()

	answers, err := o.signal.WatchAnswer(s.ctx, id)
	if err != nil {
		return "", o.abort(ctx, s, fmt.Errorf("watch answer: %w", err))
	}
	cands, err := o.signal.WatchCandidates(s.ctx, id, domain.RoleCallee)
	if err != nil {
		return "", o.abort(ctx, s, fmt.Errorf("watch callee candidates: %w", err))
	}
	s.inbox.Publish(roomPublished{})
	go forward(s.ctx, answers, s.inbox, func(d domain.SessionDescription) any { return answerArrived{d} })
	go forward(s.ctx, cands, s.inbox, func(c domain.CandidateRecord) any { return candidateArrived{c} })

	o.log.Info("room created", zap.String("room", id))
	o.bus.Publish(RoomEvent{RoomID: id, Role: domain.RoleCaller})
	return id, nil
}

// JoinRoom answers the offer in room id and wires the caller-candidate
// subscription.
func (o *Orchestrator) JoinRoom(ctx context.Context, id string) error {
	if o.unsupported != nil {
		return o.unsupported
	}
	o.mu.Lock()
	switch {
	case o.local == nil:
		o.mu.Unlock()
		return ErrNoMedia
	case o.sess != nil:
		o.mu.Unlock()
		return ErrInSession
	}
	o.mu.Unlock()

	room, err := o.signal.FetchRoom(ctx, id)
	if err != nil {
		return err
	}
	if room.Offer == nil {
		return fmt.Errorf("room %s has no offer", id)
	}

	s, local, err := o.startSession(domain.RoleCallee)
	if s == nil {
		return err
	}
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	if err != nil {
		return o.abort(ctx, s, err)
	}

	if err := s.peer.SetRemoteDescription(*room.Offer); err != nil {
		return o.abort(ctx, s, err)
	}
	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return o.abort(ctx, s, err)
	}
	if err := o.signal.PublishAnswer(ctx, id, answer, mediaInfo(local)); err != nil {
		return o.abort(ctx, s, err)
	}
	s.mu.Lock()
	s.ownsRoom = true
	s.mu.Unlock()
	// Local candidates stay buffered until the answer has won the room.
	s.inbox.Publish(roomPublished{})

	cands, err := o.signal.WatchCandidates(s.ctx, id, domain.RoleCaller)
	if err != nil {
		return o.abort(ctx, s, fmt.Errorf("watch caller candidates: %w", err))
	}
	go forward(s.ctx, cands, s.inbox, func(c domain.CandidateRecord) any { return candidateArrived{c} })

	o.log.Info("room joined", zap.String("room", id))
	o.bus.Publish(RoomEvent{RoomID: id, Role: domain.RoleCallee})
	return nil
}

// dispatch applies every inbound event of s in order.
func (o *Orchestrator) dispatch(s *session, in <-chan any) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			o.handle(s, m)
		}
	}
}

func (o *Orchestrator) handle(s *session, m any) {
	switch m := m.(type) {
	case webrtc.StateEvent:
		s.mu.Lock()
		s.state = m.To
		s.mu.Unlock()
		if m.Err != nil {
			o.log.Error("connection failed", zap.Error(m.Err))
		}
		o.bus.Publish(StateEvent{State: m.To, Err: m.Err})

	case webrtc.CandidateEvent:
		s.mu.Lock()
		if !s.published {
			s.pending = append(s.pending, m.Candidate)
			s.mu.Unlock()
			return
		}
		id := s.id
		s.mu.Unlock()
		o.publishCandidate(s, id, m.Candidate)

	case roomPublished:
		s.mu.Lock()
		s.published = true
		id := s.id
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, c := range pending {
			o.publishCandidate(s, id, c)
		}

	case answerArrived:
		if err := s.peer.SetRemoteDescription(m.desc); err != nil {
			o.log.Error("apply answer", zap.Error(err))
			o.bus.Publish(StateEvent{State: s.connState(), Err: &webrtc.NegotiationError{Reason: err.Error()}})
		}

	case candidateArrived:
		if err := s.peer.AddRemoteCandidate(m.rec); err != nil {
			o.log.Warn("add remote candidate", zap.Error(err))
		}

	case webrtc.TrackEvent:
		s.mu.Lock()
		s.remote = append(s.remote, m.Track)
		s.mu.Unlock()
		o.bus.Publish(RemoteTrackEvent{Kind: media.KindOf(m.Track.Kind()), Track: m.Track})
		if o.recordDir != "" {
			go o.record(s, m.Track)
		}

	case webrtc.ChannelEvent:
		o.handleChannel(s, m)
	}
}

func (o *Orchestrator) handleChannel(s *session, m webrtc.ChannelEvent) {
	switch m.Kind {
	case webrtc.ChannelOpen:
		s.mu.Lock()
		if s.conn == nil {
			s.dc = m.Channel
			s.conn = channel.NewConn(m.Channel, o.clk, o.log)
		}
		s.open = true
		s.mu.Unlock()
		o.bus.Publish(ChannelStateEvent{Open: true})
	case webrtc.ChannelMessage:
		s.recv.Handle(m.Data)
	case webrtc.ChannelClose:
		s.mu.Lock()
		s.open = false
		s.mu.Unlock()
		s.recv.Close()
		o.bus.Publish(ChannelStateEvent{Open: false})
	}
}

func (o *Orchestrator) publishCandidate(s *session, id string, rec domain.CandidateRecord) {
	if err := o.signal.PublishCandidate(s.ctx, id, s.role, rec); err != nil {
		o.log.Warn("publish candidate", zap.String("room", id), zap.Error(err))
	}
}

func (o *Orchestrator) record(s *session, track *pion.TrackRemote) {
	kf, _ := s.peer.(webrtc.KeyFrameRequester)
	rec := webrtc.NewRecorder(o.recordDir, kf, o.clk, o.log)
	path, err := rec.Record(s.ctx, track)
	if err != nil {
		o.log.Warn("record remote track", zap.Error(err))
		return
	}
	if path != "" {
		o.log.Info("remote track recorded", zap.String("path", path))
	}
}

func (o *Orchestrator) onReceived(e channel.Event) {
	switch v := e.(type) {
	case channel.ChatReceived:
		o.bus.Publish(ChatEvent{From: Remote, Chat: v.Chat, Raw: v.Raw})
	case channel.TypingChanged:
		o.bus.Publish(TypingEvent{Typing: v.Typing})
	case channel.FileOffered:
		o.bus.Publish(FileEvent{From: Remote, File: v.File})
	case channel.FileReceived:
		o.bus.Publish(FileReceivedEvent{Name: v.Name, Type: v.Type, Data: v.Data})
	}
}
