package webrtc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"roomcall/native/internal/domain"
	"roomcall/native/internal/event"
	"roomcall/native/internal/logger"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultNegotiationTimeout bounds how long a session may take to connect.
const DefaultNegotiationTimeout = 30 * time.Second

// CodecRegistrar registers the codecs a capture backend can produce.
type CodecRegistrar interface {
	RegisterCodecs(m *pion.MediaEngine) error
}

// Config configures a Peer.
type Config struct {
	ICEServers         []domain.ICEServer
	NegotiationTimeout time.Duration
	// IncludeLoopback keeps 127.0.0.1/::1 candidates. Only useful for
	// same-host sessions.
	IncludeLoopback bool
	Codecs          CodecRegistrar
	Clock           clock.Clock
}

// Peer wraps a pion PeerConnection for one side of a call. Everything it
// observes is published on its event bus.
type Peer struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock
	bus *event.Bus[Event]

	// negMu serializes remote description and candidate application.
	negMu    sync.Mutex
	addICE   func(pion.ICECandidateInit) error
	pending  []domain.CandidateRecord
	remoteOK bool

	mu       sync.Mutex
	pc       *pion.PeerConnection
	role     domain.Role
	state    domain.ConnectionState
	senders  map[pion.RTPCodecType]*pion.RTPSender
	outgoing map[pion.RTPCodecType]pion.TrackLocal
	disabled map[pion.RTPCodecType]bool
	channels []*DataChannel
	remote   []*pion.TrackRemote
	deadline *clock.Timer
	closed   bool
}

// NewPeer validates cfg and returns an unopened Peer. With no ICE servers
// only host candidates are gathered.
func NewPeer(cfg Config, log *zap.Logger) (*Peer, error) {
	if err := domain.ValidateICEServers(cfg.ICEServers); err != nil {
		return nil, err
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Peer{
		cfg:      cfg,
		log:      log.Named("peer"),
		clk:      cfg.Clock,
		bus:      event.NewBus[Event](),
		state:    domain.StateNew,
		senders:  make(map[pion.RTPCodecType]*pion.RTPSender),
		outgoing: make(map[pion.RTPCodecType]pion.TrackLocal),
		disabled: make(map[pion.RTPCodecType]bool),
	}, nil
}

// Events subscribes to peer events. Cancel releases the subscription.
func (p *Peer) Events() (<-chan Event, func()) {
	return p.bus.Subscribe()
}

func (p *Peer) newAPI() (*pion.API, error) {
	m := &pion.MediaEngine{}
	if p.cfg.Codecs != nil {
		if err := p.cfg.Codecs.RegisterCodecs(m); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{}
	se.LoggerFactory = logger.NewPionFactory(p.log)
	se.SetICETimeouts(10*time.Second, 25*time.Second, 2*time.Second)
	se.SetIncludeLoopbackCandidate(p.cfg.IncludeLoopback)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	), nil
}

// Open creates the peer connection, attaches tracks and, for the caller,
// adds receive-only transceivers for kinds it is not sending. The
// negotiation deadline starts here.
func (p *Peer) Open(role domain.Role, tracks []pion.TrackLocal) error {
	p.mu.Lock()
	if p.pc != nil || p.closed {
		p.mu.Unlock()
		return fmt.Errorf("peer already opened")
	}
	p.mu.Unlock()

	api, err := p.newAPI()
	if err != nil {
		return err
	}
	var servers []pion.ICEServer
	for _, s := range p.cfg.ICEServers {
		servers = append(servers, pion.ICEServer{URLs: s.URLs})
	}
	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:           servers,
		BundlePolicy:         pion.BundlePolicyMaxBundle,
		ICECandidatePoolSize: domain.DefaultCandidatePoolSize,
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	sending := map[pion.RTPCodecType]bool{}
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			pc.Close()
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
		p.senders[t.Kind()] = sender
		p.outgoing[t.Kind()] = t
		sending[t.Kind()] = true
	}
	if role == domain.RoleCaller {
		for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
			if sending[kind] {
				continue
			}
			if _, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	p.mu.Lock()
	p.pc = pc
	p.role = role
	p.mu.Unlock()

	p.negMu.Lock()
	if p.addICE == nil {
		p.addICE = pc.AddICECandidate
	}
	p.negMu.Unlock()

	pc.OnICECandidate(p.onCandidate)
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		p.log.Info("peer connection state", zap.String("state", s.String()))
		to, ok := fromPion(s)
		if !ok {
			return
		}
		var err error
		if to == domain.StateFailed {
			err = &NegotiationError{Reason: "ice connectivity failed"}
		}
		p.transition(to, err)
	})
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		p.log.Debug("ice connection state", zap.String("state", s.String()))
	})
	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		p.log.Info("got track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", codec.MimeType),
			zap.Uint8("pt", uint8(codec.PayloadType)),
		)
		p.mu.Lock()
		p.remote = append(p.remote, track)
		p.mu.Unlock()
		p.bus.Publish(TrackEvent{Track: track, Receiver: receiver})
	})
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		p.log.Info("remote data channel", zap.String("label", dc.Label()))
		p.wireChannel(dc)
	})

	timeout := p.cfg.NegotiationTimeout
	p.mu.Lock()
	p.deadline = p.clk.AfterFunc(timeout, func() {
		p.mu.Lock()
		state := p.state
		p.mu.Unlock()
		if state == domain.StateConnected || state.Terminal() {
			return
		}
		p.log.Warn("negotiation deadline passed", zap.Duration("timeout", timeout))
		p.transition(domain.StateFailed, &NegotiationError{Reason: "not connected", Timeout: timeout})
	})
	p.mu.Unlock()
	return nil
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) onCandidate(c *pion.ICECandidate) {
	if c == nil {
		p.log.Debug("ice gathering complete")
		return
	}
	init := c.ToJSON()
	if !p.cfg.IncludeLoopback && isLoopback(init.Candidate) {
		p.log.Debug("filtering loopback ice candidate")
		return
	}
	p.log.Debug("local ice candidate", zap.String("candidate", init.Candidate))
	p.bus.Publish(CandidateEvent{Candidate: ToRecord(init)})
}

// transition applies a state change if the table allows it.
func (p *Peer) transition(to domain.ConnectionState, err error) {
	p.mu.Lock()
	from := p.state
	if from == to {
		p.mu.Unlock()
		return
	}
	if !allowed(from, to) {
		p.mu.Unlock()
		p.log.Debug("ignoring state transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	p.state = to
	if (to == domain.StateConnected || to.Terminal()) && p.deadline != nil {
		p.deadline.Stop()
	}
	p.mu.Unlock()
	p.bus.Publish(StateEvent{From: from, To: to, Err: err})
}

// State returns the current connection state.
func (p *Peer) State() domain.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) conn() (*pion.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil || p.closed {
		return nil, ErrNotOpen
	}
	return p.pc, nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SessionDescription, error) {
	pc, err := p.conn()
	if err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Info("local sdp offer set")
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
// The remote offer must already be applied.
func (p *Peer) CreateAnswer() (domain.SessionDescription, error) {
	pc, err := p.conn()
	if err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Info("local sdp answer set")
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote description once; later calls
// are no-ops. Candidates queued before it are then applied in arrival order.
func (p *Peer) SetRemoteDescription(desc domain.SessionDescription) error {
	pc, err := p.conn()
	if err != nil {
		return err
	}
	p.negMu.Lock()
	defer p.negMu.Unlock()
	if p.remoteOK {
		p.log.Debug("remote description already set")
		return nil
	}
	sd := pion.SessionDescription{Type: pion.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.remoteOK = true
	p.log.Info("remote sdp set", zap.String("type", desc.Type), zap.Int("queued_candidates", len(p.pending)))

	pending := p.pending
	p.pending = nil
	for _, rec := range pending {
		p.apply(rec)
	}
	return nil
}

// HasRemoteDescription reports whether SetRemoteDescription succeeded.
func (p *Peer) HasRemoteDescription() bool {
	p.negMu.Lock()
	defer p.negMu.Unlock()
	return p.remoteOK
}

// AddRemoteCandidate applies rec, or queues it until the remote
// description is set.
func (p *Peer) AddRemoteCandidate(rec domain.CandidateRecord) error {
	if _, err := p.conn(); err != nil {
		return err
	}
	p.negMu.Lock()
	defer p.negMu.Unlock()
	if !p.remoteOK {
		p.pending = append(p.pending, rec)
		return nil
	}
	p.apply(rec)
	return nil
}

// apply adds one candidate. Failures are logged; a bad candidate does not
// end the session.
func (p *Peer) apply(rec domain.CandidateRecord) {
	if err := p.addICE(ToInit(rec)); err != nil {
		p.log.Warn("add ice candidate", zap.String("candidate", rec.Candidate), zap.Error(err))
		return
	}
	p.log.Debug("added remote ice candidate")
}

// ReplaceOutgoingTrack swaps the track sent for its kind without
// renegotiation. With no sender of that kind the track is added, which
// only reaches the remote side on the next negotiation.
func (p *Peer) ReplaceOutgoingTrack(track pion.TrackLocal) error {
	pc, err := p.conn()
	if err != nil {
		return err
	}
	kind := track.Kind()

	p.mu.Lock()
	sender := p.senders[kind]
	p.outgoing[kind] = track
	muted := p.disabled[kind]
	p.mu.Unlock()

	if sender == nil {
		sender, err = pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		go drainRTCP(sender)
		p.mu.Lock()
		p.senders[kind] = sender
		p.mu.Unlock()
		p.log.Warn("added sender without renegotiation", zap.String("kind", kind.String()))
		return nil
	}
	if muted {
		return nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

// SetTrackEnabled stops or resumes sending media of kind. Disabled
// senders stay negotiated so enabling again needs no renegotiation.
func (p *Peer) SetTrackEnabled(kind pion.RTPCodecType, enabled bool) error {
	if _, err := p.conn(); err != nil {
		return err
	}
	p.mu.Lock()
	sender := p.senders[kind]
	track := p.outgoing[kind]
	p.disabled[kind] = !enabled
	p.mu.Unlock()
	if sender == nil {
		return ErrNoSender
	}
	if !enabled {
		track = nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("set %s enabled=%t: %w", kind, enabled, err)
	}
	return nil
}

// Sending returns the track currently sent for kind, or nil.
func (p *Peer) Sending(kind pion.RTPCodecType) pion.TrackLocal {
	p.mu.Lock()
	sender := p.senders[kind]
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	return sender.Track()
}

// OpenDataChannel creates an ordered, reliable data channel.
func (p *Peer) OpenDataChannel(label string) (*DataChannel, error) {
	pc, err := p.conn()
	if err != nil {
		return nil, err
	}
	ordered := true
	dc, err := pc.CreateDataChannel(label, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return p.wireChannel(dc), nil
}

func (p *Peer) wireChannel(dc *pion.DataChannel) *DataChannel {
	ch := &DataChannel{dc: dc}
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel opened", zap.String("label", dc.Label()))
		p.bus.Publish(ChannelEvent{Kind: ChannelOpen, Channel: ch})
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.bus.Publish(ChannelEvent{Kind: ChannelMessage, Channel: ch, Data: string(msg.Data)})
	})
	dc.OnClose(func() {
		p.log.Info("data channel closed", zap.String("label", dc.Label()))
		p.bus.Publish(ChannelEvent{Kind: ChannelClose, Channel: ch})
	})
	return ch
}

// RequestKeyFrame asks the sender of a remote track for a key frame.
func (p *Peer) RequestKeyFrame(ssrc uint32) error {
	pc, err := p.conn()
	if err != nil {
		return err
	}
	return pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

// StopRemoteTracks stops every receiver so remote media ends.
func (p *Peer) StopRemoteTracks() error {
	pc, err := p.conn()
	if err != nil {
		return nil
	}
	var errs error
	for _, tr := range pc.GetTransceivers() {
		if r := tr.Receiver(); r != nil {
			errs = multierr.Append(errs, r.Stop())
		}
	}
	p.mu.Lock()
	p.remote = nil
	p.mu.Unlock()
	return errs
}

// Close closes data channels and the connection. It is safe to call more
// than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pc := p.pc
	channels := p.channels
	p.channels = nil
	if p.deadline != nil {
		p.deadline.Stop()
	}
	p.mu.Unlock()

	var errs error
	for _, ch := range channels {
		errs = multierr.Append(errs, ch.Close())
	}
	if pc != nil {
		errs = multierr.Append(errs, pc.Close())
	}
	p.transition(domain.StateClosed, nil)
	return errs
}

// ToInit converts a stored candidate into pion's form.
func ToInit(rec domain.CandidateRecord) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        rec.Candidate,
		SDPMid:           rec.SDPMid,
		SDPMLineIndex:    rec.SDPMLineIndex,
		UsernameFragment: rec.UsernameFragment,
	}
}

// ToRecord converts a pion candidate into its stored form.
func ToRecord(init pion.ICECandidateInit) domain.CandidateRecord {
	return domain.CandidateRecord{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
