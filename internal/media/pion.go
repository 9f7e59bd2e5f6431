package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"randomtalk/backend/internal/models"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PionEndpoint negotiates real audio connections with pion/webrtc.
type PionEndpoint struct {
	api      *webrtc.API
	source   AudioSource
	log      *slog.Logger
	onPacket func()
}

type PionOption func(*PionEndpoint)

// WithPacketObserver is called for every received RTP packet.
func WithPacketObserver(fn func()) PionOption {
	return func(e *PionEndpoint) { e.onPacket = fn }
}

func NewPionEndpoint(source AudioSource, log *slog.Logger, opts ...PionOption) (*PionEndpoint, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// A short relay hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 60*time.Second, 2*time.Second)

	e := &PionEndpoint{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		source: source,
		log:    log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *PionEndpoint) AcquireLocalAudio(ctx context.Context) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reader, err := e.source.Open()
	if err != nil {
		e.log.Warn("audio source unavailable", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "randomtalk-"+id,
	)
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	s := &pionStream{id: id, track: track, reader: reader, enabled: true, done: make(chan struct{}), log: e.log}
	go s.pump()
	return s, nil
}

func (e *PionEndpoint) NewConnection(ctx context.Context, iceServers []string, local LocalStream, h Handlers) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &pionConn{pc: pc, handlers: h, log: e.log}

	if ps, ok := local.(*pionStream); ok && ps != nil {
		sender, err := pc.AddTrack(ps.track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
		ps.attach(sender)
		go drainRTCP(sender)
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add recvonly transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if fn := c.hooks().OnICECandidate; fn != nil {
			fn(fromPionCandidate(cand.ToJSON()))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rs := &pionRemote{id: track.StreamID()}
		go rs.drain(track, e.onPacket)
		if fn := c.hooks().OnTrack; fn != nil {
			fn(rs)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if fn := c.hooks().OnConnectionStateChange; fn != nil {
			fn(fromPionState(s))
		}
	})
	return c, nil
}

type pionConn struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu       sync.Mutex
	handlers Handlers
	closed   bool
}

func (c *pionConn) hooks() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *pionConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *pionConn) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if c.isClosed() {
		return models.SessionDescription{}, ErrClosed
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPionDescription(offer), nil
}

func (c *pionConn) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if c.isClosed() {
		return models.SessionDescription{}, ErrClosed
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPionDescription(answer), nil
}

func (c *pionConn) SetLocalDescription(ctx context.Context, desc models.SessionDescription) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.pc.SetLocalDescription(toPionDescription(desc))
}

func (c *pionConn) SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.pc.SetRemoteDescription(toPionDescription(desc))
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddICECandidate(ctx context.Context, cand models.ICECandidate) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *pionConn) DetachHandlers() {
	c.mu.Lock()
	c.handlers = Handlers{}
	c.mu.Unlock()
}

func (c *pionConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pc.Close()
}

// pionStream feeds samples from an AudioSource into a local track.
type pionStream struct {
	id     string
	track  *webrtc.TrackLocalStaticSample
	reader SampleReader
	log    *slog.Logger

	mu      sync.Mutex
	enabled bool
	senders []*webrtc.RTPSender
	done    chan struct{}
	once    sync.Once
}

func (s *pionStream) ID() string { return s.id }

func (s *pionStream) attach(sender *webrtc.RTPSender) {
	s.mu.Lock()
	s.senders = append(s.senders, sender)
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		_ = sender.ReplaceTrack(nil)
	}
}

func (s *pionStream) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled swaps the sender track out for nil while muted so no audio
// leaves the process, then restores it.
func (s *pionStream) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	senders := append([]*webrtc.RTPSender(nil), s.senders...)
	s.mu.Unlock()

	for _, sender := range senders {
		var err error
		if enabled {
			err = sender.ReplaceTrack(s.track)
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			s.log.Debug("replace track failed", "stream", s.id, "enabled", enabled, "error", err)
		}
	}
}

func (s *pionStream) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.senders = nil
		s.mu.Unlock()
	})
}

func (s *pionStream) pump() {
	defer s.reader.Close()
	for {
		sample, err := s.reader.ReadSample()
		if err != nil {
			s.log.Debug("audio source ended", "stream", s.id, "error", err)
			return
		}
		if s.Enabled() {
			if err := s.track.WriteSample(sample); err != nil {
				s.log.Debug("write sample failed", "stream", s.id, "error", err)
			}
		}
		select {
		case <-s.done:
			return
		case <-time.After(sample.Duration):
		}
	}
}

type pionRemote struct {
	id      string
	packets atomic.Uint64
}

func (r *pionRemote) ID() string      { return r.id }
func (r *pionRemote) Packets() uint64 { return r.packets.Load() }

// drain reads RTP until the track ends; playback is left to the UI.
func (r *pionRemote) drain(track *webrtc.TrackRemote, onPacket func()) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		r.packets.Add(1)
		if onPacket != nil {
			onPacket()
		}
	}
}

// drainRTCP keeps interceptors such as NACK running for a sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func toPionDescription(d models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPionDescription(d webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromPionCandidate(init webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func fromPionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
