// Package mediatest links fake media endpoints in-process so full
// caller/joiner negotiations can run without network access.
//
// A connection reports connected once both sides hold each other's
// descriptions and have applied at least one remote candidate.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/models"
)

var ErrNoRemoteDescription = errors.New("mediatest: remote description not set")

type Network struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	nextID int
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// Endpoint returns a new client endpoint attached to the network.
func (n *Network) Endpoint() *Endpoint {
	return &Endpoint{net: n}
}

func (n *Network) register(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	c.id = fmt.Sprintf("conn-%d", n.nextID)
	n.conns[c.id] = c
}

func (n *Network) lookup(id string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[id]
}

// tryConnect takes the network lock so both halves flip together.
func (n *Network) tryConnect(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peer := n.conns[c.peerID()]
	if peer == nil || peer.peerID() != c.id {
		return
	}
	if !c.ready() || !peer.ready() {
		return
	}
	c.markConnected(peer)
	peer.markConnected(c)
}

type Endpoint struct {
	net *Network

	mu      sync.Mutex
	deny    bool
	gate    chan struct{}
	conns   []*Conn
	streams []*Stream
}

// DenyAudio makes AcquireLocalAudio fail with media.ErrPermissionDenied.
func (e *Endpoint) DenyAudio() {
	e.mu.Lock()
	e.deny = true
	e.mu.Unlock()
}

// HoldAcquire blocks AcquireLocalAudio until release is called or the
// caller's context ends.
func (e *Endpoint) HoldAcquire() (release func()) {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (e *Endpoint) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

func (e *Endpoint) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

func (e *Endpoint) AcquireLocalAudio(ctx context.Context) (media.LocalStream, error) {
	e.mu.Lock()
	deny, gate := e.deny, e.gate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if deny {
		return nil, media.ErrPermissionDenied
	}

	s := &Stream{enabled: true}
	e.mu.Lock()
	s.id = fmt.Sprintf("stream-%d", len(e.streams)+1)
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

func (e *Endpoint) NewConnection(ctx context.Context, iceServers []string, local media.LocalStream, h media.Handlers) (media.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Conn{net: e.net, handlers: h, local: local}
	e.net.register(c)
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c, nil
}

type Stream struct {
	id string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *Stream) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type remote struct{ id string }

func (r remote) ID() string      { return r.id }
func (r remote) Packets() uint64 { return 0 }

type Conn struct {
	id    string
	net   *Network
	local media.LocalStream
	exec  serial

	mu             sync.Mutex
	handlers       media.Handlers
	localDesc      *models.SessionDescription
	remoteDesc     *models.SessionDescription
	remoteDescSets int
	applied        []models.ICECandidate
	connected      bool
	closed         bool
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) hooks() media.Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *Conn) peerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return ""
	}
	_, id, _ := strings.Cut(c.remoteDesc.SDP, ":")
	return id
}

func (c *Conn) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.connected && c.localDesc != nil && c.remoteDesc != nil && len(c.applied) > 0
}

func (c *Conn) markConnected(peer *Conn) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.exec.do(func() {
		h := c.hooks()
		if h.OnTrack != nil {
			h.OnTrack(remote{id: "remote-" + peer.id})
		}
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(media.StateConnected)
		}
	})
}

func (c *Conn) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if c.Closed() {
		return models.SessionDescription{}, media.ErrClosed
	}
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake-offer:" + c.id}, nil
}

func (c *Conn) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if c.Closed() {
		return models.SessionDescription{}, media.ErrClosed
	}
	if !c.HasRemoteDescription() {
		return models.SessionDescription{}, ErrNoRemoteDescription
	}
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "fake-answer:" + c.id}, nil
}

// SetLocalDescription starts trickling two host candidates.
func (c *Conn) SetLocalDescription(ctx context.Context, desc models.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return media.ErrClosed
	}
	c.localDesc = &desc
	c.mu.Unlock()

	for i := 0; i < 2; i++ {
		cand := models.ICECandidate{Candidate: fmt.Sprintf("candidate:%s-%d", c.id, i)}
		c.exec.do(func() {
			if fn := c.hooks().OnICECandidate; fn != nil {
				fn(cand)
			}
		})
	}
	c.net.tryConnect(c)
	return nil
}

func (c *Conn) SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return media.ErrClosed
	}
	if c.remoteDesc != nil {
		c.mu.Unlock()
		return errors.New("mediatest: remote description already set")
	}
	c.remoteDesc = &desc
	c.remoteDescSets++
	c.mu.Unlock()
	c.net.tryConnect(c)
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *Conn) AddICECandidate(ctx context.Context, cand models.ICECandidate) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return media.ErrClosed
	}
	if c.remoteDesc == nil {
		c.mu.Unlock()
		return ErrNoRemoteDescription
	}
	c.applied = append(c.applied, cand)
	c.mu.Unlock()
	c.net.tryConnect(c)
	return nil
}

func (c *Conn) DetachHandlers() {
	c.mu.Lock()
	c.handlers = media.Handlers{}
	c.mu.Unlock()
}

// Close reports closed on its own hooks and disconnected to a connected peer.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.mu.Unlock()

	c.exec.do(func() {
		if fn := c.hooks().OnConnectionStateChange; fn != nil {
			fn(media.StateClosed)
		}
	})
	if wasConnected {
		if peer := c.net.lookup(c.peerID()); peer != nil {
			peer.Emit(media.StateDisconnected)
		}
	}
	return nil
}

// Emit delivers a connection state to the hooks, e.g. to simulate ICE failure.
func (c *Conn) Emit(state media.ConnectionState) {
	c.exec.do(func() {
		if fn := c.hooks().OnConnectionStateChange; fn != nil {
			fn(state)
		}
	})
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Applied() []models.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ICECandidate(nil), c.applied...)
}

func (c *Conn) RemoteDescriptionSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDescSets
}

func (c *Conn) Local() media.LocalStream { return c.local }

// serial runs callbacks one at a time in submission order.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serial) do(f func()) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.run()
}

func (s *serial) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		f()
	}
}
