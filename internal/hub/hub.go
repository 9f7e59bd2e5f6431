// Package hub connects UI clients to the call manager and the friend
// service: it routes their intents in and fans call updates out.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"randomtalk/backend/internal/call"
	"randomtalk/backend/internal/localization"
	"randomtalk/backend/internal/messaging"
	"randomtalk/backend/internal/models"
)

// Envelope types.
const (
	EnvelopeUpdate = "update"
	EnvelopeFriend = "friend"
	EnvelopeError  = "error"
)

// Envelope is one message written to a UI client.
type Envelope struct {
	Type       string                 `json:"type"`
	Update     *call.Update           `json:"update,omitempty"`
	NoticeText string                 `json:"notice_text,omitempty"`
	Friend     *messaging.FriendEvent `json:"friend,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// CallController is the subset of *call.Manager the hub drives.
type CallController interface {
	FindRandomCall(interests []string)
	StartCall(peer models.Participant)
	AcceptCall()
	RejectCall()
	Hangup()
	ToggleMute()
	SendMessage(text string)
	Snapshot() call.Snapshot
}

// FriendController is the subset of *messaging.Friends the hub drives.
type FriendController interface {
	Send(ctx context.Context, to models.Participant) (*models.FriendRequest, error)
	Accept(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
}

// Inbound is an intent read from one client.
type Inbound struct {
	ClientID string
	Intent   models.Intent
}

type direct struct {
	clientID string
	env      Envelope
}

const (
	publishBuffer  = 256
	friendDeadline = 5 * time.Second
)

// ManagerService owns the set of connected clients. All client bookkeeping
// happens on the Run goroutine.
type ManagerService struct {
	Clients map[string]Client

	// Channels
	IncomingCh   chan Inbound
	RegisterCh   chan Client
	UnregisterCh chan Client

	updates chan call.Update
	friends chan messaging.FriendEvent
	directs chan direct
	done    chan struct{}

	calls     CallController
	friendSvc FriendController
	localizer *localization.Localizer
	log       *slog.Logger
}

func NewManagerService(calls CallController, friends FriendController, localizer *localization.Localizer, log *slog.Logger) *ManagerService {
	return &ManagerService{
		Clients:      make(map[string]Client),
		IncomingCh:   make(chan Inbound),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		updates:      make(chan call.Update, publishBuffer),
		friends:      make(chan messaging.FriendEvent, publishBuffer),
		directs:      make(chan direct, publishBuffer),
		done:         make(chan struct{}),
		calls:        calls,
		friendSvc:    friends,
		localizer:    localizer,
		log:          log,
	}
}

// PublishUpdate is registered with call.Manager.OnUpdate. It never blocks
// the call dispatcher; updates are dropped when the hub falls behind.
func (m *ManagerService) PublishUpdate(u call.Update) {
	select {
	case m.updates <- u:
	default:
		m.log.Warn("hub update dropped", "state", u.Snapshot.State)
	}
}

// PublishFriendEvent is registered with messaging.Friends.OnEvent.
func (m *ManagerService) PublishFriendEvent(ev messaging.FriendEvent) {
	select {
	case m.friends <- ev:
	default:
		m.log.Warn("hub friend event dropped", "kind", ev.Kind)
	}
}

// Register and Unregister are safe to call after Run has returned.
func (m *ManagerService) Register(c Client) bool {
	select {
	case m.RegisterCh <- c:
		return true
	case <-m.done:
		return false
	}
}

func (m *ManagerService) Unregister(c Client) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
	}
}

func (m *ManagerService) Submit(in Inbound) {
	select {
	case m.IncomingCh <- in:
	case <-m.done:
	}
}

// Run is the hub loop. On exit every client is closed.
func (m *ManagerService) Run(ctx context.Context) {
	m.log.Info("hub started")
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			for id, c := range m.Clients {
				delete(m.Clients, id)
				c.Close()
			}
			m.log.Info("hub stopped")
			return

		case c := <-m.RegisterCh:
			if old, ok := m.Clients[c.GetClientID()]; ok {
				old.Close()
			}
			m.Clients[c.GetClientID()] = c
			m.log.Info("ui client registered", "client_id", c.GetClientID())
			snap := m.calls.Snapshot()
			m.deliver(c, Envelope{Type: EnvelopeUpdate, Update: &call.Update{Snapshot: snap}})

		case c := <-m.UnregisterCh:
			m.drop(c.GetClientID(), c)

		case in := <-m.IncomingCh:
			m.route(ctx, in)

		case u := <-m.updates:
			for _, c := range m.Clients {
				m.deliver(c, m.updateEnvelope(c.GetLang(), u))
			}

		case ev := <-m.friends:
			for _, c := range m.Clients {
				m.deliver(c, m.friendEnvelope(c.GetLang(), ev))
			}

		case d := <-m.directs:
			if c, ok := m.Clients[d.clientID]; ok {
				m.deliver(c, d.env)
			}
		}
	}
}

// route dispatches one intent. Call intents only enqueue; friend intents
// touch the store and run off the loop.
func (m *ManagerService) route(ctx context.Context, in Inbound) {
	it := in.Intent
	lang := localization.FallbackLang
	if c, ok := m.Clients[in.ClientID]; ok {
		lang = c.GetLang()
	}
	switch it.Type {
	case models.IntentFindRandom:
		m.calls.FindRandomCall(it.Interests)
	case models.IntentStartCall:
		if it.Peer == nil || it.Peer.ID == "" {
			m.reply(in.ClientID, "start_call requires a peer")
			return
		}
		m.calls.StartCall(*it.Peer)
	case models.IntentAccept:
		m.calls.AcceptCall()
	case models.IntentReject:
		m.calls.RejectCall()
	case models.IntentHangup:
		m.calls.Hangup()
	case models.IntentToggleMute:
		m.calls.ToggleMute()
	case models.IntentSendMessage:
		m.calls.SendMessage(it.Text)

	case models.IntentSendFriendRequest:
		if it.Peer == nil || it.Peer.ID == "" {
			m.reply(in.ClientID, "send_friend_request requires a peer")
			return
		}
		peer := *it.Peer
		m.friendOp(ctx, in.ClientID, lang, func(ctx context.Context) error {
			_, err := m.friendSvc.Send(ctx, peer)
			return err
		})
	case models.IntentAcceptFriendRequest:
		id := it.RequestID
		m.friendOp(ctx, in.ClientID, lang, func(ctx context.Context) error { return m.friendSvc.Accept(ctx, id) })
	case models.IntentRejectFriendRequest:
		id := it.RequestID
		m.friendOp(ctx, in.ClientID, lang, func(ctx context.Context) error { return m.friendSvc.Reject(ctx, id) })

	default:
		m.log.Warn("unknown intent", "client_id", in.ClientID, "type", it.Type)
		m.reply(in.ClientID, "unknown intent "+it.Type)
	}
}

func (m *ManagerService) friendOp(ctx context.Context, clientID, lang string, op func(context.Context) error) {
	if m.friendSvc == nil {
		m.reply(clientID, "friends are not available")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, friendDeadline)
		defer cancel()
		if err := op(ctx); err != nil {
			m.log.Warn("friend request failed", "client_id", clientID, "error", err)
			m.reply(clientID, m.friendError(lang, err))
		}
	}()
}

func (m *ManagerService) friendError(lang string, err error) string {
	switch {
	case errors.Is(err, messaging.ErrSelfRequest),
		errors.Is(err, messaging.ErrNotRecipient),
		errors.Is(err, messaging.ErrNotPending):
		return err.Error()
	}
	return m.localizer.GetString(lang, "friend_request_failed")
}

func (m *ManagerService) reply(clientID, msg string) {
	select {
	case m.directs <- direct{clientID: clientID, env: Envelope{Type: EnvelopeError, Error: msg}}:
	case <-m.done:
	}
}

func (m *ManagerService) updateEnvelope(lang string, u call.Update) Envelope {
	env := Envelope{Type: EnvelopeUpdate, Update: &u}
	if u.Notice != nil {
		env.NoticeText = m.localizer.GetString(lang, string(u.Notice.Kind))
	}
	return env
}

func (m *ManagerService) friendEnvelope(lang string, ev messaging.FriendEvent) Envelope {
	env := Envelope{Type: EnvelopeFriend, Friend: &ev}
	if ev.Request != nil {
		name := ev.Request.FromName
		if ev.Kind == messaging.FriendRequestAccepted || ev.Kind == messaging.FriendRequestRejected {
			name = ev.Request.ToName
		}
		env.NoticeText = m.localizer.Format(lang, string(ev.Kind), name)
	}
	return env
}

// deliver never blocks the loop; a client that cannot keep up is dropped.
func (m *ManagerService) deliver(c Client, env Envelope) {
	select {
	case c.GetSendChannel() <- env:
	default:
		m.log.Warn("ui client too slow, dropping", "client_id", c.GetClientID())
		m.drop(c.GetClientID(), c)
	}
}

func (m *ManagerService) drop(id string, c Client) {
	if cur, ok := m.Clients[id]; ok && cur == c {
		delete(m.Clients, id)
		c.Close()
		m.log.Info("ui client unregistered", "client_id", id)
	}
}
