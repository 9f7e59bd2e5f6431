package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/rendezvous"
)

const FriendRequestsCollection = "friendRequests"

var (
	ErrSelfRequest  = errors.New("messaging: cannot befriend yourself")
	ErrNotRecipient = errors.New("messaging: request is not addressed to you")
	ErrNotPending   = errors.New("messaging: request already answered")
)

// FriendStore persists accepted friends locally.
type FriendStore interface {
	AddFriend(ctx context.Context, ownerID string, friend models.Participant) error
}

type FriendEventKind string

const (
	FriendRequestReceived  FriendEventKind = "friend_request_received"
	FriendRequestAccepted  FriendEventKind = "friend_request_accepted"
	FriendRequestRejected  FriendEventKind = "friend_request_rejected"
	FriendRequestWithdrawn FriendEventKind = "friend_request_withdrawn"
)

type FriendEvent struct {
	Kind    FriendEventKind       `json:"kind"`
	Request *models.FriendRequest `json:"request"`
}

// Friends implements the friend-request exchange for one local user. The
// sender creates a request, the recipient only flips its status, and the
// sender deletes it once it has processed a terminal status.
type Friends struct {
	store rendezvous.Store
	local FriendStore
	self  models.Participant
	log   *slog.Logger

	mu        sync.Mutex
	listeners map[int]func(FriendEvent)
	nextID    int
}

func NewFriends(store rendezvous.Store, local FriendStore, self models.Participant, log *slog.Logger) *Friends {
	return &Friends{
		store:     store,
		local:     local,
		self:      self,
		log:       log,
		listeners: make(map[int]func(FriendEvent)),
	}
}

// OnEvent registers a listener and returns its unsubscribe func.
func (f *Friends) OnEvent(fn func(FriendEvent)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *Friends) emit(ev FriendEvent) {
	f.mu.Lock()
	fns := make([]func(FriendEvent), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Send creates a pending request to peer, or returns the one already pending.
func (f *Friends) Send(ctx context.Context, to models.Participant) (*models.FriendRequest, error) {
	if to.ID == "" || to.ID == f.self.ID {
		return nil, ErrSelfRequest
	}
	existing, err := f.store.Query(ctx, FriendRequestsCollection,
		rendezvous.Eq("fromId", f.self.ID),
		rendezvous.Eq("toId", to.ID),
		rendezvous.Eq("status", models.FriendRequestPending),
	)
	if err != nil {
		return nil, fmt.Errorf("look up pending requests: %w", err)
	}
	if len(existing) > 0 {
		return decodeRequest(existing[0])
	}

	req := &models.FriendRequest{
		FromID:     f.self.ID,
		FromName:   f.self.Name,
		FromAvatar: f.self.Avatar,
		ToID:       to.ID,
		ToName:     to.Name,
		ToAvatar:   to.Avatar,
		Status:     models.FriendRequestPending,
	}
	fields, err := rendezvous.ToFields(req)
	if err != nil {
		return nil, err
	}
	doc, err := f.store.Create(ctx, FriendRequestsCollection, "", fields)
	if err != nil {
		return nil, fmt.Errorf("create friend request: %w", err)
	}
	req.ID = doc.ID
	return req, nil
}

// Accept marks the request accepted and stores the sender as a friend.
func (f *Friends) Accept(ctx context.Context, id string) error {
	req, err := f.answer(ctx, id, models.FriendRequestAccepted)
	if err != nil {
		return err
	}
	if err := f.local.AddFriend(ctx, f.self.ID, req.From()); err != nil {
		return fmt.Errorf("save friend %s: %w", req.FromID, err)
	}
	return nil
}

func (f *Friends) Reject(ctx context.Context, id string) error {
	_, err := f.answer(ctx, id, models.FriendRequestRejected)
	return err
}

func (f *Friends) answer(ctx context.Context, id, status string) (*models.FriendRequest, error) {
	doc, err := f.store.Get(ctx, FriendRequestsCollection, id)
	if err != nil {
		return nil, fmt.Errorf("get friend request %s: %w", id, err)
	}
	req, err := decodeRequest(doc)
	if err != nil {
		return nil, err
	}
	if req.ToID != f.self.ID {
		return nil, ErrNotRecipient
	}
	err = f.store.Update(ctx, FriendRequestsCollection, id,
		rendezvous.Fields{"status": status},
		rendezvous.Eq("status", models.FriendRequestPending),
	)
	if errors.Is(err, rendezvous.ErrPreconditionFailed) {
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("answer friend request %s: %w", id, err)
	}
	req.Status = status
	return req, nil
}

// Run watches requests addressed to and sent by the local user until ctx
// ends. Incoming pending requests are surfaced to listeners; answered
// outgoing requests are processed and deleted.
func (f *Friends) Run(ctx context.Context) error {
	inSub, err := f.store.WatchQuery(ctx, FriendRequestsCollection,
		rendezvous.Eq("toId", f.self.ID),
		rendezvous.Eq("status", models.FriendRequestPending),
	)
	if err != nil {
		return fmt.Errorf("watch incoming friend requests: %w", err)
	}
	defer inSub.Close()

	outSub, err := f.store.WatchQuery(ctx, FriendRequestsCollection, rendezvous.Eq("fromId", f.self.ID))
	if err != nil {
		return fmt.Errorf("watch outgoing friend requests: %w", err)
	}
	defer outSub.Close()

	in, out := inSub.Changes(), outSub.Changes()
	for in != nil || out != nil {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			f.handleIncoming(c)
		case c, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			f.handleOutgoing(ctx, c)
		}
	}
	return nil
}

func (f *Friends) handleIncoming(c rendezvous.Change) {
	req, err := decodeRequest(c.Doc)
	if err != nil {
		f.log.Warn("skipping malformed friend request", "id", c.Doc.ID, "error", err)
		return
	}
	switch c.Kind {
	case rendezvous.Added:
		f.emit(FriendEvent{Kind: FriendRequestReceived, Request: req})
	case rendezvous.Removed:
		// Answered requests leave the pending set too; only report withdrawals.
		if req.Status == "" || req.Status == models.FriendRequestPending {
			f.emit(FriendEvent{Kind: FriendRequestWithdrawn, Request: req})
		}
	}
}

func (f *Friends) handleOutgoing(ctx context.Context, c rendezvous.Change) {
	if c.Kind == rendezvous.Removed {
		return
	}
	req, err := decodeRequest(c.Doc)
	if err != nil || !req.IsTerminal() {
		return
	}

	kind := FriendRequestRejected
	if req.Status == models.FriendRequestAccepted {
		kind = FriendRequestAccepted
		if err := f.local.AddFriend(ctx, f.self.ID, req.To()); err != nil {
			// Keep the request so the next Run retries.
			f.log.Warn("failed to save friend", "friend_id", req.ToID, "error", err)
			return
		}
	}
	if err := f.store.Delete(ctx, FriendRequestsCollection, req.ID); err != nil {
		f.log.Warn("failed to delete friend request", "id", req.ID, "error", err)
	}
	f.emit(FriendEvent{Kind: kind, Request: req})
}

func decodeRequest(doc rendezvous.Document) (*models.FriendRequest, error) {
	var req models.FriendRequest
	if err := doc.DataTo(&req); err != nil {
		return nil, fmt.Errorf("decode friend request %s: %w", doc.ID, err)
	}
	req.ID = doc.ID
	return &req, nil
}
