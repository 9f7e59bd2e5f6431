// Package signaling is the typed view of rendezvous rooms and their
// candidate sub-collections.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/rendezvous"
)

const (
	RoomsCollection    = "rooms"
	MessagesCollection = "messages"
)

var (
	ErrRoomClaimed = errors.New("signaling: room already claimed")
	ErrRoomGone    = errors.New("signaling: room no longer exists")
)

// RoomChange is one observed change to a room document. Room is never nil;
// for Removed changes only the ID is guaranteed.
type RoomChange struct {
	Kind rendezvous.ChangeKind
	Room *models.Room
}

func (c RoomChange) Removed() bool { return c.Kind == rendezvous.Removed }

type Rooms struct {
	store rendezvous.Store
}

func NewRooms(store rendezvous.Store) *Rooms {
	return &Rooms{store: store}
}

// CandidatesPath is the sub-collection a side appends its candidates to.
func CandidatesPath(roomID string, side models.CandidateSide) string {
	return rendezvous.Path(RoomsCollection, roomID, string(side))
}

func MessagesPath(roomID string) string {
	return rendezvous.Path(RoomsCollection, roomID, MessagesCollection)
}

// Create publishes a new open room. room.ID may be preset by the caller so
// it can start trickling candidates before the write completes.
func (r *Rooms) Create(ctx context.Context, room *models.Room) (*models.Room, error) {
	if room.Offer == nil {
		return nil, errors.New("signaling: room without offer")
	}
	room.Answered = false
	room.Answer = nil
	fields, err := rendezvous.ToFields(room)
	if err != nil {
		return nil, err
	}
	doc, err := r.store.Create(ctx, RoomsCollection, room.ID, fields)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return decodeRoom(doc)
}

func (r *Rooms) Get(ctx context.Context, id string) (*models.Room, error) {
	doc, err := r.store.Get(ctx, RoomsCollection, id)
	if errors.Is(err, rendezvous.ErrNotFound) {
		return nil, ErrRoomGone
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return decodeRoom(doc)
}

// OpenRooms lists rooms eligible for random matching, oldest first.
func (r *Rooms) OpenRooms(ctx context.Context) ([]*models.Room, error) {
	docs, err := r.store.Query(ctx, RoomsCollection,
		rendezvous.Eq("answered", false),
		rendezvous.Eq("calleeId", nil),
	)
	if err != nil {
		return nil, fmt.Errorf("query open rooms: %w", err)
	}
	return decodeRooms(docs)
}

// All lists every room, oldest first.
func (r *Rooms) All(ctx context.Context) ([]*models.Room, error) {
	docs, err := r.store.Query(ctx, RoomsCollection)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	return decodeRooms(docs)
}

// StaleRooms lists rooms created before cutoff.
func (r *Rooms) StaleRooms(ctx context.Context, cutoff time.Time) ([]*models.Room, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Room
	for _, room := range all {
		if room.CreatedAt.Before(cutoff) {
			out = append(out, room)
		}
	}
	return out, nil
}

// Claim writes the answer and the joiner identity in one conditional update.
// It succeeds only while the room is unanswered and addressed to nobody or to
// the joiner itself.
func (r *Rooms) Claim(ctx context.Context, id string, answer models.SessionDescription, callee models.Participant, interests []string) error {
	room, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if room.Answered || (room.CalleeID != "" && room.CalleeID != callee.ID) {
		return ErrRoomClaimed
	}

	pre := []rendezvous.Filter{rendezvous.Eq("answered", false)}
	if room.CalleeID == "" {
		pre = append(pre, rendezvous.Eq("calleeId", nil))
	} else {
		pre = append(pre, rendezvous.Eq("calleeId", callee.ID))
	}

	fields := rendezvous.Fields{
		"answer":       answer,
		"answered":     true,
		"calleeId":     callee.ID,
		"calleeName":   callee.Name,
		"calleeAvatar": callee.Avatar,
	}
	if len(interests) > 0 {
		fields["calleeInterests"] = interests
	}

	err = r.store.Update(ctx, RoomsCollection, id, fields, pre...)
	switch {
	case errors.Is(err, rendezvous.ErrPreconditionFailed):
		return ErrRoomClaimed
	case errors.Is(err, rendezvous.ErrNotFound):
		return ErrRoomGone
	case err != nil:
		return fmt.Errorf("claim room %s: %w", id, err)
	}
	return nil
}

// Delete removes the candidate and message sub-collections, then the room.
// Deleting a missing room succeeds.
func (r *Rooms) Delete(ctx context.Context, id string) error {
	for _, coll := range []string{
		CandidatesPath(id, models.CallerSide),
		CandidatesPath(id, models.CalleeSide),
		MessagesPath(id),
	} {
		if err := r.store.DeleteCollection(ctx, coll); err != nil {
			return fmt.Errorf("delete room %s: %w", id, err)
		}
	}
	if err := r.store.Delete(ctx, RoomsCollection, id); err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}

// Watch follows a single room. A missing room is reported as Removed.
func (r *Rooms) Watch(ctx context.Context, id string) (<-chan RoomChange, func(), error) {
	sub, err := r.store.WatchDocument(ctx, RoomsCollection, id)
	if err != nil {
		return nil, nil, fmt.Errorf("watch room %s: %w", id, err)
	}
	ch, cancel := rendezvous.Stream(sub, toRoomChange)
	return ch, cancel, nil
}

// WatchIncoming follows unanswered rooms addressed to calleeID.
func (r *Rooms) WatchIncoming(ctx context.Context, calleeID string) (<-chan RoomChange, func(), error) {
	sub, err := r.store.WatchQuery(ctx, RoomsCollection,
		rendezvous.Eq("calleeId", calleeID),
		rendezvous.Eq("answered", false),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("watch incoming for %s: %w", calleeID, err)
	}
	ch, cancel := rendezvous.Stream(sub, toRoomChange)
	return ch, cancel, nil
}

func (r *Rooms) AddCandidate(ctx context.Context, roomID string, side models.CandidateSide, c models.ICECandidate) error {
	fields, err := rendezvous.ToFields(c)
	if err != nil {
		return err
	}
	if _, err := r.store.Create(ctx, CandidatesPath(roomID, side), "", fields); err != nil {
		return fmt.Errorf("add candidate to %s: %w", roomID, err)
	}
	return nil
}

// WatchCandidates streams candidates appended by side, in append order,
// starting with the ones already present.
func (r *Rooms) WatchCandidates(ctx context.Context, roomID string, side models.CandidateSide) (<-chan models.ICECandidate, func(), error) {
	sub, err := r.store.WatchQuery(ctx, CandidatesPath(roomID, side))
	if err != nil {
		return nil, nil, fmt.Errorf("watch candidates of %s: %w", roomID, err)
	}
	ch, cancel := rendezvous.Stream(sub, func(c rendezvous.Change) (models.ICECandidate, bool) {
		var cand models.ICECandidate
		if c.Kind != rendezvous.Added {
			return cand, false
		}
		if err := c.Doc.DataTo(&cand); err != nil || cand.Candidate == "" {
			return cand, false
		}
		return cand, true
	})
	return ch, cancel, nil
}

func toRoomChange(c rendezvous.Change) (RoomChange, bool) {
	if c.Kind == rendezvous.Removed {
		return RoomChange{Kind: c.Kind, Room: &models.Room{ID: c.Doc.ID}}, true
	}
	room, err := decodeRoom(c.Doc)
	if err != nil {
		return RoomChange{}, false
	}
	return RoomChange{Kind: c.Kind, Room: room}, true
}

func decodeRoom(doc rendezvous.Document) (*models.Room, error) {
	var room models.Room
	if err := doc.DataTo(&room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", doc.ID, err)
	}
	room.ID = doc.ID
	room.CreatedAt = doc.CreatedAt
	return &room, nil
}

func decodeRooms(docs []rendezvous.Document) ([]*models.Room, error) {
	out := make([]*models.Room, 0, len(docs))
	for _, d := range docs {
		room, err := decodeRoom(d)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}
