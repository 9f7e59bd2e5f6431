package models

import (
	"strings"
	"time"
)

// SessionDescription is one half of the SDP negotiation.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// ICECandidate mirrors the browser RTCIceCandidateInit JSON shape so records
// written by web clients and by this daemon are interchangeable.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateSide names the sub-collection a side trickles its candidates into.
type CandidateSide string

const (
	CallerSide CandidateSide = "callerCandidates"
	CalleeSide CandidateSide = "calleeCandidates"
)

// Opposite returns the collection the peer writes to.
func (s CandidateSide) Opposite() CandidateSide {
	if s == CallerSide {
		return CalleeSide
	}
	return CallerSide
}

// Room is the rendezvous record coordinating one call between two parties.
// The caller writes the offer and its identity once at creation. The joiner
// writes the answer, its identity and answered=true once.
type Room struct {
	ID        string    `json:"-"`
	CreatedAt time.Time `json:"-"`

	Offer  *SessionDescription `json:"offer"`
	Answer *SessionDescription `json:"answer,omitempty"`

	CallerID        string   `json:"callerId"`
	CallerName      string   `json:"callerName"`
	CallerAvatar    string   `json:"callerAvatar,omitempty"`
	CallerInterests []string `json:"callerInterests,omitempty"`

	CalleeID        string   `json:"calleeId,omitempty"`
	CalleeName      string   `json:"calleeName,omitempty"`
	CalleeAvatar    string   `json:"calleeAvatar,omitempty"`
	CalleeInterests []string `json:"calleeInterests,omitempty"`

	Answered bool `json:"answered"`
}

// IsOpen reports whether the room is eligible for random matching.
func (r *Room) IsOpen() bool {
	return !r.Answered && r.CalleeID == ""
}

func (r *Room) Caller() Participant {
	return Participant{ID: r.CallerID, Name: r.CallerName, Avatar: r.CallerAvatar}
}

func (r *Room) Callee() Participant {
	return Participant{ID: r.CalleeID, Name: r.CalleeName, Avatar: r.CalleeAvatar}
}

// SharesInterest reports whether the caller's interests intersect wanted.
// Comparison ignores case and surrounding whitespace.
func (r *Room) SharesInterest(wanted []string) bool {
	if len(wanted) == 0 || len(r.CallerInterests) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(r.CallerInterests))
	for _, i := range r.CallerInterests {
		set[NormalizeInterest(i)] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := set[NormalizeInterest(w)]; ok {
			return true
		}
	}
	return false
}

// NormalizeInterest folds an interest tag for comparison.
func NormalizeInterest(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeInterests folds, trims and de-duplicates tags, dropping empties.
func NormalizeInterests(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		n := NormalizeInterest(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
