package models

// Intent types sent by a UI client over the WebSocket.
const (
	IntentFindRandom          = "find_random"
	IntentStartCall           = "start_call"
	IntentAccept              = "accept"
	IntentReject              = "reject"
	IntentHangup              = "hangup"
	IntentToggleMute          = "toggle_mute"
	IntentSendMessage         = "send_message"
	IntentSendFriendRequest   = "send_friend_request"
	IntentAcceptFriendRequest = "accept_friend_request"
	IntentRejectFriendRequest = "reject_friend_request"
)

// Intent is a user action forwarded from the UI to the daemon.
type Intent struct {
	Type      string       `json:"type"`
	Interests []string     `json:"interests,omitempty"`
	Peer      *Participant `json:"peer,omitempty"`
	Text      string       `json:"text,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}
