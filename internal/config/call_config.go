package config

import "time"

const (
	// Calls
	UnansweredTimeout  = 30 * time.Second
	MinHistoryDuration = time.Second
	MaxHistoryItems    = 50

	// Presence
	PresenceStaleAfter = 2 * time.Minute
	PresenceHeartbeat  = 30 * time.Second
	OfflineWriteBudget = 2 * time.Second

	// Rendezvous
	StaleRoomAge      = 10 * time.Minute
	ReaperSchedule    = "@every 1m"
	MaxChatMessageLen = 500
)

// DefaultICEServers is the fixed public STUN set. No TURN relay is configured,
// so peers behind symmetric NATs may fail to connect.
var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}
