package hub

// Client is the interface for any UI connection (e.g., WebSocket).
// It abstracts the underlying transport so the hub can fan out call updates
// and route intents uniformly.
type Client interface {
	// GetClientID returns the unique identifier of this UI connection.
	GetClientID() string
	// GetLang returns the language notices are localized into.
	GetLang() string

	// GetSendChannel returns the channel the hub writes envelopes to. It is a
	// send-only channel.
	GetSendChannel() chan<- Envelope

	// Run starts the client's read and write pumps.
	Run()
	// Close gracefully shuts down the client's connection and associated channels.
	Close()
}
