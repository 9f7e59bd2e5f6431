package hub_test

import (
	"context"
	"sync/atomic"

	"randomtalk/backend/internal/call"
	"randomtalk/backend/internal/hub"
	"randomtalk/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	id          string
	lang        string
	RecvChannel chan hub.Envelope
	closed      atomic.Bool
}

func newMockClient(id, lang string, buffer int) *MockClient {
	return &MockClient{
		id:          id,
		lang:        lang,
		RecvChannel: make(chan hub.Envelope, buffer),
	}
}

func (c *MockClient) GetClientID() string                 { return c.id }
func (c *MockClient) GetLang() string                     { return c.lang }
func (c *MockClient) GetSendChannel() chan<- hub.Envelope { return c.RecvChannel }

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() { c.closed.Store(true) }

type MockCalls struct {
	mock.Mock
}

func (m *MockCalls) FindRandomCall(interests []string) { m.Called(interests) }
func (m *MockCalls) StartCall(peer models.Participant) { m.Called(peer) }
func (m *MockCalls) AcceptCall()                       { m.Called() }
func (m *MockCalls) RejectCall()                       { m.Called() }
func (m *MockCalls) Hangup()                           { m.Called() }
func (m *MockCalls) ToggleMute()                       { m.Called() }
func (m *MockCalls) SendMessage(text string)           { m.Called(text) }

func (m *MockCalls) Snapshot() call.Snapshot {
	args := m.Called()
	return args.Get(0).(call.Snapshot)
}

type MockFriends struct {
	mock.Mock
}

func (m *MockFriends) Send(ctx context.Context, to models.Participant) (*models.FriendRequest, error) {
	args := m.Called(ctx, to)
	req, _ := args.Get(0).(*models.FriendRequest)
	return req, args.Error(1)
}

func (m *MockFriends) Accept(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockFriends) Reject(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
