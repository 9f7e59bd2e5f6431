package models_test

import (
	"testing"

	"randomtalk/backend/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRoomIsOpen(t *testing.T) {
	assert.True(t, (&models.Room{CallerID: "a"}).IsOpen())
	assert.False(t, (&models.Room{CallerID: "a", CalleeID: "b"}).IsOpen(), "targeted rooms are not random")
	assert.False(t, (&models.Room{CallerID: "a", Answered: true}).IsOpen())
}

func TestRoomSharesInterest(t *testing.T) {
	room := &models.Room{CallerInterests: []string{"Music", " chess "}}

	assert.True(t, room.SharesInterest([]string{"music"}))
	assert.True(t, room.SharesInterest([]string{"go", "CHESS"}))
	assert.False(t, room.SharesInterest([]string{"football"}))
	assert.False(t, room.SharesInterest(nil))
	assert.False(t, (&models.Room{}).SharesInterest([]string{"music"}))
}

func TestRoomParticipants(t *testing.T) {
	room := &models.Room{
		CallerID: "a", CallerName: "Ann", CallerAvatar: "1",
		CalleeID: "b", CalleeName: "Bob",
	}

	assert.Equal(t, models.Participant{ID: "a", Name: "Ann", Avatar: "1"}, room.Caller())
	assert.Equal(t, models.Participant{ID: "b", Name: "Bob"}, room.Callee())
}

func TestNormalizeInterests(t *testing.T) {
	assert.Equal(t, []string{"music", "chess"}, models.NormalizeInterests([]string{" Music", "chess", "MUSIC", ""}))
	assert.Nil(t, models.NormalizeInterests([]string{" ", ""}))
	assert.Nil(t, models.NormalizeInterests(nil))
}

func TestCandidateSideOpposite(t *testing.T) {
	assert.Equal(t, models.CalleeSide, models.CallerSide.Opposite())
	assert.Equal(t, models.CallerSide, models.CalleeSide.Opposite())
}

func TestFriendRequestIsTerminal(t *testing.T) {
	assert.False(t, (&models.FriendRequest{Status: models.FriendRequestPending}).IsTerminal())
	assert.True(t, (&models.FriendRequest{Status: models.FriendRequestAccepted}).IsTerminal())
	assert.True(t, (&models.FriendRequest{Status: models.FriendRequestRejected}).IsTerminal())
}
