package domain

import "time"

type RoomID string
type SessionID string

const (
	roomGroupPrefix = "room:"
	userGroupPrefix = "user:"
)

// RoomGroup is the broadcast domain of a room.
func RoomGroup(roomID RoomID) string {
	return roomGroupPrefix + string(roomID)
}

// UserGroup is the unicast domain of an identity: every live session of
// that identity is a member.
func UserGroup(userID UserID) string {
	return userGroupPrefix + userID.String()
}

// Meeting mirrors the meeting record owned by the CRUD backend. The relay
// only reads it.
type Meeting struct {
	ID              RoomID
	Title           string
	HostID          UserID
	Active          bool
	MaxParticipants int
	CreatedAt       time.Time
}

// Participant is a membership record of a meeting.
type Participant struct {
	MeetingID RoomID
	User      Identity
	Role      UserRole
	Active    bool
	JoinedAt  time.Time
}
