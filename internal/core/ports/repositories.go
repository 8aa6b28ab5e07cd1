package ports

import (
	"context"

	"meetrelay/internal/core/domain"
)

// IdentityResolver turns a connection credential into an identity. It
// returns an error wrapping domain.ErrUnauthenticated for missing or
// invalid credentials.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (domain.Identity, error)
}

// AccessChecker reports whether an identity may join a room: the room must
// be active and the identity must be its host or an active participant.
type AccessChecker interface {
	CheckAccess(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (bool, error)
}

// MembershipSnapshotter lists the active members of a room, used to seed
// room_state for a new connection.
type MembershipSnapshotter interface {
	SnapshotActiveMembers(ctx context.Context, roomID domain.RoomID, exclude domain.UserID) ([]domain.Identity, error)
}

// UserDirectory resolves display names for tokens that only carry a user id.
type UserDirectory interface {
	LookupUsername(ctx context.Context, userID domain.UserID) (string, error)
}

// MeetingRepository is the read side of the meeting backend consumed by the
// relay.
type MeetingRepository interface {
	AccessChecker
	MembershipSnapshotter
	UserDirectory
}
