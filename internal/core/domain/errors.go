package domain

import "errors"

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown message type")
	ErrMeetingNotFound  = errors.New("meeting not found")
	ErrUserNotFound     = errors.New("user not found")
)
