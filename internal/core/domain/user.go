package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// UserID is the numeric account id issued by the meeting backend.
// It marshals as a JSON number and accepts either a number or a numeric
// string on input, since tokens and browsers are not consistent about it.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		data = []byte(s)
	}

	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %s: %w", data, err)
	}
	*id = UserID(v)
	return nil
}

// Identity is an authenticated participant. It never changes for the
// lifetime of a connection.
type Identity struct {
	ID       UserID `json:"user_id"`
	Username string `json:"username"`
}

type UserRole string

const (
	RoleHost        UserRole = "host"
	RoleParticipant UserRole = "participant"
)
