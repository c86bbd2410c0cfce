package session

import (
	"github.com/oklog/ulid/v2"
)

// ID identifies one run of the process. A client holding a different ID
// has state from an earlier run and must start over.
type ID string

// NewID generates a fresh session id.
func NewID() ID {
	return ID(ulid.Make().String())
}

func (id ID) String() string {
	return string(id)
}

// Matches reports whether token names this session.
func (id ID) Matches(token string) bool {
	return token != "" && token == string(id)
}
