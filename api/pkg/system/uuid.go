package system

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// GenerateSessionID returns an opaque identifier for a new desktop session
func GenerateSessionID() string {
	return uuid.New().String()
}

// GenerateID returns a lexically sortable identifier, used for requests and
// diagnostics events
func GenerateID() string {
	return strings.ToLower(ulid.Make().String())
}
