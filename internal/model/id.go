package model

import (
	"sync"

	"github.com/google/uuid"
)

var idMu sync.Mutex
var lastID string

// NewID returns a time-ordered unique id (UUIDv7). Ids generated by one
// process are strictly increasing, so lexicographic order of ids agrees
// with generation order.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	for {
		u, err := uuid.NewV7()
		if err != nil {
			// rand failure; fall back to v4 rather than panic
			return uuid.NewString()
		}
		id := u.String()
		if id > lastID {
			lastID = id
			return id
		}
		// same-millisecond collision with a lower random part; draw again
	}
}
