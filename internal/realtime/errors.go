package realtime

import (
	"errors"
	"strings"
)

var ErrNotConnected = errors.New("realtime: not connected")

// EventError is a failure reported to subscribers. Auth errors end the
// session: the channel does not reconnect after one.
type EventError struct {
	Message string
	Auth    bool
}

func (e *EventError) Error() string {
	if e.Auth {
		return "realtime auth error: " + e.Message
	}
	return "realtime error: " + e.Message
}

var authMarkers = []string{
	"unauthorized",
	"not authorized",
	"authentication",
	"invalid token",
	"token expired",
	"expired token",
	"jwt",
}

// IsAuthMessage reports whether an error text describes an auth failure
func IsAuthMessage(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range authMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
