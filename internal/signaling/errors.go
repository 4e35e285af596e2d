package signaling

import "errors"

var (
	ErrNoRecipient      = errors.New("no recipient")
	ErrMalformedMessage = errors.New("malformed message")
	ErrNotJoined        = errors.New("sender is not a member of the room")
)
