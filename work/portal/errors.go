package portal

import (
	"errors"
	"fmt"
)

// errTokenExpired is the internal signal that the portal no longer accepts the token.
var errTokenExpired = errors.New("token expired")

// AuthError reports that a MAC could not obtain or keep a session token.
type AuthError struct {
	Portal string
	MAC    string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s on portal %s: %v", e.MAC, e.Portal, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError reports a failed listing call (channels, genres, guide, account).
type FetchError struct {
	Portal string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s failed on portal %s: %v", e.Op, e.Portal, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// LinkError reports that a playable URL could not be produced for a channel.
type LinkError struct {
	Portal    string
	ChannelID string
	Err       error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link resolution failed for channel %s on portal %s: %v", e.ChannelID, e.Portal, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
