package tui

import (
	"time"
)

// StatusInfo describes the stored session for the status command.
type StatusInfo struct {
	TokenFile     string
	Authenticated bool
	AccessExpiry  time.Time
	AccessExpired bool
	RefreshUsable bool
}

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Command string }

// MsgSigningIn signals that a sign-in or sign-up request is in flight.
type MsgSigningIn struct {
	Email  string
	SignUp bool
}

// MsgSignedIn signals that credentials were obtained and saved.
type MsgSignedIn struct {
	Email     string
	ExpiresIn time.Duration
}

// MsgSignedOut signals that the session was ended and credentials removed.
type MsgSignedOut struct{}

// MsgStatus carries the stored session details.
type MsgStatus struct{ Info StatusInfo }

// MsgCalling signals that an authorized request is in flight.
type MsgCalling struct {
	Method string
	Path   string
}

// MsgCallDone signals that the request completed with a response.
type MsgCallDone struct {
	Status  int
	Elapsed time.Duration
}

// MsgCallFailed signals that the request produced no response.
type MsgCallFailed struct{ Err error }

// MsgAuthRequired signals that the user has to sign in again.
type MsgAuthRequired struct{ Err error }

// MsgRedirected signals a navigation caused by the session ending.
type MsgRedirected struct {
	From string
	To   string
}

// MsgWatching signals that the token file is being watched.
type MsgWatching struct{ Path string }

// MsgStateChanged signals a session state transition.
type MsgStateChanged struct{ Authenticated bool }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
