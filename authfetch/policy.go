package authfetch

import (
	"net/url"
	"strings"
	"time"
)

// TimeoutPolicy decides how long a call may wait for its response.
type TimeoutPolicy struct {
	// Default applies to every destination not listed in LongRunning.
	// Zero disables the timer.
	Default time.Duration

	// LongRunning lists path prefixes that get no timer at all.
	LongRunning []string
}

// For returns the timeout for destination, or 0 for no timer.
// A prefix matches whole path segments: "/chat" covers "/chat" and
// "/chat/stream" but not "/chatter".
func (p TimeoutPolicy) For(destination string) time.Duration {
	path := destinationPath(destination)
	for _, prefix := range p.LongRunning {
		prefix = "/" + strings.Trim(prefix, "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return 0
		}
	}
	return p.Default
}

func destinationPath(destination string) string {
	path := destination
	if u, err := url.Parse(destination); err == nil {
		path = u.Path
	} else if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
