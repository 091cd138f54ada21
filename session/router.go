package session

import "sync"

// Routes the session logic knows about.
const (
	RouteHome   = "/"
	RouteSignIn = "/signin"
	RouteSignUp = "/signup"
)

// IsPublicRoute reports whether route can be shown without a session.
func IsPublicRoute(route string) bool {
	switch route {
	case RouteHome, RouteSignIn, RouteSignUp:
		return true
	}
	return false
}

// Navigator is where the user currently is and how to send them elsewhere.
type Navigator interface {
	Current() string
	Navigate(to string)
}

// Router is an in-memory Navigator that keeps the visited routes.
type Router struct {
	mu      sync.Mutex
	current string
	history []string
}

// NewRouter starts at start.
func NewRouter(start string) *Router {
	return &Router{current: start, history: []string{start}}
}

func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Router) Navigate(to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = to
	r.history = append(r.history, to)
}

// History returns every route visited, oldest first.
func (r *Router) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history...)
}
