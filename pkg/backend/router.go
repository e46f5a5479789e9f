package backend

import (
	"errors"
	"path"
	"strings"
)

// ErrNoBackendForAppID is returned when no configured pattern matches.
var ErrNoBackendForAppID = errors.New("no backend configured for this app_id")

// ErrAmbiguousAppID is returned when more than one configured glob pattern
// matches the same app_id. Ambiguity is never silently resolved (§3).
var ErrAmbiguousAppID = errors.New("app_id matches more than one configured pattern")

// Router maps an inbound app_id to a Backend. It supports exact matches and
// glob patterns (*, ?) and is built once at startup and never mutated
// afterward (§9 Design Notes: "constructed once, frozen").
type Router struct {
	exact    map[string]Backend
	patterns []globEntry
}

type globEntry struct {
	pattern string
	backend Backend
}

// NewRouter returns an empty, mutable Router. Callers should finish calling
// Register before the first Resolve and treat it as read-only thereafter.
func NewRouter() *Router {
	return &Router{exact: make(map[string]Backend)}
}

// Register adds a backend under the given app_id pattern. Patterns
// containing '*' or '?' are matched with path.Match; all other patterns are
// matched exactly.
func (r *Router) Register(appIDPattern string, b Backend) {
	if strings.ContainsAny(appIDPattern, "*?") {
		r.patterns = append(r.patterns, globEntry{pattern: appIDPattern, backend: b})
		return
	}
	r.exact[appIDPattern] = b
}

// Resolve looks up the backend for an incoming app_id. An exact match wins
// outright. Otherwise every glob pattern is tried; zero matches is
// ErrNoBackendForAppID, more than one is ErrAmbiguousAppID.
func (r *Router) Resolve(appID string) (Backend, error) {
	if b, ok := r.exact[appID]; ok {
		return b, nil
	}

	var matched Backend
	matches := 0
	for _, entry := range r.patterns {
		ok, err := path.Match(entry.pattern, appID)
		if err != nil || !ok {
			continue
		}
		matches++
		matched = entry.backend
	}

	switch matches {
	case 0:
		return nil, ErrNoBackendForAppID
	case 1:
		return matched, nil
	default:
		return nil, ErrAmbiguousAppID
	}
}
