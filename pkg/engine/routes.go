package engine

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

type route struct {
	module  string
	pattern string
	handler http.Handler
}

// routeTable holds the HTTP routes registered by modules. http.ServeMux cannot
// remove patterns, so the mux is rebuilt on every change.
type routeTable struct {
	mu     sync.RWMutex
	routes []route
	mux    *http.ServeMux
}

func (t *routeTable) add(module, pattern string, h http.Handler) (err error) {
	if h == nil {
		return fmt.Errorf("route %q has no handler", pattern)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.routes {
		if r.pattern == pattern {
			return fmt.Errorf("route %q already registered by module %q", pattern, r.module)
		}
	}

	routes := append(append([]route(nil), t.routes...), route{module: module, pattern: pattern, handler: h})
	mux := http.NewServeMux()
	defer func() {
		// ServeMux panics on invalid or conflicting patterns
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid route %q: %v", pattern, r)
		}
	}()
	for _, r := range routes {
		mux.Handle(r.pattern, r.handler)
	}
	t.routes = routes
	t.mux = mux
	return nil
}

func (t *routeTable) patterns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.pattern)
	}
	sort.Strings(out)
	return out
}

func (t *routeTable) clear() {
	t.mu.Lock()
	t.routes = nil
	t.mux = nil
	t.mu.Unlock()
}

func (t *routeTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	mux := t.mux
	t.mu.RUnlock()
	if mux == nil {
		http.NotFound(w, r)
		return
	}
	mux.ServeHTTP(w, r)
}
