// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package proxy

import (
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard"
	"github.com/google/uuid"
)

// failoverWindow is how long a upstream that failed to dial is skipped by
// the "first" strategy before being retried.
const failoverWindow = 5 * time.Second

// Router evaluates a RouteTable's matchers in declared order and hands
// back the first Route whose matcher fires, plus per-route upstream
// selection state (round-robin position, "first"-strategy failover
// memory).
type Router struct {
	compiled []*compiledRoute
	byID     map[uuid.UUID]*compiledRoute
}

type compiledRoute struct {
	route   *Route
	matches func(sni, host, path string) bool

	mu          sync.Mutex
	rrNext      uint64
	failedUntil map[int]time.Time
}

// NewRouter compiles every route in rt into a matcher closure.
func NewRouter(rt *RouteTable) *Router {
	r := &Router{byID: make(map[uuid.UUID]*compiledRoute, len(rt.Routes))}
	for i := range rt.Routes {
		route := &rt.Routes[i]
		cr := &compiledRoute{route: route, matches: compileMatcher(route.Match)}
		r.compiled = append(r.compiled, cr)
		r.byID[route.ID] = cr
	}
	return r
}

func compileMatcher(m Matcher) func(sni, host, path string) bool {
	switch m.Type {
	case MatchSni:
		pattern := strings.ToLower(m.Pattern)
		return func(sni, _, _ string) bool {
			if sni == "" {
				return false
			}
			sni = strings.ToLower(sni)
			// A leading "*." covers exactly one label: "*.example.com"
			// matches a.example.com but not a.b.example.com.
			if strings.HasPrefix(pattern, "*.") {
				label, ok := strings.CutSuffix(sni, pattern[1:])
				return ok && label != "" && !strings.Contains(label, ".")
			}
			return wildcard.MatchSimple(pattern, sni)
		}
	case MatchVHost:
		pattern := strings.ToLower(m.Pattern)
		prefix := m.PathPrefix
		return func(_, host, path string) bool {
			if host == "" || !wildcard.MatchSimple(pattern, strings.ToLower(host)) {
				return false
			}
			return prefix == "" || strings.HasPrefix(path, prefix)
		}
	case MatchPath:
		prefix := m.PathPrefix
		return func(_, _, path string) bool {
			return strings.HasPrefix(path, prefix)
		}
	case MatchAny:
		return func(_, _, _ string) bool { return true }
	default:
		return func(_, _, _ string) bool { return false }
	}
}

// Match returns the first Route whose matcher fires for the given TLS
// server name, HTTP Host header, and HTTP request path (each may be empty
// when not applicable to the listener's protocol).
func (r *Router) Match(sni, host, path string) (*Route, bool) {
	for _, cr := range r.compiled {
		if cr.matches(sni, host, path) {
			return cr.route, true
		}
	}
	return nil, false
}

// SelectUpstream picks the next upstream for routeID according to its
// configured strategy.
func (r *Router) SelectUpstream(routeID uuid.UUID, now time.Time) (Upstream, int, bool) {
	cr, ok := r.byID[routeID]
	if !ok || len(cr.route.Upstreams) == 0 {
		return Upstream{}, -1, false
	}
	ups := cr.route.Upstreams
	if cr.route.strategy() == StrategyFirst {
		cr.mu.Lock()
		defer cr.mu.Unlock()
		for i, u := range ups {
			if until, bad := cr.failedUntil[i]; bad && now.Before(until) {
				continue
			}
			return u, i, true
		}
		// every upstream is within its failover window; try the first
		// one again rather than refusing the connection outright.
		return ups[0], 0, true
	}
	cr.mu.Lock()
	idx := int(cr.rrNext % uint64(len(ups)))
	cr.rrNext++
	cr.mu.Unlock()
	return ups[idx], idx, true
}

// MarkFailed records that the upstream at idx within routeID's pool just
// failed to dial, so the "first" strategy skips it until failoverWindow
// elapses.
func (r *Router) MarkFailed(routeID uuid.UUID, idx int, now time.Time) {
	cr, ok := r.byID[routeID]
	if !ok {
		return
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.failedUntil == nil {
		cr.failedUntil = make(map[int]time.Time)
	}
	cr.failedUntil[idx] = now.Add(failoverWindow)
}
