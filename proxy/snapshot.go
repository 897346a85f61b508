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
	"time"

	"github.com/google/uuid"

	"github.com/meridian-proxy/meridian/certstore"
)

// ConfigSnapshot is an immutable, fully-resolved view of one configuration
// generation: the validated Config plus the certstore.Store built from it.
// Controller swaps a *ConfigSnapshot pointer atomically; nothing ever
// mutates one in place, so concurrent readers never observe a torn state.
type ConfigSnapshot struct {
	Generation uint64
	Config     *Config
	Certs      *certstore.Store
	BuiltAt    time.Time

	// routers holds one compiled Router per RouteTable, built once when
	// the snapshot is created and shared by every session routed through
	// that table for as long as this snapshot is live. Round-robin
	// position and "first"-strategy failover memory live inside these
	// Routers, so they must survive across connections, not be rebuilt
	// per accept.
	routers map[uuid.UUID]*Router
}

func newSnapshot(prevGeneration uint64, cfg *Config, certs *certstore.Store) *ConfigSnapshot {
	routers := make(map[uuid.UUID]*Router, len(cfg.RouteTables))
	for i := range cfg.RouteTables {
		rt := &cfg.RouteTables[i]
		routers[rt.ID] = NewRouter(rt)
	}
	return &ConfigSnapshot{
		Generation: prevGeneration + 1,
		Config:     cfg,
		Certs:      certs,
		BuiltAt:    time.Now(),
		routers:    routers,
	}
}

// routeTableFor returns the RouteTable a Port routes through, or nil if
// the reference is dangling (Config.Check should have already rejected
// that).
func (s *ConfigSnapshot) routeTableFor(p *Port) *RouteTable {
	return s.Config.routeTable(p.RouteTableID)
}

// routerFor returns the compiled Router for rt, built once when this
// snapshot was created and shared by every session that routes through it.
func (s *ConfigSnapshot) routerFor(rt *RouteTable) *Router {
	return s.routers[rt.ID]
}
