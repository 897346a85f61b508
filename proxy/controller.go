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

// Package proxy implements a live-reconfigurable TLS-terminating reverse
// proxy: an operator-supplied Config is compiled into an immutable
// ConfigSnapshot, sessions are matched against the current snapshot's
// routes, and a new Config is applied by building a fresh snapshot and
// swapping it in — no torn reads, no connection is ever routed against a
// half-updated table.
package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/meridian-proxy/meridian/certmanager"
	"github.com/meridian-proxy/meridian/certstore"
	"github.com/meridian-proxy/meridian/internal/netw"
)

// AcmeCertSource is satisfied by the acme package's Engine: it hands the
// controller a currently-valid certificate for an ACME-managed
// CertificateSource, or false if none has been issued yet.
type AcmeCertSource interface {
	Certificate(certID string) (*tls.Certificate, bool)
}

// AcmeOrderManager is the fuller seam the admin API's
// POST/GET /api/acme/orders handlers use to start and inspect orders; it
// embeds AcmeCertSource so a Controller only needs one field to satisfy
// both the session-facing and the admin-facing side of the acme package.
type AcmeOrderManager interface {
	AcmeCertSource
	StartOrder(certID string, domains []string) (state string, err error)
	OrderStates() map[string]string
}

// ChallengeResponder is satisfied by the acme package's Responder: it
// accepts a raw HTTP connection carrying an ACME HTTP-01 validation
// request for in-process handling, so the proxy never has to bind a
// second port to answer challenges.
type ChallengeResponder interface {
	Accept(conn net.Conn) bool
}

// Controller owns the live ConfigSnapshot and the set of running
// portListeners. Reconfigure is the only way to change either; it always
// leaves the Controller either fully applying the new Config or fully
// running the old one, never a mix.
type Controller struct {
	Events    *EventBus
	Acme      AcmeOrderManager   // optional; nil means static certificates only
	Responder ChallengeResponder // optional; nil means no HTTP-01 challenges are answered in-process

	// EphemeralCerts, when set, is used to synthesize a self-signed
	// certificate for any CertificateSource that names neither
	// cert_file/key_file nor an acme_account_id. It exists for
	// -use-ephemeral-certificate-manager runs where standing up a real CA
	// or ACME account isn't worth it; it is never set in a production run.
	EphemeralCerts *certmanager.CertManager

	mu        sync.Mutex
	snapshot  atomic.Pointer[ConfigSnapshot]
	listeners map[string]*portListener // keyed by Port.Address
	limiters  map[string]*rate.Limiter // keyed by BWLimitGroup.Name
	stopped   bool

	// openConns is the process-wide count of connections currently past
	// accept, checked against Config.MaxOpenConnections in handleConn so
	// the proxy refuses new work rather than exhausting its file
	// descriptor budget.
	openConns atomic.Int64
}

// NewController returns a Controller with no snapshot and no listeners.
// No listener runs until the first successful Reconfigure.
func NewController() *Controller {
	return &Controller{
		Events:    NewEventBus(),
		listeners: make(map[string]*portListener),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Snapshot returns the currently active ConfigSnapshot, or nil if
// Reconfigure has never succeeded.
func (c *Controller) Snapshot() *ConfigSnapshot {
	return c.snapshot.Load()
}

// Reconfigure validates cfg, builds a new ConfigSnapshot, starts
// listeners for ports that are new or whose address/protocol changed,
// stops listeners for ports that were removed, and leaves unaffected
// ports' listeners running untouched. The new snapshot is swapped in
// before any listener changes take effect, so a session that starts
// mid-reconfiguration sees either the whole old world or the whole new
// one.
func (c *Controller) Reconfigure(cfg *Config) error {
	if err := cfg.Check(); err != nil {
		return err
	}

	certs, err := c.loadCertificates(cfg)
	if err != nil {
		logErrF(cfg, "reconfigure: %v", err)
		return fmt.Errorf("controller: %w", err)
	}
	store := certstore.Build(certs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("controller: stopped")
	}

	prev := c.snapshot.Load()
	var prevGen uint64
	if prev != nil {
		prevGen = prev.Generation
	}
	next := newSnapshot(prevGen, cfg, store)

	c.limiters = rebuildLimiters(c.limiters, cfg.BWLimits)
	c.snapshot.Store(next)

	wantAddrs := make(map[string]Port, len(cfg.Ports))
	for _, p := range cfg.Ports {
		wantAddrs[p.Address] = p
	}

	var removed []*portListener
	for addr, pl := range c.listeners {
		if want, ok := wantAddrs[addr]; !ok || want.Protocol != pl.port.Protocol {
			pl.stopAccepting()
			delete(c.listeners, addr)
			removed = append(removed, pl)
			c.Events.Emit(KindBind, "listener stopped", map[string]any{"address": addr})
			logConnF(cfg, "listener stopped on %s", addr)
		}
	}
	// Draining in-flight sessions on a removed port can take up to
	// drainTimeout; running it in the background rather than inline
	// keeps one long-lived connection on a port being removed from
	// holding c.mu, and therefore every other Reconfigure call, for as
	// long as the drain takes.
	for _, pl := range removed {
		go pl.drain(drainTimeout)
	}

	var started []*portListener
	for _, p := range cfg.Ports {
		if pl, ok := c.listeners[p.Address]; ok {
			pl.port = p // route table id and name apply to new sessions; the bw_limit limiter and max_sessions cap stay as bound
			continue
		}
		pl, err := newPortListener(p, c.limiters[p.BWLimit], c.handleConn)
		if err != nil {
			// On a live apply (there was already a running config),
			// only an address-in-use conflict aborts the whole diff;
			// any other bind failure (e.g. a bad interface address)
			// surfaces as a per-port PortFailed event so one broken
			// port doesn't roll back every other change in the same
			// Reconfigure call. The very first Reconfigure has nothing
			// to preserve, so any bind failure there still aborts.
			if prev != nil && !errors.Is(err, syscall.EADDRINUSE) {
				c.Events.Emit(KindBind, "PortFailed", map[string]any{"address": p.Address, "error": err.Error()})
				logErrF(cfg, "reconfigure: bind %s: %v (port left unconfigured)", p.Address, err)
				continue
			}
			for _, s := range started {
				s.Close()
				delete(c.listeners, s.port.Address)
			}
			c.snapshot.Store(prev)
			logErrF(cfg, "reconfigure: bind %s: %v", p.Address, err)
			return fmt.Errorf("controller: bind %s: %w", p.Address, err)
		}
		c.listeners[p.Address] = pl
		started = append(started, pl)
		go pl.serve()
		c.Events.Emit(KindBind, "listener started", map[string]any{"address": p.Address, "protocol": p.Protocol})
		logConnF(cfg, "listener started on %s (%s)", p.Address, p.Protocol)
	}

	c.Events.Emit(KindConfig, "reconfigured", map[string]any{"generation": next.Generation})
	logConnF(cfg, "reconfigured: generation %d, %d ports, %d certificates", next.Generation, len(cfg.Ports), len(cfg.Certificates))
	return nil
}

// handleConn is the per-listener session entry point: it always resolves
// the routing table against the snapshot that was live at accept time,
// even if a reconfiguration lands mid-session.
func (c *Controller) handleConn(conn *netw.Conn, port Port) {
	snap := c.snapshot.Load()
	if snap == nil {
		logWarnF("%s: connection accepted with no active snapshot", port.Name)
		conn.Close()
		return
	}
	open := c.openConns.Add(1)
	defer c.openConns.Add(-1)
	if budget := int64(snap.Config.maxOpenConnections()); open > budget {
		acceptStalledTotal.WithLabelValues(port.Name).Inc()
		c.Events.Emit(KindBind, "AcceptStalled", map[string]any{"port": port.Name, "open": open, "budget": budget})
		logWarnF("%s: too many open connections: %d > %d", port.Name, open, budget)
		conn.Close()
		return
	}

	rt := snap.routeTableFor(&port)
	if rt == nil {
		logErrF(snap.Config, "%s: no route table for port", port.Name)
		conn.Close()
		return
	}
	newSession(conn, port, snap, snap.routerFor(rt), c.Events, c.Responder).run()
}

// Stop closes every running listener. Reconfigure fails after Stop.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for addr, pl := range c.listeners {
		pl.Close()
		delete(c.listeners, addr)
	}
	logWarnF("controller stopped, all listeners closed")
}

func rebuildLimiters(existing map[string]*rate.Limiter, groups []BWLimitGroup) map[string]*rate.Limiter {
	next := make(map[string]*rate.Limiter, len(groups))
	for _, g := range groups {
		if l, ok := existing[g.Name]; ok {
			l.SetLimit(rate.Limit(g.BytesPerSecond))
			next[g.Name] = l
			continue
		}
		next[g.Name] = rate.NewLimiter(rate.Limit(g.BytesPerSecond), int(g.BytesPerSecond))
	}
	return next
}

// loadCertificates resolves every CertificateSource in cfg to a loaded
// certstore.Certificate: static sources are read from cert_file/key_file,
// ACME-managed ones are pulled from c.Acme (skipped, not an error, if the
// engine hasn't issued one yet — that certificate simply isn't served
// until an order completes), and sources with neither are synthesized by
// c.EphemeralCerts if one is set.
func (c *Controller) loadCertificates(cfg *Config) ([]*certstore.Certificate, error) {
	out := make([]*certstore.Certificate, 0, len(cfg.Certificates))
	for _, cs := range cfg.Certificates {
		var tlsCert *tls.Certificate
		if cs.managedByAcme() {
			if c.Acme == nil {
				continue
			}
			cert, ok := c.Acme.Certificate(cs.ID.String())
			if !ok {
				logWarnF("certificate %s: no acme-issued certificate yet", cs.ID)
				continue
			}
			tlsCert = cert
		} else if c.EphemeralCerts != nil && cs.CertFile == "" && cs.KeyFile == "" {
			name := cs.ID.String()
			if len(cs.Domains) > 0 {
				name = cs.Domains[0]
			}
			cert, err := c.EphemeralCerts.GetCert(name)
			if err != nil {
				return nil, fmt.Errorf("certificate %s: %w", cs.ID, err)
			}
			tlsCert = cert
		} else {
			cert, err := tls.LoadX509KeyPair(cs.CertFile, cs.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("certificate %s: %w", cs.ID, err)
			}
			tlsCert = &cert
		}
		sc, err := certstore.FromTLSCertificate(cs.ID, tlsCert)
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", cs.ID, err)
		}
		if len(sc.Domains) == 0 {
			sc.Domains = append(sc.Domains, cs.Domains...)
		}
		out = append(out, sc)
	}
	return out, nil
}
