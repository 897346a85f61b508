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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/meridian-proxy/meridian/internal/netw"
)

// sessionState is the explicit per-connection state machine: Accepted ->
// [Tls?] -> [HttpPeek?] -> Routed -> Dialing -> Streaming -> Closing ->
// Closed. Each transition is recorded in session.state; no admin API
// endpoint exposes it.
type sessionState int

const (
	stateAccepted sessionState = iota
	stateTLS
	stateHTTPPeek
	stateRouted
	stateDialing
	stateStreaming
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateTLS:
		return "tls"
	case stateHTTPPeek:
		return "http_peek"
	case stateRouted:
		return "routed"
	case stateDialing:
		return "dialing"
	case stateStreaming:
		return "streaming"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maxHTTPPeek      = 8 * 1024
	maxHTTPHeaders   = 100
	httpPeekTimeout  = 5 * time.Second
	halfCloseTimeout = 10 * time.Second
	dialTimeout      = 10 * time.Second

	// acmeChallengePath is the well-known URL prefix HTTP-01 validation
	// requests arrive on (RFC 8555 §8.3); acme.ChallengePath names the
	// same literal for the engine that answers them.
	acmeChallengePath = "/.well-known/acme-challenge/"
)

// prefixConn re-presents a net.Conn whose leading bytes were already
// consumed into r (typically an io.MultiReader splicing a peeked prefix
// back in front of the connection), so a component downstream of the
// peek — here, handing the connection to an in-process HTTP server —
// reads the request from the beginning instead of missing the prefix.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (p *prefixConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// session carries one accepted connection through TLS termination (if
// any), routing, upstream dialing, and bidirectional forwarding.
type session struct {
	conn      *netw.Conn
	port      Port
	snapshot  *ConfigSnapshot
	router    *Router
	events    *EventBus
	responder ChallengeResponder // optional; answers ACME HTTP-01 challenges in-process

	mu    sync.Mutex
	state sessionState
}

func newSession(conn *netw.Conn, port Port, snapshot *ConfigSnapshot, router *Router, events *EventBus, responder ChallengeResponder) *session {
	return &session{conn: conn, port: port, snapshot: snapshot, router: router, events: events, responder: responder}
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// run drives the session to completion. It closes s.conn before returning,
// unless the connection was handed to the ACME challenge responder.
func (s *session) run() {
	handedOff := false
	defer func() {
		if !handedOff {
			s.conn.Close()
		}
	}()
	defer s.setState(stateClosed)
	s.setState(stateAccepted)

	sessionsTotal.WithLabelValues(s.port.Name, s.port.Protocol).Inc()
	sessionsActive.WithLabelValues(s.port.Name).Inc()
	defer sessionsActive.WithLabelValues(s.port.Name).Dec()
	logConnF(s.snapshot.Config, "%s: session accepted on %q from %s", s.port.Protocol, s.port.Name, s.conn.RemoteAddr())

	var sni string
	var serverConn net.Conn = s.conn
	var clientReader io.Reader = s.conn

	isTLS := s.port.Protocol == ProtoTLS || s.port.Protocol == ProtoHTTPS
	isHTTP := s.port.Protocol == ProtoHTTP || s.port.Protocol == ProtoHTTPS

	if isTLS {
		s.setState(stateTLS)
		hello, err := peekClientHello(s.conn)
		if err != nil {
			sessionErrorsTotal.WithLabelValues(s.port.Name, KindTls).Inc()
			s.events.Emit(KindTls, fmt.Sprintf("clienthello: %v", err), map[string]any{"port": s.port.Name})
			logErrF(s.snapshot.Config, "%s: clienthello: %v", s.port.Name, err)
			sendHandshakeFailure(s.conn)
			return
		}
		sni = normalizeHost(hello.ServerName)

		if _, err := s.snapshot.Certs.Resolve(time.Now(), sni); err != nil {
			sessionErrorsTotal.WithLabelValues(s.port.Name, KindTls).Inc()
			s.events.Emit(KindTls, "no certificate for server name", map[string]any{"sni": sni})
			logErrF(s.snapshot.Config, "%s: no certificate for %q", s.port.Name, sni)
			sendUnrecognizedName(s.conn)
			return
		}
		// A plain tls listener never gets a post-handshake Host/path peek,
		// so this SNI-only check is the only routing signal it ever gets
		// and a miss here is final. An https listener's routes may match
		// on Host or path instead of SNI (VHostMatch/PathMatch require a
		// non-empty host, which isn't known until after the handshake and
		// HTTP peek below), so rejecting here would refuse valid vhost
		// configs before they ever get a chance to match; leave that
		// check to the post-peek Match instead.
		if s.port.Protocol == ProtoTLS {
			if _, ok := s.router.Match(sni, "", ""); !ok {
				sessionErrorsTotal.WithLabelValues(s.port.Name, KindTls).Inc()
				s.events.Emit(KindTls, "no route for server name", map[string]any{"sni": sni})
				logErrF(s.snapshot.Config, "%s: no route for %q", s.port.Name, sni)
				sendUnrecognizedName(s.conn)
				return
			}
		}

		cfg := &tls.Config{
			GetCertificate: s.snapshot.Certs.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
			MinVersion:     tls.VersionTLS12,
		}
		tlsConn := tls.Server(s.conn, cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			tlsHandshakeFailuresTotal.WithLabelValues(s.port.Name).Inc()
			s.events.Emit(KindTls, fmt.Sprintf("handshake: %v", err), map[string]any{"sni": sni})
			logErrF(s.snapshot.Config, "%s: tls handshake for %q: %v", s.port.Name, sni, err)
			return
		}
		serverConn = tlsConn
		clientReader = tlsConn
	}

	var host, path string
	if isHTTP {
		s.setState(stateHTTPPeek)
		serverConn.SetReadDeadline(time.Now().Add(httpPeekTimeout))
		h, p, prefix, perr := peekHTTPRequestLine(clientReader)
		serverConn.SetReadDeadline(time.Time{})
		if perr != nil {
			sessionErrorsTotal.WithLabelValues(s.port.Name, KindUpstream).Inc()
			s.events.Emit(KindUpstream, fmt.Sprintf("http peek: %v", perr), map[string]any{"port": s.port.Name})
			logErrF(s.snapshot.Config, "%s: http peek: %v", s.port.Name, perr)
			io.WriteString(serverConn, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
			return
		}
		host, path = normalizeHost(h), p
		// The scan consumed prefix from clientReader; splice it back in
		// front so the upstream sees the request byte-for-byte, since
		// rewriting it is out of scope.
		clientReader = io.MultiReader(bytes.NewReader(prefix), clientReader)
	}

	// An HTTP-01 validation request is answered in-process regardless of
	// whether any configured route matches its host, since the CA sends
	// it to whatever is listening on port 80 for the domain being proved.
	if s.port.Protocol == ProtoHTTP && s.responder != nil && strings.HasPrefix(path, acmeChallengePath) {
		s.setState(stateRouted)
		s.events.Emit(KindConfig, "acme http-01 challenge", map[string]any{"port": s.port.Name, "path": path})
		if s.responder.Accept(&prefixConn{Conn: serverConn, r: clientReader}) {
			handedOff = true
			return
		}
	}

	route, ok := s.router.Match(sni, host, path)
	if !ok {
		sessionErrorsTotal.WithLabelValues(s.port.Name, KindUpstream).Inc()
		if isHTTP {
			io.WriteString(serverConn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		}
		s.events.Emit(KindUpstream, "no matching route", map[string]any{"port": s.port.Name, "sni": sni, "host": host})
		logErrF(s.snapshot.Config, "%s: no matching route for sni=%q host=%q path=%q", s.port.Name, sni, host, path)
		return
	}

	s.setState(stateRouted)
	s.events.Emit(KindUpstream, "routed", map[string]any{"route": route.ID.String(), "port": s.port.Name})

	s.setState(stateDialing)
	upstream, err := s.dial(route)
	if err != nil {
		sessionErrorsTotal.WithLabelValues(s.port.Name, KindUpstream).Inc()
		upstreamDialFailuresTotal.WithLabelValues(route.ID.String()).Inc()
		if isHTTP {
			io.WriteString(serverConn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		}
		s.events.Emit(KindUpstream, fmt.Sprintf("dial: %v", err), map[string]any{"route": route.ID.String()})
		logErrF(s.snapshot.Config, "%s: dial for route %s: %v", s.port.Name, route.ID, err)
		return
	}
	defer upstream.Close()

	s.setState(stateStreaming)
	s.bridge(serverConn, clientReader, upstream)
	bytesTotal.WithLabelValues(s.port.Name, "received").Add(float64(s.conn.BytesReceived()))
	bytesTotal.WithLabelValues(s.port.Name, "sent").Add(float64(s.conn.BytesSent()))
	s.setState(stateClosing)
}

// dial selects and connects to an upstream for route, honoring the
// route's failover strategy: "first" retries the next upstream in the
// pool on a dial error, "round_robin" reports the single failure (the
// teacher's backend.dial does the same: one attempt per accepted
// connection, no proxy-level retry storm against a dead pool member).
func (s *session) dial(route *Route) (net.Conn, error) {
	tries := len(route.Upstreams)
	if tries == 0 {
		return nil, errors.New("route has no upstreams")
	}
	for attempt := 0; attempt < tries; attempt++ {
		u, idx, ok := s.router.SelectUpstream(route.ID, clockNow())
		if !ok {
			return nil, errors.New("no upstream available")
		}
		timeout := u.DialTimeout
		if timeout <= 0 {
			timeout = dialTimeout
		}
		conn, err := net.DialTimeout("tcp", u.Address, timeout)
		if err != nil {
			s.router.MarkFailed(route.ID, idx, clockNow())
			if route.strategy() == StrategyFirst {
				continue
			}
			return nil, err
		}
		if !u.TLS {
			return conn, nil
		}
		serverName := u.SNIOverride
		if serverName == "" {
			serverName, _, _ = net.SplitHostPort(u.Address)
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			conn.Close()
			s.router.MarkFailed(route.ID, idx, clockNow())
			if route.strategy() == StrategyFirst {
				continue
			}
			return nil, err
		}
		return tlsConn, nil
	}
	return nil, errors.New("all upstreams failed")
}

// bridge copies bytes in both directions between the client and the
// upstream. Each direction is closed for writing independently as soon as
// its source reaches EOF; once one side has half-closed, the other has
// halfCloseTimeout to finish on its own before both ends are torn down.
func (s *session) bridge(client net.Conn, clientReader io.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, clientReader)
		closeWrite(upstream)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		closeWrite(client)
		done <- struct{}{}
	}()
	<-done
	select {
	case <-done:
	case <-time.After(halfCloseTimeout):
		client.Close()
		upstream.Close()
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}

// peekHTTPRequestLine reads a bounded prefix of an HTTP/1.x request off r
// to extract its path and Host header, stopping as soon as it has seen the
// end of the headers, hit maxHTTPPeek, or r stopped producing data. Unlike
// netw.Conn.Peek (which knows its target length up front from a TLS record
// header), the header terminator's position isn't known in advance, so
// this reads in small chunks and inspects the buffer after every read
// rather than blocking a bufio.Reader.Peek(n) call for an n the peer may
// never send. It returns the consumed bytes as prefix so the caller can
// splice them back in front of r before forwarding.
func peekHTTPRequestLine(r io.Reader) (host, path string, prefix []byte, err error) {
	buf := make([]byte, 0, 512)
	tmp := make([]byte, 512)
	for {
		n, rerr := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if bytes.Contains(buf, []byte("\r\n\r\n")) || len(buf) >= maxHTTPPeek {
			break
		}
		if rerr != nil {
			break
		}
	}
	prefix = buf
	if len(buf) == 0 {
		return "", "", prefix, errors.New("empty request")
	}
	lines := strings.Split(string(buf), "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return "", "", prefix, errors.New("malformed request line")
	}
	path = fields[1]
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for i, line := range lines[1:] {
		if i >= maxHTTPHeaders {
			break
		}
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(k), "host") {
			host = strings.TrimSpace(v)
			break
		}
	}
	return host, path, prefix, nil
}
