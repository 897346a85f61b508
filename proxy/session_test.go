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
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-proxy/meridian/certstore"
	"github.com/meridian-proxy/meridian/internal/netw"
)

// captureServer accepts one connection, copies everything it reads into
// captured, then writes reply and closes.
func captureServer(t *testing.T, reply string) (addr string, captured *strings.Builder) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	captured = &strings.Builder{}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := c.Read(buf)
		captured.Write(buf[:n])
		io.WriteString(c, reply)
	}()
	return ln.Addr().String(), captured
}

func newTestSession(t *testing.T, protocol string, rt *RouteTable) (client net.Conn, s *session) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	nc := netw.NewConnForTest(serverConn)
	port := Port{Name: "test", Protocol: protocol}
	snap := &ConfigSnapshot{Generation: 1, Certs: certstore.New()}
	s = newSession(nc, port, snap, NewRouter(rt), NewEventBus(), nil)
	return clientConn, s
}

func TestSessionHTTPRoutesByHostAndForwardsRawBytes(t *testing.T) {
	upstreamAddr, captured := captureServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK")
	rt := &RouteTable{Routes: []Route{{
		ID:        uuid.New(),
		Match:     Matcher{Type: MatchVHost, Pattern: "www.example.com", PathPrefix: "/"},
		Upstreams: []Upstream{{Address: upstreamAddr}},
	}}}
	client, s := newTestSession(t, ProtoHTTP, rt)

	req := "GET /hello HTTP/1.1\r\nHost: www.example.com\r\n\r\n"
	go io.WriteString(client, req)

	done := make(chan struct{})
	go func() { s.run(); close(done) }()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(client)
	if err != nil && !strings.Contains(err.Error(), "closed") {
		t.Fatalf("ReadAll: %v", err)
	}
	<-done

	if !strings.Contains(string(resp), "200 OK") {
		t.Errorf("response = %q, want it to contain 200 OK", resp)
	}
	if captured.String() != req {
		t.Errorf("upstream received %q, want the original request byte-for-byte: %q", captured.String(), req)
	}
}

func TestSessionHTTPNoMatchingHostReturns502(t *testing.T) {
	rt := &RouteTable{Routes: []Route{{
		ID:        uuid.New(),
		Match:     Matcher{Type: MatchVHost, Pattern: "www.example.com", PathPrefix: "/"},
		Upstreams: []Upstream{{Address: "127.0.0.1:1"}},
	}}}
	client, s := newTestSession(t, ProtoHTTP, rt)

	req := "GET /hello HTTP/1.1\r\nHost: other.example.com\r\n\r\n"
	go io.WriteString(client, req)

	done := make(chan struct{})
	go func() { s.run(); close(done) }()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := io.ReadAll(client)
	<-done

	if !strings.Contains(string(resp), "502") {
		t.Errorf("response = %q, want a 502", resp)
	}
}

func TestSessionHTTPPeekFailureReturns400(t *testing.T) {
	rt := &RouteTable{Routes: []Route{{
		ID:        uuid.New(),
		Match:     Matcher{Type: MatchAny},
		Upstreams: []Upstream{{Address: "127.0.0.1:1"}},
	}}}
	client, s := newTestSession(t, ProtoHTTP, rt)

	// maxHTTPPeek bytes with no whitespace and no CRLFCRLF: the peek's
	// buffer fills without ever seeing the end of headers, so it stops
	// at the cap and finds no method/path split in what it collected.
	go io.WriteString(client, strings.Repeat("A", maxHTTPPeek))

	done := make(chan struct{})
	go func() { s.run(); close(done) }()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := io.ReadAll(client)
	<-done

	if !strings.Contains(string(resp), "400") {
		t.Errorf("response = %q, want a 400", resp)
	}
}

func TestSessionTCPAnyMatcherBridgesRawBytes(t *testing.T) {
	upstreamAddr, captured := captureServer(t, "pong")
	rt := &RouteTable{Routes: []Route{{
		ID:        uuid.New(),
		Match:     Matcher{Type: MatchAny},
		Upstreams: []Upstream{{Address: upstreamAddr}},
	}}}
	client, s := newTestSession(t, ProtoTCP, rt)

	go io.WriteString(client, "ping")

	done := make(chan struct{})
	go func() { s.run(); close(done) }()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	buf := make([]byte, 4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("read from upstream via bridge: %v", err)
	}
	<-done

	if string(buf) != "pong" {
		t.Errorf("client received %q, want pong", buf)
	}
	if captured.String() != "ping" {
		t.Errorf("upstream received %q, want ping", captured.String())
	}
}

func TestSessionDialFailureIsReported(t *testing.T) {
	rt := &RouteTable{Routes: []Route{{
		ID:        uuid.New(),
		Match:     Matcher{Type: MatchAny},
		Strategy:  StrategyFirst,
		Upstreams: []Upstream{{Address: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}},
	}}}
	client, s := newTestSession(t, ProtoTCP, rt)
	go io.WriteString(client, "x")

	done := make(chan struct{})
	go func() { s.run(); close(done) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish after a dial failure")
	}
}
