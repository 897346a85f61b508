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
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/time/rate"

	"github.com/meridian-proxy/meridian/internal/netw"
)

// drainTimeout bounds how long Close waits for in-flight sessions to
// finish on their own before forcibly closing their sockets, so removing
// a port from the config can never hang a reconfigure indefinitely on one
// long-lived connection.
const drainTimeout = 30 * time.Second

// portListener owns the accept loop for one operator-defined Port. It
// bounds the number of concurrently in-flight sessions with a counting
// semaphore (Port.MaxSessions, default 4096) rather than a rate limit:
// once the cap is reached, new connections are refused immediately
// instead of being queued or throttled.
type portListener struct {
	port    Port
	ln      net.Listener
	sem     chan struct{}
	limiter *rate.Limiter // shared bandwidth cap for the port's bw_limit group, if any
	handle  func(c *netw.Conn, port Port)

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	connsMu sync.Mutex
	conns   map[*netw.Conn]struct{}
}

func newPortListener(port Port, limiter *rate.Limiter, handle func(*netw.Conn, Port)) (*portListener, error) {
	ln, err := netw.Listen("tcp", port.Address)
	if err != nil {
		return nil, err
	}
	listenersActive.Inc()
	return &portListener{
		port:    port,
		ln:      ln,
		sem:     make(chan struct{}, port.maxSessions()),
		limiter: limiter,
		handle:  handle,
		closed:  make(chan struct{}),
		conns:   make(map[*netw.Conn]struct{}),
	}, nil
}

// Addr returns the address the listener is bound to.
func (pl *portListener) Addr() net.Addr { return pl.ln.Addr() }

// serve runs the accept loop until Close is called. It should be run in
// its own goroutine.
func (pl *portListener) serve() {
	for {
		c, err := pl.ln.Accept()
		if err != nil {
			select {
			case <-pl.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		nc, ok := c.(*netw.Conn)
		if !ok {
			c.Close()
			continue
		}
		select {
		case pl.sem <- struct{}{}:
		default:
			// At capacity: reject rather than queue, per the
			// PortListener backpressure model.
			nc.Close()
			continue
		}
		if pl.limiter != nil {
			nc.SetLimiters(pl.limiter, pl.limiter)
		}
		// PROXY protocol unwrapping happens ahead of everything else
		// (TLS ClientHello peek, HTTP request-line peek); go-proxyproto
		// auto-detects the header and is a no-op when absent.
		nc.Conn = proxyproto.NewConn(nc.Conn)

		pl.connsMu.Lock()
		pl.conns[nc] = struct{}{}
		pl.connsMu.Unlock()

		pl.wg.Add(1)
		go func() {
			defer pl.wg.Done()
			defer func() { <-pl.sem }()
			defer func() {
				pl.connsMu.Lock()
				delete(pl.conns, nc)
				pl.connsMu.Unlock()
			}()
			pl.handle(nc, pl.port)
		}()
	}
}

// stopAccepting closes the listening socket so no new connection is ever
// accepted again. It does not wait for in-flight sessions; call drain for
// that. Both are idempotent and safe to call from multiple goroutines.
func (pl *portListener) stopAccepting() error {
	pl.once.Do(func() {
		close(pl.closed)
		listenersActive.Dec()
	})
	return pl.ln.Close()
}

// drain waits up to timeout for in-flight sessions' handler goroutines to
// return on their own, then forcibly closes whatever sockets are still
// open so the wait can never hang indefinitely on one long-lived
// connection.
func (pl *portListener) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		pl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
	}
	pl.connsMu.Lock()
	for c := range pl.conns {
		c.Close()
	}
	pl.connsMu.Unlock()
	<-done
}

// Close stops accepting new connections and waits (bounded by
// drainTimeout) for in-flight sessions to finish, forcibly closing
// whatever is left after that.
func (pl *portListener) Close() error {
	err := pl.stopAccepting()
	pl.drain(drainTimeout)
	return err
}
