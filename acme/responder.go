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

package acme

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ChallengePath is the well-known URL prefix an HTTP-01 validation request
// arrives on (RFC 8555 §8.3).
const ChallengePath = "/.well-known/acme-challenge/"

// Responder answers HTTP-01 challenge requests over connections the proxy
// hands it directly from an existing HTTP listener, so completing an order
// never requires binding a second port for port 80.
type Responder struct {
	mu     sync.RWMutex
	tokens map[string]string

	conns chan net.Conn
	once  sync.Once
}

func NewResponder() *Responder {
	return &Responder{
		tokens: make(map[string]string),
		conns:  make(chan net.Conn, 16),
	}
}

// Put registers a challenge token's expected key authorization.
func (r *Responder) Put(token, keyAuth string) {
	r.mu.Lock()
	r.tokens[token] = keyAuth
	r.mu.Unlock()
}

// Delete removes a token once its challenge has been validated or has
// failed, so a stale token doesn't keep answering requests.
func (r *Responder) Delete(token string) {
	r.mu.Lock()
	delete(r.tokens, token)
	r.mu.Unlock()
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.URL.Path, ChallengePath) {
		http.NotFound(w, req)
		return
	}
	token := strings.TrimPrefix(req.URL.Path, ChallengePath)
	r.mu.RLock()
	keyAuth, ok := r.tokens[token]
	r.mu.RUnlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, keyAuth)
}

// Serve runs the internal HTTP server that Accept feeds, until ctx is
// canceled. It is safe to call Serve at most once; the proxy calls it from
// a long-lived goroutine started alongside the Engine.
func (r *Responder) Serve(ctx context.Context) {
	r.once.Do(func() {
		l := &responderListener{ctx: ctx, ch: r.conns}
		srv := &http.Server{
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		srv.Serve(l)
	})
}

// Accept hands conn to the internal HTTP server. It reports whether the
// connection was accepted; a false return (the queue of 16 pending
// connections is full, which also happens once 16 are waiting for a Serve
// that hasn't been started) means the caller should handle the request
// itself, e.g. with a 404.
func (r *Responder) Accept(conn net.Conn) bool {
	select {
	case r.conns <- conn:
		return true
	default:
		return false
	}
}

type responderListener struct {
	ctx context.Context
	ch  <-chan net.Conn
}

func (l *responderListener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.ch:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *responderListener) Close() error   { return nil }
func (l *responderListener) Addr() net.Addr { return &net.TCPAddr{} }
