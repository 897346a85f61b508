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

// Package netw is a wrapper around network connections that stores
// per-connection annotations and records byte-rate metrics. Sessions and
// the TLS ClientHello peeker both build on top of it.
package netw

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridian-proxy/meridian/internal/counter"
)

// Listen creates a net.Listener whose accepted connections are wrapped in
// *Conn.
func Listen(network, laddr string) (net.Listener, error) {
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return listener{l}, nil
}

type listener struct {
	net.Listener
}

// Accept returns the next connection to the listener, wrapped in *Conn.
func (l listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		Conn:          c,
		ctx:           ctx,
		cancel:        cancel,
		bytesSent:     newCounter(),
		bytesReceived: newCounter(),
	}, nil
}

// NewConnForTest wraps an arbitrary net.Conn without going through a real
// listener, for use in tests.
func NewConnForTest(c net.Conn) *Conn {
	return &Conn{
		Conn:          c,
		ctx:           context.Background(),
		cancel:        func() {},
		bytesSent:     newCounter(),
		bytesReceived: newCounter(),
	}
}

// Conn is a wrapper around net.Conn that stores annotations and metrics.
type Conn struct {
	net.Conn

	ctx             context.Context
	cancel          func()
	ingressLimiter  *rate.Limiter
	egressLimiter   *rate.Limiter
	bytesSent       *counter.Counter
	bytesReceived   *counter.Counter
	upBytesSent     *counter.Counter
	upBytesReceived *counter.Counter

	mu          sync.Mutex
	onClose     func()
	annotations map[string]any

	peekBuf []byte
}

// SetAnnotation sets an annotation on the connection. The value can be any
// go value.
func (c *Conn) SetAnnotation(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]any)
	}
	c.annotations[key] = value
}

// SetAnnotation sets an annotation on conn if it is a *Conn. It is a no-op
// otherwise, so callers don't need to type-switch first.
func SetAnnotation(conn net.Conn, key string, value any) {
	if c, ok := conn.(*Conn); ok {
		c.SetAnnotation(key, value)
	}
}

// Annotation retrieves an annotation that was previously set on the
// connection. defaultValue is returned if the annotation was never set.
func (c *Conn) Annotation(key string, defaultValue any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.annotations[key]; ok {
		return v
	}
	return defaultValue
}

// SetLimiters sets the rate limiters for this connection. It must be called
// before the first Read() or Write(). Peek() is OK.
func (c *Conn) SetLimiters(ingress, egress *rate.Limiter) {
	c.ingressLimiter = ingress
	c.egressLimiter = egress
}

// SetCounters attaches upstream-facing byte counters, distinct from the
// per-connection ones, so a route's total throughput can be tracked
// independently of any one client connection.
func (c *Conn) SetCounters(sent, received *counter.Counter) {
	c.upBytesSent = sent
	c.upBytesReceived = received
}

// BytesSent returns the number of bytes sent on this connection so far.
func (c *Conn) BytesSent() int64 { return c.bytesSent.Value() }

// BytesReceived returns the number of bytes received on this connection so far.
func (c *Conn) BytesReceived() int64 { return c.bytesReceived.Value() }

// ByteRateSent returns the rate of bytes sent on this connection in the
// last minute.
func (c *Conn) ByteRateSent() float64 { return c.bytesSent.Rate(time.Minute) }

// ByteRateReceived returns the rate of bytes received on this connection in
// the last minute.
func (c *Conn) ByteRateReceived() float64 { return c.bytesReceived.Rate(time.Minute) }

// OnClose sets a callback function that will be called when the connection
// is closed.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// Peek returns the next len(b) bytes without consuming them from the
// stream, blocking up to 30s to fill the buffer. It is used to inspect a
// TLS ClientHello or an HTTP request line before a routing decision is made.
func (c *Conn) Peek(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := len(b)
	have := len(c.peekBuf)
	if want > have {
		c.Conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		bb := make([]byte, want-have)
		n, _ := io.ReadFull(c.Conn, bb)
		c.peekBuf = append(c.peekBuf, bb[:n]...)
		c.Conn.SetReadDeadline(time.Time{})
	}
	n := copy(b, c.peekBuf)
	var err error
	if n < want {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (c *Conn) Read(b []byte) (int, error) {
	if l := c.ingressLimiter; l != nil {
		if err := l.WaitN(c.ctx, len(b)); err != nil {
			return 0, err
		}
	}
	c.mu.Lock()
	if len(c.peekBuf) > 0 {
		n := copy(b, c.peekBuf)
		c.peekBuf = c.peekBuf[n:]
		c.bytesReceived.Incr(int64(n))
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()
	n, err := c.Conn.Read(b)
	c.bytesReceived.Incr(int64(n))
	c.upBytesReceived.Incr(int64(n))
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if l := c.egressLimiter; l != nil {
		if err := l.WaitN(c.ctx, len(b)); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(b)
	c.bytesSent.Incr(int64(n))
	c.upBytesSent.Incr(int64(n))
	return n, err
}

// CloseWrite half-closes the connection for writing if the underlying
// connection supports it, and otherwise closes it fully.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// CloseRead half-closes the connection for reading, if the underlying
// connection supports it.
func (c *Conn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	f := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	c.cancel()
	if f != nil {
		f()
	}
	return c.Conn.Close()
}

func newCounter() *counter.Counter {
	return counter.New(time.Minute, time.Second)
}
