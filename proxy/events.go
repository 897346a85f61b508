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
	"sync"
	"time"
)

// clockNow is the clock Session passes to the Router for upstream
// selection and failover marks, and that EventBus stamps events with, so
// tests can control that time without sleeping, the same injectable-var
// idiom the teacher uses for internal/counter's timeNow. Session deadlines
// and certificate validity checks use time.Now directly.
var clockNow = time.Now

// Event kinds, matching the error taxonomy: config, bind, tls, upstream,
// acme, fatal. A "config"/"bind" event with no error is just a lifecycle
// notice (e.g. reconfiguration applied).
const (
	KindConfig   = "config"
	KindBind     = "bind"
	KindTls      = "tls"
	KindUpstream = "upstream"
	KindAcme     = "acme"
	KindFatal    = "fatal"
)

// Event is one structured occurrence broadcast on the EventBus.
type Event struct {
	Kind    string
	Message string
	Fields  map[string]any
	Time    time.Time
}

// Lagged is delivered to a subscriber in place of the events it missed
// because its channel was full. N is how many were dropped.
type Lagged struct{ N int }

// EventBus is a lossy, multi-producer multi-consumer broadcaster. A slow
// subscriber never blocks a producer or other subscribers: once its
// channel fills, further events are dropped and counted until the
// subscriber catches up, at which point it receives a single Lagged
// marker instead of a burst of stale data.
type EventBus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan any
	lagged int
}

// NewEventBus returns an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber with the given channel buffer size
// and returns its id (for Unsubscribe) and the channel it will receive
// Event and Lagged values on.
func (b *EventBus) Subscribe(buffer int) (int, <-chan any) {
	if buffer <= 0 {
		buffer = 32
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan any, buffer)}
	b.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Emit broadcasts an event to every current subscriber.
func (b *EventBus) Emit(kind, message string, fields map[string]any) {
	ev := Event{Kind: kind, Message: message, Fields: fields, Time: clockNow()}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.send(ev)
	}
}

func (s *subscriber) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lagged > 0 {
		select {
		case s.ch <- Lagged{N: s.lagged}:
			s.lagged = 0
		default:
			s.lagged++
			return
		}
	}
	select {
	case s.ch <- ev:
	default:
		s.lagged++
	}
}
