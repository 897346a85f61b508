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
	"testing"
)

func TestEventBusDeliversToAllSubscribers(t *testing.T) {
	b := NewEventBus()
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	b.Emit(KindConfig, "reconfigured", nil)

	for _, ch := range []<-chan any{ch1, ch2} {
		select {
		case v := <-ch:
			ev, ok := v.(Event)
			if !ok || ev.Kind != KindConfig {
				t.Fatalf("got %#v, want a config Event", v)
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestEventBusLossySlowSubscriber(t *testing.T) {
	b := NewEventBus()
	_, ch := b.Subscribe(1)

	for i := 0; i < 5; i++ {
		b.Emit(KindUpstream, "dial failed", nil)
	}

	// The buffer holds one Event; the rest were dropped and should
	// surface as a single Lagged marker once drained.
	first := <-ch
	if _, ok := first.(Event); !ok {
		t.Fatalf("first received value = %#v, want Event", first)
	}

	b.Emit(KindUpstream, "another", nil)
	second := <-ch
	lagged, ok := second.(Lagged)
	if !ok || lagged.N == 0 {
		t.Fatalf("second received value = %#v, want a non-zero Lagged marker", second)
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewEventBus()
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel was not closed after Unsubscribe")
	}
}
