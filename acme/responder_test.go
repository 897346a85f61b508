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
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResponderServesRegisteredToken(t *testing.T) {
	r := NewResponder()
	r.Put("tok123", "tok123.keyauth")

	req := httptest.NewRequest(http.MethodGet, ChallengePath+"tok123", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "tok123.keyauth" {
		t.Fatalf("body = %q, want %q", got, "tok123.keyauth")
	}
}

func TestResponderUnknownTokenIs404(t *testing.T) {
	r := NewResponder()
	req := httptest.NewRequest(http.MethodGet, ChallengePath+"missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestResponderDeleteStopsAnswering(t *testing.T) {
	r := NewResponder()
	r.Put("tok", "tok.keyauth")
	r.Delete("tok")

	req := httptest.NewRequest(http.MethodGet, ChallengePath+"tok", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after Delete", w.Code)
	}
}

func TestResponderOtherPathsAre404(t *testing.T) {
	r := NewResponder()
	r.Put("tok", "tok.keyauth")

	req := httptest.NewRequest(http.MethodGet, "/tok", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 outside the challenge path", w.Code)
	}
}
