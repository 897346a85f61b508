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

package certstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func mkCert(domains []string, notAfter time.Time) *Certificate {
	return &Certificate{
		ID:       uuid.New(),
		Domains:  domains,
		NotAfter: notAfter,
		TLSCert:  nil,
	}
}

func mkCertWindow(domains []string, notBefore, notAfter time.Time) *Certificate {
	c := mkCert(domains, notAfter)
	c.NotBefore = notBefore
	return c
}

func TestResolveExactBeatsWildcard(t *testing.T) {
	now := time.Now()
	exact := mkCert([]string{"a.example.com"}, now.Add(24*time.Hour))
	wild := mkCert([]string{"*.example.com"}, now.Add(24*time.Hour*365))
	s := Build([]*Certificate{exact, wild})

	got, err := s.Resolve(time.Now(), "a.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != exact.ID {
		t.Errorf("Resolve returned wildcard cert, want exact match")
	}
}

func TestResolveWildcardDoesNotCoverGrandchild(t *testing.T) {
	wild := mkCert([]string{"*.example.com"}, time.Now().Add(time.Hour))
	s := Build([]*Certificate{wild})

	if _, err := s.Resolve(time.Now(), "a.b.example.com"); err != ErrNoMatch {
		t.Errorf("Resolve(a.b.example.com) err = %v, want ErrNoMatch", err)
	}
	if _, err := s.Resolve(time.Now(), "b.example.com"); err != nil {
		t.Errorf("Resolve(b.example.com) = %v, want a match", err)
	}
}

func TestResolveTieBreaksOnLongestExpiring(t *testing.T) {
	now := time.Now()
	soon := mkCert([]string{"*.example.com"}, now.Add(time.Hour))
	later := mkCert([]string{"*.example.com"}, now.Add(24*time.Hour))
	s := Build([]*Certificate{soon, later})

	got, err := s.Resolve(time.Now(), "a.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != later.ID {
		t.Errorf("Resolve returned the sooner-expiring cert, want the longer-lived one")
	}
}

func TestResolveNoMatch(t *testing.T) {
	s := Build([]*Certificate{mkCert([]string{"example.com"}, time.Now().Add(time.Hour))})
	if _, err := s.Resolve(time.Now(), "unrelated.org"); err != ErrNoMatch {
		t.Errorf("Resolve(unrelated.org) err = %v, want ErrNoMatch", err)
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	s := Build([]*Certificate{mkCert([]string{"Example.com"}, time.Now().Add(time.Hour))})
	if _, err := s.Resolve(time.Now(), "EXAMPLE.COM"); err != nil {
		t.Errorf("Resolve(EXAMPLE.COM) = %v, want a match", err)
	}
}

func TestResolveSkipsExpiredCertificate(t *testing.T) {
	now := time.Now()
	expired := mkCert([]string{"a.example.com"}, now.Add(-time.Hour))
	s := Build([]*Certificate{expired})

	if _, err := s.Resolve(now, "a.example.com"); err != ErrNoMatch {
		t.Errorf("Resolve with only an expired match = %v, want ErrNoMatch", err)
	}
}

func TestResolveSkipsNotYetValidCertificate(t *testing.T) {
	now := time.Now()
	future := mkCertWindow([]string{"a.example.com"}, now.Add(time.Hour), now.Add(48*time.Hour))
	s := Build([]*Certificate{future})

	if _, err := s.Resolve(now, "a.example.com"); err != ErrNoMatch {
		t.Errorf("Resolve with only a not-yet-valid match = %v, want ErrNoMatch", err)
	}
}

func TestResolvePrefersUsableOverFurtherExpiring(t *testing.T) {
	now := time.Now()
	valid := mkCert([]string{"*.example.com"}, now.Add(time.Hour))
	notYetValid := mkCertWindow([]string{"*.example.com"}, now.Add(time.Hour), now.Add(24*365*time.Hour))
	s := Build([]*Certificate{valid, notYetValid})

	got, err := s.Resolve(now, "a.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != valid.ID {
		t.Errorf("Resolve returned the not-yet-valid, far-future cert over the currently-valid one")
	}
}

func TestByID(t *testing.T) {
	c := mkCert([]string{"example.com"}, time.Now().Add(time.Hour))
	s := Build([]*Certificate{c})
	if got, ok := s.ByID(c.ID); !ok || got.ID != c.ID {
		t.Errorf("ByID(%v) = %v, %v", c.ID, got, ok)
	}
	if _, ok := s.ByID(uuid.New()); ok {
		t.Error("ByID of an unknown id returned ok=true")
	}
}
