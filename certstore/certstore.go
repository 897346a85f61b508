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

// Package certstore resolves a TLS ClientHello's server name to a
// certificate. A Store is immutable once built; a reconfiguration builds a
// new one and swaps it in, so lookups never observe a torn state.
package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Certificate is a loaded, parsed TLS certificate together with the domain
// names it covers.
type Certificate struct {
	ID        uuid.UUID
	Domains   []string
	NotBefore time.Time
	NotAfter  time.Time
	TLSCert   *tls.Certificate
}

// FromTLSCertificate builds a Certificate from a parsed tls.Certificate,
// deriving id, validity window and SANs from its leaf.
func FromTLSCertificate(id uuid.UUID, cert *tls.Certificate) (*Certificate, error) {
	leaf := cert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, err
		}
		leaf = parsed
	}
	domains := append([]string{}, leaf.DNSNames...)
	if len(domains) == 0 && leaf.Subject.CommonName != "" {
		domains = append(domains, leaf.Subject.CommonName)
	}
	return &Certificate{
		ID:        id,
		Domains:   domains,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		TLSCert:   cert,
	}, nil
}

type entry struct {
	key      string // reversed labels, e.g. "com.example.www"
	wildcard bool   // true if key is the suffix behind a "*." pattern
	cert     *Certificate
}

// Store is an immutable, SNI-indexed set of certificates. Zero value is a
// usable empty store.
type Store struct {
	exact    []entry // sorted by key
	wildcard []entry // sorted by key
	byID     map[uuid.UUID]*Certificate
}

// New returns an empty Store.
func New() *Store {
	return &Store{byID: map[uuid.UUID]*Certificate{}}
}

// Build returns a new Store indexing the given certificates. It never
// mutates an existing Store, matching the ConfigSnapshot's
// swap-the-whole-thing update model.
func Build(certs []*Certificate) *Store {
	s := &Store{byID: make(map[uuid.UUID]*Certificate, len(certs))}
	for _, c := range certs {
		s.byID[c.ID] = c
		for _, d := range c.Domains {
			d = strings.ToLower(d)
			if strings.HasPrefix(d, "*.") {
				s.wildcard = append(s.wildcard, entry{key: reverseLabels(d[2:]), wildcard: true, cert: c})
			} else {
				s.exact = append(s.exact, entry{key: reverseLabels(d), cert: c})
			}
		}
	}
	sort.Slice(s.exact, func(i, j int) bool { return s.exact[i].key < s.exact[j].key })
	sort.Slice(s.wildcard, func(i, j int) bool { return s.wildcard[i].key < s.wildcard[j].key })
	return s
}

// ErrNoMatch is returned by Resolve when no usable certificate covers the
// requested server name.
var ErrNoMatch = errors.New("certstore: no certificate for server name")

// usable reports whether c is valid at now: now must fall in
// [NotBefore, NotAfter). A certificate outside its validity window is
// never returned by Resolve, even if its name matches.
func (c *Certificate) usable(now time.Time) bool {
	return !now.Before(c.NotBefore) && now.Before(c.NotAfter)
}

// Resolve returns the usable certificate that should be presented for sni
// at now. An exact match wins over a wildcard match; among ties (only
// possible when several loaded certificates cover the same name) the one
// with the furthest NotAfter is returned. A certificate whose validity
// window doesn't contain now is skipped, so an expired or not-yet-valid
// certificate is never preferred over, or returned in place of, a
// currently-valid one; if every matching certificate is unusable, Resolve
// returns ErrNoMatch.
func (s *Store) Resolve(now time.Time, sni string) (*Certificate, error) {
	if s == nil {
		return nil, ErrNoMatch
	}
	sni = strings.ToLower(strings.TrimSuffix(sni, "."))
	key := reverseLabels(sni)
	if c := bestOf(now, matchRange(s.exact, key)); c != nil {
		return c, nil
	}
	if parent, ok := parentKey(key); ok {
		if c := bestOf(now, matchRange(s.wildcard, parent)); c != nil {
			return c, nil
		}
	}
	return nil, ErrNoMatch
}

// GetCertificate adapts Resolve to the tls.Config.GetCertificate signature,
// resolving against the current time.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	c, err := s.Resolve(time.Now(), hello.ServerName)
	if err != nil {
		return nil, err
	}
	return c.TLSCert, nil
}

// ByID returns the certificate with the given id, if loaded.
func (s *Store) ByID(id uuid.UUID) (*Certificate, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.byID[id]
	return c, ok
}

// All returns every loaded certificate, in no particular order.
func (s *Store) All() []*Certificate {
	if s == nil {
		return nil
	}
	out := make([]*Certificate, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

func matchRange(entries []entry, key string) []entry {
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	hi := lo
	for hi < len(entries) && entries[hi].key == key {
		hi++
	}
	return entries[lo:hi]
}

func bestOf(now time.Time, entries []entry) *Certificate {
	var best *Certificate
	for _, e := range entries {
		if !e.cert.usable(now) {
			continue
		}
		if best == nil || e.cert.NotAfter.After(best.NotAfter) {
			best = e.cert
		}
	}
	return best
}

// parentKey drops the leaf label from a reversed key, so
// "com.example.www" (www.example.com) becomes "com.example", the key a
// "*.example.com" wildcard entry is indexed under. A single-label name has
// no parent and cannot match any wildcard.
func parentKey(key string) (string, bool) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", false
	}
	return key[:i], true
}

// reverseLabels turns "www.example.com" into "com.example.www" so that
// suffix (domain-parent) matching becomes a plain string-prefix/equality
// operation over a sorted slice.
func reverseLabels(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}
