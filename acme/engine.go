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

// Package acme drives certificate issuance and renewal against an ACME v2
// certificate authority directly through golang.org/x/crypto/acme's
// low-level Client, rather than through autocert's opaque cache-backed
// flow, so an order's progress is always an explicit, inspectable
// OrderState instead of being hidden inside a background goroutine.
package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
)

// OrderState is the lifecycle of one certificate order, kept separate from
// acme.Authorization/Order's raw protocol status strings so a caller
// inspecting an in-flight order (e.g. over the admin API) sees a fixed,
// small vocabulary.
type OrderState int

const (
	StateIdle OrderState = iota
	StateAuthorizing
	StateChallenging
	StateFinalizing
	StateValid
	StateFailed
)

func (s OrderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizing:
		return "authorizing"
	case StateChallenging:
		return "challenging"
	case StateFinalizing:
		return "finalizing"
	case StateValid:
		return "valid"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// defaultRenewalDays mirrors the 60-day default the original taxy
// implementation uses for its renewal_days setting.
const defaultRenewalDays = 60

const (
	initialBackoff = 60 * time.Second
	maxBackoff     = 24 * time.Hour
	// maxConcurrentOrders bounds how many orders run their ACME exchange
	// at once; the rest queue behind the Engine's semaphore rather than
	// hammering the directory with a burst of simultaneous registrations.
	maxConcurrentOrders = 4
)

// Order tracks one certificate's issuance/renewal lifecycle.
type Order struct {
	CertID  string
	Domains []string

	mu          sync.Mutex
	state       OrderState
	err         error
	updated     time.Time
	backoff     time.Duration
	nextAttempt time.Time
}

// State returns the order's current state and, if StateFailed, the error
// that caused it.
func (o *Order) State() (OrderState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.err
}

// NextAttempt returns when a failed order will retry. It is the zero
// time if the order has never failed.
func (o *Order) NextAttempt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextAttempt
}

func (o *Order) setState(s OrderState, err error) {
	o.mu.Lock()
	o.state = s
	o.err = err
	o.updated = time.Now()
	o.mu.Unlock()
	if err != nil {
		log.Printf("ERR acme %s: %s: %v", o.CertID, s, err)
	} else {
		log.Printf("INF acme %s: %s", o.CertID, s)
	}
}

// fail moves the order to StateFailed and doubles its retry backoff
// (starting at initialBackoff, capped at maxBackoff), recording
// nextAttempt so callers can see when the retry will run.
func (o *Order) fail(err error) time.Duration {
	o.mu.Lock()
	if o.backoff == 0 {
		o.backoff = initialBackoff
	} else {
		o.backoff *= 2
		if o.backoff > maxBackoff {
			o.backoff = maxBackoff
		}
	}
	wait := o.backoff
	o.nextAttempt = time.Now().Add(wait)
	o.mu.Unlock()
	o.setState(StateFailed, err)
	return wait
}

// succeed resets the retry backoff so a future renewal failure starts
// counting from initialBackoff again instead of wherever a past failure
// streak left off.
func (o *Order) succeed() {
	o.mu.Lock()
	o.backoff = 0
	o.nextAttempt = time.Time{}
	o.mu.Unlock()
	o.setState(StateValid, nil)
}

// Engine issues and renews certificates for a fixed set of ACME-managed
// CertificateSources. It satisfies proxy.AcmeCertSource so a Controller
// can pull whatever it has already issued without importing this package.
type Engine struct {
	Client      *acme.Client
	Responder   *Responder
	RenewalDays int // default defaultRenewalDays if zero

	mu     sync.Mutex
	orders map[string]*Order
	certs  map[string]*tls.Certificate
	// sem gates how many orders run their ACME exchange concurrently;
	// see maxConcurrentOrders.
	sem chan struct{}
}

// NewEngine creates an Engine with a fresh ACME account key for
// directoryURL (acme.LetsEncryptURL if empty); the key is registered with
// the CA by Register at the start of each order attempt. responder answers
// the HTTP-01 challenges the Engine's orders create.
func NewEngine(directoryURL string, responder *Responder) (*Engine, error) {
	if directoryURL == "" {
		directoryURL = acme.LetsEncryptURL
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generate account key: %w", err)
	}
	return &Engine{
		Client: &acme.Client{
			Key:          key,
			DirectoryURL: directoryURL,
			UserAgent:    "meridian",
		},
		Responder: responder,
		orders:    make(map[string]*Order),
		certs:     make(map[string]*tls.Certificate),
		sem:       make(chan struct{}, maxConcurrentOrders),
	}, nil
}

// Certificate satisfies proxy.AcmeCertSource.
func (e *Engine) Certificate(certID string) (*tls.Certificate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.certs[certID]
	return c, ok
}

// Order returns the Order tracking certID, starting a new issuance in the
// background the first time it's asked for. Calling Order again for a
// certID already in flight returns the same Order rather than starting a
// second one.
func (e *Engine) Order(certID string, domains []string) *Order {
	e.mu.Lock()
	if o, ok := e.orders[certID]; ok {
		e.mu.Unlock()
		return o
	}
	o := &Order{CertID: certID, Domains: domains}
	e.orders[certID] = o
	e.mu.Unlock()

	go e.runLoop(o)
	return o
}

// Orders returns a snapshot of every order the Engine currently knows
// about.
func (e *Engine) Orders() []*Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	return out
}

// StartOrder satisfies proxy.AcmeOrderManager: it starts (or returns the
// state of an already in-flight) order and reports its state as a plain
// string, keeping OrderState itself an internal type the admin API never
// needs to import.
func (e *Engine) StartOrder(certID string, domains []string) (string, error) {
	o := e.Order(certID, domains)
	st, err := o.State()
	return st.String(), err
}

// OrderStates reports every known order's current state, keyed by
// CertID, for the admin API's GET /api/acme/orders.
func (e *Engine) OrderStates() map[string]string {
	out := make(map[string]string)
	for _, o := range e.Orders() {
		st, _ := o.State()
		out[o.CertID] = st.String()
	}
	return out
}

func (e *Engine) renewalDays() int {
	if e.RenewalDays > 0 {
		return e.RenewalDays
	}
	return defaultRenewalDays
}

// runLoop drives o through repeated attempts, honoring the process-wide
// concurrency gate and retrying a failed attempt after its backoff
// elapses, until one attempt finally succeeds. Only one runLoop is ever
// active per Order, started once from Order().
func (e *Engine) runLoop(o *Order) {
	for {
		e.sem <- struct{}{}
		err := e.attempt(o)
		<-e.sem

		if err == nil {
			return
		}
		wait := o.fail(err)
		timer := time.NewTimer(wait)
		<-timer.C
		timer.Stop()
	}
}

// attempt drives one order through account registration, authorization,
// HTTP-01 challenge completion, and finalization, storing the resulting
// certificate and scheduling its renewal on success. It never puts o into
// StateFailed itself — runLoop does that once it also has the backoff
// duration to record.
func (e *Engine) attempt(o *Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := Register(ctx, e.Client); err != nil {
		return err
	}

	o.setState(StateAuthorizing, nil)
	ids := make([]acme.AuthzID, len(o.Domains))
	for i, d := range o.Domains {
		ids[i] = acme.AuthzID{Type: "dns", Value: d}
	}
	order, err := e.Client.AuthorizeOrder(ctx, ids)
	if err != nil {
		return err
	}

	o.setState(StateChallenging, nil)
	for _, zurl := range order.AuthzURLs {
		authz, err := e.Client.GetAuthorization(ctx, zurl)
		if err != nil {
			return err
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		if err := e.completeHTTP01(ctx, authz); err != nil {
			return err
		}
	}

	o.setState(StateFinalizing, nil)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	csr, err := newCSR(key, o.Domains)
	if err != nil {
		return err
	}
	order, err = e.Client.WaitOrder(ctx, order.URI)
	if err != nil {
		return err
	}
	der, _, err := e.Client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return err
	}
	if len(der) == 0 {
		return fmt.Errorf("acme: empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return err
	}
	tlsCert := &tls.Certificate{PrivateKey: key, Leaf: leaf, Certificate: der}

	e.mu.Lock()
	e.certs[o.CertID] = tlsCert
	e.mu.Unlock()

	o.succeed()
	go e.scheduleRenewal(o, leaf.NotAfter)
	return nil
}

func (e *Engine) completeHTTP01(ctx context.Context, authz *acme.Authorization) error {
	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("acme: no http-01 challenge offered for %s", authz.Identifier.Value)
	}
	keyAuth, err := e.Client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return err
	}
	e.Responder.Put(chal.Token, keyAuth)
	defer e.Responder.Delete(chal.Token)

	if _, err := e.Client.Accept(ctx, chal); err != nil {
		return err
	}
	_, err = e.Client.WaitAuthorization(ctx, authz.URI)
	return err
}

// scheduleRenewal starts a fresh order renewalDays before notAfter,
// replacing the completed order in e.orders so a subsequent Order call
// with the same certID starts issuing again instead of returning the
// finished one.
func (e *Engine) scheduleRenewal(o *Order, notAfter time.Time) {
	wait := time.Until(notAfter) - time.Duration(e.renewalDays())*24*time.Hour
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	<-timer.C

	e.mu.Lock()
	delete(e.orders, o.CertID)
	e.mu.Unlock()
	e.Order(o.CertID, o.Domains)
}
