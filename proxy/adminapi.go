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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	yaml "gopkg.in/yaml.v3"
)

// AdminServer exposes the operator-facing HTTP API over the Config, the
// certificate store, and ACME orders. It is bound separately from the
// proxy's own listeners (Config.AdminListenAddr, 127.0.0.1:46492 by
// default) and carries no authentication of its own: gating access to it
// is the job of the external collaborator that fronts it, the same
// division of responsibility the teacher draws around ClientAuth/mTLS for
// its own console mode.
type AdminServer struct {
	Controller *Controller
}

func NewAdminServer(c *Controller) *AdminServer {
	return &AdminServer{Controller: c}
}

// Handler returns the mux serving every admin endpoint.
func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/certs", s.handleCerts)
	mux.HandleFunc("/api/acme/orders", s.handleAcmeOrders)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

// handleConfig serves the live Config as YAML (GET) or replaces it (PUT),
// matching ReadConfig/WriteConfig's own serialization so the same file a
// PUT accepts round-trips through the -config flag unchanged.
func (s *AdminServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.Controller.Snapshot()
		if snap == nil || snap.Config == nil {
			http.Error(w, "no active configuration", http.StatusServiceUnavailable)
			return
		}
		b, err := yaml.Marshal(snap.Config)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(b)

	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg, err := ParseConfig(body)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.Controller.Reconfigure(cfg); err != nil {
			http.Error(w, fmt.Sprintf("reconfigure: %v", err), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type certPushRequest struct {
	ID      string `json:"id"`
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
}

// handleCerts writes a fresh PEM cert/key pair to a static
// CertificateSource's configured files and triggers a Reconfigure so the
// running snapshot picks it up, rather than mutating the live certstore
// directly — every certificate change goes through the same
// validate-then-swap path Reconfigure already guarantees is atomic.
func (s *AdminServer) handleCerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req certPushRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	snap := s.Controller.Snapshot()
	if snap == nil || snap.Config == nil {
		http.Error(w, "no active configuration", http.StatusServiceUnavailable)
		return
	}
	cfg := snap.Config.Clone()
	var cs *CertificateSource
	for i := range cfg.Certificates {
		if cfg.Certificates[i].ID == id {
			cs = &cfg.Certificates[i]
			break
		}
	}
	if cs == nil {
		http.Error(w, "unknown certificate id", http.StatusNotFound)
		return
	}
	if cs.managedByAcme() {
		http.Error(w, "certificate is acme-managed, not static", http.StatusBadRequest)
		return
	}
	if cs.CertFile == "" || cs.KeyFile == "" {
		http.Error(w, "certificate has no cert_file/key_file configured", http.StatusBadRequest)
		return
	}
	if _, err := tls.X509KeyPair([]byte(req.CertPEM), []byte(req.KeyPEM)); err != nil {
		http.Error(w, fmt.Sprintf("invalid certificate: %v", err), http.StatusBadRequest)
		return
	}
	if err := os.WriteFile(cs.CertFile, []byte(req.CertPEM), 0o600); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(cs.KeyFile, []byte(req.KeyPEM), 0o600); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.Controller.Reconfigure(cfg); err != nil {
		http.Error(w, fmt.Sprintf("reconfigure: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type acmeOrderRequest struct {
	CertID string `json:"cert_id"`
}

// handleAcmeOrders starts (POST) an order for an acme-managed
// CertificateSource's domains, or reports (GET) every order's state.
func (s *AdminServer) handleAcmeOrders(w http.ResponseWriter, r *http.Request) {
	if s.Controller.Acme == nil {
		http.Error(w, "acme is not configured", http.StatusNotImplemented)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Controller.Acme.OrderStates())

	case http.MethodPost:
		var req acmeOrderRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		id, err := uuid.Parse(req.CertID)
		if err != nil {
			http.Error(w, "invalid cert_id", http.StatusBadRequest)
			return
		}
		snap := s.Controller.Snapshot()
		if snap == nil || snap.Config == nil {
			http.Error(w, "no active configuration", http.StatusServiceUnavailable)
			return
		}
		var domains []string
		for _, cs := range snap.Config.Certificates {
			if cs.ID == id {
				domains = cs.Domains
				break
			}
		}
		if domains == nil {
			http.Error(w, "unknown certificate id", http.StatusNotFound)
			return
		}
		state, err := s.Controller.Acme.StartOrder(req.CertID, domains)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"cert_id": req.CertID, "state": state})

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEvents streams the EventBus as server-sent events until the
// client disconnects.
func (s *AdminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id, ch := s.Controller.Events.Subscribe(64)
	defer s.Controller.Events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
