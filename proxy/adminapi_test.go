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
	"bytes"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	yaml "gopkg.in/yaml.v3"

	"github.com/meridian-proxy/meridian/certmanager"
)

func yamlMarshalForTest(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func readPEMFiles(t *testing.T, certFile, keyFile string) (certPEM, keyPEM string) {
	t.Helper()
	c, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("ReadFile(cert): %v", err)
	}
	k, err := os.ReadFile(keyFile)
	if err != nil {
		t.Fatalf("ReadFile(key): %v", err)
	}
	return string(c), string(k)
}

func newTestAdminServer(t *testing.T, cfg *Config) (*httptest.Server, *Controller) {
	t.Helper()
	c := NewController()
	if err := c.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	t.Cleanup(c.Stop)
	srv := httptest.NewServer(NewAdminServer(c).Handler())
	t.Cleanup(srv.Close)
	return srv, c
}

func emptyConfig() *Config {
	return &Config{RouteTables: []RouteTable{{ID: uuid.New(), Name: "empty"}}}
}

func TestAdminConfigGetReturnsYAML(t *testing.T) {
	srv, _ := newTestAdminServer(t, emptyConfig())

	resp, err := http.Get(srv.URL + "/api/config")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "route_tables") {
		t.Errorf("body missing route_tables: %s", b)
	}
}

func TestAdminConfigPutAppliesNewConfig(t *testing.T) {
	srv, c := newTestAdminServer(t, emptyConfig())

	rtID := uuid.New()
	newCfg := &Config{RouteTables: []RouteTable{{ID: rtID, Name: "replaced"}}}
	b, err := yamlMarshalForTest(newCfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/config", bytes.NewReader(b))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	if got := c.Snapshot().Config.RouteTables[0].Name; got != "replaced" {
		t.Errorf("route table name = %q, want %q", got, "replaced")
	}
}

func TestAdminConfigPutRejectsInvalidConfig(t *testing.T) {
	srv, _ := newTestAdminServer(t, emptyConfig())

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/config", strings.NewReader("not: [valid"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminCertsPushesAndReconfigures(t *testing.T) {
	cm, err := certmanager.New("test-ca", nil)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.GetCert("service.example.com")
	if err != nil {
		t.Fatalf("GetCert: %v", err)
	}
	certFile, keyFile := writeCertFiles(t, cert)
	certID := uuid.New()

	cfg := &Config{
		RouteTables: []RouteTable{{ID: uuid.New(), Name: "empty"}},
		Certificates: []CertificateSource{{
			ID:       certID,
			Domains:  []string{"service.example.com"},
			CertFile: certFile,
			KeyFile:  keyFile,
		}},
	}
	srv, c := newTestAdminServer(t, cfg)

	// Reissue: same cert bytes, pushed back through the admin endpoint.
	certPEM, keyPEM := readPEMFiles(t, certFile, keyFile)
	body, _ := json.Marshal(certPushRequest{ID: certID.String(), CertPEM: certPEM, KeyPEM: keyPEM})

	resp, err := http.Post(srv.URL+"/api/certs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, b)
	}
	if _, err := c.Snapshot().Certs.Resolve(time.Now(), "service.example.com"); err != nil {
		t.Errorf("Resolve after push: %v", err)
	}
}

func TestAdminCertsUnknownIDIs404(t *testing.T) {
	srv, _ := newTestAdminServer(t, emptyConfig())
	body, _ := json.Marshal(certPushRequest{ID: uuid.New().String(), CertPEM: "x", KeyPEM: "y"})
	resp, err := http.Post(srv.URL+"/api/certs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminAcmeOrdersWithoutEngineIsNotImplemented(t *testing.T) {
	srv, _ := newTestAdminServer(t, emptyConfig())
	resp, err := http.Get(srv.URL + "/api/acme/orders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

// fakeAcme is a minimal AcmeOrderManager stand-in so the admin API's ACME
// endpoints can be exercised without a real ACME directory to talk to.
type fakeAcme struct {
	mu      sync.Mutex
	started map[string][]string
}

func (f *fakeAcme) Certificate(string) (*tls.Certificate, bool) { return nil, false }

func (f *fakeAcme) StartOrder(certID string, domains []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = make(map[string][]string)
	}
	f.started[certID] = domains
	return "authorizing", nil
}

func (f *fakeAcme) OrderStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.started))
	for id := range f.started {
		out[id] = "authorizing"
	}
	return out
}

func TestAdminAcmeOrdersStartsAndReports(t *testing.T) {
	certID := uuid.New()
	cfg := &Config{
		RouteTables: []RouteTable{{ID: uuid.New(), Name: "empty"}},
		Certificates: []CertificateSource{{
			ID:      certID,
			Domains: []string{"acme.example.com"},
		}},
		AcmeAccounts: []AcmeAccountConfig{{ID: uuid.New(), DirectoryURL: "https://example.invalid/directory"}},
	}
	cfg.Certificates[0].AcmeAccountID = &cfg.AcmeAccounts[0].ID

	c := NewController()
	acme := &fakeAcme{}
	c.Acme = acme
	if err := c.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	t.Cleanup(c.Stop)
	srv := httptest.NewServer(NewAdminServer(c).Handler())
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(acmeOrderRequest{CertID: certID.String()})
	resp, err := http.Post(srv.URL+"/api/acme/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, b)
	}
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != "authorizing" {
		t.Errorf("state = %q, want authorizing", got["state"])
	}

	statesResp, err := http.Get(srv.URL + "/api/acme/orders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer statesResp.Body.Close()
	var states map[string]string
	if err := json.NewDecoder(statesResp.Body).Decode(&states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if states[certID.String()] != "authorizing" {
		t.Errorf("OrderStates()[%s] = %q, want authorizing", certID, states[certID.String()])
	}
}
