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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v3"
)

// Protocol names accepted for Port.Protocol.
const (
	ProtoTCP   = "tcp"
	ProtoTLS   = "tls"
	ProtoHTTP  = "http"
	ProtoHTTPS = "https"
)

// Matcher kinds. Evaluated in declared order within a RouteTable; the
// first one that matches wins.
const (
	MatchSni   = "sni"   // exact or wildcard match against the TLS ClientHello server name
	MatchVHost = "vhost" // glob match against the Host header plus an optional path prefix
	MatchPath  = "path"  // match against the request path prefix only
	MatchAny   = "any"   // always matches; used as a catch-all
)

// Upstream selection strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyFirst      = "first"
)

// LogFilter toggles categories of connection lifecycle logging. A nil
// pointer means "inherit the default" (log it).
type LogFilter struct {
	Connections *bool `yaml:"connections,omitempty"`
	Errors      *bool `yaml:"errors,omitempty"`
}

// Matcher decides whether a connection or request is routed by this rule.
type Matcher struct {
	Type       string `yaml:"type"`
	Pattern    string `yaml:"pattern,omitempty"`     // sni / vhost host glob, e.g. "*.example.com"
	PathPrefix string `yaml:"path_prefix,omitempty"` // vhost / path
}

// Upstream is one dial target a Route can forward to.
type Upstream struct {
	Address     string        `yaml:"address"`
	TLS         bool          `yaml:"tls,omitempty"`
	SNIOverride string        `yaml:"sni_override,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
}

// Route is one matcher plus the upstream pool it forwards to.
type Route struct {
	ID        uuid.UUID  `yaml:"id"`
	Match     Matcher    `yaml:"match"`
	Upstreams []Upstream `yaml:"upstreams"`
	Strategy  string     `yaml:"strategy,omitempty"`
}

func (r *Route) strategy() string {
	if r.Strategy == "" {
		return StrategyRoundRobin
	}
	return r.Strategy
}

// RouteTable is a named, ordered list of routes shared by one or more
// ports.
type RouteTable struct {
	ID     uuid.UUID `yaml:"id"`
	Name   string    `yaml:"name"`
	Routes []Route   `yaml:"routes"`
}

// Port is one operator-defined listening address.
type Port struct {
	ID           uuid.UUID `yaml:"id"`
	Name         string    `yaml:"name"`
	Address      string    `yaml:"address"`
	Protocol     string    `yaml:"protocol"`
	RouteTableID uuid.UUID `yaml:"route_table_id"`
	BWLimit      string    `yaml:"bw_limit,omitempty"`
	MaxSessions  int       `yaml:"max_sessions,omitempty"`
}

func (p *Port) maxSessions() int {
	if p.MaxSessions <= 0 {
		return 4096
	}
	return p.MaxSessions
}

// BWLimitGroup caps the aggregate byte rate of every session assigned to
// it via Port.BWLimit.
type BWLimitGroup struct {
	Name           string `yaml:"name"`
	BytesPerSecond int64  `yaml:"bytes_per_second"`
}

// ExternalAccountBinding carries the CA-issued key id/hmac pair some ACME
// providers require to associate an account with a pre-existing customer
// record.
type ExternalAccountBinding struct {
	KeyID   string `yaml:"key_id"`
	HMACKey string `yaml:"hmac_key"` // base64url
}

// AcmeAccountConfig describes one ACME account to register (or reuse) with
// a CA directory.
type AcmeAccountConfig struct {
	ID           uuid.UUID                `yaml:"id"`
	DirectoryURL string                   `yaml:"directory_url"`
	Contacts     []string                 `yaml:"contacts,omitempty"`
	EAB          *ExternalAccountBinding  `yaml:"eab,omitempty"`
}

// CertificateSource is either a static cert/key pair on disk, or a set of
// domains to keep current via an AcmeAccountConfig.
type CertificateSource struct {
	ID            uuid.UUID  `yaml:"id"`
	Domains       []string   `yaml:"domains"`
	CertFile      string     `yaml:"cert_file,omitempty"`
	KeyFile       string     `yaml:"key_file,omitempty"`
	AcmeAccountID *uuid.UUID `yaml:"acme_account_id,omitempty"`
	RenewalDays   int        `yaml:"renewal_days,omitempty"`
}

func (c *CertificateSource) renewalDays() int {
	if c.RenewalDays <= 0 {
		return 60
	}
	return c.RenewalDays
}

func (c *CertificateSource) managedByAcme() bool {
	return c.AcmeAccountID != nil
}

// Config is the whole operator-supplied configuration for one
// ConfigSnapshot generation.
type Config struct {
	Ports              []Port              `yaml:"ports"`
	RouteTables        []RouteTable        `yaml:"route_tables"`
	Certificates       []CertificateSource `yaml:"certificates"`
	AcmeAccounts       []AcmeAccountConfig `yaml:"acme_accounts,omitempty"`
	BWLimits           []BWLimitGroup      `yaml:"bw_limits,omitempty"`
	LogFilter          LogFilter           `yaml:"log_filter,omitempty"`
	MaxOpenConnections int                 `yaml:"max_open_connections,omitempty"`
	AdminListenAddr    string              `yaml:"admin_listen_addr,omitempty"`
}

// ReadConfig loads and validates a Config from a YAML file. It stands in
// for the configuration-persistence external collaborator until one is
// wired in; see DESIGN.md for why YAML rather than TOML.
func ReadConfig(fileName string) (*Config, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", fileName, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a Config from YAML bytes, rejecting
// unknown fields the way the teacher's config loader does.
func ParseConfig(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteConfig serializes cfg as YAML to fileName.
func WriteConfig(fileName string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(fileName, buf.Bytes(), 0o600)
}

// Check validates cross-references and the invariants named in the spec:
// route table ids must resolve, upstream pools must be non-empty (except
// on an any route, which may have none and then fails at dial time), and a
// route table used by a plaintext tcp/http port must not contain a
// TLS-dependent matcher (sni), since there is no ClientHello to inspect on
// such a port.
func (c *Config) Check() error {
	tables := make(map[uuid.UUID]*RouteTable, len(c.RouteTables))
	for i := range c.RouteTables {
		rt := &c.RouteTables[i]
		if rt.ID == uuid.Nil {
			return fmt.Errorf("config: route table %q has no id", rt.Name)
		}
		if _, dup := tables[rt.ID]; dup {
			return fmt.Errorf("config: duplicate route table id %s", rt.ID)
		}
		tables[rt.ID] = rt
		for j := range rt.Routes {
			r := &rt.Routes[j]
			if len(r.Upstreams) == 0 && r.Match.Type != MatchAny {
				return fmt.Errorf("config: route table %q route #%d has no upstreams", rt.Name, j)
			}
			switch r.Match.Type {
			case MatchSni, MatchVHost, MatchPath, MatchAny:
			default:
				return fmt.Errorf("config: route table %q route #%d has unknown match type %q", rt.Name, j, r.Match.Type)
			}
			switch r.strategy() {
			case StrategyRoundRobin, StrategyFirst:
			default:
				return fmt.Errorf("config: route table %q route #%d has unknown strategy %q", rt.Name, j, r.Strategy)
			}
		}
	}

	seenPorts := make(map[string]bool, len(c.Ports))
	for i := range c.Ports {
		p := &c.Ports[i]
		switch p.Protocol {
		case ProtoTCP, ProtoTLS, ProtoHTTP, ProtoHTTPS:
		default:
			return fmt.Errorf("config: port %q has unknown protocol %q", p.Name, p.Protocol)
		}
		if seenPorts[p.Address] {
			return fmt.Errorf("config: duplicate port address %q", p.Address)
		}
		seenPorts[p.Address] = true
		rt, ok := tables[p.RouteTableID]
		if !ok {
			return fmt.Errorf("config: port %q references unknown route table %s", p.Name, p.RouteTableID)
		}
		if p.Protocol == ProtoTCP || p.Protocol == ProtoHTTP {
			for j := range rt.Routes {
				if rt.Routes[j].Match.Type == MatchSni {
					return fmt.Errorf("config: port %q (%s) uses route table %q which has an sni matcher; sni routing requires protocol tls or https", p.Name, p.Protocol, rt.Name)
				}
			}
		}
	}

	accounts := make(map[uuid.UUID]bool, len(c.AcmeAccounts))
	for i := range c.AcmeAccounts {
		a := &c.AcmeAccounts[i]
		if a.DirectoryURL == "" {
			return fmt.Errorf("config: acme account %s has no directory_url", a.ID)
		}
		accounts[a.ID] = true
	}
	for i := range c.Certificates {
		cs := &c.Certificates[i]
		if len(cs.Domains) == 0 {
			return fmt.Errorf("config: certificate %s has no domains", cs.ID)
		}
		if cs.managedByAcme() {
			if !accounts[*cs.AcmeAccountID] {
				return fmt.Errorf("config: certificate %s references unknown acme account %s", cs.ID, *cs.AcmeAccountID)
			}
		} else if (cs.CertFile == "") != (cs.KeyFile == "") {
			return fmt.Errorf("config: certificate %s must set both cert_file and key_file, or neither", cs.ID)
		}
		// A certificate with neither cert_file/key_file nor
		// acme_account_id is legal here: it's resolved at load time,
		// either synthesized by Controller.EphemeralCerts or, absent
		// that, rejected then with a clearer file-not-found error.
	}

	bwGroups := make(map[string]bool, len(c.BWLimits))
	for _, g := range c.BWLimits {
		bwGroups[g.Name] = true
	}
	for i := range c.Ports {
		p := &c.Ports[i]
		if p.BWLimit != "" && !bwGroups[p.BWLimit] {
			return fmt.Errorf("config: port %q references unknown bw_limit group %q", p.Name, p.BWLimit)
		}
	}
	return nil
}

// Clone returns a deep copy of cfg via a YAML marshal/unmarshal round
// trip, the same technique the teacher uses to snapshot a Config before
// mutating the live one.
func (c *Config) Clone() *Config {
	b, err := yaml.Marshal(c)
	if err != nil {
		panic(err) // Config always round-trips; a failure here is a bug.
	}
	var clone Config
	if err := yaml.Unmarshal(b, &clone); err != nil {
		panic(err)
	}
	return &clone
}

// Equal reports whether c and other serialize identically.
func (c *Config) Equal(other *Config) bool {
	a, err1 := yaml.Marshal(c)
	b, err2 := yaml.Marshal(other)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (c *Config) routeTable(id uuid.UUID) *RouteTable {
	for i := range c.RouteTables {
		if c.RouteTables[i].ID == id {
			return &c.RouteTables[i]
		}
	}
	return nil
}

// maxOpenDefault derives the process-wide open-connection budget from the
// file descriptor rlimit, the same way the teacher's ReadConfig does:
// raise RLIMIT_NOFILE's soft limit to the hard limit, then budget half of
// it for incoming connections, leaving headroom for upstream dials, cert
// files, and everything else that consumes a descriptor.
func maxOpenDefault() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 4096
	}
	rl.Cur = rl.Max
	unix.Setrlimit(unix.RLIMIT_NOFILE, &rl)
	n := int(rl.Cur/2) - 100
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Config) maxOpenConnections() int {
	if c.MaxOpenConnections <= 0 {
		return maxOpenDefault()
	}
	return c.MaxOpenConnections
}

func (c *Config) adminListenAddr() string {
	if c.AdminListenAddr == "" {
		return "127.0.0.1:46492"
	}
	return c.AdminListenAddr
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(h, "."))
}
