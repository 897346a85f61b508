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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "meridian"

	subsystemSession  = "session"
	subsystemUpstream = "upstream"
	subsystemTLS      = "tls"
	subsystemListener = "listener"
)

// sessionsActive is the number of sessions currently open on a port.
var sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemSession,
	Name:      "active",
	Help:      "The number of sessions currently open, by port.",
}, []string{"port"})

// sessionsTotal is the number of sessions accepted since start, by port and
// protocol.
var sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemSession,
	Name:      "total",
	Help:      "The total number of sessions accepted, by port and protocol.",
}, []string{"port", "protocol"})

// sessionErrorsTotal counts sessions that ended without reaching the
// streaming state, by port and the event kind that terminated them.
var sessionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemSession,
	Name:      "errors_total",
	Help:      "The total number of sessions that failed before streaming, by port and reason.",
}, []string{"port", "kind"})

// bytesTotal counts bytes forwarded between clients and upstreams, by port
// and direction ("sent" is client<-upstream, "received" is
// client->upstream).
var bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemSession,
	Name:      "bytes_total",
	Help:      "The total number of bytes forwarded, by port and direction.",
}, []string{"port", "direction"})

// upstreamDialFailuresTotal counts failed dial attempts, by route id.
var upstreamDialFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemUpstream,
	Name:      "dial_failures_total",
	Help:      "The total number of upstream dial failures, by route id.",
}, []string{"route"})

// tlsHandshakeFailuresTotal counts failed TLS handshakes, by port.
var tlsHandshakeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemTLS,
	Name:      "handshake_failures_total",
	Help:      "The total number of TLS handshake failures, by port.",
}, []string{"port"})

// listenersActive is the number of currently bound portListeners.
var listenersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemListener,
	Name:      "active",
	Help:      "The number of ports currently listening.",
})

// acceptStalledTotal counts connections refused because the process-wide
// open-connection budget (Config.MaxOpenConnections) was reached, by port.
var acceptStalledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: subsystemListener,
	Name:      "accept_stalled_total",
	Help:      "The total number of connections refused because the open-connection budget was reached, by port.",
}, []string{"port"})
