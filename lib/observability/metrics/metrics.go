// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics is TNG's Prometheus registry: one instance gauge plus
// per-endpoint byte and connection counters/gauges, with exactly the label
// sets spec §6 enumerates per endpoint kind.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// EndpointLabels identifies one configured ingress/egress endpoint for
// metric attribution (spec §6 "Metric labels").
type EndpointLabels struct {
	// Kind is "ingress" or "egress".
	Kind string
	// Type is one of mapping/http_proxy/socks5/netfilter.
	Type string
	// ID is the endpoint's configured identifier.
	ID string
	// Extra carries the kind-specific address/port fields (in/out,
	// proxy_listen, listen_port — spec §6's table).
	Extra map[string]string
}

func (l EndpointLabels) Labels() prometheus.Labels {
	out := prometheus.Labels{
		l.Kind + "_type": l.Type,
		l.Kind + "_id":   l.ID,
	}
	for k, v := range l.Extra {
		out[l.Kind+"_"+k] = v
	}
	return out
}

// Registry owns every TNG metric and is safe for concurrent use (spec §5
// "Counters: lock-free atomics" — the underlying prometheus vectors are
// themselves lock-free per-series).
type Registry struct {
	Live     prometheus.Gauge
	TxBytes  *prometheus.CounterVec
	RxBytes  *prometheus.CounterVec
	CxTotal  *prometheus.CounterVec
	CxFailed *prometheus.CounterVec
	CxActive *prometheus.GaugeVec

	labelNames []string
}

// New registers every metric spec §4.9/§6 names onto reg.
func New(reg prometheus.Registerer, labelNames []string) *Registry {
	m := &Registry{
		labelNames: labelNames,
		Live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tng",
			Name:      "live",
			Help:      "1 when the instance is ready to serve traffic.",
		}),
		TxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tng", Name: "tx_bytes_total", Help: "Bytes transmitted per endpoint.",
		}, labelNames),
		RxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tng", Name: "rx_bytes_total", Help: "Bytes received per endpoint.",
		}, labelNames),
		CxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tng", Name: "cx_total", Help: "Total connections accepted per endpoint.",
		}, labelNames),
		CxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tng", Name: "cx_failed", Help: "Connections that transitioned to FAILED per endpoint.",
		}, labelNames),
		CxActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tng", Name: "cx_active", Help: "Connections currently in STREAMING per endpoint.",
		}, labelNames),
	}
	reg.MustRegister(m.Live, m.TxBytes, m.RxBytes, m.CxTotal, m.CxFailed, m.CxActive)
	return m
}

// ConnectionOpened increments cx_total and cx_active for labels.
func (m *Registry) ConnectionOpened(labels EndpointLabels) {
	m.CxTotal.With(labels.Labels()).Inc()
	m.CxActive.With(labels.Labels()).Inc()
}

// ConnectionClosed decrements cx_active, and if failed also increments
// cx_failed (spec §4.8: "FAILED records a cause category ... and
// increments cx_failed").
func (m *Registry) ConnectionClosed(labels EndpointLabels, failed bool) {
	m.CxActive.With(labels.Labels()).Dec()
	if failed {
		m.CxFailed.With(labels.Labels()).Inc()
	}
}

// AddTxBytes/AddRxBytes record the byte counters for labels.
func (m *Registry) AddTxBytes(labels EndpointLabels, n int) {
	m.TxBytes.With(labels.Labels()).Add(float64(n))
}

func (m *Registry) AddRxBytes(labels EndpointLabels, n int) {
	m.RxBytes.With(labels.Labels()).Add(float64(n))
}

// SetLive sets the live gauge (spec §4.9: "1 when ready").
func (m *Registry) SetLive(ready bool) {
	if ready {
		m.Live.Set(1)
		return
	}
	m.Live.Set(0)
}
