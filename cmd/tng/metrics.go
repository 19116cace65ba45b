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

package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/tng/lib/observability/metrics"
)

// metricsShape names one endpoint kind/type combination that contributes
// its own fixed label-name set to spec §6's metric-labels table. A single
// prometheus vector cannot carry two different label-name sets under one
// metric name, so every shape gets its own *metrics.Registry backed by its
// own prometheus.Registry; socks5 shares http_proxy's shape (both describe
// a single listen address) and scraping combines every shape's registry
// with prometheus.Gatherers.
type metricsShape string

const (
	shapeIngressMapping   metricsShape = "ingress_mapping"
	shapeIngressProxy     metricsShape = "ingress_proxy" // http_proxy, socks5
	shapeIngressNetfilter metricsShape = "ingress_netfilter"
	shapeEgressMapping    metricsShape = "egress_mapping"
	shapeEgressNetfilter  metricsShape = "egress_netfilter"
)

func labelNamesFor(shape metricsShape) []string {
	switch shape {
	case shapeIngressMapping:
		return []string{"ingress_type", "ingress_id", "ingress_in", "ingress_out"}
	case shapeIngressProxy:
		return []string{"ingress_type", "ingress_id", "ingress_proxy_listen"}
	case shapeIngressNetfilter:
		return []string{"ingress_type", "ingress_id", "ingress_listen_port"}
	case shapeEgressMapping:
		return []string{"egress_type", "egress_id", "egress_in", "egress_out"}
	case shapeEgressNetfilter:
		return []string{"egress_type", "egress_id", "egress_listen_port"}
	default:
		return nil
	}
}

// metricsByShape owns one *metrics.Registry per shape, each registered on
// its own prometheus.Registry so vectors of the same name but different
// label sets never collide on a shared registerer.
type metricsByShape struct {
	registries map[metricsShape]*metrics.Registry
	raw        []*prometheus.Registry
}

func newMetricsByShape() *metricsByShape {
	m := &metricsByShape{registries: map[metricsShape]*metrics.Registry{}}
	for _, shape := range []metricsShape{
		shapeIngressMapping, shapeIngressProxy, shapeIngressNetfilter,
		shapeEgressMapping, shapeEgressNetfilter,
	} {
		reg := prometheus.NewRegistry()
		m.registries[shape] = metrics.New(reg, labelNamesFor(shape))
		m.raw = append(m.raw, reg)
	}
	return m
}

func (m *metricsByShape) get(shape metricsShape) *metrics.Registry {
	return m.registries[shape]
}

// setLive sets the `live` gauge on every shape's registry, since spec §4.9
// defines it as one process-wide signal, not per-endpoint.
func (m *metricsByShape) setLive(ready bool) {
	for _, r := range m.registries {
		r.SetLive(ready)
	}
}

// handler serves every shape's registry as a single scrape, combined via
// prometheus's own Gatherers composition rather than a shared Registry.
func (m *metricsByShape) handler() http.Handler {
	gatherers := make(prometheus.Gatherers, len(m.raw))
	for i, r := range m.raw {
		gatherers[i] = r
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

func mappingLabels(listen, target string) map[string]string {
	return map[string]string{"in": listen, "out": target}
}

func proxyLabels(listen string) map[string]string {
	return map[string]string{"proxy_listen": listen}
}

func netfilterLabels(listenPort int) map[string]string {
	return map[string]string{"listen_port": strconv.Itoa(listenPort)}
}
