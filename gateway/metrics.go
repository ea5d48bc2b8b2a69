// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentgate/gateway/audit"
	"agentgate/gateway/threat"
)

// metrics are registered on a per-gateway registry so several gateways
// can live in one process.
type metrics struct {
	registry *prometheus.Registry

	validations *prometheus.CounterVec
	duration    prometheus.Histogram
	events      *prometheus.CounterVec
	blocks      *prometheus.CounterVec
}

func newMetrics(g *Gateway) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_validations_total",
				Help: "Total number of connection validations",
			},
			[]string{"result", "reason"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentgate_validation_duration_milliseconds",
				Help:    "Connection validation duration in milliseconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_security_events_total",
				Help: "Total number of security events recorded",
			},
			[]string{"kind", "severity"},
		),
		blocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_origin_blocks_total",
				Help: "Total number of origins blocked",
			},
			[]string{"reason"},
		),
	}

	m.registry.MustRegister(m.validations, m.duration, m.events, m.blocks)
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentgate_active_agents",
			Help: "Number of agents holding credentials",
		}, func() float64 { return float64(g.agents.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentgate_blocked_origins",
			Help: "Number of currently blocked origins",
		}, func() float64 { return float64(g.threats.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentgate_rate_limit_keys",
			Help: "Number of tracked rate limit keys",
		}, func() float64 { return float64(g.limiter.Keys()) }),
	)
	return m
}

func (m *metrics) observeValidation(res Result, elapsed time.Duration) {
	result := "allowed"
	if !res.Valid {
		result = "denied"
	}
	m.validations.WithLabelValues(result, string(res.Reason)).Inc()
	m.duration.Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *metrics) observeEvent(e audit.Event) {
	m.events.WithLabelValues(string(e.Kind), string(e.Severity)).Inc()
	if e.Kind == audit.KindSuspiciousActivity {
		switch reason := e.Reason(); reason {
		case threat.ReasonRepeatedFailures, threat.ReasonManualBlock:
			m.blocks.WithLabelValues(reason).Inc()
		}
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
