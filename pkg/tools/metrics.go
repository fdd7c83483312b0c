// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsTools holds Prometheus metrics for tool execution.
type metricsTools struct {
	once sync.Once

	calls    prometheus.Counter
	failures prometheus.Counter

	duration prometheus.Histogram
}

var toolMetrics metricsTools

func (m *metricsTools) init() {
	m.once.Do(func() {
		m.calls = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_tool_calls_total", Help: "Tool invocations"})
		m.failures = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_tool_failures_total", Help: "Tool invocations that returned an error"})

		buckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
		m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_tool_duration_seconds", Help: "Tool execution duration", Buckets: buckets})

		prometheus.MustRegister(m.calls, m.failures, m.duration)
	})
}
