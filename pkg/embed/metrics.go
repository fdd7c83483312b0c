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

package embed

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsEmbed holds Prometheus metrics for the embedding subsystem.
type metricsEmbed struct {
	once sync.Once

	vectors  prometheus.Counter
	failures prometheus.Counter
	retries  prometheus.Counter

	runDuration prometheus.Histogram
}

var embedMetrics metricsEmbed

func (m *metricsEmbed) init() {
	m.once.Do(func() {
		m.vectors = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_emb_vectors_total", Help: "Vectors generated"})
		m.failures = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_emb_failures_total", Help: "Texts that failed to embed after retries"})
		m.retries = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_emb_retries_total", Help: "Provider retries on transient errors"})

		buckets := []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
		m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_emb_run_seconds", Help: "Embedding run duration", Buckets: buckets})

		prometheus.MustRegister(m.vectors, m.failures, m.retries, m.runDuration)
	})
}
