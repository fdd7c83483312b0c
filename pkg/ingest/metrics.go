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

package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsIngest holds Prometheus metrics for the ingestion subsystem.
type metricsIngest struct {
	once sync.Once

	batchesSent  prometheus.Counter
	batchRetries prometheus.Counter
	nodesDeleted prometheus.Counter
	nodesDirtied prometheus.Counter

	applyDuration prometheus.Histogram
}

var ingestMetrics metricsIngest

func (m *metricsIngest) init() {
	m.once.Do(func() {
		m.batchesSent = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ing_batches_sent_total", Help: "Write batches sent to the graph"})
		m.batchRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ing_batch_retries_total", Help: "Batch retries after upstream failures"})
		m.nodesDeleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ing_nodes_deleted_total", Help: "Nodes deleted for removed files"})
		m.nodesDirtied = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ing_nodes_dirtied_total", Help: "Nodes flagged dirty for embedding"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
		m.applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_ing_apply_seconds", Help: "Delta apply duration", Buckets: buckets})

		prometheus.MustRegister(
			m.batchesSent, m.batchRetries, m.nodesDeleted, m.nodesDirtied,
			m.applyDuration,
		)
	})
}
