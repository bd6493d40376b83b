// Copyright 2019 Ka-Hing Cheung
//
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

package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "blobstream"

var (
	chunksTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "chunks_total",
		Help:      "Chunk transfers by direction and outcome.",
	}, []string{"direction", "result"})

	bytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "bytes_total",
		Help:      "Bytes moved by successful chunk transfers.",
	}, []string{"direction"})

	chunksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "chunks_in_flight",
		Help:      "Chunk transfers currently holding a slot.",
	})

	chunkSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "chunk_duration_seconds",
		Help:      "Time spent in the transport per chunk.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"direction"})

	commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "commits_total",
		Help:      "Manifest commits by outcome.",
	}, []string{"result"})
)

func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		chunksTransferred, bytesTransferred, chunksInFlight, chunkSeconds, commits,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
