// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package metrics instruments the request pipeline with prometheus
// counters and histograms, exported by the metrics service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New returns the instrumentation middleware registered on reg.
func New(reg prometheus.Registerer) func(http.Handler) http.Handler {
	inFlight := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pail_http_requests_in_flight",
		Help: "Requests currently being served.",
	})
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "pail_http_requests_total",
		Help: "Requests served, by method and status code.",
	}, []string{"method", "code"})
	duration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pail_http_request_duration_seconds",
		Help:    "Request duration, by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	responseSize := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pail_http_response_size_bytes",
		Help:    "Response body size.",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{})

	return func(next http.Handler) http.Handler {
		h := promhttp.InstrumentHandlerInFlight(inFlight,
			promhttp.InstrumentHandlerCounter(requests,
				promhttp.InstrumentHandlerDuration(duration,
					promhttp.InstrumentHandlerResponseSize(responseSize, next))))
		return h
	}
}
