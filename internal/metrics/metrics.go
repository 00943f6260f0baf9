// Copyright 2023 Rosenpass e.V.
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
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the control plane's Prometheus instrumentation,
// following GoogleCloudPlatform-gcsfuse's direct use of
// github.com/prometheus/client_golang. These are ambient observability
// additions (spec.md treats metrics as out of scope for the core's
// contract), wired to surfaces that already exist in the core rather than
// invented ones.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// The control plane's collectors, all under the "rosenpass" namespace;
// callers register them with a prometheus.Registerer of their choosing via
// MustRegister (e.g. one served by an http.Handler behind /metrics).
var (
	TokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rosenpass",
		Subsystem: "mio",
		Name:      "tokens_issued_total",
		Help:      "Readiness tokens dispensed since process start.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rosenpass",
		Subsystem: "mio",
		Name:      "connections_active",
		Help:      "Non-empty connection slots currently owned by the connection manager.",
	})

	SupervisorQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rosenpass",
		Subsystem: "broker",
		Name:      "supervisor_queue_depth",
		Help:      "Pending BrokerRequests waiting on the privileged-helper supervisor.",
	})

	FramesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rosenpass",
		Subsystem: "broker",
		Name:      "frames_forwarded_total",
		Help:      "Request frames forwarded to the privileged helper.",
	})

	FramesOversized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rosenpass",
		Subsystem: "codec",
		Name:      "frames_oversized_total",
		Help:      "Frames rejected for exceeding their direction's length bound.",
	}, []string{"direction"})
)

// MustRegister registers every collector in this package with r. Intended
// to be called once at startup, after the default registerer is chosen by
// the caller.
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		TokensIssued,
		ConnectionsActive,
		SupervisorQueueDepth,
		FramesForwarded,
		FramesOversized,
	)
}
