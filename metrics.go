// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "emproxy"

type engineMetrics struct {
	reflected prometheus.Counter
	dropped   *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		reflected: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_reflected_total",
			Help:      "IPv4 packets reflected back to the peer.",
		})),
		dropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by the loopback device.",
		}, []string{"reason"})),
	}
}

type controllerMetrics struct {
	starts    *prometheus.CounterVec
	stops     prometheus.Counter
	selfTests *prometheus.CounterVec
	running   prometheus.Gauge
}

func newControllerMetrics(reg prometheus.Registerer) *controllerMetrics {
	return &controllerMetrics{
		starts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starts_total",
			Help:      "Start requests by result.",
		}, []string{"result"})),
		stops: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stops_total",
			Help:      "Stop requests that tore down a running proxy.",
		})),
		selfTests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_tests_total",
			Help:      "Self-test runs by result.",
		}, []string{"result"})),
		running: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "Whether a proxy instance is alive.",
		})),
	}
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor. Any other registration error panics, as with
// MustRegister.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
