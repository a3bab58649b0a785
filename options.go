// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type options struct {
	logger     logrus.FieldLogger
	registerer prometheus.Registerer
}

// Option is a function type that modifies the options shared by the
// Controller and the WireGuard engine.
type Option func(*options)

func newOptions(opts ...Option) options {
	o := options{
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used for lifecycle and engine events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegisterer registers the emproxy metrics with r. Metrics are
// collected but not exported when no registerer is set. Constructors
// panic if r holds a conflicting collector under an emproxy metric name.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}
