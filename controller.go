// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Controller owns the lifecycle of at most one Engine instance. It is safe
// for concurrent use.
type Controller struct {
	engine  Engine
	log     logrus.FieldLogger
	metrics *controllerMetrics

	// mu is held across the Engine calls of Start and Stop so that two
	// callers can never both reach engine.Start.
	mu     sync.Mutex
	handle Handle
}

// NewController returns an idle Controller driving engine.
func NewController(engine Engine, opts ...Option) *Controller {
	o := newOptions(opts...)
	return &Controller{
		engine:  engine,
		log:     o.logger.WithField("component", "controller"),
		metrics: newControllerMetrics(o.registerer),
	}
}

// Start asks the engine to bind address. It returns ErrAlreadyRunning
// without touching the engine while an instance is alive, and an
// *EngineError when the engine fails, in which case the Controller stays
// idle.
func (c *Controller) Start(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithField("address", address)
	if c.handle != nil {
		log.Debug("proxy already exists, skipping")
		c.metrics.starts.WithLabelValues("already_running").Inc()
		return ErrAlreadyRunning
	}

	h, err := c.engine.Start(address)
	if err == nil && h == nil {
		err = errors.New("engine returned no handle")
	}
	if err != nil {
		log.WithError(err).Error("unable to start proxy")
		c.metrics.starts.WithLabelValues("error").Inc()
		return engineError("start", err)
	}

	c.handle = h
	c.metrics.starts.WithLabelValues("ok").Inc()
	c.metrics.running.Set(1)
	log.WithField("instance", h.ID()).Info("proxy started")

	return nil
}

// Stop tears down the running instance, if any. The Controller is idle
// afterwards even if the engine fails to shut down cleanly; such failures
// are logged. Stopping an idle Controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.handle
	if h == nil {
		c.log.Debug("proxy not running, nothing to stop")
		return
	}
	c.handle = nil
	c.metrics.stops.Inc()
	c.metrics.running.Set(0)

	log := c.log.WithField("instance", h.ID())
	if err := c.engine.Stop(h); err != nil {
		log.WithError(err).Warn("engine failed to stop cleanly")
		return
	}
	log.Info("proxy stopped")
}

// Close stops the running instance. Hosts should call it before exiting.
func (c *Controller) Close() error {
	c.Stop()
	return nil
}

// Running reports whether an instance is alive.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// Handle returns the live instance handle, or ErrNotRunning.
func (c *Controller) Handle() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return nil, ErrNotRunning
	}
	return c.handle, nil
}

// Test runs the engine self-test iterations times. See TestContext.
func (c *Controller) Test(iterations int) error {
	return c.TestContext(context.Background(), iterations)
}

// TestContext runs the engine self-test iterations times and returns the
// first failure. It does not depend on, nor change, whether an instance is
// running.
func (c *Controller) TestContext(ctx context.Context, iterations int) error {
	log := c.log.WithField("iterations", iterations)
	if iterations < 1 {
		c.metrics.selfTests.WithLabelValues("invalid").Inc()
		return ErrInvalidIterations
	}

	start := time.Now()
	if err := c.engine.SelfTest(ctx, iterations); err != nil {
		log.WithError(err).Error("self-test failed")
		c.metrics.selfTests.WithLabelValues("error").Inc()
		return engineError("self-test", err)
	}

	c.metrics.selfTests.WithLabelValues("ok").Inc()
	log.WithField("elapsed", time.Since(start)).Info("self-test passed")
	return nil
}

var (
	defaultOnce       sync.Once
	defaultController *Controller
	defaultErr        error
)

// Default returns the process-wide Controller driving a WireGuardEngine
// built from DefaultConfig.
//
// The controller is built once. An initialization error, such as an
// invalid EMPROXY_MTU, is cached and returned by every later call for the
// life of the process.
func Default() (*Controller, error) {
	defaultOnce.Do(func() {
		engine, err := NewWireGuardEngine(nil)
		if err != nil {
			defaultErr = err
			return
		}
		defaultController = NewController(engine)
	})
	return defaultController, defaultErr
}

// Start starts the process-wide proxy on address.
func Start(address string) error {
	c, err := Default()
	if err != nil {
		return engineError("init", err)
	}
	return c.Start(address)
}

// Stop stops the process-wide proxy, if running. An initialization error
// from Default is logged, since no proxy can be running in that case.
func Stop() {
	stopDefault(Default())
}

func stopDefault(c *Controller, err error) {
	if err != nil {
		logrus.WithError(err).Warn("emproxy: default controller unavailable, nothing to stop")
		return
	}
	c.Stop()
}

// Test runs the self-test of the process-wide engine.
func Test(iterations int) error {
	c, err := Default()
	if err != nil {
		return engineError("init", err)
	}
	return c.Test(iterations)
}
