// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id string
}

func (h *fakeHandle) ID() string                { return h.id }
func (h *fakeHandle) LocalAddr() netip.AddrPort { return netip.MustParseAddrPort("127.0.0.1:51820") }

type fakeEngine struct {
	mu        sync.Mutex
	live      map[*fakeHandle]bool
	seq       int
	startErr  error
	stopErr   error
	failAt    int
	startWait time.Duration

	starts    atomic.Int32
	stops     atomic.Int32
	selfTests atomic.Int32
	ran       atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{live: make(map[*fakeHandle]bool)}
}

func (e *fakeEngine) Start(address string) (Handle, error) {
	e.starts.Add(1)
	time.Sleep(e.startWait)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.seq++
	h := &fakeHandle{id: strconv.Itoa(e.seq)}
	e.live[h] = true
	return h, nil
}

func (e *fakeEngine) Stop(h Handle) error {
	e.stops.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	fh, ok := h.(*fakeHandle)
	if !ok || !e.live[fh] {
		return ErrUnknownHandle
	}
	delete(e.live, fh)
	return e.stopErr
}

func (e *fakeEngine) SelfTest(ctx context.Context, iterations int) error {
	e.selfTests.Add(1)
	for i := 1; i <= iterations; i++ {
		e.ran.Add(1)
		if i == e.failAt {
			return errors.New("iteration " + strconv.Itoa(i) + " failed")
		}
	}
	return nil
}

func (e *fakeEngine) liveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestControllerStartTwice(t *testing.T) {
	engine := newFakeEngine()
	ctl := NewController(engine, WithLogger(quietLogger()))

	require.NoError(t, ctl.Start("127.0.0.1"))
	assert.True(t, ctl.Running())

	err := ctl.Start("127.0.0.1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.EqualValues(t, 1, engine.starts.Load(), "second start must not reach the engine")
	assert.Equal(t, 1, engine.liveCount())

	ctl.Stop()
	assert.False(t, ctl.Running())
	assert.Equal(t, 0, engine.liveCount())

	require.NoError(t, ctl.Start("127.0.0.1"))
	assert.True(t, ctl.Running())
	ctl.Stop()
}

func TestControllerStopWhileIdle(t *testing.T) {
	engine := newFakeEngine()
	ctl := NewController(engine, WithLogger(quietLogger()))

	assert.NotPanics(t, ctl.Stop)
	assert.NotPanics(t, ctl.Stop)
	assert.False(t, ctl.Running())
	assert.EqualValues(t, 0, engine.stops.Load())
	assert.NoError(t, ctl.Close())

	_, err := ctl.Handle()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestControllerStartEngineFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.startErr = ErrInvalidSocket
	ctl := NewController(engine, WithLogger(quietLogger()))

	err := ctl.Start("127.0.0.1")
	require.Error(t, err)

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "start", engineErr.Op)
	assert.ErrorIs(t, err, ErrInvalidSocket)
	assert.False(t, ctl.Running())

	engine.mu.Lock()
	engine.startErr = nil
	engine.mu.Unlock()
	assert.NoError(t, ctl.Start("127.0.0.1"))
}

type nilHandleEngine struct {
	*fakeEngine
}

func (nilHandleEngine) Start(string) (Handle, error) { return nil, nil }

func TestControllerRejectsNilHandle(t *testing.T) {
	ctl := NewController(nilHandleEngine{newFakeEngine()}, WithLogger(quietLogger()))

	var engineErr *EngineError
	assert.ErrorAs(t, ctl.Start("127.0.0.1"), &engineErr)
	assert.False(t, ctl.Running())
}

func TestControllerStopSwallowsEngineFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.stopErr = errors.New("device stuck")
	ctl := NewController(engine, WithLogger(quietLogger()))

	require.NoError(t, ctl.Start("127.0.0.1"))
	ctl.Stop()

	assert.False(t, ctl.Running())
	assert.EqualValues(t, 1, engine.stops.Load())
	assert.NoError(t, ctl.Start("127.0.0.1"))
}

func TestControllerHandle(t *testing.T) {
	ctl := NewController(newFakeEngine(), WithLogger(quietLogger()))
	require.NoError(t, ctl.Start("127.0.0.1"))
	defer ctl.Stop()

	h, err := ctl.Handle()
	require.NoError(t, err)
	assert.Equal(t, "1", h.ID())
}

func TestControllerTest(t *testing.T) {
	tests := []struct {
		name       string
		iterations int
		failAt     int
		wantErr    error
		wantRan    int32
		wantCalled bool
	}{
		{name: "healthy", iterations: 10, wantRan: 10, wantCalled: true},
		{name: "single", iterations: 1, wantRan: 1, wantCalled: true},
		{name: "first failure", iterations: 10, failAt: 3, wantRan: 3, wantCalled: true},
		{name: "zero", iterations: 0, wantErr: ErrInvalidIterations},
		{name: "negative", iterations: -4, wantErr: ErrInvalidIterations},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.failAt = tt.failAt
			ctl := NewController(engine, WithLogger(quietLogger()))

			err := ctl.Test(tt.iterations)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.failAt > 0:
				var engineErr *EngineError
				require.ErrorAs(t, err, &engineErr)
				assert.Equal(t, "self-test", engineErr.Op)
				assert.Contains(t, err.Error(), "iteration 3 failed")
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantRan, engine.ran.Load())
			assert.Equal(t, tt.wantCalled, engine.selfTests.Load() == 1)
			assert.False(t, ctl.Running())
		})
	}
}

func TestControllerTestLeavesStateAlone(t *testing.T) {
	engine := newFakeEngine()
	ctl := NewController(engine, WithLogger(quietLogger()))

	require.NoError(t, ctl.Start("127.0.0.1"))
	require.NoError(t, ctl.Test(5))
	assert.True(t, ctl.Running())
	assert.Equal(t, 1, engine.liveCount())

	ctl.Stop()
	require.NoError(t, ctl.Test(5))
	assert.False(t, ctl.Running())
}

func TestControllerConcurrentStart(t *testing.T) {
	engine := newFakeEngine()
	engine.startWait = 5 * time.Millisecond
	ctl := NewController(engine, WithLogger(quietLogger()))

	const callers = 16
	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		already atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := ctl.Start("127.0.0.1"); {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, callers-1, already.Load())
	assert.EqualValues(t, 1, engine.starts.Load())
	assert.Equal(t, 1, engine.liveCount())
}

func TestControllerConcurrentStartStop(t *testing.T) {
	engine := newFakeEngine()
	ctl := NewController(engine, WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = ctl.Start("127.0.0.1")
		}()
		go func() {
			defer wg.Done()
			ctl.Stop()
		}()
	}
	wg.Wait()

	// The controller believes an instance is alive exactly when the engine has one.
	assert.Equal(t, ctl.Running(), engine.liveCount() == 1)
	ctl.Stop()
	assert.Equal(t, 0, engine.liveCount())
}

func TestControllerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ctl := NewController(newFakeEngine(), WithLogger(quietLogger()), WithRegisterer(reg))

	require.NoError(t, ctl.Start("127.0.0.1"))
	_ = ctl.Start("127.0.0.1")
	assert.Equal(t, 1.0, testutil.ToFloat64(ctl.metrics.running))

	ctl.Stop()
	_ = ctl.Test(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(ctl.metrics.starts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ctl.metrics.starts.WithLabelValues("already_running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ctl.metrics.stops))
	assert.Equal(t, 0.0, testutil.ToFloat64(ctl.metrics.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(ctl.metrics.selfTests.WithLabelValues("invalid")))

	// A second controller on the same registry shares the collectors.
	other := NewController(newFakeEngine(), WithLogger(quietLogger()), WithRegisterer(reg))
	assert.Same(t, ctl.metrics.starts, other.metrics.starts)
}

func TestDefaultController(t *testing.T) {
	a, err := Default()
	require.NoError(t, err)
	b, err := Default()
	require.NoError(t, err)
	assert.Same(t, a, b)

	assert.ErrorIs(t, Test(0), ErrInvalidIterations)
	assert.NotPanics(t, Stop)
	assert.False(t, a.Running())
}

func TestStopLogsInitError(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	initErr := errors.New("EMPROXY_MTU: invalid value")
	assert.NotPanics(t, func() { stopDefault(nil, initErr) })

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, initErr, entry.Data[logrus.ErrorKey])
}

func TestPackageLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("binds the default udp port")
	}
	t.Cleanup(Stop)

	require.NoError(t, Start("127.0.0.1"))
	assert.ErrorIs(t, Start("127.0.0.1"), ErrAlreadyRunning)

	c, err := Default()
	require.NoError(t, err)
	h, err := c.Handle()
	require.NoError(t, err)
	assert.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), DefaultPort), h.LocalAddr())

	Stop()
	assert.False(t, c.Running())

	require.NoError(t, Start("127.0.0.1"))
	assert.True(t, c.Running())
	Stop()
	assert.False(t, c.Running())

	require.NoError(t, Test(10))
}

func TestRegisterConflictPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stops_total",
		Help:      "A different help string.",
	}))

	assert.Panics(t, func() { newControllerMetrics(reg) })
}
