// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrorsPrefixed(t *testing.T) {
	sentinels := []error{
		ErrAlreadyRunning,
		ErrNotRunning,
		ErrInvalidIterations,
		ErrInvalidAddress,
		ErrInvalidPort,
		ErrInvalidSocket,
		ErrUnknownHandle,
		ErrNoReply,
	}

	for _, err := range sentinels {
		t.Run(err.Error(), func(t *testing.T) {
			assert.True(t, strings.HasPrefix(err.Error(), "emproxy: "))
		})
	}
}

func TestEngineErrorUnwrap(t *testing.T) {
	cause := errors.New("bind failed")
	err := engineError("start", cause)

	var ee *EngineError
	assert.ErrorAs(t, err, &ee)
	assert.Equal(t, "start", ee.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "emproxy: start: bind failed", err.Error())
	assert.NoError(t, engineError("start", nil))
}
