// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserErrorMessage(t *testing.T) {
	err := NewInputError("bad tool name", "tool 'frobnicate' is not registered", "run GET /tools for the list")
	assert.Equal(t, "bad tool name", err.Error())
	assert.Equal(t, KindInvalidInput, err.Kind)
}

func TestUserErrorWrapsUnderlying(t *testing.T) {
	inner := stderrors.New("connection refused")
	err := NewUpstreamError("graph database unreachable", "bolt handshake failed", "check neo4j is running", inner)

	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, stderrors.Is(err, inner))
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *UserError
		code int
	}{
		{"input", NewInputError("m", "c", "f"), ExitInput},
		{"busy", NewBusyError("m", "c", "f"), ExitBusy},
		{"upstream", NewUpstreamError("m", "c", "f", nil), ExitUpstream},
		{"timeout", NewTimeoutError("m", "c", "f", nil), ExitTimeout},
		{"transient", NewTransientError("m", nil), ExitSuccess},
		{"fatal", NewFatalError("m", "c", "f", nil), ExitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.ExitCode())
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewInputError("m", "", "").HTTPStatus())
	assert.Equal(t, http.StatusConflict, NewBusyError("m", "", "").HTTPStatus())
	assert.Equal(t, http.StatusGatewayTimeout, NewTimeoutError("m", "", "", nil).HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, NewUpstreamError("m", "", "", nil).HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, NewFatalError("m", "", "", nil).HTTPStatus())
}

func TestFormatIncludesAllSections(t *testing.T) {
	err := NewFatalError("cannot bind port", "port 6969 already in use by another program", "set RAGFORGE_DAEMON_PORT", nil)
	out := err.Format(true)

	assert.Contains(t, out, "Error: cannot bind port")
	assert.Contains(t, out, "Cause: port 6969 already in use")
	assert.Contains(t, out, "Fix:   set RAGFORGE_DAEMON_PORT")
}

func TestFormatOmitsEmptySections(t *testing.T) {
	err := NewTransientError("log write failed", nil)
	out := err.Format(true)

	assert.Contains(t, out, "Error: log write failed")
	assert.NotContains(t, out, "Cause:")
	assert.NotContains(t, out, "Fix:")
}

func TestToJSON(t *testing.T) {
	err := NewTimeoutError("lock wait exceeded", "ingestion lock held for > 5s", "retry the read", nil)
	j := err.ToJSON()

	assert.Equal(t, "timeout", j.Kind)
	assert.Equal(t, "lock wait exceeded", j.Error)
	assert.Equal(t, ExitTimeout, j.ExitCode)
}

func TestAsUser(t *testing.T) {
	ue := NewInputError("m", "c", "f")
	require.Same(t, ue, AsUser(ue))

	plain := stderrors.New("boom")
	wrapped := AsUser(plain)
	assert.Equal(t, KindFatal, wrapped.Kind)
	assert.True(t, stderrors.Is(wrapped, plain))

	assert.Nil(t, AsUser(nil))
}
