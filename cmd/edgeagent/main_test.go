package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestRunStatus(t *testing.T) {
	t.Run("prints a ready snapshot", func(t *testing.T) {
		addr := statusServer(t, http.StatusOK,
			`{"project":"p1","snapshot":"s1","settings":"h1","state":"running","health":{"uptime_seconds":10,"snapshot_restart_count":0}}`)
		require.NoError(t, runStatus(addr))
	})

	t.Run("busy agent is not an error", func(t *testing.T) {
		addr := statusServer(t, http.StatusServiceUnavailable, `{"error":"reconciliation in progress"}`)
		require.NoError(t, runStatus(addr))
	})

	t.Run("unexpected status is an error", func(t *testing.T) {
		addr := statusServer(t, http.StatusInternalServerError, ``)
		assert.Error(t, runStatus(addr))
	})
}

func TestRunHistory(t *testing.T) {
	t.Run("decodes the agent's entries envelope", func(t *testing.T) {
		addr := statusServer(t, http.StatusOK,
			`{"entries":[{"reconcile_id":"r1","outcome":"converged","status":"running"}]}`)
		require.NoError(t, runHistory(addr, 5))
	})

	t.Run("empty history is not an error", func(t *testing.T) {
		addr := statusServer(t, http.StatusOK, `{"entries":[]}`)
		require.NoError(t, runHistory(addr, 5))
	})

	t.Run("disabled audit log is not an error", func(t *testing.T) {
		addr := statusServer(t, http.StatusNotFound, `{"error":"audit log disabled"}`)
		require.NoError(t, runHistory(addr, 5))
	})

	t.Run("unexpected status is an error", func(t *testing.T) {
		addr := statusServer(t, http.StatusInternalServerError, ``)
		assert.Error(t, runHistory(addr, 5))
	})
}
