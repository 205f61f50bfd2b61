package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()

	r.RecordChangeAccepted()
	r.RecordChangeAccepted()
	r.RecordChangeRejected("E_VERSION_CONFLICT")
	r.RecordFlush(true, 3, 10*time.Millisecond)
	r.RecordFlush(false, 2, time.Millisecond)
	r.SessionStarted()
	r.SessionStarted()
	r.SessionEnded()
	r.AddBuffered(4)
	r.AddBuffered(-3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.changesAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.changesRejected.WithLabelValues("E_VERSION_CONFLICT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flushes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flushes.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.flushedRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.bufferedRecords))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordChangeAccepted()
		r.RecordChangeRejected("x")
		r.RecordFlush(true, 1, time.Second)
		r.SessionStarted()
		r.SessionEnded()
		r.AddBuffered(1)
		r.RecordLockConflict()
		r.RecordRemoteIngested()
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.RecordLockConflict()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "collab_lock_conflicts_total 1"))
}

func TestDefault(t *testing.T) {
	r := Default()
	require.NotNil(t, r)
	assert.Same(t, r, Default())
	assert.True(t, Enabled())
}
