package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusServerRoutes(t *testing.T) {
	srv := NewServer("", func() any { return map[string]int{"pending": 2} }, nil)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"pending": 2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestRegisterEngineReadsAtScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	snap := EngineSnapshot{Matched: 3, Unmatched: 1, Pending: 2}
	require.NoError(t, RegisterEngine(reg, func() EngineSnapshot { return snap }))

	gather := func() map[string]float64 {
		families, err := reg.Gather()
		require.NoError(t, err)
		out := make(map[string]float64)
		for _, mf := range families {
			m := mf.GetMetric()[0]
			if c := m.GetCounter(); c != nil {
				out[mf.GetName()] = c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				out[mf.GetName()] = g.GetValue()
			}
		}
		return out
	}

	got := gather()
	assert.Equal(t, 3.0, got["calldoc_engine_matched_total"])
	assert.Equal(t, 1.0, got["calldoc_engine_unmatched_total"])
	assert.Equal(t, 2.0, got["calldoc_engine_pending_calls"])

	snap.Matched = 4
	assert.Equal(t, 4.0, gather()["calldoc_engine_matched_total"])

	assert.Error(t, RegisterEngine(reg, func() EngineSnapshot { return snap }))
}

func TestStartAndStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil, nil)
	require.NoError(t, srv.Start())
	require.NotNil(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}
