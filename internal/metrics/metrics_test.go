package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.PatchesPublished.Add(2)
	b.PatchesPublished.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.PatchesPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.PatchesPublished))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New(nil)
	m.CyclesTotal.WithLabelValues("completed", "").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "governance_cycle_runs_total")
}
