package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/netbox-import/internal/health"
	"github.com/gustycube/netbox-import/internal/logging"
)

func TestNewMux_Endpoints(t *testing.T) {
	h := health.NewHandler(logging.Nop())
	srv := httptest.NewServer(NewMux(h))
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/metrics", http.StatusOK},
		{"/health", http.StatusOK},
		{"/live", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.path)
	}

	h.SetReady(true)
	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposition(t *testing.T) {
	Runs.WithLabelValues("ok").Inc()
	FlattenCollisions.Inc()

	srv := httptest.NewServer(NewMux(health.NewHandler(logging.Nop())))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `netbox_import_runs_total{result="ok"}`))
	assert.NotContains(t, string(body), "netbox_import_flatten_collisions_total 0\n")
	assert.Contains(t, string(body), "netbox_import_flatten_collisions_total")
}
