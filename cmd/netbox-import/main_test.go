package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/netbox-import/internal/config"
	"github.com/gustycube/netbox-import/internal/logging"
	"github.com/gustycube/netbox-import/internal/netbox"
	"github.com/gustycube/netbox-import/internal/queue"
	"github.com/gustycube/netbox-import/internal/record"
)

type stubRunner struct {
	rows record.ResultSet
	err  error
	runs int
}

func (s *stubRunner) Run(context.Context) (record.ResultSet, error) {
	s.runs++
	return s.rows, s.err
}

func sampleRows() record.ResultSet {
	return record.ResultSet{
		{"name": record.String("srv1"), "cluster__name": record.String("prod")},
		{"name": record.String("vm1"), "interfaces__eth0__0": record.String("10.0.0.1")},
	}
}

func newTestMux(r runner) *http.ServeMux {
	mux := http.NewServeMux()
	(&rowServer{pipeline: r, log: logging.Nop()}).register(mux)
	return mux
}

func TestHandleRows_JSON(t *testing.T) {
	r := &stubRunner{rows: sampleRows()}
	req := httptest.NewRequest(http.MethodGet, "/v1/rows", nil)
	w := httptest.NewRecorder()

	newTestMux(r).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var got []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "prod", got[0]["cluster__name"])
	assert.Equal(t, 1, r.runs)
}

func TestHandleRows_CSV(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/rows?format=csv", nil)
	w := httptest.NewRecorder()

	newTestMux(&stubRunner{rows: sampleRows()}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"cluster__name", "interfaces__eth0__0", "name"}, records[0])
	assert.Len(t, records, 3)
}

func TestHandleRows_BadFormat(t *testing.T) {
	r := &stubRunner{rows: sampleRows()}
	req := httptest.NewRequest(http.MethodGet, "/v1/rows?format=xml", nil)
	w := httptest.NewRecorder()

	newTestMux(r).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, r.runs, "no import for a bad request")
}

func TestHandleRows_MethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/rows", nil)
	w := httptest.NewRecorder()

	newTestMux(&stubRunner{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleRows_RunErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("fetch dcim/devices: %w", netbox.ErrUnauthorized), http.StatusBadGateway},
		{fmt.Errorf("fetch dcim/devices: %w", netbox.ErrMalformedResponse), http.StatusBadGateway},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/rows", nil)
		w := httptest.NewRecorder()
		newTestMux(&stubRunner{err: tt.err}).ServeHTTP(w, req)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestHandleColumns(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/columns", nil)
	w := httptest.NewRecorder()

	newTestMux(&stubRunner{rows: sampleRows()}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var cols []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cols))
	assert.Equal(t, []string{"cluster__name", "interfaces__eth0__0", "name"}, cols)
}

func TestChangedFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	f := cmd.Flags()
	f.String("base-url", "", "")
	f.Bool("import-devices", true, "")
	f.Bool("active-only", false, "")
	f.Int("page-size", 0, "")
	f.StringSlice("resolve", nil, "")
	f.Float64("rate-limit", 0, "")

	require.NoError(t, f.Parse([]string{
		"--base-url", "https://nb/api",
		"--import-devices=false",
		"--page-size", "50",
		"--resolve", "cluster,tenant",
	}))

	got := changedFlags(f)
	assert.Equal(t, map[string]interface{}{
		"base_url":       "https://nb/api",
		"import_devices": false,
		"page_size":      50,
		"resolve_fields": []string{"cluster", "tenant"},
	}, got)
}

type fakeLeaser struct {
	items []*queue.Item
	acked int
	err   error
}

func (f *fakeLeaser) Lease(context.Context) (*queue.Item, func() error, error) {
	if f.err != nil {
		return nil, func() error { return f.err }, f.err
	}
	if len(f.items) == 0 {
		return nil, func() error { return nil }, nil
	}
	it := f.items[0]
	f.items = f.items[1:]
	return it, func() error { f.acked++; return nil }, nil
}

func TestDrain_PrintsAndAcks(t *testing.T) {
	l := &fakeLeaser{items: []*queue.Item{
		{RunID: "r1", Row: record.Row{"name": record.String("srv1")}},
		{RunID: "r1", Row: record.Row{"name": record.String("vm1")}},
	}}
	var buf bytes.Buffer

	n, err := drain(context.Background(), l, &buf, 0, false, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, l.acked)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var it queue.Item
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &it))
	assert.Equal(t, "vm1", it.Row["name"].Text())
}

func TestDrain_StopsAtLimit(t *testing.T) {
	l := &fakeLeaser{items: []*queue.Item{{RunID: "a"}, {RunID: "b"}, {RunID: "c"}}}
	var buf bytes.Buffer

	n, err := drain(context.Background(), l, &buf, 2, false, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, l.items, 1)
}

func TestDrain_LeaseError(t *testing.T) {
	boom := errors.New("connection refused")
	n, err := drain(context.Background(), &fakeLeaser{err: boom}, &bytes.Buffer{}, 0, false, logging.Nop())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestApp_CloseReleasesRedisHealthClient(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.BaseURL = "http://127.0.0.1:1/api"
	cfg.RedisQueueAddr = "127.0.0.1:1"

	log := logging.Nop()
	client, err := netbox.NewClient(cfg.NetBoxOptions(), log)
	require.NoError(t, err)
	a := &app{cfg: cfg, log: log, client: client, shutdown: func(context.Context) error { return nil }}

	a.healthHandler()
	require.NotNil(t, a.redis)
	first := a.redis
	a.healthHandler()
	assert.Same(t, first, a.redis, "health handlers share one client")

	a.close()
	assert.ErrorIs(t, a.redis.Ping(context.Background()), redis.ErrClosed)
}
