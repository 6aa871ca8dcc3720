package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/netbox-import/internal/logging"
	"github.com/gustycube/netbox-import/internal/netbox"
	"github.com/gustycube/netbox-import/internal/record"
)

type fakeFetcher struct {
	collections map[string]string
	objects     map[string]string
	fetchErr    map[string]error
	fetched     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, path string) ([]*record.Mapping, error) {
	f.fetched = append(f.fetched, path)
	if err := f.fetchErr[path]; err != nil {
		return nil, err
	}
	raw, ok := f.collections[path]
	if !ok {
		return nil, nil
	}
	v, err := record.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	seq, _ := v.AsSequence()
	out := make([]*record.Mapping, 0, len(seq))
	for _, e := range seq {
		m, _ := e.AsMapping()
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeFetcher) Get(_ context.Context, link string) (*record.Mapping, error) {
	raw, ok := f.objects[link]
	if !ok {
		return nil, fmt.Errorf("%w: 404 for %s", netbox.ErrUnexpectedStatus, link)
	}
	v, err := record.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	m, _ := v.AsMapping()
	return m, nil
}

const clusterLink = "https://nb/api/virtualization/clusters/5/"

func scenarioFetcher() *fakeFetcher {
	return &fakeFetcher{
		collections: map[string]string{
			DefaultIPAddressesPath: `[
				{"id":100,"address":"10.0.0.1/24","interface":{"id":10,"name":"eth0","device":{"id":1,"url":"https://nb/api/dcim/devices/1/"}}},
				{"id":101,"address":"10.0.0.2/24","interface":{"id":11,"name":"LO","device":{"id":1}}},
				{"id":102,"address":"192.168.1.10/24","interface":{"id":12,"name":"ens3","virtual_machine":{"id":1}}},
				{"id":103,"address":"172.16.0.1/16","interface":null}
			]`,
			DefaultDevicesPath: `[
				{"id":1,"name":"srv1","status":{"value":1,"label":"Active"},
				 "cluster":{"id":5,"url":"` + clusterLink + `","name":"prod"},
				 "site":{"id":9,"url":"https://nb/api/dcim/sites/9/","name":"ams1"},
				 "local_context_data":{"ntp":["10.0.0.5"]}},
				{"id":2,"name":"srv2","status":{"value":0,"label":"Offline"},"cluster":null},
				{"id":3,"name":"","status":{"value":1}},
				{"id":4,"status":{"value":1}},
				{"id":6,"name":"srv6","status":{"value":1},"cluster":null}
			]`,
			DefaultVirtualMachinesPath: `[
				{"id":1,"name":"vm1","status":{"value":1},"cluster":{"id":5,"url":"` + clusterLink + `"}}
			]`,
		},
		objects: map[string]string{
			clusterLink: `{"name":"prod","region":"eu"}`,
		},
	}
}

func newOrchestrator(f netbox.Fetcher, mutate func(*Config)) *Orchestrator {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(f, cfg, logging.Nop())
}

func rowByName(t *testing.T, rows record.ResultSet, name string) record.Row {
	t.Helper()
	for _, r := range rows {
		if v, ok := r["name"]; ok && v.Text() == name {
			return r
		}
	}
	t.Fatalf("no row named %q", name)
	return nil
}

func TestRun_ClusterScenario(t *testing.T) {
	o := newOrchestrator(scenarioFetcher(), func(c *Config) {
		c.ActiveOnly = true
		c.ImportVirtualMachines = false
	})

	rows, err := o.Run(context.Background())
	require.NoError(t, err)

	row := rowByName(t, rows, "srv1")
	assert.Equal(t, "srv1", row["name"].Text())
	assert.Equal(t, "prod", row["cluster__name"].Text())
	assert.Equal(t, "eu", row["cluster__region"].Text())
	assert.NotContains(t, row, "cluster__id")
	assert.NotContains(t, row, "cluster__url")
	assert.NotContains(t, row, "site__id")
	assert.Equal(t, "ams1", row["site__name"].Text())
	assert.Equal(t, "10.0.0.1/24", row["interfaces__eth0__0"].Text())
	for k := range row {
		assert.False(t, strings.HasPrefix(strings.ToLower(k), "interfaces__lo"), k)
	}

	var ctxData map[string]any
	require.NoError(t, json.Unmarshal([]byte(row["local_context_data"].Text()), &ctxData))
	assert.Equal(t, map[string]any{"ntp": []any{"10.0.0.5"}}, ctxData)
}

func TestRun_ActiveOnly(t *testing.T) {
	names := func(rows record.ResultSet) []string {
		var out []string
		for _, r := range rows {
			out = append(out, r["name"].Text())
		}
		return out
	}

	rows, err := newOrchestrator(scenarioFetcher(), func(c *Config) {
		c.ActiveOnly = true
		c.ImportVirtualMachines = false
	}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"srv1", "srv6"}, names(rows))

	rows, err = newOrchestrator(scenarioFetcher(), func(c *Config) {
		c.ImportVirtualMachines = false
	}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"srv1", "srv2", "srv6"}, names(rows), "empty and missing names are always dropped")
}

func TestRun_DeviceWithoutAddresses(t *testing.T) {
	rows, err := newOrchestrator(scenarioFetcher(), func(c *Config) { c.ImportVirtualMachines = false }).Run(context.Background())
	require.NoError(t, err)

	row := rowByName(t, rows, "srv6")
	for k := range row {
		assert.False(t, strings.HasPrefix(k, "interfaces__"), k)
	}
}

func TestRun_DevicesThenVirtualMachines(t *testing.T) {
	rows, err := newOrchestrator(scenarioFetcher(), func(c *Config) { c.ActiveOnly = true }).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "vm1", rows[2]["name"].Text())
	// device 1 and vm 1 share an id but stay separate rows with their own interfaces
	assert.Equal(t, "192.168.1.10/24", rows[2]["interfaces__ens3__0"].Text())
	assert.NotContains(t, rows[2], "interfaces__eth0__0")
	assert.NotContains(t, rows[0], "interfaces__ens3__0")
	assert.Equal(t, "1", rows[0]["id"].Text())
	assert.Equal(t, "1", rows[2]["id"].Text())
}

func TestRun_NoLinkageKeys(t *testing.T) {
	rows, err := newOrchestrator(scenarioFetcher(), nil).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		for k := range r {
			assert.False(t, strings.HasSuffix(k, "__id") || strings.HasSuffix(k, "__url"), k)
		}
	}
}

func TestRun_CustomDelimiterDropsLinkage(t *testing.T) {
	rows, err := newOrchestrator(scenarioFetcher(), func(c *Config) { c.Delimiter = "." }).Run(context.Background())
	require.NoError(t, err)

	row := rowByName(t, rows, "srv1")
	assert.Equal(t, "ams1", row["site.name"].Text())
	assert.Equal(t, "10.0.0.1/24", row["interfaces.eth0.0"].Text())
	for _, r := range rows {
		for k := range r {
			assert.False(t, strings.HasSuffix(k, ".id") || strings.HasSuffix(k, ".url"), k)
		}
	}
}

func TestColumns_EqualsSortedUnionOfRun(t *testing.T) {
	o := newOrchestrator(scenarioFetcher(), nil)

	rows, err := o.Run(context.Background())
	require.NoError(t, err)
	cols, err := o.Columns(context.Background())
	require.NoError(t, err)

	union := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			union[k] = struct{}{}
		}
	}
	require.Len(t, cols, len(union))
	for i, c := range cols {
		assert.Contains(t, union, c)
		if i > 0 {
			assert.Less(t, cols[i-1], c)
		}
	}
	assert.Equal(t, ColumnsOf(rows), cols)
}

func TestRun_NothingEnabled(t *testing.T) {
	f := scenarioFetcher()
	rows, err := newOrchestrator(f, func(c *Config) {
		c.ImportDevices = false
		c.ImportVirtualMachines = false
	}).Run(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Empty(t, f.fetched, "no api calls when nothing is enabled")
}

func TestRun_ErrorsAreFatal(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("address fetch", func(t *testing.T) {
		f := scenarioFetcher()
		f.fetchErr = map[string]error{DefaultIPAddressesPath: boom}
		rows, err := newOrchestrator(f, nil).Run(context.Background())
		require.ErrorIs(t, err, boom)
		assert.Nil(t, rows)
	})

	t.Run("second collection", func(t *testing.T) {
		f := scenarioFetcher()
		f.fetchErr = map[string]error{DefaultVirtualMachinesPath: boom}
		rows, err := newOrchestrator(f, nil).Run(context.Background())
		require.ErrorIs(t, err, boom)
		assert.Nil(t, rows, "no partial result")
	})

	t.Run("reference resolution", func(t *testing.T) {
		f := scenarioFetcher()
		delete(f.objects, clusterLink)
		rows, err := newOrchestrator(f, nil).Run(context.Background())
		require.ErrorIs(t, err, netbox.ErrUnexpectedStatus)
		assert.Nil(t, rows)
	})
}

func TestRun_AgainstHTTPNetBox(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, `{"detail":"Invalid token"}`, http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/ipam/ip-addresses/":
			fmt.Fprint(w, `{"next":null,"results":[
				{"address":"10.0.0.1","interface":{"name":"eth0","device":{"id":1}}},
				{"address":"10.0.0.2","interface":{"name":"LO","device":{"id":1}}}]}`)
		case "/api/dcim/devices/":
			fmt.Fprintf(w, `{"next":null,"results":[
				{"id":1,"name":"srv1","status":{"value":1},"cluster":{"id":5,"url":"%s/api/virtualization/clusters/5/"}}]}`, server.URL)
		case "/api/virtualization/clusters/5/":
			fmt.Fprint(w, `{"name":"prod","region":"eu"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	client, err := netbox.NewClient(netbox.Options{BaseURL: server.URL + "/api", Token: "secret"}, logging.Nop())
	require.NoError(t, err)

	o := newOrchestrator(client, func(c *Config) {
		c.ActiveOnly = true
		c.ImportVirtualMachines = false
	})
	rows, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := make(map[string]string)
	for k, v := range rows[0] {
		got[k] = v.Text()
	}
	assert.Equal(t, map[string]string{
		"id":                  "1",
		"name":                "srv1",
		"status__value":       "1",
		"cluster__name":       "prod",
		"cluster__region":     "eu",
		"interfaces__eth0__0": "10.0.0.1",
	}, got)

	bad, err := netbox.NewClient(netbox.Options{BaseURL: server.URL + "/api", Token: "wrong"}, logging.Nop())
	require.NoError(t, err)
	_, err = newOrchestrator(bad, nil).Run(context.Background())
	require.ErrorIs(t, err, netbox.ErrUnauthorized)
}
