package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/netbox-import/internal/logging"
	"github.com/gustycube/netbox-import/internal/record"
)

type fakeGetter struct {
	objects map[string]string
	calls   map[string]int
	err     error
}

func (f *fakeGetter) Get(_ context.Context, link string) (*record.Mapping, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[link]++
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.objects[link]
	if !ok {
		return nil, errors.New("not found: " + link)
	}
	v, err := record.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	m, _ := v.AsMapping()
	return m, nil
}

func mustMapping(t *testing.T, raw string) *record.Mapping {
	t.Helper()
	v, err := record.Parse([]byte(raw))
	require.NoError(t, err)
	m, ok := v.AsMapping()
	require.True(t, ok)
	return m
}

func TestResolve_ReplacesStub(t *testing.T) {
	g := &fakeGetter{objects: map[string]string{
		"https://nb/api/virtualization/clusters/5/": `{"id":5,"name":"prod","region":"eu","site":{"id":9,"url":"https://nb/api/dcim/sites/9/"}}`,
	}}
	r := New(g, []string{"cluster"}, Options{}, logging.Nop())

	rec := mustMapping(t, `{"id":1,"name":"srv1","cluster":{"id":5,"url":"https://nb/api/virtualization/clusters/5/"}}`)
	require.NoError(t, r.Resolve(context.Background(), rec))

	name, ok := rec.Lookup("cluster", "name")
	require.True(t, ok)
	assert.Equal(t, "prod", name.Text())

	// shallow: the nested site stub is not followed
	siteURL, ok := rec.Lookup("cluster", "site", "url")
	require.True(t, ok)
	assert.Equal(t, "https://nb/api/dcim/sites/9/", siteURL.Text())
	assert.Equal(t, 1, len(g.calls))
}

func TestResolve_SkipsAbsentNullAndUnlisted(t *testing.T) {
	g := &fakeGetter{}
	r := New(g, []string{"cluster"}, Options{}, logging.Nop())

	for _, raw := range []string{
		`{"id":1,"name":"a"}`,
		`{"id":1,"name":"a","cluster":null}`,
		`{"id":1,"name":"a","tenant":{"id":3,"url":"https://nb/api/tenancy/tenants/3/"}}`,
		`{"id":1,"name":"a","cluster":"prod"}`,
		`{"id":1,"name":"a","cluster":{"id":5}}`,
	} {
		rec := mustMapping(t, raw)
		before, _ := record.Map(rec.Clone()).MarshalJSON()
		require.NoError(t, r.Resolve(context.Background(), rec), raw)
		after, _ := record.Map(rec).MarshalJSON()
		assert.JSONEq(t, string(before), string(after), raw)
	}
	assert.Empty(t, g.calls)
}

func TestResolve_PropagatesFetchError(t *testing.T) {
	boom := errors.New("connection reset")
	r := New(&fakeGetter{err: boom}, []string{"cluster"}, Options{}, logging.Nop())

	rec := mustMapping(t, `{"id":1,"cluster":{"id":5,"url":"https://nb/api/virtualization/clusters/5/"}}`)
	err := r.Resolve(context.Background(), rec)
	require.ErrorIs(t, err, boom)
}

func TestResolve_MemoisesWithinRun(t *testing.T) {
	link := "https://nb/api/virtualization/clusters/5/"
	g := &fakeGetter{objects: map[string]string{link: `{"id":5,"name":"prod"}`}}
	r := New(g, []string{"cluster"}, Options{CacheSize: 16}, logging.Nop())

	var recs []*record.Mapping
	for i := 0; i < 3; i++ {
		rec := mustMapping(t, `{"cluster":{"id":5,"url":"`+link+`"}}`)
		require.NoError(t, r.Resolve(context.Background(), rec))
		recs = append(recs, rec)
	}
	assert.Equal(t, 1, g.calls[link])

	// each record owns its copy
	c0, _ := recs[0].Get("cluster")
	m0, _ := c0.AsMapping()
	m0.Set("name", record.String("changed"))
	name, _ := recs[1].Lookup("cluster", "name")
	assert.Equal(t, "prod", name.Text())
}

func TestFields_ReturnsCopy(t *testing.T) {
	r := New(&fakeGetter{}, []string{"cluster", "tenant"}, Options{}, logging.Nop())

	got := r.Fields()
	assert.Equal(t, []string{"cluster", "tenant"}, got)
	got[0] = "site"
	assert.Equal(t, []string{"cluster", "tenant"}, r.Fields())
}
