// Package resolve replaces reference stubs on a record with the full objects
// they point to.
package resolve

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/record"
)

// Getter fetches one object by its API link.
type Getter interface {
	Get(ctx context.Context, link string) (*record.Mapping, error)
}

// Resolver dereferences a fixed allow-list of relation fields. It memoises
// fetched objects by link for its own lifetime only; build one per run.
type Resolver struct {
	getter  Getter
	fields  []string
	linkKey string
	cache   *expirable.LRU[string, *record.Mapping]
	log     *zap.SugaredLogger
}

type Options struct {
	// LinkField names the stub member holding the object link. Default "url".
	LinkField string
	// CacheSize bounds the number of memoised objects; zero disables memoising.
	CacheSize int
	CacheTTL  time.Duration
}

func New(getter Getter, fields []string, opts Options, log *zap.SugaredLogger) *Resolver {
	if opts.LinkField == "" {
		opts.LinkField = "url"
	}
	r := &Resolver{
		getter:  getter,
		fields:  append([]string(nil), fields...),
		linkKey: opts.LinkField,
		log:     log,
	}
	if opts.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, *record.Mapping](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

// Fields returns the configured allow-list.
func (r *Resolver) Fields() []string {
	return append([]string(nil), r.fields...)
}

// Resolve swaps every allow-listed stub on rec for the object its link points
// to. Absent and null fields are left alone. Resolution is shallow: stubs
// inside the fetched object are not followed. A fetch failure is returned.
func (r *Resolver) Resolve(ctx context.Context, rec *record.Mapping) error {
	for _, field := range r.fields {
		v, ok := rec.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		stub, ok := v.AsMapping()
		if !ok {
			r.log.Warnw("reference field is not an object, leaving as is", "field", field, "kind", v.Kind().String())
			continue
		}
		lv, ok := stub.Get(r.linkKey)
		link, isStr := lv.AsString()
		if !ok || !isStr || link == "" {
			r.log.Warnw("reference stub has no link, leaving as is", "field", field)
			continue
		}

		full, err := r.fetch(ctx, link)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", field, err)
		}
		rec.Set(field, record.Map(full))
	}
	return nil
}

func (r *Resolver) fetch(ctx context.Context, link string) (*record.Mapping, error) {
	if r.cache != nil {
		if m, ok := r.cache.Get(link); ok {
			metrics.ResolveLookups.WithLabelValues("hit").Inc()
			return m.Clone(), nil
		}
	}
	metrics.ResolveLookups.WithLabelValues("miss").Inc()

	m, err := r.getter.Get(ctx, link)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Add(link, m.Clone())
	}
	return m, nil
}
