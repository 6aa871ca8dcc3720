// Package pipeline runs one import: it indexes IP addresses by interface,
// then fetches, filters, resolves and flattens each enabled host collection
// into a single ResultSet.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/filter"
	"github.com/gustycube/netbox-import/internal/flatten"
	"github.com/gustycube/netbox-import/internal/ifindex"
	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/netbox"
	"github.com/gustycube/netbox-import/internal/record"
	"github.com/gustycube/netbox-import/internal/resolve"
	"github.com/gustycube/netbox-import/internal/telemetry"
)

const (
	ResourceDevices         = "devices"
	ResourceVirtualMachines = "virtual_machines"

	DefaultDevicesPath         = "dcim/devices"
	DefaultVirtualMachinesPath = "virtualization/virtual-machines"
	DefaultIPAddressesPath     = "ipam/ip-addresses"
	DefaultInterfacesKey       = "interfaces"
)

// DefaultResolveFields are the relations dereferenced before flattening.
var DefaultResolveFields = []string{"cluster"}

// Resource is one host collection the pipeline imports.
type Resource struct {
	Name  string
	Path  string
	Owner ifindex.OwnerKind
}

type Config struct {
	ImportDevices         bool
	ImportVirtualMachines bool
	ActiveOnly            bool
	// ActiveLabel additionally accepts a string status value; empty disables it.
	ActiveLabel string

	DevicesPath         string
	VirtualMachinesPath string
	IPAddressesPath     string

	ResolveFields []string
	Resolve       resolve.Options

	Delimiter    string
	ContextField string
	// DropSuffixes defaults to the linkage fields joined with Delimiter.
	DropSuffixes    []string
	StrictKeys      bool
	InterfaceFields []string
	InterfacesKey   string
}

// DefaultConfig imports both host types with every filter at its default.
func DefaultConfig() Config {
	return Config{
		ImportDevices:         true,
		ImportVirtualMachines: true,
		DevicesPath:           DefaultDevicesPath,
		VirtualMachinesPath:   DefaultVirtualMachinesPath,
		IPAddressesPath:       DefaultIPAddressesPath,
		ResolveFields:         append([]string(nil), DefaultResolveFields...),
		Resolve:               resolve.Options{CacheSize: 512},
		Delimiter:             flatten.DefaultDelimiter,
		ContextField:          flatten.DefaultContextField,
		InterfaceFields:       append([]string(nil), ifindex.DefaultInterfaceFields...),
		InterfacesKey:         DefaultInterfacesKey,
	}
}

// Orchestrator holds what is shared between runs: the fetcher and the
// configuration. Every run builds its own index, resolver cache and result.
type Orchestrator struct {
	fetcher netbox.Fetcher
	cfg     Config
	log     *zap.SugaredLogger
}

// New fills empty paths and keys from the defaults. A nil ResolveFields takes
// the default and a nil DropSuffixes is derived from the delimiter; an empty
// non-nil slice disables either.
func New(fetcher netbox.Fetcher, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	def := DefaultConfig()
	if cfg.DevicesPath == "" {
		cfg.DevicesPath = def.DevicesPath
	}
	if cfg.VirtualMachinesPath == "" {
		cfg.VirtualMachinesPath = def.VirtualMachinesPath
	}
	if cfg.IPAddressesPath == "" {
		cfg.IPAddressesPath = def.IPAddressesPath
	}
	if cfg.ResolveFields == nil {
		cfg.ResolveFields = def.ResolveFields
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = def.Delimiter
	}
	if cfg.DropSuffixes == nil {
		cfg.DropSuffixes = filter.DropSuffixesFor(cfg.Delimiter)
	}
	if cfg.InterfacesKey == "" {
		cfg.InterfacesKey = def.InterfacesKey
	}
	return &Orchestrator{fetcher: fetcher, cfg: cfg, log: log}
}

// Resources lists the enabled host collections in processing order.
func (o *Orchestrator) Resources() []Resource {
	var out []Resource
	if o.cfg.ImportDevices {
		out = append(out, Resource{Name: ResourceDevices, Path: o.cfg.DevicesPath, Owner: ifindex.OwnerDevice})
	}
	if o.cfg.ImportVirtualMachines {
		out = append(out, Resource{Name: ResourceVirtualMachines, Path: o.cfg.VirtualMachinesPath, Owner: ifindex.OwnerVirtualMachine})
	}
	return out
}

// run carries the per-invocation state.
type run struct {
	index    *ifindex.Index
	resolver *resolve.Resolver
	flat     *flatten.Flattener
	filter   *filter.Filter
}

// Run fetches and flattens every enabled collection. Rows keep fetch order
// within a collection; devices come before virtual machines. Any error
// aborts the run and no rows are returned.
func (o *Orchestrator) Run(ctx context.Context) (record.ResultSet, error) {
	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "pipeline.Run")
	defer span.End()
	start := time.Now()

	rows, err := o.run(ctx)
	if err != nil {
		telemetry.Fail(span, err)
		metrics.Runs.WithLabelValues("error").Inc()
		o.log.Errorw("import run failed", "err", err, "elapsed", time.Since(start))
		return nil, err
	}
	span.SetAttributes(attribute.Int("pipeline.rows", len(rows)))
	metrics.Runs.WithLabelValues("ok").Inc()
	o.log.Infow("import run complete", "rows", len(rows), "elapsed", time.Since(start))
	return rows, nil
}

func (o *Orchestrator) run(ctx context.Context) (record.ResultSet, error) {
	rows := record.ResultSet{}
	resources := o.Resources()
	if len(resources) == 0 {
		o.log.Warnw("no resource types enabled, nothing to import")
		return rows, nil
	}

	addrs, err := o.fetcher.Fetch(ctx, o.cfg.IPAddressesPath)
	if err != nil {
		return nil, err
	}
	r := &run{
		index:    ifindex.Build(addrs, ifindex.Options{InterfaceFields: o.cfg.InterfaceFields}),
		resolver: resolve.New(o.fetcher, o.cfg.ResolveFields, o.cfg.Resolve, o.log),
		flat: &flatten.Flattener{
			Delimiter:    o.cfg.Delimiter,
			ContextField: o.cfg.ContextField,
			Strict:       o.cfg.StrictKeys,
			Log:          o.log,
		},
		filter: &filter.Filter{
			ActiveOnly:   o.cfg.ActiveOnly,
			ActiveValue:  filter.DefaultActiveValue,
			ActiveLabel:  o.cfg.ActiveLabel,
			DropSuffixes: o.cfg.DropSuffixes,
		},
	}
	indexed, skipped := r.index.Stats()
	o.log.Infow("indexed ip addresses", "addresses", len(addrs), "indexed", indexed, "skipped", skipped, "resolve", r.resolver.Fields())

	for _, res := range resources {
		out, err := o.runResource(ctx, r, res)
		if err != nil {
			return nil, err
		}
		rows = append(rows, out...)
	}
	return rows, nil
}

func (o *Orchestrator) runResource(ctx context.Context, r *run, res Resource) (record.ResultSet, error) {
	raw, err := o.fetcher.Fetch(ctx, res.Path)
	if err != nil {
		return nil, err
	}
	kept, dropped := r.filter.Records(raw)
	metrics.Records.WithLabelValues(res.Name, "kept").Add(float64(len(kept)))
	metrics.Records.WithLabelValues(res.Name, "dropped").Add(float64(dropped))

	rows := make(record.ResultSet, 0, len(kept))
	for _, rec := range kept {
		row, err := o.buildRow(ctx, r, res, rec)
		if err != nil {
			nv, _ := rec.Get("name")
			return nil, fmt.Errorf("%s %q: %w", res.Name, nv.Text(), err)
		}
		rows = append(rows, row)
	}
	metrics.Rows.WithLabelValues(res.Name).Add(float64(len(rows)))
	o.log.Infow("imported resource", "resource", res.Name, "fetched", len(raw), "dropped", dropped, "rows", len(rows))
	return rows, nil
}

func (o *Orchestrator) buildRow(ctx context.Context, r *run, res Resource, rec *record.Mapping) (record.Row, error) {
	if err := r.resolver.Resolve(ctx, rec); err != nil {
		return nil, err
	}
	row, err := r.flat.Flatten("", record.Map(rec))
	if err != nil {
		return nil, err
	}

	ifaces := record.NewMapping()
	idv, _ := rec.Get("id")
	if id, ok := idv.Key(); ok {
		ifaces = r.index.Lookup(res.Owner, id)
	}
	extra, err := r.flat.Flatten("", record.Map(record.NewMapping().Set(o.cfg.InterfacesKey, record.Map(ifaces))))
	if err != nil {
		return nil, err
	}
	if err := r.flat.Merge(row, extra); err != nil {
		return nil, err
	}
	return r.filter.Project(row), nil
}

// Columns runs the full pipeline and returns the sorted union of row keys.
func (o *Orchestrator) Columns(ctx context.Context) ([]string, error) {
	rows, err := o.Run(ctx)
	if err != nil {
		return nil, err
	}
	return ColumnsOf(rows), nil
}

// ColumnsOf returns the sorted union of keys across rows.
func ColumnsOf(rows record.ResultSet) []string {
	return rows.Columns()
}
