// Package ifindex joins the IP-address collection onto its owning devices and
// virtual machines. The index is built in one pass over all addresses and then
// consulted per host, which avoids one address query per host.
package ifindex

import (
	"strings"

	"github.com/gustycube/netbox-import/internal/record"
)

// OwnerKind names the object type an interface hangs off. The values match
// the member names NetBox uses on an interface.
type OwnerKind string

const (
	OwnerDevice         OwnerKind = "device"
	OwnerVirtualMachine OwnerKind = "virtual_machine"
)

// DefaultOwnerPriority checks devices before virtual machines. The first
// owner present on an interface wins.
var DefaultOwnerPriority = []OwnerKind{OwnerDevice, OwnerVirtualMachine}

// DefaultInterfaceFields lists where an address keeps its interface:
// "interface" up to NetBox 2.8, "assigned_object" from 2.9 on.
var DefaultInterfaceFields = []string{"interface", "assigned_object"}

const loopback = "lo"

type Options struct {
	InterfaceFields []string
	OwnerPriority   []OwnerKind
}

// Index maps owner kind → owner id → interface name → addresses.
type Index struct {
	opts    Options
	owners  map[OwnerKind]map[string]*interfaces
	indexed int
	skipped int
}

type interfaces struct {
	names []string
	addrs map[string][]string
}

func New(opts Options) *Index {
	if len(opts.InterfaceFields) == 0 {
		opts.InterfaceFields = DefaultInterfaceFields
	}
	if len(opts.OwnerPriority) == 0 {
		opts.OwnerPriority = DefaultOwnerPriority
	}
	return &Index{opts: opts, owners: make(map[OwnerKind]map[string]*interfaces)}
}

// Build indexes every address record in order.
func Build(addrs []*record.Mapping, opts Options) *Index {
	ix := New(opts)
	for _, a := range addrs {
		ix.Add(a)
	}
	return ix
}

// Add indexes one IP-address record and reports whether it was kept.
// Records without an interface, on the loopback interface, without a known
// owner or without an address string are skipped.
func (ix *Index) Add(addr *record.Mapping) bool {
	iface, ok := ix.interfaceOf(addr)
	if !ok {
		ix.skipped++
		return false
	}

	nv, _ := iface.Get("name")
	name, ok := nv.AsString()
	if !ok {
		ix.skipped++
		return false
	}
	name = strings.ToLower(name)
	if name == loopback {
		ix.skipped++
		return false
	}

	kind, ownerID, ok := ix.ownerOf(iface)
	if !ok {
		ix.skipped++
		return false
	}

	av, _ := addr.Get("address")
	address, ok := av.AsString()
	if !ok || address == "" {
		ix.skipped++
		return false
	}

	byID, ok := ix.owners[kind]
	if !ok {
		byID = make(map[string]*interfaces)
		ix.owners[kind] = byID
	}
	ifs, ok := byID[ownerID]
	if !ok {
		ifs = &interfaces{addrs: make(map[string][]string)}
		byID[ownerID] = ifs
	}
	if _, seen := ifs.addrs[name]; !seen {
		ifs.names = append(ifs.names, name)
	}
	ifs.addrs[name] = append(ifs.addrs[name], address)
	ix.indexed++
	return true
}

func (ix *Index) interfaceOf(addr *record.Mapping) (*record.Mapping, bool) {
	for _, field := range ix.opts.InterfaceFields {
		v, ok := addr.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		if m, ok := v.AsMapping(); ok {
			return m, true
		}
	}
	return nil, false
}

func (ix *Index) ownerOf(iface *record.Mapping) (OwnerKind, string, bool) {
	for _, kind := range ix.opts.OwnerPriority {
		ov, ok := iface.Get(string(kind))
		if !ok || ov.IsNull() {
			continue
		}
		owner, ok := ov.AsMapping()
		if !ok {
			continue
		}
		idv, _ := owner.Get("id")
		if id, ok := idv.Key(); ok {
			return kind, id, true
		}
	}
	return "", "", false
}

// Lookup returns the interfaces of one owner as a mapping of interface name
// to a sequence of addresses. Unknown owners yield an empty mapping.
func (ix *Index) Lookup(kind OwnerKind, id string) *record.Mapping {
	out := record.NewMapping()
	ifs, ok := ix.owners[kind][id]
	if !ok {
		return out
	}
	for _, name := range ifs.names {
		seq := make([]record.Value, 0, len(ifs.addrs[name]))
		for _, a := range ifs.addrs[name] {
			seq = append(seq, record.String(a))
		}
		out.Set(name, record.Seq(seq...))
	}
	return out
}

// Interfaces returns a copy of one owner's interface table.
func (ix *Index) Interfaces(kind OwnerKind, id string) map[string][]string {
	out := make(map[string][]string)
	ifs, ok := ix.owners[kind][id]
	if !ok {
		return out
	}
	for name, addrs := range ifs.addrs {
		out[name] = append([]string(nil), addrs...)
	}
	return out
}

// Owners returns the ids indexed for kind.
func (ix *Index) Owners(kind OwnerKind) []string {
	ids := make([]string, 0, len(ix.owners[kind]))
	for id := range ix.owners[kind] {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports how many address records were indexed and skipped.
func (ix *Index) Stats() (indexed, skipped int) {
	return ix.indexed, ix.skipped
}
