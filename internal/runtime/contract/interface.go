package contract

import (
	"fmt"
	"sort"
)

// Interface groups the procedures sharing an interface name.
type Interface struct {
	name  string
	procs map[string]ProcedureDescriptor
}

// DefineInterface builds an Interface from procedures that must all belong to
// name and must have distinct procedure names.
func DefineInterface(name string, procs ...Describer) (Interface, error) {
	iface := Interface{name: name, procs: make(map[string]ProcedureDescriptor, len(procs))}
	for _, p := range procs {
		d := p.Descriptor()
		if d.iface != name {
			return Interface{}, fmt.Errorf("procbus: procedure %s does not belong to interface %q", d, name)
		}
		if _, dup := iface.procs[d.name]; dup {
			return Interface{}, fmt.Errorf("procbus: interface %q declares %q twice", name, d.name)
		}
		iface.procs[d.name] = d
	}
	return iface, nil
}

// MustDefineInterface panics where DefineInterface would fail; meant for
// package-level declarations.
func MustDefineInterface(name string, procs ...Describer) Interface {
	iface, err := DefineInterface(name, procs...)
	if err != nil {
		panic(err)
	}
	return iface
}

func (i Interface) Name() string { return i.name }

// Lookup finds a procedure by its short name.
func (i Interface) Lookup(name string) (ProcedureDescriptor, bool) {
	d, ok := i.procs[name]
	return d, ok
}

// Procedures returns the descriptors ordered by name.
func (i Interface) Procedures() []ProcedureDescriptor {
	out := make([]ProcedureDescriptor, 0, len(i.procs))
	for _, d := range i.procs {
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].name < out[b].name })
	return out
}
