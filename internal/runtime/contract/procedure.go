package contract

import "strings"

// Separator joins the parts of fully-qualified names.
const Separator = ":"

// FullName returns interface:[consumer:]name.
func FullName(iface, consumerID, name string) string {
	if consumerID == "" {
		return iface + Separator + name
	}
	return iface + Separator + consumerID + Separator + name
}

// ProcedureDescriptor is the untyped identity and contract of a procedure.
type ProcedureDescriptor struct {
	iface    string
	name     string
	payload  *Schema
	response *Schema
}

func (d ProcedureDescriptor) Interface() string { return d.iface }
func (d ProcedureDescriptor) Name() string      { return d.name }
func (d ProcedureDescriptor) Payload() *Schema  { return d.payload }
func (d ProcedureDescriptor) Response() *Schema { return d.response }

// FullName returns the key handlers are registered under.
func (d ProcedureDescriptor) FullName(consumerID string) string {
	return FullName(d.iface, consumerID, d.name)
}

func (d ProcedureDescriptor) String() string { return d.FullName("") }

// Procedure is a typed request/response contract. P and R are the Go types
// handlers receive and return; the schemas describe their wire form.
type Procedure[P, R any] struct {
	desc ProcedureDescriptor
}

// DefineProcedure declares a procedure. Uniqueness of (iface, name) is only
// checked when a handler is registered. A nil schema accepts anything.
func DefineProcedure[P, R any](iface, name string, payload, response *Schema) Procedure[P, R] {
	if strings.TrimSpace(iface) == "" || strings.TrimSpace(name) == "" {
		panic("procbus: procedure interface and name are required")
	}
	if payload == nil {
		payload = Any()
	}
	if response == nil {
		response = Any()
	}
	return Procedure[P, R]{desc: ProcedureDescriptor{iface: iface, name: name, payload: payload, response: response}}
}

func (p Procedure[P, R]) Descriptor() ProcedureDescriptor { return p.desc }
func (p Procedure[P, R]) Interface() string               { return p.desc.iface }
func (p Procedure[P, R]) Name() string                    { return p.desc.name }
func (p Procedure[P, R]) String() string                  { return p.desc.String() }

// Describer is satisfied by every typed procedure.
type Describer interface {
	Descriptor() ProcedureDescriptor
}
