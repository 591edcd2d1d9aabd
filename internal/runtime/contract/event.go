package contract

import "strings"

// EventDescriptor is the untyped identity and payload contract of an event.
type EventDescriptor struct {
	name    string
	payload *Schema
}

// Name is the scoped event name, e.g. "invoice:paid".
func (d EventDescriptor) Name() string     { return d.name }
func (d EventDescriptor) Payload() *Schema { return d.payload }
func (d EventDescriptor) String() string   { return d.name }

// Subject rewrites the event name into a broker subject: scope separators
// become sep and prefix, when set, is prepended.
func (d EventDescriptor) Subject(prefix, sep string) string {
	if sep == "" {
		sep = "."
	}
	subject := strings.ReplaceAll(d.name, Separator, sep)
	if prefix == "" {
		return subject
	}
	return strings.TrimSuffix(prefix, sep) + sep + subject
}

// Event is a typed fire-and-forget notification.
type Event[P any] struct {
	desc EventDescriptor
}

// DefineEvent declares an event. A nil schema accepts anything.
func DefineEvent[P any](name string, payload *Schema) Event[P] {
	if strings.TrimSpace(name) == "" {
		panic("procbus: event name is required")
	}
	if payload == nil {
		payload = Any()
	}
	return Event[P]{desc: EventDescriptor{name: name, payload: payload}}
}

func (e Event[P]) Descriptor() EventDescriptor { return e.desc }
func (e Event[P]) Name() string                { return e.desc.name }
func (e Event[P]) String() string              { return e.desc.name }
