package dbus

import (
	"context"
	"encoding/xml"
)

// The following xml* types mirror the D-Bus Introspection DTD
// (org.freedesktop.DBus.Introspectable.Introspect's return value)
// closely enough for encoding/xml to unmarshal it directly; they are
// an intermediate form, immediately converted into the exported
// descriptor types below.
type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

type xmlMethod struct {
	Name string   `xml:"name,attr"`
	Args []xmlArg `xml:"arg"`
}

type xmlSignal struct {
	Name string   `xml:"name,attr"`
	Args []xmlArg `xml:"arg"`
}

type xmlProperty struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

type xmlInterface struct {
	Name       string        `xml:"name,attr"`
	Methods    []xmlMethod   `xml:"method"`
	Signals    []xmlSignal   `xml:"signal"`
	Properties []xmlProperty `xml:"property"`
}

type xmlNode struct {
	Name       string         `xml:"name,attr"`
	Interfaces []xmlInterface `xml:"interface"`
	Children   []xmlNode      `xml:"node"`
}

// Arg describes one method or signal argument as introspection
// reports it: its name (often empty, introspection does not require
// one) and its D-Bus type signature.
type Arg struct {
	Name string
	Type string
}

// Method describes one interface method. InSignature and OutSignature
// are precomputed by concatenating, in document order, the type of
// every arg whose direction is "in" (the default when direction is
// omitted) or "out" respectively.
type Method struct {
	Name         string
	Args         []Arg
	InSignature  string
	OutSignature string
}

// InCodecs compiles (and, via compileSignature's interning, caches)
// the codec list for this method's input arguments. Compilation is
// deferred to first use rather than done for every method an
// introspection document happens to mention, most of which a given
// client never calls.
func (m *Method) InCodecs() ([]codec, error) { return compileSignature(m.InSignature) }

// OutCodecs is InCodecs for the method's return values.
func (m *Method) OutCodecs() ([]codec, error) { return compileSignature(m.OutSignature) }

// Signal describes one interface signal and its argument signature.
type Signal struct {
	Name      string
	Args      []Arg
	Signature string
}

// Codecs compiles the codec list for this signal's argument signature.
func (s *Signal) Codecs() ([]codec, error) { return compileSignature(s.Signature) }

// PropertyAccess is the access mode introspection reports for a
// property: "read", "write", or "readwrite".
type PropertyAccess string

const (
	AccessRead      PropertyAccess = "read"
	AccessWrite     PropertyAccess = "write"
	AccessReadWrite PropertyAccess = "readwrite"
)

// Property describes one interface property: its name, its D-Bus
// type, and whether it can be read and/or written. This core parses
// property descriptors but does not implement the
// org.freedesktop.DBus.Properties Get/Set calls themselves.
type Property struct {
	Name   string
	Type   string
	Access PropertyAccess
}

// Interface describes one D-Bus interface's full member set.
type Interface struct {
	Name       string
	Methods    []Method
	Signals    []Signal
	Properties []Property
}

// Method looks up a method by name, returning nil if the interface
// has none by that name.
func (i *Interface) Method(name string) *Method {
	for idx := range i.Methods {
		if i.Methods[idx].Name == name {
			return &i.Methods[idx]
		}
	}
	return nil
}

// Signal looks up a signal by name, returning nil if absent.
func (i *Interface) Signal(name string) *Signal {
	for idx := range i.Signals {
		if i.Signals[idx].Name == name {
			return &i.Signals[idx]
		}
	}
	return nil
}

// Property looks up a property by name, returning nil if absent.
func (i *Interface) Property(name string) *Property {
	for idx := range i.Properties {
		if i.Properties[idx].Name == name {
			return &i.Properties[idx]
		}
	}
	return nil
}

// Node is one parsed <node> element: the interfaces it exposes and
// any child nodes introspection chose to describe inline. The root
// Node's Name is usually empty; children name themselves relative to
// the object path that was introspected.
type Node struct {
	Name       string
	Interfaces []Interface
	Children   []Node
}

// Interface looks up an interface by name, returning nil if the node
// does not expose it.
func (n *Node) Interface(name string) *Interface {
	for idx := range n.Interfaces {
		if n.Interfaces[idx].Name == name {
			return &n.Interfaces[idx]
		}
	}
	return nil
}

// ParseIntrospection parses the XML document returned by a call to
// org.freedesktop.DBus.Introspectable.Introspect into a Node tree.
func ParseIntrospection(doc string) (*Node, error) {
	var raw xmlNode
	if err := xml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, &ProtocolError{Reason: "malformed introspection XML: " + err.Error()}
	}
	return convertNode(raw), nil
}

func convertNode(raw xmlNode) *Node {
	n := &Node{Name: raw.Name}
	for _, ri := range raw.Interfaces {
		n.Interfaces = append(n.Interfaces, convertInterface(ri))
	}
	for _, rc := range raw.Children {
		n.Children = append(n.Children, *convertNode(rc))
	}
	return n
}

func convertInterface(raw xmlInterface) Interface {
	iface := Interface{Name: raw.Name}
	for _, rm := range raw.Methods {
		iface.Methods = append(iface.Methods, convertMethod(rm))
	}
	for _, rs := range raw.Signals {
		iface.Signals = append(iface.Signals, convertSignal(rs))
	}
	for _, rp := range raw.Properties {
		iface.Properties = append(iface.Properties, Property{
			Name:   rp.Name,
			Type:   rp.Type,
			Access: PropertyAccess(rp.Access),
		})
	}
	return iface
}

func convertMethod(raw xmlMethod) Method {
	m := Method{Name: raw.Name}
	for _, a := range raw.Args {
		m.Args = append(m.Args, Arg{Name: a.Name, Type: a.Type})
		// An arg's direction defaults to "in" when absent, per the
		// Introspection DTD.
		if a.Direction == "out" {
			m.OutSignature += a.Type
		} else {
			m.InSignature += a.Type
		}
	}
	return m
}

func convertSignal(raw xmlSignal) Signal {
	s := Signal{Name: raw.Name}
	for _, a := range raw.Args {
		s.Args = append(s.Args, Arg{Name: a.Name, Type: a.Type})
		s.Signature += a.Type
	}
	return s
}

// Introspect calls org.freedesktop.DBus.Introspectable.Introspect on
// the given destination/path and parses the result.
func (c *Connection) Introspect(ctx context.Context, destination string, path ObjectPath) (*Node, error) {
	var doc string
	if err := c.Call(ctx, destination, path, "org.freedesktop.DBus.Introspectable", "Introspect", "", nil, &doc); err != nil {
		return nil, err
	}
	return ParseIntrospection(doc)
}
