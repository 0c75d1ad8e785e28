package scpi

// Property is a facet viewed without its value type.
type Property interface {
	Name() string
	Command() string
	ReadOnly() bool
	Units() Unit
	Read(c Conn) (any, error)
	WriteString(c Conn, raw string) error
}

// Table is an ordered, immutable set of properties.
type Table struct {
	props []Property
	index map[string]Property
}

// NewTable builds a table. Duplicate names panic, since tables are declared
// statically.
func NewTable(props ...Property) Table {
	t := Table{
		props: props,
		index: make(map[string]Property, len(props)),
	}
	for _, p := range props {
		if _, ok := t.index[p.Name()]; ok {
			panic("scpi: duplicate property " + p.Name())
		}
		t.index[p.Name()] = p
	}
	return t
}

// Lookup returns the property with the given name.
func (t Table) Lookup(name string) (Property, bool) {
	p, ok := t.index[name]
	return p, ok
}

// Names lists property names in declaration order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t.props))
	for _, p := range t.props {
		names = append(names, p.Name())
	}
	return names
}

// Properties returns the properties in declaration order.
func (t Table) Properties() []Property {
	return append([]Property(nil), t.props...)
}
