package exchange

import (
	"fmt"
	"sort"
	"strings"
)

// Field is a named variable tag
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is an ordered list of variable fields
type Schema []Field

// SchemaFromMap builds a schema from a name to type-name map, as found in port
// configuration. Names listed in order come first in that order; the rest
// follow sorted.
func SchemaFromMap(types map[string]string, order []string) (Schema, error) {
	names := orderedKeys(types, order)
	out := make(Schema, 0, len(names))
	for _, name := range names {
		t, err := ParseType(types[name])
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		out = append(out, Field{Name: name, Type: t})
	}
	return out, nil
}

func orderedKeys[V any](m map[string]V, order []string) []string {
	names := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, name := range order {
		if _, ok := m[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range m {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Names returns the field names in order
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the tag of the named field
func (s Schema) Lookup(name string) (Type, bool) {
	for _, f := range s {
		if f.Name == name {
			return f.Type, true
		}
	}
	return "", false
}

// Merge appends the fields of other whose names are not in s
func (s Schema) Merge(other Schema) Schema {
	out := append(Schema{}, s...)
	for _, f := range other {
		if _, ok := out.Lookup(f.Name); !ok {
			out = append(out, f)
		}
	}
	return out
}

// Bundle is an ordered collection of uniquely named variables. It is the
// single value that crosses the runtime boundary in one call.
type Bundle struct {
	names  []string
	values map[string]Variable
}

// NewBundle creates an empty bundle
func NewBundle() *Bundle {
	return &Bundle{values: make(map[string]Variable)}
}

// Add appends a variable. Names must be unique and variables valid.
func (b *Bundle) Add(name string, v Variable) error {
	if name == "" {
		return fmt.Errorf("variable name is required")
	}
	if !v.IsValid() {
		return fmt.Errorf("variable %q has no type", name)
	}
	if _, dup := b.values[name]; dup {
		return fmt.Errorf("duplicate variable %q", name)
	}
	b.names = append(b.names, name)
	b.values[name] = v
	return nil
}

// Set replaces a variable in place, or appends it when absent
func (b *Bundle) Set(name string, v Variable) {
	if _, ok := b.values[name]; !ok {
		b.names = append(b.names, name)
	}
	b.values[name] = v
}

// Get returns the named variable
func (b *Bundle) Get(name string) (Variable, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Len returns the number of variables
func (b *Bundle) Len() int {
	return len(b.names)
}

// Names returns the variable names in order
func (b *Bundle) Names() []string {
	return append([]string(nil), b.names...)
}

// Schema returns the names and tags of the bundle
func (b *Bundle) Schema() Schema {
	out := make(Schema, len(b.names))
	for i, name := range b.names {
		out[i] = Field{Name: name, Type: b.values[name].Type()}
	}
	return out
}

// Range calls fn for each variable in order until fn returns false
func (b *Bundle) Range(fn func(name string, v Variable) bool) {
	for _, name := range b.names {
		if !fn(name, b.values[name]) {
			return
		}
	}
}

// Merge sets every variable of other into b; other wins on name clashes
func (b *Bundle) Merge(other *Bundle) {
	other.Range(func(name string, v Variable) bool {
		b.Set(name, v)
		return true
	})
}

// Conform checks that every field of s is present and coerces each value to
// its declared tag. The result holds exactly the fields of s, in s order.
func (b *Bundle) Conform(s Schema) (*Bundle, error) {
	out := NewBundle()
	for _, f := range s {
		v, ok := b.values[f.Name]
		if !ok {
			return nil, fmt.Errorf("missing variable %q", f.Name)
		}
		cv, err := Coerce(v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", f.Name, err)
		}
		out.Set(f.Name, cv)
	}
	return out, nil
}

// String renders the bundle for logs
func (b *Bundle) String() string {
	parts := make([]string, len(b.names))
	for i, name := range b.names {
		parts[i] = name + "=" + b.values[name].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
