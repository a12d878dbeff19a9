package schema

import (
	"fmt"
	"slices"
)

// Property declares a scalar field of a record type.
type Property struct {
	Name        string
	Kind        Kind
	Required    bool
	Constraints []Constraint
}

// Index declares a unique index over one or more properties.
type Index struct {
	Name   string
	Fields []string
}

// TypeDef declares a record type. Extends names the supertype, if any.
type TypeDef struct {
	Name     string
	Extends  string
	Abstract bool

	Properties []Property
	Links      []Link
	Indexes    []Index

	// Display names the property used to identify records in messages.
	Display string
}

// UniqueIndex is a flattened unique index. Scope is shared by every subtype
// of the declaring type.
type UniqueIndex struct {
	Scope  string
	Name   string
	Fields []string
}

// Type is the flattened, read-only view of a sealed TypeDef.
type Type struct {
	Name     string
	Abstract bool
	Display  string

	// Ancestors lists supertypes, nearest first.
	Ancestors []string

	properties    map[string]*Property
	propertyOrder []string
	links         map[string]*Link
	linkOrder     []string
	indexes       []*UniqueIndex
	incoming      []Incoming
	concrete      []string
}

// Property returns the named property, including inherited ones.
func (t *Type) Property(name string) (*Property, bool) {
	p, ok := t.properties[name]
	return p, ok
}

// Properties returns all properties in declaration order, ancestors first.
func (t *Type) Properties() []*Property {
	out := make([]*Property, 0, len(t.propertyOrder))
	for _, name := range t.propertyOrder {
		out = append(out, t.properties[name])
	}
	return out
}

// Link returns the named link field, including inherited ones.
func (t *Type) Link(name string) (*Link, bool) {
	l, ok := t.links[name]
	return l, ok
}

// Links returns all link fields in declaration order, ancestors first.
func (t *Type) Links() []*Link {
	out := make([]*Link, 0, len(t.linkOrder))
	for _, name := range t.linkOrder {
		out = append(out, t.links[name])
	}
	return out
}

// Indexes returns the unique indexes that apply to the type.
func (t *Type) Indexes() []*UniqueIndex { return t.indexes }

// Incoming returns every link of a concrete type that can target this type.
func (t *Type) Incoming() []Incoming { return t.incoming }

// ConcreteTypes returns the concrete types that are this type or a subtype.
func (t *Type) ConcreteTypes() []string { return t.concrete }

// IsA reports whether t is name or one of its subtypes.
func (t *Type) IsA(name string) bool {
	return t.Name == name || slices.Contains(t.Ancestors, name)
}

// ParentLinks returns the links through which records of this type are
// owned by a parent.
func (t *Type) ParentLinks() []*Link {
	var out []*Link
	for _, name := range t.linkOrder {
		if l := t.links[name]; l.Direction == Parent {
			out = append(out, l)
		}
	}
	return out
}

// Registry holds the record types known to a session container.
//
// Types are registered during process start and sealed once. A sealed
// registry is read-only and safe for concurrent use.
type Registry struct {
	defs   map[string]*TypeDef
	order  []string
	types  map[string]*Type
	sealed bool
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[string]*TypeDef),
		types: make(map[string]*Type),
	}
}

// Register adds a type definition to the registry.
func (r *Registry) Register(def TypeDef) error {
	if r.sealed {
		return ErrSealed
	}
	if def.Name == "" {
		return fmt.Errorf("%w: type name is empty", ErrInvalidSchema)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: type %q registered twice", ErrInvalidSchema, def.Name)
	}
	d := def
	r.defs[def.Name] = &d
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister registers every definition and seals the registry, panicking
// on error. Intended for package-level schema declarations and tests.
func MustRegister(defs ...TypeDef) *Registry {
	r := NewRegistry()
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	if err := r.Seal(); err != nil {
		panic(err)
	}
	return r
}

// Sealed reports whether Seal has completed.
func (r *Registry) Sealed() bool { return r.sealed }

// Type returns the flattened type with the given name.
func (r *Registry) Type(name string) (*Type, bool) {
	if !r.sealed {
		return nil, false
	}
	t, ok := r.types[name]
	return t, ok
}

// Types returns every type in registration order.
func (r *Registry) Types() []*Type {
	out := make([]*Type, 0, len(r.order))
	for _, name := range r.order {
		if t, ok := r.types[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ChildrenOf returns the Children links declared on (or inherited by) the
// given parent type.
func (r *Registry) ChildrenOf(parentType string) []*Link {
	t, ok := r.Type(parentType)
	if !ok {
		return nil
	}
	var out []*Link
	for _, l := range t.Links() {
		if l.Direction == Children {
			out = append(out, l)
		}
	}
	return out
}

// HasChildren returns true if the parent type owns any child links.
func (r *Registry) HasChildren(parentType string) bool {
	return len(r.ChildrenOf(parentType)) > 0
}

// Seal resolves ancestor chains, flattens fields and links per type, checks
// link opposites and index fields, and builds the incoming link tables.
func (r *Registry) Seal() error {
	if r.sealed {
		return nil
	}

	// Links are shared between a declaring type and its subtypes.
	declared := make(map[string][]*Link, len(r.defs))
	for _, name := range r.order {
		def := r.defs[name]
		for i := range def.Links {
			l := def.Links[i]
			l.owner = name
			switch l.Direction {
			case Children:
				l.OnDelete = Cascade
			case Parent:
				l.OnTargetDelete = Cascade
				if l.Cardinality.Many() {
					return fmt.Errorf("%w: parent link %s must be single-valued", ErrInvalidSchema, l.QualifiedName())
				}
			}
			declared[name] = append(declared[name], &l)
		}
	}

	for _, name := range r.order {
		ancestors, err := r.ancestors(name)
		if err != nil {
			return err
		}
		t, err := r.flatten(name, ancestors, declared)
		if err != nil {
			return err
		}
		r.types[name] = t
	}

	for _, name := range r.order {
		t := r.types[name]
		for _, other := range r.order {
			o := r.types[other]
			if !o.Abstract && o.IsA(name) {
				t.concrete = append(t.concrete, other)
			}
		}
	}

	for _, name := range r.order {
		if err := r.checkLinks(r.types[name]); err != nil {
			return err
		}
	}

	for _, src := range r.order {
		s := r.types[src]
		if s.Abstract {
			continue
		}
		for _, l := range s.Links() {
			for _, tgt := range r.order {
				if t := r.types[tgt]; t.IsA(l.Target) {
					t.incoming = append(t.incoming, Incoming{Source: src, Link: l})
				}
			}
		}
	}

	r.sealed = true
	return nil
}

func (r *Registry) ancestors(name string) ([]string, error) {
	var chain []string
	seen := map[string]bool{name: true}
	cur := r.defs[name].Extends
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("%w: inheritance cycle through %q", ErrInvalidSchema, cur)
		}
		def, ok := r.defs[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %q extends unknown type %q", ErrInvalidSchema, name, cur)
		}
		seen[cur] = true
		chain = append(chain, cur)
		cur = def.Extends
	}
	return chain, nil
}

func (r *Registry) flatten(name string, ancestors []string, declared map[string][]*Link) (*Type, error) {
	def := r.defs[name]
	t := &Type{
		Name:       name,
		Abstract:   def.Abstract,
		Ancestors:  ancestors,
		Display:    def.Display,
		properties: make(map[string]*Property),
		links:      make(map[string]*Link),
	}

	// Root ancestor first so inherited fields keep their declaration order.
	lineage := slices.Clone(ancestors)
	slices.Reverse(lineage)
	lineage = append(lineage, name)

	for _, typeName := range lineage {
		d := r.defs[typeName]
		if t.Display == "" {
			t.Display = d.Display
		}
		for i := range d.Properties {
			p := d.Properties[i]
			if _, dup := t.properties[p.Name]; dup {
				return nil, fmt.Errorf("%w: %s redeclares property %q", ErrInvalidSchema, name, p.Name)
			}
			if p.Kind < KindString || p.Kind > KindBlob {
				return nil, fmt.Errorf("%w: property %s.%s has no kind", ErrInvalidSchema, typeName, p.Name)
			}
			t.properties[p.Name] = &p
			t.propertyOrder = append(t.propertyOrder, p.Name)
		}
		for _, l := range declared[typeName] {
			if _, dup := t.links[l.Name]; dup {
				return nil, fmt.Errorf("%w: %s redeclares link %q", ErrInvalidSchema, name, l.Name)
			}
			if _, clash := t.properties[l.Name]; clash {
				return nil, fmt.Errorf("%w: %s uses %q as property and link", ErrInvalidSchema, name, l.Name)
			}
			t.links[l.Name] = l
			t.linkOrder = append(t.linkOrder, l.Name)
		}
		for _, idx := range d.Indexes {
			if len(idx.Fields) == 0 {
				return nil, fmt.Errorf("%w: index %s.%s has no fields", ErrInvalidSchema, typeName, idx.Name)
			}
			t.indexes = append(t.indexes, &UniqueIndex{
				Scope:  typeName + "." + idx.Name,
				Name:   idx.Name,
				Fields: slices.Clone(idx.Fields),
			})
		}
	}

	for _, idx := range t.indexes {
		for _, f := range idx.Fields {
			if _, ok := t.properties[f]; !ok {
				return nil, fmt.Errorf("%w: index %s references unknown property %q", ErrInvalidSchema, idx.Scope, f)
			}
		}
	}
	if t.Display != "" {
		if _, ok := t.properties[t.Display]; !ok {
			return nil, fmt.Errorf("%w: display property %s.%s does not exist", ErrInvalidSchema, name, t.Display)
		}
	}
	return t, nil
}

func (r *Registry) checkLinks(t *Type) error {
	for _, l := range t.Links() {
		if l.Owner() != t.Name {
			continue
		}
		target, ok := r.types[l.Target]
		if !ok {
			return fmt.Errorf("%w: link %s targets unknown type %q", ErrInvalidSchema, l.QualifiedName(), l.Target)
		}
		if !l.Direction.Mirrored() {
			continue
		}
		if l.Opposite == "" {
			return fmt.Errorf("%w: %s link %s needs an opposite field", ErrInvalidSchema, l.Direction, l.QualifiedName())
		}
		opp, ok := target.Link(l.Opposite)
		if !ok {
			return fmt.Errorf("%w: opposite %s.%s of %s does not exist", ErrInvalidSchema, target.Name, l.Opposite, l.QualifiedName())
		}
		if opp.Opposite != l.Name || !t.IsA(opp.Target) {
			return fmt.Errorf("%w: opposite %s does not point back to %s", ErrInvalidSchema, opp.QualifiedName(), l.QualifiedName())
		}
		if !pairs(l.Direction, opp.Direction) {
			return fmt.Errorf("%w: %s (%s) cannot mirror %s (%s)", ErrInvalidSchema,
				l.QualifiedName(), l.Direction, opp.QualifiedName(), opp.Direction)
		}
	}
	return nil
}

func pairs(a, b Direction) bool {
	switch a {
	case Bidirectional:
		return b == Bidirectional
	case Children:
		return b == Parent
	case Parent:
		return b == Children
	}
	return false
}
