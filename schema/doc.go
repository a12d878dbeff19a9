// Package schema describes record types for the espalier session engine.
//
// A schema is a set of [TypeDef] values registered with a [Registry]. Once all
// definitions are registered, [Registry.Seal] resolves the type hierarchy into
// a flattened [Type] per definition: inherited properties, links, constraints
// and unique indexes are copied down the ancestor chain, and every link is
// indexed on its target types as an incoming link. The session engine only
// ever consults the flattened tables.
//
// # Links
//
// A [Link] declares a typed association from a source type to a target type:
//
//	schema.Link{
//	    Name:        "owner",
//	    Target:      "user",
//	    Cardinality: schema.One,
//	    Direction:   schema.Bidirectional,
//	    Opposite:    "pets",
//	    OnTargetDelete: schema.Cascade,
//	}
//
// Bidirectional and parent/child links name the field on the target type that
// holds the reverse side. The registry verifies that the opposite field exists
// and points back.
//
// # Delete policies
//
// OnDelete applies to the targets of a link when its source record is deleted.
// OnTargetDelete applies to the sources of a link when a target is deleted.
// See [Policy] for the available policies.
//
// # Unique indexes
//
// An [Index] declared on a type is shared by all of its subtypes: two records
// of different concrete subtypes cannot hold the same key.
package schema
