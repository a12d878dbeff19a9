// Package shard provides shard key generation for distributed DynamoDB tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// PK computes the sharded partition key for a row of partition base.
// With numShards=1, all rows go to shard "00".
// With numShards>1, rows are distributed across shards based on the member hash.
func PK(base, member string, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", base)
	}
	h := fnv.New32a()
	h.Write([]byte(member))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%02x", base, shard)
}

// All returns the partition keys of every shard of base.
func All(base string, numShards int) []string {
	if numShards < 1 {
		numShards = 1
	}
	out := make([]string, numShards)
	for i := range out {
		out[i] = fmt.Sprintf("%s#%02x", base, i)
	}
	return out
}

// TypeBase is the partition base listing the records of a type.
func TypeBase(typ string) string {
	return "type#" + typ
}

// LinkBase is the partition base listing the sources whose field links to
// target. field is qualified as "sourceType.field".
func LinkBase(target, field string) string {
	return "link#" + target + "#" + field
}

// TypePK computes the membership row key of record id in type typ.
func TypePK(typ, id string, numShards int) string {
	return PK(TypeBase(typ), id, numShards)
}

// LinkPK computes the reverse link row key for source linking to target.
func LinkPK(target, field, source string, numShards int) string {
	return PK(LinkBase(target, field), source, numShards)
}

// UniqueConstraintPK computes a hash-distributed partition key for a unique
// index key. Each key lands in its own partition, eliminating hot partitions.
func UniqueConstraintPK(scope, key string) string {
	data := fmt.Sprintf("%s#%s", scope, key)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16])
}
