// Package store defines the durable storage capability consumed by the
// session engine and provides three implementations.
//
// # Capability
//
// A [Store] hands out [Snapshot]s of committed state and atomically applies
// [Changes] computed against a snapshot. Commits are optimistic: a commit
// whose snapshot was invalidated by a concurrent commit fails with a
// [*ConflictError], and the caller retries against a fresh snapshot.
//
// # Implementations
//
//   - [MemStore]: in-process, copy-on-write committed state.
//   - [DynamoStore]: DynamoDB tables with version conditions, TTL soft
//     deletes, a sharded reverse link index and unique constraint items.
//   - sqlstore.Store (separate package): embedded SQLite.
//
// # Configuration
//
// Use [DefaultDynamoConfig] for small datasets (NumShards=1, single queries).
// Increase NumShards for higher write throughput per type:
//
//	cfg := store.DefaultDynamoConfig()
//	cfg.NumShards = 16
//
// # Errors
//
//   - [ErrConflict] - matched by every [*ConflictError]
//   - [ErrSnapshotReleased] - read through a released snapshot
//   - [ErrForeignSnapshot] - commit against another store's snapshot
//   - [ErrTransactionTooLarge] - commit exceeds the backend transaction limit
//   - [ErrInvalidValue] - property value cannot be encoded
package store
