/*
Package storage implements Ralph's durable state store on bbolt.

The store is a cache, not the source of truth: status lives in issue
labels on the hosting service and can always be rebuilt from it plus the
idempotency history. What the store adds is fast local reads, the task
ownership lease, and idempotency bookkeeping for external writes.

# Record Families

Each family gets its own bucket with JSON values:

	issues                issue snapshots, key repo|<number>
	op_state              task op-state, key repo|<taskPath>
	idempotency           write key -> payload hash (+ result url)
	prs                   PR snapshots, key repo|<issue>|<url>
	parent_verification   per-issue pending/done markers
	runtime_snapshots     opaque status blobs, last-writer-wins
	meta                  schema version

Issue and op-state keys zero-pad the number so bucket cursors iterate in
(repo, number) ascending order; every listing is deterministic.

# Ownership Lease

CompareAndSetOpState is the primitive behind task claiming and
heartbeats: the write succeeds only when the stored row still carries
the expected (daemon id, heartbeat) pair, all inside one bbolt update
transaction. bbolt serialises writers, so two daemons racing a claim
cannot both win.

# Schema Window

The meta bucket records a schema version. Databases outside the
MinReadableSchema..MaxReadableSchema window refuse to open; writes stamp
MaxWritableSchema.

MemoryStore mirrors BoltStore behaviour for tests.
*/
package storage
