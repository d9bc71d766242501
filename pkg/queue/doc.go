// Package queue presents hosting-service issues carrying the workflow
// label as a durable task queue. Labels are the canonical status; the
// local store holds short-lived execution metadata (op-state) and the
// two are reconciled by periodic sweepers. Claiming is lease-based:
// the op-state compare-and-set is the authoritative "I own this task"
// step, and label mutation precedes it so a crash between the two
// degrades to the stale-in-progress case the sweeper repairs.
package queue
