package storage

import (
	"errors"
	"time"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrSchemaIncompatible is returned when the on-disk schema version falls
// outside the readable window.
var ErrSchemaIncompatible = errors.New("storage: incompatible schema version")

// Schema version window. Databases outside the readable window refuse to
// open; writes always stamp MaxWritableSchema.
const (
	MinReadableSchema = 1
	MaxReadableSchema = 1
	MaxWritableSchema = 1
)

// Store is the durable state store behind the queue driver and the
// lifecycle workers. It is a cache of the hosting service plus local
// execution metadata, not the source of truth for status. All listings
// are deterministic by (repo, number) ascending.
type Store interface {
	// Issue snapshots
	UpsertIssue(snap *types.IssueSnapshot) error
	GetIssue(repo string, number int) (*types.IssueSnapshot, error)
	ListIssuesByRepo(repo string) ([]*types.IssueSnapshot, error)
	ListIssuesByLabel(repo, label string) ([]*types.IssueSnapshot, error)
	DeleteIssue(repo string, number int) error

	// Task op-state. CompareAndSetOpState succeeds only when the stored
	// row matches (expectDaemonID, expectHeartbeat); a missing row
	// matches empty expectations.
	PutOpState(op *types.TaskOpState) error
	GetOpState(repo, taskPath string) (*types.TaskOpState, error)
	CompareAndSetOpState(op *types.TaskOpState, expectDaemonID string, expectHeartbeat time.Time) (bool, error)
	ReleaseOpState(repo, taskPath, reason string, at time.Time) error
	ListOpStatesByRepo(repo string) ([]*types.TaskOpState, error)

	// Idempotency keys. ClaimIdempotency returns claimed=true when the
	// key was newly written; otherwise the existing record is returned
	// so the caller can compare payload hashes.
	ClaimIdempotency(key, payloadHash string) (claimed bool, existing *types.IdempotencyRecord, err error)
	SetIdempotencyResult(key, resultURL string) error
	GetIdempotency(key string) (*types.IdempotencyRecord, error)
	DeleteIdempotency(key string) error

	// PR snapshots
	UpsertPR(pr *types.PRSnapshot) error
	GetPRByURL(repo, url string) (*types.PRSnapshot, error)
	ListPRsByIssue(repo string, issueNumber int) ([]*types.PRSnapshot, error)

	// Parent verification
	SetParentVerification(pv *types.ParentVerification) error
	GetParentVerification(repo string, issueNumber int) (*types.ParentVerification, error)
	DeleteParentVerification(repo string, issueNumber int) error

	// Runtime snapshots, last-writer-wins with a write-interval floor.
	PutRuntimeSnapshot(kind string, payload []byte) error
	GetRuntimeSnapshot(kind string) (*types.RuntimeSnapshot, error)

	// Utility
	Close() error
}
