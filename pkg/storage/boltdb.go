package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

var (
	// Bucket names
	bucketMeta        = []byte("meta")
	bucketIssues      = []byte("issues")
	bucketOpState     = []byte("op_state")
	bucketIdempotency = []byte("idempotency")
	bucketPRs         = []byte("prs")
	bucketParentVerif = []byte("parent_verification")
	bucketRuntime     = []byte("runtime_snapshots")

	keySchemaVersion = []byte("schema_version")
)

// DefaultDBPath resolves the database path from RALPH_STATE_DB_PATH or
// the state home fallback.
func DefaultDBPath() string {
	if p := os.Getenv("RALPH_STATE_DB_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "state", "ralph", "ralph.db")
}

// BoltStore implements Store using bbolt. Single writer per process;
// bbolt serialises all update transactions.
type BoltStore struct {
	db *bolt.DB

	// write-interval floor for runtime snapshots
	snapMu       sync.Mutex
	snapLastSeen map[string]time.Time
	snapFloor    time.Duration

	now func() time.Time
}

// NewBoltStore opens (or creates) the database at dbPath and verifies
// the schema version window.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMeta,
			bucketIssues,
			bucketOpState,
			bucketIdempotency,
			bucketPRs,
			bucketParentVerif,
			bucketRuntime,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		raw := meta.Get(keySchemaVersion)
		if raw == nil {
			return meta.Put(keySchemaVersion, []byte(strconv.Itoa(MaxWritableSchema)))
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("corrupt schema version %q: %w", raw, err)
		}
		if v < MinReadableSchema || v > MaxReadableSchema {
			return fmt.Errorf("%w: on-disk %d, readable %d..%d",
				ErrSchemaIncompatible, v, MinReadableSchema, MaxReadableSchema)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:           db,
		snapLastSeen: make(map[string]time.Time),
		snapFloor:    time.Second,
		now:          time.Now,
	}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// issueKey orders issues by repo then number ascending; the number is
// zero-padded so the bucket cursor iterates deterministically.
func issueKey(repo string, number int) []byte {
	return []byte(fmt.Sprintf("%s|%010d", repo, number))
}

func opStateKey(repo, taskPath string) []byte {
	return []byte(repo + "|" + taskPath)
}

func prKey(repo string, issueNumber int, url string) []byte {
	return []byte(fmt.Sprintf("%s|%010d|%s", repo, issueNumber, types.NormalizePRURL(url)))
}

func parentVerifKey(repo string, issueNumber int) []byte {
	return []byte(fmt.Sprintf("%s|%010d", repo, issueNumber))
}

// Issue snapshot operations

func (s *BoltStore) UpsertIssue(snap *types.IssueSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssues)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(issueKey(snap.Repo, snap.Number), data)
	})
}

func (s *BoltStore) GetIssue(repo string, number int) (*types.IssueSnapshot, error) {
	var snap types.IssueSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssues)
		data := b.Get(issueKey(repo, number))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) ListIssuesByRepo(repo string) ([]*types.IssueSnapshot, error) {
	var snaps []*types.IssueSnapshot
	prefix := []byte(repo + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIssues).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var snap types.IssueSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})
	return snaps, err
}

func (s *BoltStore) ListIssuesByLabel(repo, label string) ([]*types.IssueSnapshot, error) {
	all, err := s.ListIssuesByRepo(repo)
	if err != nil {
		return nil, err
	}
	var filtered []*types.IssueSnapshot
	for _, snap := range all {
		if snap.HasLabel(label) {
			filtered = append(filtered, snap)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteIssue(repo string, number int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIssues).Delete(issueKey(repo, number))
	})
}

// Task op-state operations

func (s *BoltStore) PutOpState(op *types.TaskOpState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpState)
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put(opStateKey(op.Repo, op.TaskPath), data)
	})
}

func (s *BoltStore) GetOpState(repo, taskPath string) (*types.TaskOpState, error) {
	var op types.TaskOpState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpState)
		data := b.Get(opStateKey(repo, taskPath))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// CompareAndSetOpState writes op only when the stored row carries the
// expected (daemon id, heartbeat). A missing row matches only empty
// expectations. The whole check-and-write runs in one transaction.
func (s *BoltStore) CompareAndSetOpState(op *types.TaskOpState, expectDaemonID string, expectHeartbeat time.Time) (bool, error) {
	var swapped bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpState)
		key := opStateKey(op.Repo, op.TaskPath)

		data := b.Get(key)
		if data == nil {
			if expectDaemonID != "" || !expectHeartbeat.IsZero() {
				return nil
			}
		} else {
			var cur types.TaskOpState
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
			if cur.DaemonID != expectDaemonID || !cur.HeartbeatAt.Equal(expectHeartbeat) {
				return nil
			}
		}

		out, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *BoltStore) ReleaseOpState(repo, taskPath, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpState)
		key := opStateKey(repo, taskPath)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var op types.TaskOpState
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		op.ReleasedAt = at
		op.ReleasedReason = reason
		out, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *BoltStore) ListOpStatesByRepo(repo string) ([]*types.TaskOpState, error) {
	var ops []*types.TaskOpState
	prefix := []byte(repo + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOpState).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op types.TaskOpState
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, &op)
		}
		return nil
	})
	return ops, err
}

// Idempotency operations

func (s *BoltStore) ClaimIdempotency(key, payloadHash string) (bool, *types.IdempotencyRecord, error) {
	var claimed bool
	var existing *types.IdempotencyRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		data := b.Get([]byte(key))
		if data != nil {
			var rec types.IdempotencyRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.PayloadHash == payloadHash {
				existing = &rec
				return nil
			}
			// Same key, new payload: the write content changed, so the
			// key is rewritten with the new hash and the caller writes.
		}
		rec := types.IdempotencyRecord{
			Key:         key,
			PayloadHash: payloadHash,
			WrittenAt:   s.now(),
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), out); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, existing, err
}

func (s *BoltStore) SetIdempotencyResult(key, resultURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var rec types.IdempotencyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.ResultURL = resultURL
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), out)
	})
}

func (s *BoltStore) GetIdempotency(key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdempotency).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteIdempotency(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Delete([]byte(key))
	})
}

// PR snapshot operations

func (s *BoltStore) UpsertPR(pr *types.PRSnapshot) error {
	pr.URL = types.NormalizePRURL(pr.URL)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPRs)
		data, err := json.Marshal(pr)
		if err != nil {
			return err
		}
		return b.Put(prKey(pr.Repo, pr.IssueNumber, pr.URL), data)
	})
}

func (s *BoltStore) GetPRByURL(repo, url string) (*types.PRSnapshot, error) {
	url = types.NormalizePRURL(url)
	var found *types.PRSnapshot
	prefix := []byte(repo + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPRs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var pr types.PRSnapshot
			if err := json.Unmarshal(v, &pr); err != nil {
				return err
			}
			if pr.URL == url {
				found = &pr
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BoltStore) ListPRsByIssue(repo string, issueNumber int) ([]*types.PRSnapshot, error) {
	var prs []*types.PRSnapshot
	prefix := []byte(fmt.Sprintf("%s|%010d|", repo, issueNumber))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPRs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var pr types.PRSnapshot
			if err := json.Unmarshal(v, &pr); err != nil {
				return err
			}
			prs = append(prs, &pr)
		}
		return nil
	})
	return prs, err
}

// Parent verification operations

func (s *BoltStore) SetParentVerification(pv *types.ParentVerification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParentVerif)
		data, err := json.Marshal(pv)
		if err != nil {
			return err
		}
		return b.Put(parentVerifKey(pv.Repo, pv.IssueNumber), data)
	})
}

func (s *BoltStore) GetParentVerification(repo string, issueNumber int) (*types.ParentVerification, error) {
	var pv types.ParentVerification
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketParentVerif).Get(parentVerifKey(repo, issueNumber))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &pv)
	})
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

func (s *BoltStore) DeleteParentVerification(repo string, issueNumber int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketParentVerif).Delete(parentVerifKey(repo, issueNumber))
	})
}

// Runtime snapshot operations

// PutRuntimeSnapshot writes last-writer-wins, but drops writes arriving
// inside the write-interval floor to keep status persistence cheap.
func (s *BoltStore) PutRuntimeSnapshot(kind string, payload []byte) error {
	now := s.now()

	s.snapMu.Lock()
	if last, ok := s.snapLastSeen[kind]; ok && now.Sub(last) < s.snapFloor {
		s.snapMu.Unlock()
		return nil
	}
	s.snapLastSeen[kind] = now
	s.snapMu.Unlock()

	snap := types.RuntimeSnapshot{Kind: kind, Payload: payload, WrittenAt: now}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuntime)
		data, err := json.Marshal(&snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(kind), data)
	})
}

func (s *BoltStore) GetRuntimeSnapshot(kind string) (*types.RuntimeSnapshot, error) {
	var snap types.RuntimeSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuntime).Get([]byte(kind))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
