package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and by components that
// want a scratch store without touching disk. It mirrors BoltStore
// semantics, including CAS and the runtime-snapshot write floor.
type MemoryStore struct {
	mu sync.Mutex

	issues      map[string]*types.IssueSnapshot
	opStates    map[string]*types.TaskOpState
	idempotency map[string]*types.IdempotencyRecord
	prs         map[string]*types.PRSnapshot
	parentVerif map[string]*types.ParentVerification
	runtime     map[string]*types.RuntimeSnapshot

	snapLastSeen map[string]time.Time
	snapFloor    time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues:       make(map[string]*types.IssueSnapshot),
		opStates:     make(map[string]*types.TaskOpState),
		idempotency:  make(map[string]*types.IdempotencyRecord),
		prs:          make(map[string]*types.PRSnapshot),
		parentVerif:  make(map[string]*types.ParentVerification),
		runtime:      make(map[string]*types.RuntimeSnapshot),
		snapLastSeen: make(map[string]time.Time),
		Now:          time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertIssue(snap *types.IssueSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.issues[string(issueKey(snap.Repo, snap.Number))] = &cp
	return nil
}

func (s *MemoryStore) GetIssue(repo string, number int) (*types.IssueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.issues[string(issueKey(repo, number))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *MemoryStore) ListIssuesByRepo(repo string) ([]*types.IssueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.IssueSnapshot
	for _, snap := range s.issues {
		if snap.Repo == repo {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemoryStore) ListIssuesByLabel(repo, label string) ([]*types.IssueSnapshot, error) {
	all, err := s.ListIssuesByRepo(repo)
	if err != nil {
		return nil, err
	}
	var out []*types.IssueSnapshot
	for _, snap := range all {
		if snap.HasLabel(label) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteIssue(repo string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.issues, string(issueKey(repo, number)))
	return nil
}

func (s *MemoryStore) PutOpState(op *types.TaskOpState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.opStates[op.Repo+"|"+op.TaskPath] = &cp
	return nil
}

func (s *MemoryStore) GetOpState(repo, taskPath string) (*types.TaskOpState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.opStates[repo+"|"+taskPath]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) CompareAndSetOpState(op *types.TaskOpState, expectDaemonID string, expectHeartbeat time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op.Repo + "|" + op.TaskPath
	cur, ok := s.opStates[key]
	if !ok {
		if expectDaemonID != "" || !expectHeartbeat.IsZero() {
			return false, nil
		}
	} else if cur.DaemonID != expectDaemonID || !cur.HeartbeatAt.Equal(expectHeartbeat) {
		return false, nil
	}
	cp := *op
	s.opStates[key] = &cp
	return true, nil
}

func (s *MemoryStore) ReleaseOpState(repo, taskPath, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.opStates[repo+"|"+taskPath]
	if !ok {
		return ErrNotFound
	}
	op.ReleasedAt = at
	op.ReleasedReason = reason
	return nil
}

func (s *MemoryStore) ListOpStatesByRepo(repo string) ([]*types.TaskOpState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TaskOpState
	for _, op := range s.opStates {
		if op.Repo == repo {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskPath < out[j].TaskPath })
	return out, nil
}

func (s *MemoryStore) ClaimIdempotency(key, payloadHash string) (bool, *types.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idempotency[key]; ok && rec.PayloadHash == payloadHash {
		cp := *rec
		return false, &cp, nil
	}
	s.idempotency[key] = &types.IdempotencyRecord{
		Key:         key,
		PayloadHash: payloadHash,
		WrittenAt:   s.Now(),
	}
	return true, nil, nil
}

func (s *MemoryStore) SetIdempotencyResult(key, resultURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return ErrNotFound
	}
	rec.ResultURL = resultURL
	return nil
}

func (s *MemoryStore) GetIdempotency(key string) (*types.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) DeleteIdempotency(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, key)
	return nil
}

func (s *MemoryStore) UpsertPR(pr *types.PRSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pr
	cp.URL = types.NormalizePRURL(pr.URL)
	s.prs[string(prKey(cp.Repo, cp.IssueNumber, cp.URL))] = &cp
	return nil
}

func (s *MemoryStore) GetPRByURL(repo, url string) (*types.PRSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url = types.NormalizePRURL(url)
	for _, pr := range s.prs {
		if pr.Repo == repo && pr.URL == url {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPRsByIssue(repo string, issueNumber int) ([]*types.PRSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PRSnapshot
	for _, pr := range s.prs {
		if pr.Repo == repo && pr.IssueNumber == issueNumber {
			cp := *pr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *MemoryStore) SetParentVerification(pv *types.ParentVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pv
	s.parentVerif[string(parentVerifKey(pv.Repo, pv.IssueNumber))] = &cp
	return nil
}

func (s *MemoryStore) GetParentVerification(repo string, issueNumber int) (*types.ParentVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pv, ok := s.parentVerif[string(parentVerifKey(repo, issueNumber))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pv
	return &cp, nil
}

func (s *MemoryStore) DeleteParentVerification(repo string, issueNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parentVerif, string(parentVerifKey(repo, issueNumber)))
	return nil
}

func (s *MemoryStore) PutRuntimeSnapshot(kind string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if last, ok := s.snapLastSeen[kind]; ok && s.snapFloor > 0 && now.Sub(last) < s.snapFloor {
		return nil
	}
	s.snapLastSeen[kind] = now
	s.runtime[kind] = &types.RuntimeSnapshot{Kind: kind, Payload: payload, WrittenAt: now}
	return nil
}

func (s *MemoryStore) GetRuntimeSnapshot(kind string) (*types.RuntimeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.runtime[kind]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}
