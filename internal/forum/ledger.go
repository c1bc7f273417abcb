package forum

import "sync"

// VoteLedger records which posts this session has already upvoted. Votes are
// one-shot: a claimed id stays claimed until the session ends, except that a
// failed store write releases the claim so the vote can be retried. The
// ledger lives only in process memory and is never persisted remotely.
type VoteLedger struct {
	mu    sync.Mutex
	voted map[string]struct{}
}

func NewVoteLedger() *VoteLedger {
	return &VoteLedger{voted: make(map[string]struct{})}
}

// Claim marks postID as voted. Returns false if this session already holds
// a claim for it; exactly one of two racing claims wins.
func (l *VoteLedger) Claim(postID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.voted[postID]; ok {
		return false
	}
	l.voted[postID] = struct{}{}
	return true
}

// Release gives a claim back after a failed write.
func (l *VoteLedger) Release(postID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.voted, postID)
}

func (l *VoteLedger) Contains(postID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.voted[postID]
	return ok
}
