package loom

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Anti-entropy sync. Replicas exchange per-branch heads, fetch the missing
// suffix of each branch, and apply it. Globally unique record IDs make
// application idempotent: a record already present is a no-op, so repeated
// or overlapping syncs converge without coordination.
//
// The exchange covers the whole forest, control branches and embedded
// looms included. Control envelopes and ACL records are ordinary records
// on control branches, so replicating branches replicates them too.

// Peer is a remote replica's read surface. Implementations wrap a
// transport; LocalPeer wraps an in-process store for tests and embedding.
type Peer interface {
	// Heads returns every branch of the peer's forest, keyed by the
	// collision-free (path, name) encoding of syncKey.
	Heads(ctx context.Context) (map[string]Branch, error)
	// FetchRange returns the branch's local records in (from, to]. The
	// branch is addressed by its syncKey.
	FetchRange(ctx context.Context, branch string, from, to Sequence) ([]*Record, error)
}

// syncKey is the wire address of a branch in the head exchange.
func syncKey(b Branch) string { return branchKey(b.Path, b.Name) }

// LocalPeer adapts a store to the Peer interface.
type LocalPeer struct {
	Store *Store
}

func (p LocalPeer) Heads(ctx context.Context) (map[string]Branch, error) {
	f := p.Store.forest
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Branch, len(f.byID))
	for _, b := range f.byID {
		out[syncKey(b.Branch)] = b.Branch
	}
	return out, nil
}

func (p LocalPeer) FetchRange(ctx context.Context, branch string, from, to Sequence) ([]*Record, error) {
	f := p.Store.forest
	f.mu.RLock()
	b, ok := f.byID[f.byKey[branch]]
	f.mu.RUnlock()
	if !ok {
		return nil, errBranchNotFound(branch)
	}
	return f.delta(b, from, to, false)
}

// SyncResult summarizes one anti-entropy round.
type SyncResult struct {
	BranchesCreated int
	Applied         int
	Skipped         int
}

// SyncFrom pulls every peer branch level with its head. Missing branches
// are created with the peer's fork metadata; parents sync before children
// so fork targets always exist. Fetches retry with exponential backoff,
// and records the local store already holds are skipped.
func (s *Store) SyncFrom(ctx context.Context, peer Peer) (SyncResult, error) {
	if err := s.checkWrite(nil); err != nil {
		return SyncResult{}, err
	}

	var res SyncResult
	remote, err := peer.Heads(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch peer heads: %w", err)
	}

	keys := make([]string, 0, len(remote))
	for key := range remote {
		keys = append(keys, key)
	}
	// Root branches first, then by fork depth.
	byID := make(map[BranchID]Branch, len(remote))
	for _, b := range remote {
		byID[b.ID] = b
	}
	depth := func(b Branch) int {
		d := 0
		for b.Parent != 0 {
			p, ok := byID[b.Parent]
			if !ok {
				break
			}
			b, d = p, d+1
		}
		return d
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := depth(remote[keys[i]]), depth(remote[keys[j]])
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		rb := remote[key]
		created, n, skipped, err := s.syncBranch(ctx, peer, key, rb, byID)
		if err != nil {
			return res, fmt.Errorf("sync branch %q: %w", rb.QualifiedName(), err)
		}
		if created {
			res.BranchesCreated++
		}
		res.Applied += n
		res.Skipped += skipped
	}
	s.registerLoomPaths()

	s.logger.Info("anti-entropy round finished",
		"branches_created", res.BranchesCreated,
		"applied", res.Applied, "skipped", res.Skipped)
	return res, nil
}

func (s *Store) syncBranch(ctx context.Context, peer Peer, key string, rb Branch, byID map[BranchID]Branch) (created bool, applied, skipped int, err error) {
	b, err := s.forest.get(rb.Path, rb.Name)
	if CodeOf(err) == ErrCodeBranchNotFound {
		parent := ""
		if rb.Parent != 0 {
			p, ok := byID[rb.Parent]
			if !ok {
				return false, 0, 0, errAncestorMissing(rb.Name, rb.Parent)
			}
			parent = p.Name
		}
		at := rb.BranchPoint
		if _, err := s.forest.create(rb.Path, rb.Name, parent, &at); err != nil {
			return false, 0, 0, err
		}
		created = true
		b, err = s.forest.get(rb.Path, rb.Name)
		if err != nil {
			return false, 0, 0, err
		}
	} else if err != nil {
		return false, 0, 0, err
	}

	s.forest.mu.RLock()
	from := b.Head
	s.forest.mu.RUnlock()
	if rb.Head <= from {
		return created, 0, 0, nil
	}

	var batch []*Record
	fetch := func() error {
		var ferr error
		batch, ferr = peer.FetchRange(ctx, key, from, rb.Head)
		return ferr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newFetchBackoff(), 4), ctx)
	if err := backoff.Retry(fetch, bo); err != nil {
		return created, 0, 0, fmt.Errorf("fetch (%d, %d]: %w", from, rb.Head, err)
	}

	for _, r := range batch {
		ok, err := s.applyRemote(b, r)
		if err != nil {
			return created, applied, skipped, err
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	return created, applied, skipped, nil
}

func newFetchBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// applyRemote commits a replicated record, preserving its ID, sequence and
// timestamp but re-addressing it to the local branch ID. Duplicates and
// already-covered sequences report false; a gap in the remote batch is a
// contiguity violation.
func (s *Store) applyRemote(b *branchState, r *Record) (bool, error) {
	b.appendMu.Lock()
	defer b.appendMu.Unlock()

	s.forest.mu.RLock()
	head := b.Head
	s.forest.mu.RUnlock()

	if s.log.has(r.ID) || r.Sequence <= head {
		return false, nil
	}
	if r.Sequence != head.Next() {
		return false, errInvalidSequence(b.Name, r.Sequence, head)
	}

	cp := r.clone()
	cp.Branch = b.ID
	if !s.log.add(cp) {
		return false, nil
	}
	s.forest.mu.Lock()
	b.records = append(b.records, cp)
	b.Head = cp.Sequence
	s.forest.mu.Unlock()

	s.bus.notify(Event{Kind: EventRecord, Record: cp.clone(), Branch: b.Name, Sequence: cp.Sequence})
	return true, nil
}
