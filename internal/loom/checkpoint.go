package loom

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/loomdb/loom/internal/blob"
)

// Folder folds records into a materialized state. Implementations must be
// pure with respect to the record stream: folding the same records from
// the same seed always yields the same bytes, or checkpoint digests would
// never verify.
type Folder interface {
	// Seed returns the empty state.
	Seed() []byte

	// Apply folds one record into state and returns the new state.
	Apply(state []byte, r *Record) ([]byte, error)
}

// Checkpoint is a materialized snapshot of reconstructed state. The state
// bytes live in blob storage under BlobRef; Digest is an xxhash of the
// bytes checked on every load.
//
// Kind separates independent folds over the same branch (one per state
// slot, one per embedded loom's heads map).
type Checkpoint struct {
	Kind    string
	Branch  BranchID
	Seq     Sequence
	BlobRef string
	Digest  uint64
}

func checkpointLess(a, b Checkpoint) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Branch != b.Branch {
		return a.Branch < b.Branch
	}
	return a.Seq < b.Seq
}

// checkpointStore indexes checkpoints by (kind, branch, sequence) in an
// ordered btree for O(log c) nearest-below lookup.
type checkpointStore struct {
	mu    sync.Mutex
	idx   *btree.BTreeG[Checkpoint]
	blobs blob.Store
}

func newCheckpointStore(blobs blob.Store) *checkpointStore {
	return &checkpointStore{
		idx:   btree.NewG(8, checkpointLess),
		blobs: blobs,
	}
}

// save materializes state as a blob and indexes the checkpoint.
func (c *checkpointStore) save(kind string, branch BranchID, seq Sequence, state []byte) (Checkpoint, error) {
	ref, err := c.blobs.Put(state, "application/octet-stream")
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		Kind:    kind,
		Branch:  branch,
		Seq:     seq,
		BlobRef: ref,
		Digest:  xxhash.Sum64(state),
	}
	c.mu.Lock()
	c.idx.ReplaceOrInsert(cp)
	c.mu.Unlock()
	return cp, nil
}

// nearest returns the latest checkpoint with sequence <= seq for
// (kind, branch), if any.
func (c *checkpointStore) nearest(kind string, branch BranchID, seq Sequence) (Checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var found Checkpoint
	var ok bool
	pivot := Checkpoint{Kind: kind, Branch: branch, Seq: seq}
	c.idx.DescendLessOrEqual(pivot, func(cp Checkpoint) bool {
		if cp.Kind == kind && cp.Branch == branch {
			found, ok = cp, true
		}
		return false // first hit is the nearest
	})
	return found, ok
}

// latest returns the newest checkpoint for (kind, branch).
func (c *checkpointStore) latest(kind string, branch BranchID) (Checkpoint, bool) {
	return c.nearest(kind, branch, ^Sequence(0))
}

// load fetches and verifies checkpoint state. A digest mismatch is
// StorageCorruption: the state must not be used.
func (c *checkpointStore) load(cp Checkpoint) ([]byte, error) {
	state, err := c.blobs.Get(cp.BlobRef)
	if err != nil {
		if errors.Is(err, blob.ErrCorrupt) || errors.Is(err, blob.ErrNotFound) {
			return nil, errStorageCorruption("checkpoint blob unreadable: " + err.Error())
		}
		return nil, err
	}
	if xxhash.Sum64(state) != cp.Digest {
		return nil, errStorageCorruption("checkpoint digest mismatch for blob " + cp.BlobRef)
	}
	return state, nil
}

// drop removes a checkpoint from the index. Callers that want the blob
// gone as well follow up with releaseBlobs.
func (c *checkpointStore) drop(cp Checkpoint) {
	c.mu.Lock()
	c.idx.Delete(cp)
	c.mu.Unlock()
}

// releaseBlobs deletes dropped checkpoints' blobs, except where another
// indexed checkpoint still references the same content (blobs are
// content-addressed, so identical folded states share one blob).
func (c *checkpointStore) releaseBlobs(dropped []Checkpoint) {
	if len(dropped) == 0 {
		return
	}
	inUse := make(map[string]bool)
	c.mu.Lock()
	c.idx.Ascend(func(cp Checkpoint) bool {
		inUse[cp.BlobRef] = true
		return true
	})
	c.mu.Unlock()
	for _, cp := range dropped {
		if !inUse[cp.BlobRef] {
			c.blobs.Delete(cp.BlobRef)
		}
	}
}

// dropBranch removes every checkpoint of a branch except, when keepLast is
// set, the newest one per kind. Used by tier-C compaction.
func (c *checkpointStore) dropBranch(branch BranchID, keepLast bool) []Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var all []Checkpoint
	c.idx.Ascend(func(cp Checkpoint) bool {
		if cp.Branch == branch {
			all = append(all, cp)
		}
		return true
	})

	newest := map[string]Checkpoint{}
	for _, cp := range all {
		newest[cp.Kind] = cp // ascending order, last wins
	}

	var dropped []Checkpoint
	for _, cp := range all {
		if keepLast && newest[cp.Kind] == cp {
			continue
		}
		c.idx.Delete(cp)
		dropped = append(dropped, cp)
	}
	return dropped
}

// all returns every checkpoint in index order.
func (c *checkpointStore) all() []Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Checkpoint
	c.idx.Ascend(func(cp Checkpoint) bool {
		out = append(out, cp)
		return true
	})
	return out
}

// count returns the number of indexed checkpoints.
func (c *checkpointStore) count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.idx.Len())
}

// reconstruct rebuilds the folded state of branch b at sequence n.
//
// With a checkpoint at n0 <= n this loads the materialized state and folds
// only the local delta (n0, n]: O(log c) lookup plus O(delta) records.
// Without one it folds the full visible set from the folder's seed. A
// corrupt checkpoint is dropped and reconstruction falls back to full
// replay rather than returning partial state.
func reconstruct(f *forest, cps *checkpointStore, b *branchState, n Sequence, kind string, fold Folder, logger *slog.Logger) ([]byte, error) {
	if cp, ok := cps.nearest(kind, b.ID, n); ok && cp.Seq >= b.base {
		state, err := cps.load(cp)
		if err == nil {
			rs, derr := f.delta(b, cp.Seq, n, false)
			if derr != nil {
				return nil, derr
			}
			return foldAll(state, rs, fold)
		}
		if !IsCorruption(err) {
			return nil, err
		}
		logger.Error("corrupt checkpoint, falling back to full replay",
			"kind", kind, "branch", b.Name, "seq", uint64(cp.Seq), "err", err)
		cps.drop(cp)
		cps.releaseBlobs([]Checkpoint{cp})
	}

	rs, err := f.visible(b, n, false)
	if err != nil {
		return nil, err
	}
	return foldAll(fold.Seed(), rs, fold)
}

func foldAll(state []byte, rs []*Record, fold Folder) ([]byte, error) {
	var err error
	for _, r := range rs {
		state, err = fold.Apply(state, r)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}
