package loom

import (
	"sort"
	"sync"
)

// MainBranch is the default branch every store starts with.
const MainBranch = "main"

// ControlBranch is the reserved root branch receiving control envelopes
// for embedded-loom mutations. It is hidden from normal listings and
// protected from deletion.
const ControlBranch = "~control"

// branchState is the internal, mutable representation of a branch. The
// embedded Branch value is what callers see (always as a copy).
//
// Local records live in records, where records[i].Sequence == base+i+1 and
// base equals the branch point (zero for roots). Appends to one branch are
// serialized by appendMu; unrelated branches append in parallel.
type branchState struct {
	Branch

	appendMu sync.Mutex
	records  []*Record

	// base is the sequence just before the first local record.
	base Sequence
}

// localAt returns the local record at seq, or nil if seq is outside the
// branch's local range. Caller holds the forest read lock.
func (b *branchState) localAt(seq Sequence) *Record {
	if seq <= b.base || seq > b.Head {
		return nil
	}
	return b.records[int(seq-b.base)-1]
}

// forest tracks branches, parent links and branch points, and enforces the
// branching invariants. One forest serves the host loom and every loom
// embedded in it; embedded branches are distinguished by their path.
type forest struct {
	mu      sync.RWMutex
	byID    map[BranchID]*branchState
	byKey   map[string]BranchID
	nextID  BranchID
	current BranchID // current branch of the host loom
}

// branchKey derives the collision-free lookup key for (path, name).
// The name is treated as one more length-prefixed path element, so nested
// looms can never alias each other's branches.
func branchKey(path Path, name string) string {
	return path.Child(name).Key()
}

// newForest creates a forest holding the host loom's main and control
// branches.
func newForest() *forest {
	f := &forest{
		byID:   make(map[BranchID]*branchState),
		byKey:  make(map[string]BranchID),
		nextID: 1,
	}
	main := f.addRootLocked(MainBranch, nil)
	f.addRootLocked(ControlBranch, nil)
	f.current = main.ID
	return f
}

// addRootLocked registers a new root branch. Caller holds mu (or is the
// constructor).
func (f *forest) addRootLocked(name string, path Path) *branchState {
	b := &branchState{Branch: Branch{
		ID:      f.nextID,
		Name:    name,
		Path:    path,
		Created: nowMicros(),
	}}
	f.nextID++
	f.byID[b.ID] = b
	f.byKey[branchKey(path, name)] = b.ID
	return b
}

// create makes a new branch under path. With parent == "" the branch is a
// root. A non-nil at forks from that parent sequence, otherwise from the
// parent's head. The new branch's head starts at the branch point.
func (f *forest) create(path Path, name, parent string, at *Sequence) (Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.byKey[branchKey(path, name)]; ok {
		return Branch{}, errBranchExists(name)
	}

	if parent == "" {
		b := f.addRootLocked(name, path)
		return b.Branch, nil
	}

	pid, ok := f.byKey[branchKey(path, parent)]
	if !ok {
		return Branch{}, errBranchNotFound(parent)
	}
	p := f.byID[pid]

	point := p.Head
	if at != nil {
		if *at > p.Head {
			return Branch{}, errInvalidBranchPoint(parent, *at, p.Head)
		}
		point = *at
	}

	b := &branchState{
		Branch: Branch{
			ID:          f.nextID,
			Name:        name,
			Path:        path,
			Head:        point,
			Parent:      pid,
			BranchPoint: point,
			Created:     nowMicros(),
		},
		base: point,
	}
	// Parent chains always terminate in an existing root, so a fresh ID
	// cannot close a cycle. Walk anyway to keep the invariant checked.
	if f.wouldCycleLocked(b) {
		return Branch{}, errInvalidOperation("branch parent chain forms a cycle")
	}
	f.nextID++
	f.byID[b.ID] = b
	f.byKey[branchKey(path, name)] = b.ID
	return b.Branch, nil
}

func (f *forest) wouldCycleLocked(b *branchState) bool {
	seen := map[BranchID]bool{b.ID: true}
	for id := b.Parent; id != 0; {
		if seen[id] {
			return true
		}
		seen[id] = true
		p, ok := f.byID[id]
		if !ok {
			return false
		}
		id = p.Parent
	}
	return false
}

// get resolves (path, name) to its branch state.
func (f *forest) get(path Path, name string) (*branchState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.getLocked(path, name)
}

func (f *forest) getLocked(path Path, name string) (*branchState, error) {
	id, ok := f.byKey[branchKey(path, name)]
	if !ok {
		return nil, errBranchNotFound(name)
	}
	return f.byID[id], nil
}

// list returns the branches under path, control branch excluded, sorted by
// creation order.
func (f *forest) list(path Path) []Branch {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Branch
	for _, b := range f.byID {
		if b.Name == ControlBranch {
			continue
		}
		if !b.Path.Equal(path) {
			continue
		}
		out = append(out, b.Branch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// currentBranch returns the host loom's current branch.
func (f *forest) currentBranch() Branch {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byID[f.current].Branch
}

// switchTo changes the host loom's current branch.
func (f *forest) switchTo(name string) (Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[branchKey(nil, name)]
	if !ok {
		return Branch{}, errBranchNotFound(name)
	}
	f.current = id
	return f.byID[id].Branch, nil
}

// delete removes a branch. Main, the control branch and the current branch
// are protected. Descendants keep their branch-point references; those go
// dangling and later visibility queries on them fail with AncestorMissing.
func (f *forest) delete(path Path, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(path) == 0 && name == MainBranch {
		return errProtectedBranch(name, "cannot delete main branch")
	}
	if name == ControlBranch {
		return errProtectedBranch(name, "cannot delete control branch")
	}
	id, ok := f.byKey[branchKey(path, name)]
	if !ok {
		return errBranchNotFound(name)
	}
	if id == f.current {
		return errProtectedBranch(name, "cannot delete current branch")
	}
	delete(f.byID, id)
	delete(f.byKey, branchKey(path, name))
	return nil
}

// ancestry returns the chain from b up to its root, b excluded. A deleted
// ancestor surfaces as AncestorMissing.
func (f *forest) ancestryLocked(b *branchState) ([]*branchState, error) {
	var out []*branchState
	cur := b
	for cur.Parent != 0 {
		p, ok := f.byID[cur.Parent]
		if !ok {
			return nil, errAncestorMissing(cur.Name, cur.Parent)
		}
		out = append(out, p)
		cur = p
	}
	return out, nil
}

// orphans lists branches whose parent has been deleted. Used by the
// garbage collector to report dangling forks.
func (f *forest) orphans() []Branch {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Branch
	for _, b := range f.byID {
		if b.Parent == 0 {
			continue
		}
		if _, ok := f.byID[b.Parent]; !ok {
			out = append(out, b.Branch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// count returns the number of branches, control branches included.
func (f *forest) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byID)
}
