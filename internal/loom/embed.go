package loom

import "sync"

// Embedding maps an inner loom's branches and records into the outer
// store's namespace through structured paths. The mapping is homomorphic:
// appending to an embedded branch, forking one, or querying its visible
// set behaves exactly like the same operation on a standalone store —
// plus an envelope on the parent's control log.
//
// Looms are held in a flat path-keyed registry rather than nested object
// graphs; inner and outer stores share one forest and one record arena,
// so there is no ownership cycle to manage.

// registry tracks embedded looms by path key.
type registry struct {
	mu    sync.RWMutex
	looms map[string]*Embedded
}

func newRegistry() *registry {
	return &registry{looms: make(map[string]*Embedded)}
}

// Embedded is a handle to a loom embedded at a path. All operations
// delegate to the owning store with the path applied; record IDs need no
// translation because they are globally unique by construction.
type Embedded struct {
	store *Store
	path  Path
}

// Embed registers a loom at path and creates its main and control
// branches. The parent loom (all but the last path element) must already
// exist; the host always does.
func (s *Store) Embed(path Path) (*Embedded, error) {
	if err := s.checkWrite(path); err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, errInvalidOperation("embed path must be non-empty")
	}

	s.looms.mu.Lock()
	defer s.looms.mu.Unlock()

	key := path.Key()
	if _, ok := s.looms.looms[key]; ok {
		return nil, errInvalidOperation("loom already embedded at " + path.String())
	}
	if len(path) > 1 {
		if _, ok := s.looms.looms[path[:len(path)-1].Key()]; !ok {
			return nil, errLoomNotFound(path[:len(path)-1])
		}
	}

	for _, name := range []string{MainBranch, ControlBranch} {
		if _, err := s.forest.create(path, name, "", nil); err != nil {
			return nil, err
		}
		if err := s.emitEnvelope(Envelope{
			Kind: EnvelopeBranch,
			Loom: path,
			Name: name,
		}); err != nil {
			return nil, err
		}
	}

	emb := &Embedded{store: s, path: path}
	s.looms.looms[key] = emb
	return emb, nil
}

// Loom returns the handle for an embedded loom.
func (s *Store) Loom(path Path) (*Embedded, error) {
	s.looms.mu.RLock()
	defer s.looms.mu.RUnlock()
	emb, ok := s.looms.looms[path.Key()]
	if !ok {
		return nil, errLoomNotFound(path)
	}
	return emb, nil
}

// Looms lists the registered embedded loom paths.
func (s *Store) Looms() []Path {
	s.looms.mu.RLock()
	defer s.looms.mu.RUnlock()
	out := make([]Path, 0, len(s.looms.looms))
	for _, emb := range s.looms.looms {
		out = append(out, emb.path)
	}
	return out
}

// Path returns the loom's absolute path in the host namespace.
func (e *Embedded) Path() Path { return e.path }

// Embed registers a loom nested inside this one.
func (e *Embedded) Embed(name string) (*Embedded, error) {
	return e.store.Embed(e.path.Child(name))
}

// Append appends to one of the loom's branches and records the envelope
// on the parent's control log. Every embedded mutation writes exactly two
// records per nesting level: the real one and its envelope.
func (e *Embedded) Append(branch string, in RecordInput) (*Record, error) {
	if err := e.store.checkWrite(e.path); err != nil {
		return nil, err
	}
	b, err := e.store.forest.get(e.path, branch)
	if err != nil {
		return nil, err
	}
	r, err := e.store.appendOn(b, in)
	if err != nil {
		return nil, err
	}
	if err := e.store.emitEnvelope(Envelope{
		Kind:     EnvelopeAppend,
		Loom:     e.path,
		Branch:   branch,
		Seq:      r.Sequence,
		RecordID: r.ID,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateBranch forks a branch inside the loom. Empty from creates a new
// root branch; nil at forks at the parent's head.
func (e *Embedded) CreateBranch(name, from string, at *Sequence) (Branch, error) {
	if err := e.store.checkWrite(e.path); err != nil {
		return Branch{}, err
	}
	if name == ControlBranch {
		return Branch{}, errBranchExists(name)
	}
	b, err := e.store.forest.create(e.path, name, from, at)
	if err != nil {
		return Branch{}, err
	}
	if err := e.store.emitEnvelope(Envelope{
		Kind:   EnvelopeBranch,
		Loom:   e.path,
		Name:   name,
		Parent: from,
		At:     b.BranchPoint,
	}); err != nil {
		return Branch{}, err
	}
	return b, nil
}

// Branches lists the loom's branches, control branch excluded.
func (e *Embedded) Branches() []Branch {
	return e.store.forest.list(e.path)
}

// Branch returns one branch's metadata.
func (e *Embedded) Branch(name string) (Branch, error) {
	b, err := e.store.forest.get(e.path, name)
	if err != nil {
		return Branch{}, err
	}
	e.store.forest.mu.RLock()
	defer e.store.forest.mu.RUnlock()
	return b.Branch, nil
}

// Visible returns the loom branch's visible set at sequence to.
func (e *Embedded) Visible(branch string, to Sequence, reverse bool) ([]*Record, error) {
	if err := e.store.checkRead(e.path); err != nil {
		return nil, err
	}
	b, err := e.store.forest.get(e.path, branch)
	if err != nil {
		return nil, err
	}
	return e.store.forest.visible(b, to, reverse)
}

// Delta returns the loom branch's local records in (from, to].
func (e *Embedded) Delta(branch string, from, to Sequence, reverse bool) ([]*Record, error) {
	b, err := e.store.forest.get(e.path, branch)
	if err != nil {
		return nil, err
	}
	return e.store.forest.delta(b, from, to, reverse)
}

// Query pages over one of the loom's branches.
func (e *Embedded) Query(branch string, opts QueryOptions) (QueryPage, error) {
	if err := e.store.checkRead(e.path); err != nil {
		return QueryPage{}, err
	}
	b, err := e.store.forest.get(e.path, branch)
	if err != nil {
		return QueryPage{}, err
	}
	return e.store.forest.queryPage(b, opts)
}
