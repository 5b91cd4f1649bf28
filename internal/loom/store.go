package loom

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loomdb/loom/internal/blob"
)

// Options configures a store.
type Options struct {
	// CheckpointEvery takes a heads checkpoint after this many control
	// envelopes per embedded loom. Zero disables automatic heads
	// checkpoints.
	CheckpointEvery uint64

	// SubscriptionBuffer bounds each subscription's event buffer.
	SubscriptionBuffer int

	// StateCacheSize bounds the reconstructed-state LRU.
	StateCacheSize int

	// GCFollowLinks makes soft linkedTo edges keep records alive during
	// tier-B collection. Off by default: soft references do not pin.
	GCFollowLinks bool

	// ACLEnabled turns on permission checks at the store boundary.
	ACLEnabled bool

	// Subject is the identity permission checks run as.
	Subject string

	// Blobs overrides blob storage; defaults to an in-memory store.
	Blobs blob.Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a loom: a branching, event-sourced record store. It is the
// only way consumers observe or mutate state; there is no direct access
// to the underlying arenas.
type Store struct {
	opts   Options
	logger *slog.Logger

	forest      *forest
	log         *recordLog
	checkpoints *checkpointStore
	states      *stateManager
	bus         *subscriptionBus
	blobs       blob.Store
	acl         *permissionStore
	looms       *registry

	// envelopeCount drives the heads checkpoint cadence, per loom path.
	envMu         sync.Mutex
	envelopeCount map[string]uint64

	wg sync.WaitGroup
}

// Open creates an empty store with a main branch and a control branch.
func Open(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = blob.NewMemStore()
	}
	s := &Store{
		opts:          opts,
		logger:        opts.Logger,
		forest:        newForest(),
		log:           newRecordLog(),
		checkpoints:   newCheckpointStore(blobs),
		states:        newStateManager(opts.StateCacheSize),
		bus:           newSubscriptionBus(opts.SubscriptionBuffer),
		blobs:         blobs,
		looms:         newRegistry(),
		envelopeCount: make(map[string]uint64),
	}
	s.acl = newPermissionStore(s)
	return s
}

// Close waits for background checkpoint work to drain.
func (s *Store) Close() error {
	s.wg.Wait()
	return nil
}

// appendOn is the single mutating primitive: it assigns the next sequence
// on b, commits the record, and notifies subscribers. Appends to one
// branch are serialized by the branch's own mutex; unrelated branches
// proceed in parallel. The global lock is held only for the commit itself,
// so readers see either the whole record or nothing.
func (s *Store) appendOn(b *branchState, in RecordInput) (*Record, error) {
	b.appendMu.Lock()
	defer b.appendMu.Unlock()

	seq := b.Head.Next()
	r := &Record{
		ID:        NewRecordID(),
		Sequence:  seq,
		Branch:    b.ID,
		Type:      in.Type,
		Payload:   append([]byte(nil), in.Payload...),
		Encoding:  in.Encoding,
		CausedBy:  append([]RecordID(nil), in.CausedBy...),
		LinkedTo:  append([]RecordID(nil), in.LinkedTo...),
		Timestamp: nowMicros(),
	}
	if r.Encoding == "" {
		r.Encoding = EncodingJSON
	}

	s.log.add(r)
	s.forest.mu.Lock()
	b.records = append(b.records, r)
	b.Head = seq
	s.forest.mu.Unlock()

	s.bus.notify(Event{
		Kind:     EventRecord,
		Record:   r.clone(),
		Branch:   b.Name,
		Sequence: seq,
	})
	return r.clone(), nil
}

// Append appends a record to the current branch.
func (s *Store) Append(in RecordInput) (*Record, error) {
	if err := s.checkWrite(nil); err != nil {
		return nil, err
	}
	cur := s.forest.currentBranch()
	b, err := s.forest.get(nil, cur.Name)
	if err != nil {
		return nil, err
	}
	return s.appendOn(b, in)
}

// AppendTo appends a record to a named host branch.
func (s *Store) AppendTo(branch string, in RecordInput) (*Record, error) {
	if err := s.checkWrite(nil); err != nil {
		return nil, err
	}
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return nil, err
	}
	return s.appendOn(b, in)
}

// GetRecord returns a record by ID.
func (s *Store) GetRecord(id RecordID) (*Record, error) {
	if err := s.checkRead(nil); err != nil {
		return nil, err
	}
	return s.log.get(id)
}

// Effects returns the records that list id in their causedBy set.
func (s *Store) Effects(id RecordID) ([]RecordID, error) {
	if !s.log.has(id) {
		return nil, errRecordNotFound(id)
	}
	return s.log.effectsOf(id), nil
}

// LinksTo returns the records that list id in their linkedTo set.
func (s *Store) LinksTo(id RecordID) ([]RecordID, error) {
	if !s.log.has(id) {
		return nil, errRecordNotFound(id)
	}
	return s.log.linksTo(id), nil
}

// Query pages over the current branch's visible set.
func (s *Store) Query(opts QueryOptions) (QueryPage, error) {
	return s.QueryBranch(s.forest.currentBranch().Name, opts)
}

// QueryBranch pages over a named host branch's visible set.
func (s *Store) QueryBranch(branch string, opts QueryOptions) (QueryPage, error) {
	if err := s.checkRead(nil); err != nil {
		return QueryPage{}, err
	}
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return QueryPage{}, err
	}
	return s.forest.queryPage(b, opts)
}

// Visible returns the full visible set of a host branch at sequence to.
func (s *Store) Visible(branch string, to Sequence, reverse bool) ([]*Record, error) {
	if err := s.checkRead(nil); err != nil {
		return nil, err
	}
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return nil, err
	}
	return s.forest.visible(b, to, reverse)
}

// Delta returns a host branch's local records in (from, to].
func (s *Store) Delta(branch string, from, to Sequence, reverse bool) ([]*Record, error) {
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return nil, err
	}
	return s.forest.delta(b, from, to, reverse)
}

// --- Branch operations ---

// Branches lists the host loom's branches, control branch excluded.
func (s *Store) Branches() []Branch {
	return s.forest.list(nil)
}

// CurrentBranch returns the host loom's current branch.
func (s *Store) CurrentBranch() Branch {
	return s.forest.currentBranch()
}

// CreateBranch forks a host branch. Empty from forks the current branch;
// nil at forks at its head.
func (s *Store) CreateBranch(name, from string, at *Sequence) (Branch, error) {
	if err := s.checkWrite(nil); err != nil {
		return Branch{}, err
	}
	if name == ControlBranch {
		return Branch{}, errBranchExists(name)
	}
	if from == "" {
		from = s.forest.currentBranch().Name
	}
	b, err := s.forest.create(nil, name, from, at)
	if err != nil {
		return Branch{}, err
	}
	s.bus.notify(Event{Kind: EventBranchCreated, Branch: name, Sequence: b.Head})
	return b, nil
}

// SwitchBranch changes the current branch.
func (s *Store) SwitchBranch(name string) (Branch, error) {
	return s.forest.switchTo(name)
}

// DeleteBranch removes a host branch. The main, control and current
// branches are protected.
func (s *Store) DeleteBranch(name string) error {
	if err := s.checkWrite(nil); err != nil {
		return err
	}
	if err := s.forest.delete(nil, name); err != nil {
		return err
	}
	s.bus.notify(Event{Kind: EventBranchDeleted, Branch: name})
	return nil
}

// --- Reconstruction ---

// Reconstruct rebuilds folded state for a host branch at sequence n,
// using the nearest checkpoint under kind when one exists.
func (s *Store) Reconstruct(branch string, n Sequence, kind string, fold Folder) ([]byte, error) {
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return nil, err
	}
	return reconstruct(s.forest, s.checkpoints, b, n, kind, fold, s.logger)
}

// Checkpoint materializes folded state for a host branch at its current
// head and indexes it under kind.
func (s *Store) Checkpoint(branch string, kind string, fold Folder) (Checkpoint, error) {
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return Checkpoint{}, err
	}
	s.forest.mu.RLock()
	head := b.Head
	s.forest.mu.RUnlock()

	state, err := reconstruct(s.forest, s.checkpoints, b, head, kind, fold, s.logger)
	if err != nil {
		return Checkpoint{}, err
	}
	return s.checkpoints.save(kind, b.ID, head, state)
}

// checkpointAsync materializes a checkpoint in the background; the append
// path never waits for it. The fold runs over an already-committed prefix.
func (s *Store) checkpointAsync(b *branchState, upTo Sequence, kind string, fold Folder) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		state, err := reconstruct(s.forest, s.checkpoints, b, upTo, kind, fold, s.logger)
		if err != nil {
			s.logger.Error("background checkpoint failed",
				"kind", kind, "branch", b.Name, "seq", uint64(upTo), "err", err)
			return
		}
		if _, err := s.checkpoints.save(kind, b.ID, upTo, state); err != nil {
			s.logger.Error("background checkpoint save failed",
				"kind", kind, "branch", b.Name, "seq", uint64(upTo), "err", err)
		}
	}()
}

// --- Subscriptions ---

// Subscribe registers a consumer with a filter and returns its ID.
func (s *Store) Subscribe(filter Filter) SubscriptionID {
	branch := filter.Branch
	if branch == "" {
		branch = s.forest.currentBranch().Name
	}
	return s.bus.subscribe(filter, branch)
}

// CatchUp replays historical records per the subscription's filter and
// marks the subscription live. Records appended during replay are
// delivered exactly once: either as history or as live tail, never both.
func (s *Store) CatchUp(id SubscriptionID) error {
	sub, err := s.bus.get(id)
	if err != nil {
		return err
	}
	if sub.filter.FromSequence == nil {
		sub.mu.Lock()
		cursor := sub.cursor
		sub.mu.Unlock()
		sub.finishCatchUp(nil, cursor)
		return nil
	}

	b, err := s.forest.get(nil, sub.branch)
	if err != nil {
		return err
	}
	s.forest.mu.RLock()
	head := b.Head
	s.forest.mu.RUnlock()

	from := *sub.filter.FromSequence
	var history []Event
	if head > from {
		rs, err := s.forest.visible(b, head, false)
		if err != nil {
			return err
		}
		for _, r := range rs {
			if r.Sequence <= from {
				continue
			}
			if len(sub.filter.Types) > 0 && !containsString(sub.filter.Types, r.Type) {
				continue
			}
			history = append(history, Event{
				Kind:     EventRecord,
				Record:   r,
				Branch:   sub.branch,
				Sequence: r.Sequence,
			})
		}
	}
	sub.finishCatchUp(history, head)
	return nil
}

// Poll drains the next buffered event; non-blocking.
func (s *Store) Poll(id SubscriptionID) (Event, bool, error) {
	sub, err := s.bus.get(id)
	if err != nil {
		return Event{}, false, err
	}
	ev, ok := sub.poll()
	return ev, ok, nil
}

// Unsubscribe releases the subscription. Idempotent.
func (s *Store) Unsubscribe(id SubscriptionID) {
	s.bus.unsubscribe(id)
}

// Dropped reports how many events a subscription lost to overflow.
func (s *Store) Dropped(id SubscriptionID) (uint64, error) {
	sub, err := s.bus.get(id)
	if err != nil {
		return 0, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped, nil
}

// --- Blobs ---

// PutBlob stores content-addressed bytes and returns their hash.
func (s *Store) PutBlob(content []byte, contentType string) (string, error) {
	return s.blobs.Put(content, contentType)
}

// GetBlob fetches verified content by hash.
func (s *Store) GetBlob(hash string) ([]byte, error) {
	return s.blobs.Get(hash)
}

// --- Stats ---

// Stats returns aggregate store statistics.
func (s *Store) Stats() Stats {
	records := s.log.count()
	payload := s.log.payloadBytes()
	return Stats{
		RecordCount:     records,
		BlobCount:       s.blobs.Count(),
		BranchCount:     uint64(s.forest.count()),
		StateSlotCount:  s.states.slotCount(),
		CheckpointCount: s.checkpoints.count(),
		TotalSizeBytes:  payload + s.blobs.TotalBytes(),
		BlobSizeBytes:   s.blobs.TotalBytes(),
	}
}

// --- Permission boundary ---

func (s *Store) checkRead(path Path) error {
	if !s.opts.ACLEnabled {
		return nil
	}
	if s.acl.CanRead(s.opts.Subject, path) {
		return nil
	}
	return errPermissionDenied(s.opts.Subject, path)
}

func (s *Store) checkWrite(path Path) error {
	if !s.opts.ACLEnabled {
		return nil
	}
	if s.acl.CanWrite(s.opts.Subject, path) {
		return nil
	}
	return errPermissionDenied(s.opts.Subject, path)
}

// --- Export / restore (durability boundary) ---

// ExportedBranch is one branch with its local records, for persistence.
// Current marks the host loom's current branch so a restored store
// resumes where the exported one stood.
type ExportedBranch struct {
	Branch  Branch
	Records []*Record
	Current bool
}

// Export snapshots every branch and its local records in commit order.
// The durable layer persists this; Restore rebuilds a store from it.
func (s *Store) Export() []ExportedBranch {
	s.forest.mu.RLock()
	defer s.forest.mu.RUnlock()

	out := make([]ExportedBranch, 0, len(s.forest.byID))
	for _, b := range s.forest.byID {
		out = append(out, ExportedBranch{
			Branch:  b.Branch,
			Records: cloneRecords(b.records),
			Current: b.ID == s.forest.current,
		})
	}
	return out
}

// Restore builds a store from exported branches. Duplicate records are
// ignored, so restoring over partially applied data is safe.
func Restore(opts Options, branches []ExportedBranch) *Store {
	s := Open(opts)
	s.forest.mu.Lock()
	for _, eb := range branches {
		key := branchKey(eb.Branch.Path, eb.Branch.Name)
		var b *branchState
		if id, ok := s.forest.byKey[key]; ok {
			b = s.forest.byID[id]
			b.Branch = eb.Branch
		} else {
			b = &branchState{Branch: eb.Branch}
			s.forest.byID[b.ID] = b
			s.forest.byKey[key] = b.ID
		}
		b.records = nil
		for _, r := range eb.Records {
			rc := r.clone()
			if s.log.add(rc) {
				b.records = append(b.records, rc)
			}
		}
		// The persisted records are the branch's live suffix; a compacted
		// branch keeps its head with an empty local range.
		b.base = b.Head - Sequence(len(b.records))
		if b.ID >= s.forest.nextID {
			s.forest.nextID = b.ID + 1
		}
	}
	if id, ok := s.forest.byKey[branchKey(nil, MainBranch)]; ok {
		s.forest.current = id
	}
	for _, eb := range branches {
		if !eb.Current || len(eb.Branch.Path) != 0 {
			continue
		}
		if id, ok := s.forest.byKey[branchKey(nil, eb.Branch.Name)]; ok {
			s.forest.current = id
		}
	}

	// Re-register embedded looms from the branch namespace.
	s.looms.mu.Lock()
	for _, b := range s.forest.byID {
		if len(b.Path) == 0 {
			continue
		}
		key := b.Path.Key()
		if _, ok := s.looms.looms[key]; !ok {
			s.looms.looms[key] = &Embedded{store: s, path: b.Path}
		}
	}
	s.looms.mu.Unlock()
	s.forest.mu.Unlock()
	return s
}

// registerLoomPaths indexes every embedded path present in the forest,
// so paths that arrived through replication resolve via Loom.
func (s *Store) registerLoomPaths() {
	s.forest.mu.RLock()
	var paths []Path
	for _, b := range s.forest.byID {
		if len(b.Path) > 0 {
			paths = append(paths, b.Path)
		}
	}
	s.forest.mu.RUnlock()

	s.looms.mu.Lock()
	defer s.looms.mu.Unlock()
	for _, p := range paths {
		key := p.Key()
		if _, ok := s.looms.looms[key]; !ok {
			s.looms.looms[key] = &Embedded{store: s, path: p}
		}
	}
}

// marshalEnvelope encodes a control envelope payload.
func marshalEnvelope(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// Envelope fields are all marshalable; this cannot fail.
		panic(err)
	}
	return data
}
