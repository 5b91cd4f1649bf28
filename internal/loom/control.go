package loom

import (
	"encoding/json"
	"fmt"
)

// The control log is a distinguished branch receiving an envelope record
// for every mutation of an embedded loom. Folding the envelope prefix up
// to an outer sequence yields Heads: the per-branch head map of the inner
// loom as of that outer time. Because a branch freezes its parent's
// prefix, forking the control branch freezes Heads for every embedded
// loom with no extra bookkeeping.

// headsKind namespaces heads checkpoints per embedded loom.
func headsKind(path Path) string { return "heads:" + path.Key() }

// headsFolder folds control envelopes of one loom into its Heads map,
// serialized as a JSON object of branch name to head sequence.
type headsFolder struct {
	path Path
}

func (f headsFolder) Seed() []byte { return []byte("{}") }

func (f headsFolder) Apply(state []byte, r *Record) ([]byte, error) {
	switch r.Type {
	case EnvelopeAppend, EnvelopeBranch, EnvelopeMerge:
	default:
		return state, nil
	}
	var env Envelope
	if err := json.Unmarshal(r.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", shortID(r.ID), err)
	}
	if !env.Loom.Equal(f.path) {
		return state, nil
	}

	heads := Heads{}
	if err := json.Unmarshal(state, &heads); err != nil {
		return nil, fmt.Errorf("decode heads state: %w", err)
	}
	// Concurrent appends to one embedded branch can land their envelopes
	// on the control log out of sequence order; the head is the max seen,
	// never the last seen.
	switch env.Kind {
	case EnvelopeAppend:
		if env.Seq > heads[env.Branch] {
			heads[env.Branch] = env.Seq
		}
	case EnvelopeBranch:
		heads[env.Name] = env.At
	case EnvelopeMerge:
		if env.Seq > heads[env.Into] {
			heads[env.Into] = env.Seq
		}
	}
	return json.Marshal(heads)
}

// emitEnvelope appends env to the control branch of the mutated loom's
// parent, then cascades upward: a control append is itself a mutation of
// the parent loom, so each level re-wraps it until the host is reached.
// This cascade is what lets recursive embedding resolve one level of
// Heads at a time.
func (s *Store) emitEnvelope(env Envelope) error {
	for len(env.Loom) > 0 {
		parent := env.Loom[:len(env.Loom)-1]
		ctl, err := s.forest.get(parent, ControlBranch)
		if err != nil {
			return err
		}
		r, err := s.appendOn(ctl, RecordInput{
			Type:     env.Kind,
			Payload:  marshalEnvelope(env),
			Encoding: EncodingJSON,
		})
		if err != nil {
			return err
		}
		s.maybeHeadsCheckpoint(ctl, r.Sequence, env.Loom)

		env = Envelope{
			Kind:     EnvelopeAppend,
			Loom:     parent,
			Branch:   ControlBranch,
			Seq:      r.Sequence,
			RecordID: r.ID,
		}
	}
	return nil
}

// maybeHeadsCheckpoint takes an asynchronous heads checkpoint every
// CheckpointEvery envelopes per loom. The append path never blocks on it.
func (s *Store) maybeHeadsCheckpoint(ctl *branchState, upTo Sequence, path Path) {
	every := s.opts.CheckpointEvery
	if every == 0 {
		return
	}
	key := ctl.ID.String() + "|" + path.Key()
	s.envMu.Lock()
	s.envelopeCount[key]++
	due := s.envelopeCount[key]%every == 0
	s.envMu.Unlock()
	if due {
		s.checkpointAsync(ctl, upTo, headsKind(path), headsFolder{path})
	}
}

// headsAt folds the envelope prefix of ctl up to outerSeq for one loom.
func (s *Store) headsAt(ctl *branchState, outerSeq Sequence, path Path) (Heads, error) {
	state, err := reconstruct(s.forest, s.checkpoints, ctl, outerSeq, headsKind(path), headsFolder{path}, s.logger)
	if err != nil {
		return nil, err
	}
	heads := Heads{}
	if err := json.Unmarshal(state, &heads); err != nil {
		return nil, fmt.Errorf("decode heads state: %w", err)
	}
	return heads, nil
}

// HeadsAt returns an embedded loom's branch heads as of outerSeq on the
// given timeline (a control branch: ControlBranch itself, or a fork of it
// made with ForkTimeline). Nested paths resolve one level of Heads per
// component, recursing into each inner loom's control branch at the
// sequence the outer level observed.
func (s *Store) HeadsAt(timeline string, path Path, outerSeq Sequence) (Heads, error) {
	if err := s.checkRead(path); err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, errLoomNotFound(path)
	}
	ctl, err := s.forest.get(nil, timeline)
	if err != nil {
		return nil, err
	}
	seq := outerSeq
	for i := 1; ; i++ {
		prefix := path[:i]
		heads, err := s.headsAt(ctl, seq, prefix)
		if err != nil {
			return nil, err
		}
		if i == len(path) {
			return heads, nil
		}
		// Descend: the next level's envelopes live on this loom's own
		// control branch, read at the head the outer level froze.
		next, ok := heads[ControlBranch]
		if !ok {
			return Heads{}, nil
		}
		ctl, err = s.forest.get(prefix, ControlBranch)
		if err != nil {
			return nil, err
		}
		seq = next
	}
}

// HeadsOf is HeadsAt on the live control branch.
func (s *Store) HeadsOf(path Path, outerSeq Sequence) (Heads, error) {
	return s.HeadsAt(ControlBranch, path, outerSeq)
}

// ControlHead returns the current head of the host control branch: the
// store's outer clock for time-travel queries.
func (s *Store) ControlHead() Sequence {
	ctl, err := s.forest.get(nil, ControlBranch)
	if err != nil {
		return 0
	}
	s.forest.mu.RLock()
	defer s.forest.mu.RUnlock()
	return ctl.Head
}

// ForkTimeline forks the host control branch at sequence at (nil = its
// head). The fork freezes Heads for every embedded loom as of that point;
// time-travel reads go through HeadsAt and ObserveAt with the fork's name.
func (s *Store) ForkTimeline(name string, at *Sequence) (Branch, error) {
	if err := s.checkWrite(nil); err != nil {
		return Branch{}, err
	}
	return s.forest.create(nil, name, ControlBranch, at)
}

// ObserveAt reconstructs an embedded loom's full visible state as of
// outerSeq on a timeline: for every inner branch, the records visible at
// the head Heads froze for it.
func (s *Store) ObserveAt(timeline string, path Path, outerSeq Sequence) (map[string][]*Record, error) {
	heads, err := s.HeadsAt(timeline, path, outerSeq)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*Record, len(heads))
	for name, head := range heads {
		b, err := s.forest.get(path, name)
		if err != nil {
			// Branch deleted since; the frozen head refers to history GC
			// has reclaimed.
			return nil, err
		}
		rs, err := s.forest.visible(b, head, false)
		if err != nil {
			return nil, err
		}
		out[name] = rs
	}
	return out, nil
}

// Observe is ObserveAt on the live control branch.
func (s *Store) Observe(path Path, outerSeq Sequence) (map[string][]*Record, error) {
	return s.ObserveAt(ControlBranch, path, outerSeq)
}
