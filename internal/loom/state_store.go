package loom

import (
	"encoding/json"
	"fmt"
)

// Store-level state API. A state slot's value is never stored directly:
// updates are ordinary records on a branch, and reads reconstruct the
// value by folding the branch's visible updates, checkpoint-accelerated
// and cached per (branch, slot, head).

// RegisterState declares a state slot. Registration is store-wide; the
// slot's value is per branch.
func (s *Store) RegisterState(reg StateRegistration) error {
	if err := s.checkWrite(nil); err != nil {
		return err
	}
	return s.states.register(reg)
}

// States lists the registered slot IDs.
func (s *Store) States() []string {
	return s.states.ids()
}

// UpdateState applies op to a slot on the current branch.
func (s *Store) UpdateState(stateID string, op StateOp) (*Record, error) {
	return s.UpdateStateOn(s.forest.currentBranch().Name, stateID, op)
}

// UpdateStateOn applies op to a slot on a named host branch. The update
// is validated against the slot's strategy before it is committed, so a
// rejected operation never pollutes the log.
func (s *Store) UpdateStateOn(branch, stateID string, op StateOp) (*Record, error) {
	if err := s.checkWrite(nil); err != nil {
		return nil, err
	}
	reg, err := s.states.get(stateID)
	if err != nil {
		return nil, err
	}
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return nil, err
	}

	if err := s.validateStateOp(b, reg, op); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(stateUpdate{StateID: stateID, Op: op})
	if err != nil {
		return nil, fmt.Errorf("encode state update: %w", err)
	}
	r, err := s.appendOn(b, RecordInput{Type: StateUpdateType, Payload: payload, Encoding: EncodingJSON})
	if err != nil {
		return nil, err
	}

	s.bus.notify(Event{
		Kind:     EventStateDelta,
		Record:   r.clone(),
		Branch:   branch,
		StateID:  stateID,
		Sequence: r.Sequence,
	})

	if s.states.bump(b.ID, stateID, reg.Strategy.CheckpointEvery) {
		s.checkpointAsync(b, r.Sequence, stateKindKey(stateID), stateFolder{reg})
	}
	return r, nil
}

// validateStateOp rejects operations the fold would fail on, by trial
// application against the current value. Redact is always accepted: it
// clamps at fold time.
func (s *Store) validateStateOp(b *branchState, reg StateRegistration, op StateOp) error {
	switch op.Op {
	case "set":
		return nil
	case "redact":
		if reg.Strategy.Kind != StateAppendLog {
			return errInvalidOperation("redact on non-append-log state")
		}
		return nil
	case "append", "edit":
		if reg.Strategy.Kind != StateAppendLog {
			return errInvalidOperation(op.Op + " on non-append-log state")
		}
		if op.Op == "edit" {
			s.forest.mu.RLock()
			head := b.Head
			s.forest.mu.RUnlock()
			cur, err := s.stateAt(b, reg, head)
			if err != nil {
				return err
			}
			items, err := decodeItems(cur)
			if err != nil {
				return err
			}
			if op.Index < 0 || op.Index >= len(items) {
				return errInvalidOperation(
					fmt.Sprintf("edit index %d out of bounds (len=%d)", op.Index, len(items)))
			}
		}
		return nil
	default:
		return errInvalidOperation("unknown state op " + op.Op)
	}
}

// State returns a slot's value at the current branch head.
func (s *Store) State(stateID string) ([]byte, error) {
	cur := s.forest.currentBranch()
	s.forest.mu.RLock()
	head := cur.Head
	s.forest.mu.RUnlock()
	return s.StateAt(cur.Name, stateID, head)
}

// StateAt returns a slot's value on a host branch as of sequence n.
func (s *Store) StateAt(branch, stateID string, n Sequence) ([]byte, error) {
	if err := s.checkRead(nil); err != nil {
		return nil, err
	}
	reg, err := s.states.get(stateID)
	if err != nil {
		return nil, err
	}
	b, err := s.forest.get(nil, branch)
	if err != nil {
		return nil, err
	}
	return s.stateAt(b, reg, n)
}

func (s *Store) stateAt(b *branchState, reg StateRegistration, n Sequence) ([]byte, error) {
	key := cacheKey(b.ID, reg.ID, n)
	if v, ok := s.states.cache.Get(key); ok {
		return append([]byte(nil), v...), nil
	}
	state, err := reconstruct(s.forest, s.checkpoints, b, n, stateKindKey(reg.ID), stateFolder{reg}, s.logger)
	if err != nil {
		return nil, err
	}
	s.states.cache.Add(key, append([]byte(nil), state...))
	return state, nil
}

// StateLen returns the item count of an append-log slot at the current
// branch head.
func (s *Store) StateLen(stateID string) (int, error) {
	items, err := s.stateItems(stateID)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// StateSlice returns items [start, end) of an append-log slot, clamped to
// its bounds.
func (s *Store) StateSlice(stateID string, start, end int) ([]json.RawMessage, error) {
	items, err := s.stateItems(stateID)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end > len(items) {
		end = len(items)
	}
	if start >= end {
		return nil, nil
	}
	return items[start:end], nil
}

// StateTail returns the last n items of an append-log slot. The count is
// clamped to [0, len].
func (s *Store) StateTail(stateID string, n int) ([]json.RawMessage, error) {
	items, err := s.stateItems(stateID)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	if n > len(items) {
		n = len(items)
	}
	return items[len(items)-n:], nil
}

func (s *Store) stateItems(stateID string) ([]json.RawMessage, error) {
	reg, err := s.states.get(stateID)
	if err != nil {
		return nil, err
	}
	if reg.Strategy.Kind != StateAppendLog {
		return nil, errInvalidOperation("item access on non-append-log state")
	}
	state, err := s.State(stateID)
	if err != nil {
		return nil, err
	}
	return decodeItems(state)
}
