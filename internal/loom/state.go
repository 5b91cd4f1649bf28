package loom

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// StateUpdateType is the record type carrying state operations.
const StateUpdateType = "state:update"

// StateKind selects how a state slot's value is represented.
type StateKind string

const (
	// StateSnapshot holds a single value; each set replaces it.
	StateSnapshot StateKind = "snapshot"
	// StateAppendLog holds a JSON array grown by appends, with redact and
	// edit for corrections.
	StateAppendLog StateKind = "append_log"
)

// StateStrategy configures reconstruction cost for a slot.
type StateStrategy struct {
	Kind StateKind `json:"kind"`

	// CheckpointEvery materializes a checkpoint after this many
	// operations. Zero disables automatic checkpoints.
	CheckpointEvery uint64 `json:"checkpoint_every,omitempty"`
}

// StateRegistration declares a state slot.
type StateRegistration struct {
	ID       string          `json:"id"`
	Strategy StateStrategy   `json:"strategy"`
	Initial  json.RawMessage `json:"initial,omitempty"`
}

// StateOp is one operation on a state slot, stored as a record payload.
type StateOp struct {
	// Op is one of set, append, redact, edit.
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`

	// Redact removes items in [Start, End); Edit replaces item Index.
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
	Index int `json:"index,omitempty"`
}

// stateUpdate is the wire form of a StateUpdateType payload.
type stateUpdate struct {
	StateID string  `json:"state_id"`
	Op      StateOp `json:"operation"`
}

// stateManager tracks slot registrations, per-(branch,slot) operation
// counts for checkpoint cadence, and a bounded cache of reconstructed
// values keyed by (branch, slot, head) so repeated reads of an unchanged
// slot cost nothing.
type stateManager struct {
	mu      sync.RWMutex
	slots   map[string]StateRegistration
	opCount map[string]uint64
	cache   *lru.Cache[string, []byte]
}

func newStateManager(cacheSize int) *stateManager {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[string, []byte](cacheSize)
	return &stateManager{
		slots:   make(map[string]StateRegistration),
		opCount: make(map[string]uint64),
		cache:   cache,
	}
}

func (m *stateManager) register(reg StateRegistration) error {
	if reg.Strategy.Kind == "" {
		reg.Strategy.Kind = StateSnapshot
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[reg.ID]; ok {
		return errStateExists(reg.ID)
	}
	m.slots[reg.ID] = reg
	return nil
}

func (m *stateManager) get(id string) (StateRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.slots[id]
	if !ok {
		return StateRegistration{}, errStateNotFound(id)
	}
	return reg, nil
}

func (m *stateManager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.slots))
	for id := range m.slots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *stateManager) slotCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.slots))
}

// bump increments the op counter and reports whether a checkpoint is due.
func (m *stateManager) bump(branch BranchID, id string, every uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := branch.String() + "|" + id
	m.opCount[key]++
	return every > 0 && m.opCount[key]%every == 0
}

func cacheKey(branch BranchID, id string, head Sequence) string {
	return branch.String() + "|" + id + "|" + strconv.FormatUint(uint64(head), 10)
}

// stateFolder folds StateUpdateType records for one slot; all other
// records pass through untouched.
type stateFolder struct {
	reg StateRegistration
}

func (f stateFolder) Seed() []byte {
	if len(f.reg.Initial) > 0 {
		return append([]byte(nil), f.reg.Initial...)
	}
	if f.reg.Strategy.Kind == StateAppendLog {
		return []byte("[]")
	}
	return []byte("null")
}

func (f stateFolder) Apply(state []byte, r *Record) ([]byte, error) {
	if r.Type != StateUpdateType {
		return state, nil
	}
	var upd stateUpdate
	if err := json.Unmarshal(r.Payload, &upd); err != nil {
		return nil, fmt.Errorf("decode state update %s: %w", shortID(r.ID), err)
	}
	if upd.StateID != f.reg.ID {
		return state, nil
	}
	return applyStateOp(state, upd.Op, f.reg.Strategy.Kind)
}

// stateKindKey namespaces state checkpoints in the checkpoint index.
func stateKindKey(id string) string { return "state:" + id }

func applyStateOp(state []byte, op StateOp, kind StateKind) ([]byte, error) {
	switch op.Op {
	case "set":
		return append([]byte(nil), op.Value...), nil

	case "append":
		if kind != StateAppendLog {
			return nil, errInvalidOperation("append on non-append-log state")
		}
		items, err := decodeItems(state)
		if err != nil {
			return nil, err
		}
		items = append(items, append(json.RawMessage(nil), op.Value...))
		return json.Marshal(items)

	case "redact":
		items, err := decodeItems(state)
		if err != nil {
			return nil, err
		}
		// Out-of-range redacts clamp rather than fail; validation happens
		// at append time, reconstruction stays total.
		start, end := op.Start, op.End
		if start < 0 {
			start = 0
		}
		if end > len(items) {
			end = len(items)
		}
		if start < end {
			items = append(items[:start], items[end:]...)
		}
		return json.Marshal(items)

	case "edit":
		items, err := decodeItems(state)
		if err != nil {
			return nil, err
		}
		if op.Index < 0 || op.Index >= len(items) {
			return nil, errInvalidOperation(
				fmt.Sprintf("edit index %d out of bounds (len=%d)", op.Index, len(items)))
		}
		items[op.Index] = append(json.RawMessage(nil), op.Value...)
		return json.Marshal(items)

	default:
		return nil, errInvalidOperation("unknown state op " + strconv.Quote(op.Op))
	}
}

func decodeItems(state []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if len(state) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(state, &items); err != nil {
		return nil, fmt.Errorf("decode append-log state: %w", err)
	}
	return items, nil
}
