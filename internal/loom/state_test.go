package loom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerSlot(t *testing.T, s *Store, id string, kind StateKind, every uint64) {
	t.Helper()
	require.NoError(t, s.RegisterState(StateRegistration{
		ID:       id,
		Strategy: StateStrategy{Kind: kind, CheckpointEvery: every},
	}))
}

func TestRegisterState_RejectsDuplicates(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "settings", StateSnapshot, 0)

	err := s.RegisterState(StateRegistration{ID: "settings"})
	assert.Equal(t, ErrCodeStateExists, CodeOf(err))
	assert.Equal(t, []string{"settings"}, s.States())
}

func TestState_SnapshotSetReplaces(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "settings", StateSnapshot, 0)

	v, err := s.State("settings")
	require.NoError(t, err)
	assert.Equal(t, "null", string(v))

	_, err = s.UpdateState("settings", StateOp{Op: "set", Value: []byte(`{"theme":"dark"}`)})
	require.NoError(t, err)
	_, err = s.UpdateState("settings", StateOp{Op: "set", Value: []byte(`{"theme":"light"}`)})
	require.NoError(t, err)

	v, err = s.State("settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"light"}`, string(v))
}

func TestState_SnapshotRejectsLogOps(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "settings", StateSnapshot, 0)

	_, err := s.UpdateState("settings", StateOp{Op: "append", Value: []byte(`1`)})
	assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
	_, err = s.UpdateState("settings", StateOp{Op: "redact", Start: 0, End: 1})
	assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
}

func TestState_AppendLogOps(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "messages", StateAppendLog, 0)

	for _, m := range []string{`"a"`, `"b"`, `"c"`} {
		_, err := s.UpdateState("messages", StateOp{Op: "append", Value: []byte(m)})
		require.NoError(t, err)
	}

	n, err := s.StateLen("messages")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.UpdateState("messages", StateOp{Op: "edit", Index: 1, Value: []byte(`"B"`)})
	require.NoError(t, err)
	_, err = s.UpdateState("messages", StateOp{Op: "redact", Start: 0, End: 1})
	require.NoError(t, err)

	v, err := s.State("messages")
	require.NoError(t, err)
	assert.JSONEq(t, `["B","c"]`, string(v))
}

func TestState_EditOutOfBoundsRejected(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "messages", StateAppendLog, 0)
	_, err := s.UpdateState("messages", StateOp{Op: "append", Value: []byte(`1`)})
	require.NoError(t, err)

	_, err = s.UpdateState("messages", StateOp{Op: "edit", Index: 5, Value: []byte(`2`)})
	assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
}

func TestState_RedactClampsOutOfRange(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "messages", StateAppendLog, 0)
	_, err := s.UpdateState("messages", StateOp{Op: "append", Value: []byte(`1`)})
	require.NoError(t, err)

	_, err = s.UpdateState("messages", StateOp{Op: "redact", Start: -3, End: 99})
	require.NoError(t, err)

	n, err := s.StateLen("messages")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestState_SliceAndTail(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "messages", StateAppendLog, 0)
	for i := 1; i <= 5; i++ {
		_, err := s.UpdateState("messages", StateOp{Op: "append", Value: testItem(i)})
		require.NoError(t, err)
	}

	slice, err := s.StateSlice("messages", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{testItem(2), testItem(3)}, slice)

	tail, err := s.StateTail("messages", 2)
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{testItem(4), testItem(5)}, tail)
}

func TestState_TailClampsCount(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "messages", StateAppendLog, 0)
	for i := 1; i <= 2; i++ {
		_, err := s.UpdateState("messages", StateOp{Op: "append", Value: testItem(i)})
		require.NoError(t, err)
	}

	tail, err := s.StateTail("messages", -1)
	require.NoError(t, err)
	assert.Empty(t, tail)

	tail, err = s.StateTail("messages", 0)
	require.NoError(t, err)
	assert.Empty(t, tail)

	tail, err = s.StateTail("messages", 10)
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{testItem(1), testItem(2)}, tail)
}

func testItem(i int) json.RawMessage {
	data, _ := json.Marshal(i)
	return data
}

func TestState_PerBranchValues(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "settings", StateSnapshot, 0)

	_, err := s.UpdateStateOn(MainBranch, "settings", StateOp{Op: "set", Value: []byte(`"shared"`)})
	require.NoError(t, err)
	_, err = s.CreateBranch("feature", MainBranch, nil)
	require.NoError(t, err)

	_, err = s.UpdateStateOn("feature", "settings", StateOp{Op: "set", Value: []byte(`"forked"`)})
	require.NoError(t, err)
	_, err = s.UpdateStateOn(MainBranch, "settings", StateOp{Op: "set", Value: []byte(`"mainline"`)})
	require.NoError(t, err)

	fb, err := s.forest.get(nil, "feature")
	require.NoError(t, err)
	mb, err := s.forest.get(nil, MainBranch)
	require.NoError(t, err)

	fv, err := s.StateAt("feature", "settings", fb.Head)
	require.NoError(t, err)
	mv, err := s.StateAt(MainBranch, "settings", mb.Head)
	require.NoError(t, err)
	assert.JSONEq(t, `"forked"`, string(fv))
	assert.JSONEq(t, `"mainline"`, string(mv))

	// The fork still sees the shared value at its branch point.
	pv, err := s.StateAt("feature", "settings", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `"shared"`, string(pv))
}

func TestState_InitialSeed(t *testing.T) {
	s := newTestStore(t, Options{})
	require.NoError(t, s.RegisterState(StateRegistration{
		ID:       "config",
		Strategy: StateStrategy{Kind: StateSnapshot},
		Initial:  []byte(`{"v":1}`),
	}))

	v, err := s.State("config")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(v))
}

func TestState_CheckpointCadenceAgreesWithReplay(t *testing.T) {
	s := newTestStore(t, Options{})
	registerSlot(t, s, "log", StateAppendLog, 3)

	for i := 1; i <= 10; i++ {
		_, err := s.UpdateState("log", StateOp{Op: "append", Value: testItem(i)})
		require.NoError(t, err)
	}
	// Background checkpoints drain on Close; reopen the read path after.
	require.NoError(t, s.Close())

	v, err := s.State("log")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3,4,5,6,7,8,9,10]`, string(v))
	assert.Greater(t, s.checkpoints.count(), uint64(0))
}

func TestState_UnregisteredSlotFails(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.State("ghost")
	assert.Equal(t, ErrCodeStateNotFound, CodeOf(err))
	_, err = s.UpdateState("ghost", StateOp{Op: "set", Value: []byte(`1`)})
	assert.Equal(t, ErrCodeStateNotFound, CodeOf(err))
}
