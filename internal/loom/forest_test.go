package loom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBranch_ForksAtParentHead(t *testing.T) {
	s := newTestStore(t, Options{})
	mustAppend(t, s, MainBranch, "event", `{}`)
	mustAppend(t, s, MainBranch, "event", `{}`)

	b, err := s.CreateBranch("feature", MainBranch, nil)
	require.NoError(t, err)
	assert.Equal(t, Sequence(2), b.BranchPoint)
	assert.Equal(t, Sequence(2), b.Head)
	assert.False(t, b.IsRoot())
}

func TestCreateBranch_ForksAtExplicitPoint(t *testing.T) {
	s := newTestStore(t, Options{})
	for i := 0; i < 5; i++ {
		mustAppend(t, s, MainBranch, "event", `{}`)
	}

	b, err := s.CreateBranch("feature", MainBranch, seqPtr(3))
	require.NoError(t, err)
	assert.Equal(t, Sequence(3), b.BranchPoint)
	assert.Equal(t, Sequence(3), b.Head)
}

func TestCreateBranch_RejectsPointBeyondHead(t *testing.T) {
	s := newTestStore(t, Options{})
	mustAppend(t, s, MainBranch, "event", `{}`)

	_, err := s.CreateBranch("feature", MainBranch, seqPtr(9))
	assert.Equal(t, ErrCodeInvalidBranchPoint, CodeOf(err))
}

func TestCreateBranch_RejectsDuplicateName(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.CreateBranch("feature", MainBranch, nil)
	require.NoError(t, err)

	_, err = s.CreateBranch("feature", MainBranch, nil)
	assert.Equal(t, ErrCodeBranchExists, CodeOf(err))
}

func TestCreateBranch_RejectsUnknownParent(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.CreateBranch("feature", "ghost", nil)
	assert.Equal(t, ErrCodeBranchNotFound, CodeOf(err))
}

func TestCreateBranch_RejectsControlName(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.CreateBranch(ControlBranch, MainBranch, nil)
	assert.Equal(t, ErrCodeBranchExists, CodeOf(err))
}

func TestCreateBranch_DefaultsToCurrentParent(t *testing.T) {
	s := newTestStore(t, Options{})
	mustAppend(t, s, MainBranch, "event", `{}`)

	b, err := s.CreateBranch("feature", "", nil)
	require.NoError(t, err)
	assert.Equal(t, Sequence(1), b.BranchPoint)
}

func TestSwitchBranch_ChangesCurrent(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.CreateBranch("feature", MainBranch, nil)
	require.NoError(t, err)

	b, err := s.SwitchBranch("feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", b.Name)
	assert.Equal(t, "feature", s.CurrentBranch().Name)

	_, err = s.SwitchBranch("ghost")
	assert.Equal(t, ErrCodeBranchNotFound, CodeOf(err))
}

func TestDeleteBranch_ProtectsMainControlAndCurrent(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.CreateBranch("feature", MainBranch, nil)
	require.NoError(t, err)
	_, err = s.SwitchBranch("feature")
	require.NoError(t, err)

	assert.Equal(t, ErrCodeProtectedBranch, CodeOf(s.DeleteBranch(MainBranch)))
	assert.Equal(t, ErrCodeProtectedBranch, CodeOf(s.DeleteBranch(ControlBranch)))
	assert.Equal(t, ErrCodeProtectedBranch, CodeOf(s.DeleteBranch("feature"))) // current

	_, err = s.SwitchBranch(MainBranch)
	require.NoError(t, err)
	require.NoError(t, s.DeleteBranch("feature"))
	assert.Equal(t, ErrCodeBranchNotFound, CodeOf(s.DeleteBranch("feature")))
}

func TestDeleteBranch_DescendantsDangle(t *testing.T) {
	s := newTestStore(t, Options{})
	mustAppend(t, s, MainBranch, "event", `{}`)
	_, err := s.CreateBranch("mid", MainBranch, nil)
	require.NoError(t, err)
	mustAppend(t, s, "mid", "event", `{}`)
	_, err = s.CreateBranch("leaf", "mid", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteBranch("mid"))

	// The grandchild survives but ancestor-dependent reads fail loudly.
	_, err = s.Visible("leaf", 2, false)
	assert.Equal(t, ErrCodeAncestorMissing, CodeOf(err))
}

func TestBranches_SortedAndExcludesControl(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.CreateBranch("b1", MainBranch, nil)
	require.NoError(t, err)
	_, err = s.CreateBranch("b2", MainBranch, nil)
	require.NoError(t, err)

	names := []string{}
	for _, b := range s.Branches() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{MainBranch, "b1", "b2"}, names)
}
