package loom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqs extracts payloads appended as {"n":i} for order assertions.
func payloads(rs []*Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r.Payload)
	}
	return out
}

func appendNumbered(t *testing.T, s *Store, branch string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		mustAppend(t, s, branch, "event", fmt.Sprintf(`{"n":%d}`, i))
	}
}

func TestVisible_ForkSeesAncestorPrefix(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 5)

	_, err := s.CreateBranch("feature", MainBranch, seqPtr(3))
	require.NoError(t, err)
	mustAppend(t, s, "feature", "event", `{"n":100}`)

	// Records 4 and 5 on main stay invisible to the fork.
	rs, err := s.Visible("feature", 4, false)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":100}`}, payloads(rs))
}

func TestVisible_MinClampBelowBranchPoint(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 5)
	_, err := s.CreateBranch("feature", MainBranch, seqPtr(3))
	require.NoError(t, err)

	// Querying the fork at 2 must not pull main's records past 2.
	rs, err := s.Visible("feature", 2, false)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, payloads(rs))
}

func TestVisible_GrandchildClampsThroughChain(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 4)
	_, err := s.CreateBranch("child", MainBranch, seqPtr(2))
	require.NoError(t, err)
	mustAppend(t, s, "child", "event", `{"n":10}`) // seq 3 on child
	_, err = s.CreateBranch("grandchild", "child", nil)
	require.NoError(t, err)
	mustAppend(t, s, "grandchild", "event", `{"n":20}`) // seq 4 on grandchild

	rs, err := s.Visible("grandchild", 4, false)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":10}`, `{"n":20}`}, payloads(rs))
}

func TestVisible_DivergenceIsolation(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 3)
	_, err := s.CreateBranch("feature", MainBranch, nil)
	require.NoError(t, err)

	mustAppend(t, s, MainBranch, "event", `{"side":"main"}`)
	mustAppend(t, s, "feature", "event", `{"side":"feature"}`)

	mainSet, err := s.Visible(MainBranch, 4, false)
	require.NoError(t, err)
	featSet, err := s.Visible("feature", 4, false)
	require.NoError(t, err)

	assert.Equal(t, `{"side":"main"}`, string(mainSet[3].Payload))
	assert.Equal(t, `{"side":"feature"}`, string(featSet[3].Payload))
}

func TestVisible_BeyondHeadFails(t *testing.T) {
	s := newTestStore(t, Options{})
	mustAppend(t, s, MainBranch, "event", `{}`)

	_, err := s.Visible(MainBranch, 2, false)
	assert.Equal(t, ErrCodeInvalidSequence, CodeOf(err))
}

func TestVisible_ReverseOrder(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 3)

	rs, err := s.Visible(MainBranch, 3, true)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":3}`, `{"n":2}`, `{"n":1}`}, payloads(rs))
}

// TestVisible_MatchesBruteForce compares the ancestry-walk implementation
// with a naive recursive evaluation over a forest of forks.
func TestVisible_MatchesBruteForce(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 6)
	_, err := s.CreateBranch("a", MainBranch, seqPtr(4))
	require.NoError(t, err)
	appendNumbered(t, s, "a", 10, 12) // seqs 5..7 on a
	_, err = s.CreateBranch("b", "a", seqPtr(6))
	require.NoError(t, err)
	appendNumbered(t, s, "b", 20, 21) // seqs 7..8 on b

	type meta struct {
		parent string
		point  Sequence
	}
	forest := map[string]meta{
		MainBranch: {},
		"a":        {parent: MainBranch, point: 4},
		"b":        {parent: "a", point: 6},
	}
	var brute func(branch string, n Sequence) []string
	brute = func(branch string, n Sequence) []string {
		m := forest[branch]
		var out []string
		if m.parent != "" {
			limit := n
			if m.point < limit {
				limit = m.point
			}
			out = brute(m.parent, limit)
		}
		from := m.point
		locals, err := s.Delta(branch, from, n, false)
		require.NoError(t, err)
		return append(out, payloads(locals)...)
	}

	for _, tc := range []struct {
		branch string
		n      Sequence
	}{
		{MainBranch, 6}, {MainBranch, 3},
		{"a", 7}, {"a", 5}, {"a", 4}, {"a", 2},
		{"b", 8}, {"b", 7}, {"b", 6}, {"b", 3},
	} {
		got, err := s.Visible(tc.branch, tc.n, false)
		require.NoError(t, err, "%s@%d", tc.branch, tc.n)
		assert.Equal(t, brute(tc.branch, tc.n), payloads(got), "%s@%d", tc.branch, tc.n)
	}
}

func TestDelta_LocalRangeOnly(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 5)
	_, err := s.CreateBranch("feature", MainBranch, seqPtr(2))
	require.NoError(t, err)
	mustAppend(t, s, "feature", "event", `{"n":10}`)

	// Delta never crosses the branch point into the parent.
	rs, err := s.Delta("feature", 0, 3, false)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":10}`}, payloads(rs))
}

func TestQuery_FiltersAndPages(t *testing.T) {
	s := newTestStore(t, Options{})
	for i := 1; i <= 4; i++ {
		mustAppend(t, s, MainBranch, "odd", fmt.Sprintf(`{"n":%d}`, 2*i-1))
		mustAppend(t, s, MainBranch, "even", fmt.Sprintf(`{"n":%d}`, 2*i))
	}

	page, err := s.QueryBranch(MainBranch, QueryOptions{Types: []string{"even"}, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":2}`, `{"n":4}`, `{"n":6}`}, payloads(page.Records))
	assert.True(t, page.HasMore)

	page, err = s.QueryBranch(MainBranch, QueryOptions{Types: []string{"even"}, Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":8}`}, payloads(page.Records))
	assert.False(t, page.HasMore)
}

func TestQuery_SequenceBounds(t *testing.T) {
	s := newTestStore(t, Options{})
	appendNumbered(t, s, MainBranch, 1, 6)

	page, err := s.QueryBranch(MainBranch, QueryOptions{FromSeq: seqPtr(2), ToSeq: seqPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":2}`, `{"n":3}`, `{"n":4}`}, payloads(page.Records))

	page, err = s.QueryBranch(MainBranch, QueryOptions{Reverse: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":6}`, `{"n":5}`}, payloads(page.Records))
	assert.True(t, page.HasMore)
}
