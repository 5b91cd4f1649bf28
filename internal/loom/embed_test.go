package loom

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbed_CreatesMainAndControl(t *testing.T) {
	s := newTestStore(t, Options{})

	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)
	assert.Equal(t, Path{"chat"}, chat.Path())

	names := []string{}
	for _, b := range chat.Branches() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{MainBranch}, names)

	// Two branch envelopes landed on the host control log.
	assert.Equal(t, Sequence(2), s.ControlHead())
}

func TestEmbed_RejectsDuplicateAndOrphanPaths(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Embed(Path{"chat"})
	require.NoError(t, err)

	_, err = s.Embed(Path{"chat"})
	assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))

	_, err = s.Embed(Path{"missing", "child"})
	assert.Equal(t, ErrCodeLoomNotFound, CodeOf(err))

	_, err = s.Embed(nil)
	assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
}

func TestEmbed_AppendBehavesLikeStandalone(t *testing.T) {
	s := newTestStore(t, Options{})
	standalone := newTestStore(t, Options{})

	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		payload := fmt.Sprintf(`{"n":%d}`, i)
		er, err := chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(payload)})
		require.NoError(t, err)
		sr := mustAppend(t, standalone, MainBranch, "msg", payload)
		assert.Equal(t, sr.Sequence, er.Sequence)
	}

	_, err = chat.CreateBranch("draft", MainBranch, seqPtr(2))
	require.NoError(t, err)
	_, err = standalone.CreateBranch("draft", MainBranch, seqPtr(2))
	require.NoError(t, err)

	ev, err := chat.Visible("draft", 2, false)
	require.NoError(t, err)
	sv, err := standalone.Visible("draft", 2, false)
	require.NoError(t, err)
	assert.Equal(t, payloads(sv), payloads(ev))
}

func TestEmbed_HeadsTrackMutations(t *testing.T) {
	s := newTestStore(t, Options{})
	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	_, err = chat.CreateBranch("draft", MainBranch, seqPtr(2))
	require.NoError(t, err)

	heads, err := s.HeadsOf(Path{"chat"}, s.ControlHead())
	require.NoError(t, err)
	assert.Equal(t, Sequence(3), heads[MainBranch])
	assert.Equal(t, Sequence(2), heads["draft"])
}

func TestEmbed_HeadsAtEarlierOuterSeq(t *testing.T) {
	s := newTestStore(t, Options{})
	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)

	_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{}`)})
	require.NoError(t, err)
	mid := s.ControlHead()
	_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{}`)})
	require.NoError(t, err)

	heads, err := s.HeadsOf(Path{"chat"}, mid)
	require.NoError(t, err)
	assert.Equal(t, Sequence(1), heads[MainBranch])

	heads, err = s.HeadsOf(Path{"chat"}, s.ControlHead())
	require.NoError(t, err)
	assert.Equal(t, Sequence(2), heads[MainBranch])
}

func TestEmbed_NestedLoomResolvesLevelByLevel(t *testing.T) {
	s := newTestStore(t, Options{})
	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)
	thread, err := chat.Embed("thread")
	require.NoError(t, err)
	assert.Equal(t, Path{"chat", "thread"}, thread.Path())

	for i := 0; i < 2; i++ {
		_, err = thread.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	heads, err := s.HeadsOf(Path{"chat", "thread"}, s.ControlHead())
	require.NoError(t, err)
	assert.Equal(t, Sequence(2), heads[MainBranch])
}

func TestForkTimeline_FreezesEmbeddedHeads(t *testing.T) {
	s := newTestStore(t, Options{})
	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	frozen := s.ControlHead()
	tl, err := s.ForkTimeline("snapshot", nil)
	require.NoError(t, err)
	assert.Equal(t, frozen, tl.BranchPoint)

	// Mutations after the fork are invisible on the frozen timeline.
	for i := 0; i < 2; i++ {
		_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	heads, err := s.HeadsAt("snapshot", Path{"chat"}, frozen)
	require.NoError(t, err)
	assert.Equal(t, Sequence(3), heads[MainBranch])

	live, err := s.HeadsOf(Path{"chat"}, s.ControlHead())
	require.NoError(t, err)
	assert.Equal(t, Sequence(5), live[MainBranch])
}

func TestObserveAt_ReconstructsFrozenVisibleSets(t *testing.T) {
	s := newTestStore(t, Options{})
	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))})
		require.NoError(t, err)
	}
	frozen := s.ControlHead()
	_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{"n":4}`)})
	require.NoError(t, err)

	obs, err := s.Observe(Path{"chat"}, frozen)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, payloads(obs[MainBranch]))
}

func TestEmbed_EnvelopeCountPerNestingLevel(t *testing.T) {
	s := newTestStore(t, Options{})
	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)
	thread, err := chat.Embed("thread")
	require.NoError(t, err)

	before := s.Stats().RecordCount
	_, err = thread.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(`{}`)})
	require.NoError(t, err)

	// One real record plus one envelope per nesting level: the thread's
	// append lands on chat's control log, whose append lands on the host's.
	assert.Equal(t, before+3, s.Stats().RecordCount)
}

func TestEmbed_QueryAndDelta(t *testing.T) {
	s := newTestStore(t, Options{})
	chat, err := s.Embed(Path{"chat"})
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		_, err = chat.Append(MainBranch, RecordInput{Type: "msg", Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))})
		require.NoError(t, err)
	}

	page, err := chat.Query(MainBranch, QueryOptions{Limit: 2, Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":4}`, `{"n":3}`}, payloads(page.Records))

	delta, err := chat.Delta(MainBranch, 2, 4, false)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":3}`, `{"n":4}`}, payloads(delta))
}

func TestHeadsFold_OutOfOrderEnvelopesKeepNewestHead(t *testing.T) {
	f := headsFolder{path: Path{"chat"}}
	mk := func(seq Sequence) *Record {
		return &Record{
			ID:   NewRecordID(),
			Type: EnvelopeAppend,
			Payload: marshalEnvelope(Envelope{
				Kind:   EnvelopeAppend,
				Loom:   Path{"chat"},
				Branch: MainBranch,
				Seq:    seq,
			}),
		}
	}

	// Concurrent appends can land envelopes out of sequence order; the
	// folded head must be the max, not the last.
	state := f.Seed()
	var err error
	for _, seq := range []Sequence{1, 3, 2} {
		state, err = f.Apply(state, mk(seq))
		require.NoError(t, err)
	}

	heads := Heads{}
	require.NoError(t, json.Unmarshal(state, &heads))
	assert.Equal(t, Sequence(3), heads[MainBranch])
}
