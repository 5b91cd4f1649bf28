package durable

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/internal/loom"
	"github.com/loomdb/loom/internal/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newMemoryStore(t *testing.T) *loom.Store {
	t.Helper()
	s := loom.Open(loom.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesPragmas(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, db.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, db.verifyPragma("busy_timeout", "5000"))
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := newMemoryStore(t)

	r1, err := s.Append(loom.RecordInput{Type: "event", Payload: testutil.MustJSON(t, map[string]int{"n": 1})})
	require.NoError(t, err)
	_, err = s.Append(loom.RecordInput{
		Type:     "event",
		Payload:  testutil.MustJSON(t, map[string]int{"n": 2}),
		CausedBy: []loom.RecordID{r1.ID},
	})
	require.NoError(t, err)
	_, err = s.CreateBranch("feature", loom.MainBranch, nil)
	require.NoError(t, err)

	require.NoError(t, db.Save(ctx, s.Export()))
	branches, err := db.Load(ctx)
	require.NoError(t, err)

	restored := loom.Restore(loom.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, branches)
	defer restored.Close()

	assert.Equal(t, s.Stats().RecordCount, restored.Stats().RecordCount)
	assert.Equal(t, s.Stats().BranchCount, restored.Stats().BranchCount)

	got, err := restored.GetRecord(r1.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.Sequence, got.Sequence)
	assert.Equal(t, r1.Timestamp, got.Timestamp)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))

	effects, err := restored.Effects(r1.ID)
	require.NoError(t, err)
	assert.Len(t, effects, 1)
}

func TestSave_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := newMemoryStore(t)
	_, err := s.Append(loom.RecordInput{Type: "event", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, db.Save(ctx, s.Export()))
	require.NoError(t, db.Save(ctx, s.Export()))

	branches, err := db.Load(ctx)
	require.NoError(t, err)
	total := 0
	for _, b := range branches {
		total += len(b.Records)
	}
	assert.Equal(t, 1, total)
}

func TestSave_UpdatesHeads(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := newMemoryStore(t)

	_, err := s.Append(loom.RecordInput{Type: "event", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, s.Export()))

	_, err = s.Append(loom.RecordInput{Type: "event", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, s.Export()))

	branches, err := db.Load(ctx)
	require.NoError(t, err)
	for _, b := range branches {
		if b.Branch.Name == loom.MainBranch {
			assert.Equal(t, loom.Sequence(2), b.Branch.Head)
			assert.Len(t, b.Records, 2)
		}
	}
}

func TestSaveLoad_CurrentBranchSurvives(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := newMemoryStore(t)

	_, err := s.CreateBranch("feature", loom.MainBranch, nil)
	require.NoError(t, err)
	_, err = s.SwitchBranch("feature")
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, s.Export()))

	branches, err := db.Load(ctx)
	require.NoError(t, err)
	restored := loom.Restore(loom.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, branches)
	defer restored.Close()
	assert.Equal(t, "feature", restored.CurrentBranch().Name)

	// Switching back is persisted by the next save, not sticky.
	_, err = s.SwitchBranch(loom.MainBranch)
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, s.Export()))
	branches, err = db.Load(ctx)
	require.NoError(t, err)
	again := loom.Restore(loom.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, branches)
	defer again.Close()
	assert.Equal(t, loom.MainBranch, again.CurrentBranch().Name)
}

func TestSave_PrunesDeletedBranches(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := newMemoryStore(t)

	_, err := s.CreateBranch("scratch", loom.MainBranch, nil)
	require.NoError(t, err)
	_, err = s.AppendTo("scratch", loom.RecordInput{Type: "event", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, s.Export()))

	require.NoError(t, s.DeleteBranch("scratch"))
	require.NoError(t, db.Save(ctx, s.Export()))

	branches, err := db.Load(ctx)
	require.NoError(t, err)
	for _, b := range branches {
		assert.NotEqual(t, "scratch", b.Branch.Name)
	}
}

func TestSaveLoad_EmbeddedLoomPathsSurvive(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := newMemoryStore(t)

	chat, err := s.Embed(loom.Path{"chat"})
	require.NoError(t, err)
	_, err = chat.Append(loom.MainBranch, loom.RecordInput{Type: "msg", Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)

	require.NoError(t, db.Save(ctx, s.Export()))
	branches, err := db.Load(ctx)
	require.NoError(t, err)

	restored := loom.Restore(loom.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, branches)
	defer restored.Close()

	emb, err := restored.Loom(loom.Path{"chat"})
	require.NoError(t, err)
	rs, err := emb.Visible(loom.MainBranch, 1, false)
	require.NoError(t, err)
	assert.Len(t, rs, 1)

	heads, err := restored.HeadsOf(loom.Path{"chat"}, restored.ControlHead())
	require.NoError(t, err)
	assert.Equal(t, loom.Sequence(1), heads[loom.MainBranch])
}
