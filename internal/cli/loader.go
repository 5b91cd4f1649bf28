package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/loomdb/loom/internal/blob"
	"github.com/loomdb/loom/internal/config"
	"github.com/loomdb/loom/internal/durable"
	"github.com/loomdb/loom/internal/loom"
)

// session is an opened store plus the durable handle it was loaded from.
// Commands mutate the store, then flush to persist.
type session struct {
	cfg   config.Config
	store *loom.Store
	db    *durable.DB
}

// openSession restores the store from the configured data directory,
// creating it on first use.
func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, "create data dir", err)
	}

	db, err := durable.Open(cfg.DatabasePath())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	branches, err := db.Load(ctx)
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "load store", err)
	}

	blobs, err := blob.NewDirStore(cfg.BlobDir(), cfg.BlobCacheSize)
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "open blob store", err)
	}

	store := loom.Restore(loom.Options{
		CheckpointEvery:    cfg.CheckpointEvery,
		SubscriptionBuffer: cfg.SubscriptionBuffer,
		StateCacheSize:     cfg.StateCacheSize,
		GCFollowLinks:      cfg.GC.FollowLinks,
		ACLEnabled:         cfg.ACL.Enabled,
		Subject:            cfg.ACL.Subject,
		Blobs:              blobs,
		Logger:             newLogger(cfg, opts.Verbose),
	}, branches)

	return &session{cfg: cfg, store: store, db: db}, nil
}

// flush persists the store and closes the session.
func (s *session) flush(ctx context.Context) error {
	defer s.db.Close()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if err := s.db.Save(ctx, s.store.Export()); err != nil {
		return WrapExitError(ExitCommandError, "persist store", err)
	}
	return nil
}

// close releases the session without persisting; for read-only commands.
func (s *session) close() {
	s.store.Close()
	s.db.Close()
}
