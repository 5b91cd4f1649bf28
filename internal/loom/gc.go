package loom

import (
	"context"
	"encoding/json"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Garbage collection is three-tiered:
//
//   - Tier A, Archive: a loom:archive envelope marks a loom inactive.
//     Purely logical, nothing is removed.
//   - Tier B, Collect: mark-and-sweep over the record arena. The live set
//     is the closure over branch-ancestry edges, causedBy edges, and
//     (only when configured) linkedTo edges, rooted at current branch
//     heads, checkpoint blobs and caller pins.
//   - Tier C, CompactArchived: for an archived loom, keep the last
//     checkpoint per branch plus branch metadata and discard historical
//     records. Safe only because each loom's branches are namespace
//     isolated.

// Archive marks an embedded loom inactive (tier A).
func (s *Store) Archive(path Path) error {
	if err := s.checkWrite(path); err != nil {
		return err
	}
	if _, err := s.Loom(path); err != nil {
		return err
	}
	return s.emitEnvelope(Envelope{Kind: EnvelopeArchive, Loom: path})
}

// Archived reports whether an archive envelope exists for path.
func (s *Store) Archived(path Path) bool {
	for _, id := range s.log.idsOfType(EnvelopeArchive) {
		r, err := s.log.get(id)
		if err != nil {
			continue
		}
		var env Envelope
		if json.Unmarshal(r.Payload, &env) == nil && env.Loom.Equal(path) {
			return true
		}
	}
	return false
}

// GCResult summarizes one collection pass.
type GCResult struct {
	Scanned int
	Live    int
	Removed int
}

// Collect runs tier-B reachability collection. Pins are caller-supplied
// record IDs treated as additional roots.
//
// The arena snapshot is taken before the head snapshot. Appends index a
// record in the arena before advancing the branch head, so any record the
// sweep can see is either covered by a snapshotted head (and gets marked
// by the ancestry scan) or sits above it and is treated as an in-flight
// append: implicitly live, never swept. That ordering is the barrier that
// lets the closure run without blocking writers.
func (s *Store) Collect(ctx context.Context, pins []RecordID) (GCResult, error) {
	type span struct {
		b    *branchState
		head Sequence
	}

	all := s.log.snapshotIDs()

	s.forest.mu.RLock()
	spans := make([]span, 0, len(s.forest.byID))
	snapHeads := make(map[BranchID]Sequence, len(s.forest.byID))
	for _, b := range s.forest.byID {
		spans = append(spans, span{b, b.Head})
		snapHeads[b.ID] = b.Head
	}
	s.forest.mu.RUnlock()

	// Ancestry marking: everything visible from any live branch head is
	// live. Branches mark in parallel; dangling forks contribute nothing
	// beyond their own local records.
	live := make(map[RecordID]bool, len(all))
	results := make(chan []RecordID, len(spans))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, sp := range spans {
		sp := sp
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.forest.mu.RLock()
			rs, err := s.forest.visibleLocked(sp.b, sp.head)
			if err != nil {
				// Dangling ancestor: only the branch's own records are
				// reachable through it.
				rs = sp.b.localRange(sp.b.base, sp.head)
			}
			ids := make([]RecordID, len(rs))
			for i, r := range rs {
				ids[i] = r.ID
			}
			s.forest.mu.RUnlock()
			results <- ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return GCResult{}, err
	}
	close(results)
	for ids := range results {
		for _, id := range ids {
			live[id] = true
		}
	}

	// causedBy (and optional linkedTo) closure from roots and pins.
	queue := make([]RecordID, 0, len(live)+len(pins))
	for id := range live {
		queue = append(queue, id)
	}
	for _, id := range pins {
		if !live[id] {
			live[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		r, err := s.log.get(id)
		if err != nil {
			continue
		}
		refs := r.CausedBy
		if s.opts.GCFollowLinks {
			refs = append(refs, r.LinkedTo...)
		}
		for _, ref := range refs {
			if !live[ref] {
				live[ref] = true
				queue = append(queue, ref)
			}
		}
	}

	dead := make(map[RecordID]bool)
	for _, id := range all {
		if live[id] {
			continue
		}
		if r, err := s.log.get(id); err == nil {
			// Committed after the head snapshot: an in-flight append on a
			// live branch, not garbage.
			if head, ok := snapHeads[r.Branch]; ok && r.Sequence > head {
				continue
			}
		}
		dead[id] = true
	}
	removed := s.log.remove(dead)

	s.logger.Info("gc collect finished",
		"scanned", len(all), "live", len(live), "removed", removed)
	return GCResult{Scanned: len(all), Live: len(live), Removed: removed}, nil
}

// CompactResult summarizes a tier-C compaction.
type CompactResult struct {
	Branches           int
	RecordsDiscarded   int
	CheckpointsDropped int
}

// CompactArchived compacts an archived loom: historical records are
// discarded and only the newest checkpoint per branch kind survives,
// alongside branch metadata. Fails unless the loom was archived first.
func (s *Store) CompactArchived(path Path) (CompactResult, error) {
	if err := s.checkWrite(path); err != nil {
		return CompactResult{}, err
	}
	if !s.Archived(path) {
		return CompactResult{}, errInvalidOperation("loom " + path.String() + " is not archived")
	}

	var res CompactResult
	dead := make(map[RecordID]bool)
	var droppedCps []Checkpoint

	s.forest.mu.Lock()
	for _, b := range s.forest.byID {
		if !b.Path.Equal(path) {
			continue
		}
		res.Branches++
		for _, r := range b.records {
			dead[r.ID] = true
		}
		res.RecordsDiscarded += len(b.records)
		// Head stays where it was; the local range collapses to empty so
		// contiguity holds with zero records.
		b.records = nil
		b.base = b.Head
		dropped := s.checkpoints.dropBranch(b.ID, true)
		droppedCps = append(droppedCps, dropped...)
		res.CheckpointsDropped += len(dropped)
	}
	s.forest.mu.Unlock()

	s.checkpoints.releaseBlobs(droppedCps)
	s.log.remove(dead)
	s.logger.Info("gc compacted archived loom",
		"loom", path.String(), "branches", res.Branches,
		"records", res.RecordsDiscarded, "checkpoints", res.CheckpointsDropped)
	return res, nil
}
