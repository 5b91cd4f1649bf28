package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomdb/loom/internal/loom"
)

// Save persists exported branches in one transaction. Record rows use
// ON CONFLICT(id) DO NOTHING for idempotency: records are immutable, so
// re-saving an already persisted prefix is a no-op. Branch heads are
// updated in place.
func (d *DB) Save(ctx context.Context, branches []loom.ExportedBranch) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := pruneDropped(ctx, tx, branches); err != nil {
		return err
	}

	for _, eb := range branches {
		pathJSON, err := json.Marshal(eb.Branch.Path)
		if err != nil {
			return fmt.Errorf("save: marshal path: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO branches
			(id, name, path, head, parent, branch_point, created_us, is_current)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				head = excluded.head,
				is_current = excluded.is_current
		`,
			uint64(eb.Branch.ID),
			eb.Branch.Name,
			string(pathJSON),
			uint64(eb.Branch.Head),
			uint64(eb.Branch.Parent),
			uint64(eb.Branch.BranchPoint),
			eb.Branch.Created,
			eb.Current,
		)
		if err != nil {
			return fmt.Errorf("save: write branch %q: %w", eb.Branch.Name, err)
		}

		for _, r := range eb.Records {
			causedBy, err := json.Marshal(r.CausedBy)
			if err != nil {
				return fmt.Errorf("save: marshal caused_by: %w", err)
			}
			linkedTo, err := json.Marshal(r.LinkedTo)
			if err != nil {
				return fmt.Errorf("save: marshal linked_to: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO records
				(id, branch_id, seq, type, payload, encoding, caused_by, linked_to, ts_us)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`,
				string(r.ID),
				uint64(r.Branch),
				uint64(r.Sequence),
				r.Type,
				r.Payload,
				string(r.Encoding),
				string(causedBy),
				string(linkedTo),
				r.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("save: write record %s: %w", r.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save: commit: %w", err)
	}
	return nil
}

// pruneDropped removes rows the in-memory store no longer carries:
// deleted branches with their records, and record prefixes discarded by
// compaction.
func pruneDropped(ctx context.Context, tx *sql.Tx, branches []loom.ExportedBranch) error {
	keep := make(map[uint64]loom.ExportedBranch, len(branches))
	for _, eb := range branches {
		keep[uint64(eb.Branch.ID)] = eb
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM branches`)
	if err != nil {
		return fmt.Errorf("save: query existing branches: %w", err)
	}
	var dropped []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("save: scan branch id: %w", err)
		}
		if _, ok := keep[id]; !ok {
			dropped = append(dropped, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("save: iterate branch ids: %w", err)
	}

	for _, id := range dropped {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE branch_id = ?`, id); err != nil {
			return fmt.Errorf("save: prune records of branch %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM branches WHERE id = ?`, id); err != nil {
			return fmt.Errorf("save: prune branch %d: %w", id, err)
		}
	}

	for id, eb := range keep {
		base := uint64(eb.Branch.Head) - uint64(len(eb.Records))
		if base == 0 {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE branch_id = ? AND seq <= ?
		`, id, base)
		if err != nil {
			return fmt.Errorf("save: prune compacted records of branch %d: %w", id, err)
		}
	}
	return nil
}
