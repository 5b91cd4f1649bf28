package durable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomdb/loom/internal/loom"
)

// Load reads every branch with its records, in sequence order, ready for
// loom.Restore.
func (d *DB) Load(ctx context.Context) ([]loom.ExportedBranch, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, path, head, parent, branch_point, created_us, is_current
		FROM branches
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load: query branches: %w", err)
	}
	defer rows.Close()

	var out []loom.ExportedBranch
	for rows.Next() {
		var (
			b        loom.Branch
			id       uint64
			pathJSON string
			head     uint64
			parent   uint64
			point    uint64
			current  bool
		)
		if err := rows.Scan(&id, &b.Name, &pathJSON, &head, &parent, &point, &b.Created, &current); err != nil {
			return nil, fmt.Errorf("load: scan branch: %w", err)
		}
		if err := json.Unmarshal([]byte(pathJSON), &b.Path); err != nil {
			return nil, fmt.Errorf("load: decode branch path: %w", err)
		}
		b.ID = loom.BranchID(id)
		b.Head = loom.Sequence(head)
		b.Parent = loom.BranchID(parent)
		b.BranchPoint = loom.Sequence(point)
		out = append(out, loom.ExportedBranch{Branch: b, Current: current})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load: iterate branches: %w", err)
	}

	for i := range out {
		records, err := d.loadRecords(ctx, out[i].Branch.ID)
		if err != nil {
			return nil, err
		}
		out[i].Records = records
	}
	return out, nil
}

func (d *DB) loadRecords(ctx context.Context, branch loom.BranchID) ([]*loom.Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, seq, type, payload, encoding, caused_by, linked_to, ts_us
		FROM records
		WHERE branch_id = ?
		ORDER BY seq
	`, uint64(branch))
	if err != nil {
		return nil, fmt.Errorf("load: query records: %w", err)
	}
	defer rows.Close()

	var out []*loom.Record
	for rows.Next() {
		var (
			r        loom.Record
			id       string
			seq      uint64
			encoding string
			causedBy string
			linkedTo string
		)
		if err := rows.Scan(&id, &seq, &r.Type, &r.Payload, &encoding, &causedBy, &linkedTo, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("load: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(causedBy), &r.CausedBy); err != nil {
			return nil, fmt.Errorf("load: decode caused_by: %w", err)
		}
		if err := json.Unmarshal([]byte(linkedTo), &r.LinkedTo); err != nil {
			return nil, fmt.Errorf("load: decode linked_to: %w", err)
		}
		r.ID = loom.RecordID(id)
		r.Branch = branch
		r.Sequence = loom.Sequence(seq)
		r.Encoding = loom.PayloadEncoding(encoding)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load: iterate records: %w", err)
	}
	return out, nil
}
