package loom

// Visibility: Visible(b, n) is the union of b's local records in
// (branchPoint, n] and Visible(parent, min(n, branchPoint)). The min clamp
// matters: querying a child below its branch point must not pull ancestor
// records past the point the child actually forked from.

// localRange returns local records with sequence in (from, to], clamped to
// the branch's own range. Caller holds the forest read lock.
func (b *branchState) localRange(from, to Sequence) []*Record {
	if from < b.base {
		from = b.base
	}
	if to > b.Head {
		to = b.Head
	}
	if to <= from {
		return nil
	}
	lo := int(from - b.base)
	hi := int(to - b.base)
	return b.records[lo:hi]
}

// segment is one (branch, upper bound) step of an ancestry walk.
type segment struct {
	b  *branchState
	to Sequence
}

// chainLocked resolves the ancestry chain for Visible(b, to), child first.
// A deleted ancestor fails the whole query with AncestorMissing.
func (f *forest) chainLocked(b *branchState, to Sequence) ([]segment, error) {
	var segs []segment
	cur, limit := b, to
	for {
		segs = append(segs, segment{cur, limit})
		if cur.Parent == 0 {
			return segs, nil
		}
		p, ok := f.byID[cur.Parent]
		if !ok {
			return nil, errAncestorMissing(cur.Name, cur.Parent)
		}
		if cur.BranchPoint < limit {
			limit = cur.BranchPoint
		}
		cur = p
	}
}

// visibleLocked returns Visible(b, to) in causal order: ancestor records
// first, each branch's records in ascending sequence.
func (f *forest) visibleLocked(b *branchState, to Sequence) ([]*Record, error) {
	segs, err := f.chainLocked(b, to)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for i := len(segs) - 1; i >= 0; i-- {
		out = append(out, segs[i].b.localRange(segs[i].b.base, segs[i].to)...)
	}
	return out, nil
}

// visible is the full-reconstruction query shape: every record visible to
// the branch at sequence to, for cold-start folds. With reverse set the
// order flips to nearest-to-to first, for tail reads that never scan the
// whole history.
func (f *forest) visible(b *branchState, to Sequence, reverse bool) ([]*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if to > b.Head {
		return nil, errInvalidSequence(b.Name, to, b.Head)
	}
	out, err := f.visibleLocked(b, to)
	if err != nil {
		return nil, err
	}
	out = cloneRecords(out)
	if reverse {
		reverseRecords(out)
	}
	return out, nil
}

// delta is the incremental query shape: only b's local records in
// (from, to], for warm folds against a cached state.
func (f *forest) delta(b *branchState, from, to Sequence, reverse bool) ([]*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if to > b.Head {
		return nil, errInvalidSequence(b.Name, to, b.Head)
	}
	out := cloneRecords(b.localRange(from, to))
	if reverse {
		reverseRecords(out)
	}
	return out, nil
}

// visibleCount returns |Visible(b, to)| without copying records.
func (f *forest) visibleCount(b *branchState, to Sequence) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	segs, err := f.chainLocked(b, to)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sg := range segs {
		n += len(sg.b.localRange(sg.b.base, sg.to))
	}
	return n, nil
}

func cloneRecords(rs []*Record) []*Record {
	out := make([]*Record, len(rs))
	for i, r := range rs {
		out[i] = r.clone()
	}
	return out
}

func reverseRecords(rs []*Record) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}

// QueryOptions filters a paged record query over a branch's visible set.
// FromSeq/ToSeq bound the record sequences inclusively; nil means
// unbounded. Offset/Limit page through the filtered set; offsets are only
// stable across calls while no concurrent append happens.
type QueryOptions struct {
	Types   []string
	FromSeq *Sequence
	ToSeq   *Sequence
	Limit   int
	Offset  int

	// Reverse returns records nearest the upper boundary first.
	Reverse bool
}

// QueryPage is one page of query results.
type QueryPage struct {
	Records []*Record
	HasMore bool
}

// queryPage filters and pages the visible set of b at its head.
func (f *forest) queryPage(b *branchState, opts QueryOptions) (QueryPage, error) {
	f.mu.RLock()
	head := b.Head
	all, err := f.visibleLocked(b, head)
	if err != nil {
		f.mu.RUnlock()
		return QueryPage{}, err
	}

	var typeSet map[string]bool
	if len(opts.Types) > 0 {
		typeSet = make(map[string]bool, len(opts.Types))
		for _, t := range opts.Types {
			typeSet[t] = true
		}
	}

	var filtered []*Record
	for _, r := range all {
		if typeSet != nil && !typeSet[r.Type] {
			continue
		}
		if opts.FromSeq != nil && r.Sequence < *opts.FromSeq {
			continue
		}
		if opts.ToSeq != nil && r.Sequence > *opts.ToSeq {
			continue
		}
		filtered = append(filtered, r)
	}
	filtered = cloneRecords(filtered)
	f.mu.RUnlock()

	if opts.Reverse {
		reverseRecords(filtered)
	}

	start := opts.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return QueryPage{
		Records: filtered[start:end],
		HasMore: end < len(filtered),
	}, nil
}
