package loom

// MergeType is the record type of merge records.
const MergeType = "merge"

// Resolver computes the merged payload from the two sides' visible
// record sets. Returning an error declines the merge; the caller sees it
// as a MergeConflict.
type Resolver func(left, right []*Record) ([]byte, error)

// Merge joins the heads of two host branches into a merge record on
// into. The record's causedBy set holds both head records, so the merge
// pins its parents for reachability.
func (s *Store) Merge(into, left, right string, resolver Resolver) (*Record, error) {
	if err := s.checkWrite(nil); err != nil {
		return nil, err
	}
	return s.mergeOn(nil, into, left, right, resolver)
}

// Merge joins two of the embedded loom's branches, emitting a loom:merge
// envelope on the parent's control log.
func (e *Embedded) Merge(into, left, right string, resolver Resolver) (*Record, error) {
	if err := e.store.checkWrite(e.path); err != nil {
		return nil, err
	}
	r, err := e.store.mergeOn(e.path, into, left, right, resolver)
	if err != nil {
		return nil, err
	}
	if err := e.store.emitEnvelope(Envelope{
		Kind:          EnvelopeMerge,
		Loom:          e.path,
		Into:          into,
		Left:          left,
		Right:         right,
		Seq:           r.Sequence,
		MergeRecordID: r.ID,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) mergeOn(path Path, into, left, right string, resolver Resolver) (*Record, error) {
	tb, err := s.forest.get(path, into)
	if err != nil {
		return nil, err
	}
	lb, err := s.forest.get(path, left)
	if err != nil {
		return nil, err
	}
	rb, err := s.forest.get(path, right)
	if err != nil {
		return nil, err
	}

	s.forest.mu.RLock()
	lHead, rHead := lb.Head, rb.Head
	s.forest.mu.RUnlock()

	leftSet, err := s.forest.visible(lb, lHead, false)
	if err != nil {
		return nil, err
	}
	rightSet, err := s.forest.visible(rb, rHead, false)
	if err != nil {
		return nil, err
	}

	payload, err := resolver(leftSet, rightSet)
	if err != nil {
		return nil, errMergeConflict(into, err)
	}

	var causedBy []RecordID
	if n := len(leftSet); n > 0 {
		causedBy = append(causedBy, leftSet[n-1].ID)
	}
	if n := len(rightSet); n > 0 {
		causedBy = append(causedBy, rightSet[n-1].ID)
	}

	return s.appendOn(tb, RecordInput{
		Type:     MergeType,
		Payload:  payload,
		Encoding: EncodingJSON,
		CausedBy: causedBy,
	})
}
