package loom

import (
	"sort"
	"sync"
)

// recordLog is the flat, indexed arena of records. Relations are kept as
// ID sets rather than live references so the garbage collector can reason
// about reachability without chasing object graphs.
//
// The log indexes a record before the owning branch advances its head, so
// a reader either sees a fully formed record or none at all.
type recordLog struct {
	mu        sync.RWMutex
	byID      map[RecordID]*Record
	byType    map[string][]RecordID
	effects   map[RecordID][]RecordID // reverse of CausedBy
	backlinks map[RecordID][]RecordID // reverse of LinkedTo
	bytes     uint64
}

func newRecordLog() *recordLog {
	return &recordLog{
		byID:      make(map[RecordID]*Record),
		byType:    make(map[string][]RecordID),
		effects:   make(map[RecordID][]RecordID),
		backlinks: make(map[RecordID][]RecordID),
	}
}

// add indexes a committed record. Idempotent: re-adding an existing ID is
// a no-op, which is what makes anti-entropy apply safe to repeat.
func (l *recordLog) add(r *Record) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[r.ID]; ok {
		return false
	}
	l.byID[r.ID] = r
	l.byType[r.Type] = append(l.byType[r.Type], r.ID)
	for _, cause := range r.CausedBy {
		l.effects[cause] = append(l.effects[cause], r.ID)
	}
	for _, link := range r.LinkedTo {
		l.backlinks[link] = append(l.backlinks[link], r.ID)
	}
	l.bytes += uint64(len(r.Payload))
	return true
}

// get returns a copy of the record with the given ID.
func (l *recordLog) get(id RecordID) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.byID[id]
	if !ok {
		return nil, errRecordNotFound(id)
	}
	return r.clone(), nil
}

// has reports whether the ID is indexed.
func (l *recordLog) has(id RecordID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byID[id]
	return ok
}

// effectsOf returns IDs of records whose CausedBy lists id.
func (l *recordLog) effectsOf(id RecordID) []RecordID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]RecordID(nil), l.effects[id]...)
}

// linksTo returns IDs of records whose LinkedTo lists id.
func (l *recordLog) linksTo(id RecordID) []RecordID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]RecordID(nil), l.backlinks[id]...)
}

// idsOfType returns the IDs indexed under a record type, in append order.
func (l *recordLog) idsOfType(t string) []RecordID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]RecordID(nil), l.byType[t]...)
}

// count returns the number of indexed records.
func (l *recordLog) count() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.byID))
}

// payloadBytes returns the total payload size across indexed records.
func (l *recordLog) payloadBytes() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bytes
}

// snapshotIDs returns every indexed ID. Used by the garbage collector's
// copy-on-scan pass.
func (l *recordLog) snapshotIDs() []RecordID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]RecordID, 0, len(l.byID))
	for id := range l.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// remove drops the given IDs from all indexes. Only the garbage collector
// calls this, with a barrier against concurrent appends.
func (l *recordLog) remove(dead map[RecordID]bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id := range dead {
		r, ok := l.byID[id]
		if !ok {
			continue
		}
		delete(l.byID, id)
		l.byType[r.Type] = dropID(l.byType[r.Type], id)
		for _, cause := range r.CausedBy {
			l.effects[cause] = dropID(l.effects[cause], id)
		}
		for _, link := range r.LinkedTo {
			l.backlinks[link] = dropID(l.backlinks[link], id)
		}
		l.bytes -= uint64(len(r.Payload))
		removed++
	}
	return removed
}

func dropID(ids []RecordID, id RecordID) []RecordID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
