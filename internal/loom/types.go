package loom

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sequence is a position in a branch's log. Sequences start at 1;
// zero means "before the first record" (an empty branch head).
type Sequence uint64

// Next returns the following sequence.
func (s Sequence) Next() Sequence { return s + 1 }

// Prev returns the preceding sequence and false at zero.
func (s Sequence) Prev() (Sequence, bool) {
	if s == 0 {
		return 0, false
	}
	return s - 1, true
}

func (s Sequence) String() string { return strconv.FormatUint(uint64(s), 10) }

// RecordID uniquely identifies a record.
//
// IDs are UUIDv7 strings, globally unique by construction. This is what
// makes the embedding ID map the identity: a record keeps the same ID no
// matter how deeply its loom is nested.
type RecordID string

// NewRecordID returns a fresh time-ordered record ID.
func NewRecordID() RecordID {
	return RecordID(uuid.Must(uuid.NewV7()).String())
}

func (id RecordID) String() string { return string(id) }

// BranchID identifies a branch within one store. IDs are assigned by the
// forest starting at 1; zero means "no branch".
type BranchID uint64

func (id BranchID) String() string { return strconv.FormatUint(uint64(id), 10) }

// PayloadEncoding declares how a record payload is encoded.
type PayloadEncoding string

const (
	EncodingJSON PayloadEncoding = "json"
	EncodingRaw  PayloadEncoding = "raw"
)

// Record is a single immutable entry in the log. Once committed no field
// is ever mutated; consumers receive copies.
type Record struct {
	ID       RecordID
	Sequence Sequence
	Branch   BranchID
	Type     string
	Payload  []byte
	Encoding PayloadEncoding

	// CausedBy is the hard causal dependency set: these records must stay
	// alive as long as this one does.
	CausedBy []RecordID

	// LinkedTo is a soft, non-owning reference set.
	LinkedTo []RecordID

	// Timestamp is microseconds since the Unix epoch.
	Timestamp int64
}

// clone returns a deep copy safe to hand to callers.
func (r *Record) clone() *Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.CausedBy = append([]RecordID(nil), r.CausedBy...)
	c.LinkedTo = append([]RecordID(nil), r.LinkedTo...)
	return &c
}

// RecordInput carries the caller-supplied parts of a record. ID, sequence,
// branch and timestamp are assigned by the store on append.
type RecordInput struct {
	Type     string
	Payload  []byte
	Encoding PayloadEncoding
	CausedBy []RecordID
	LinkedTo []RecordID
}

// Branch is branch metadata. Local records occupy the sequence range
// (BranchPoint, Head], or [1, Head] for roots.
type Branch struct {
	ID     BranchID
	Name   string
	Path   Path
	Head   Sequence
	Parent BranchID // zero for root branches
	// BranchPoint is the parent sequence this branch forked from.
	// Meaningful only when Parent is non-zero; immutable after creation.
	BranchPoint Sequence
	Created     int64
}

// IsRoot reports whether the branch has no parent.
func (b *Branch) IsRoot() bool { return b.Parent == 0 }

// QualifiedName renders the branch name with its loom path for display.
func (b *Branch) QualifiedName() string {
	if len(b.Path) == 0 {
		return b.Name
	}
	return b.Path.String() + "/" + b.Name
}

// Path is a loom path: an ordered sequence of loom identifiers used to
// namespace one loom inside another. Composition is concatenation.
type Path []string

// Join concatenates two paths. ns(p1, ns(p2, name)) == ns(p1++p2, name)
// holds because Join is plain concatenation, never string splicing.
func (p Path) Join(q Path) Path {
	out := make(Path, 0, len(p)+len(q))
	out = append(out, p...)
	out = append(out, q...)
	return out
}

// Child extends the path by one loom identifier.
func (p Path) Child(name string) Path { return p.Join(Path{name}) }

// Key renders the path as a collision-free map key. Elements are
// length-prefixed so "a/b"+"c" and "a"+"b/c" never collide.
func (p Path) Key() string {
	var sb strings.Builder
	for _, el := range p {
		sb.WriteString(strconv.Itoa(len(el)))
		sb.WriteByte(':')
		sb.WriteString(el)
	}
	return sb.String()
}

// String renders the path for display only. Not a key; see Key.
func (p Path) String() string { return strings.Join(p, "/") }

// Equal reports element-wise equality.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Control-log record types. Envelopes land on the control branch of the
// outer store, never on the embedded loom's own branches.
const (
	EnvelopeAppend  = "loom:append"
	EnvelopeBranch  = "loom:branch"
	EnvelopeMerge   = "loom:merge"
	EnvelopeArchive = "loom:archive"

	GrantType  = "acl:grant"
	RevokeType = "acl:revoke"
)

// Envelope is the payload of a control-log record describing one mutation
// of an embedded loom.
type Envelope struct {
	Kind string `json:"kind"`
	Loom Path   `json:"loom"`

	// loom:append
	Branch   string   `json:"branch,omitempty"`
	Seq      Sequence `json:"seq,omitempty"`
	RecordID RecordID `json:"record_id,omitempty"`

	// loom:branch
	Name   string   `json:"name,omitempty"`
	Parent string   `json:"parent,omitempty"`
	At     Sequence `json:"at,omitempty"`

	// loom:merge
	Into          string   `json:"into,omitempty"`
	Left          string   `json:"left,omitempty"`
	Right         string   `json:"right,omitempty"`
	MergeRecordID RecordID `json:"merge_record_id,omitempty"`
}

// Stats summarizes a store.
type Stats struct {
	RecordCount     uint64 `json:"record_count"`
	BlobCount       uint64 `json:"blob_count"`
	BranchCount     uint64 `json:"branch_count"`
	StateSlotCount  uint64 `json:"state_slot_count"`
	CheckpointCount uint64 `json:"checkpoint_count"`
	TotalSizeBytes  uint64 `json:"total_size_bytes"`
	BlobSizeBytes   uint64 `json:"blob_size_bytes"`
}

// Heads maps embedded branch names to their head sequence as of some outer
// sequence. The zero value is an empty map.
type Heads map[string]Sequence

// Clone returns a copy; folding mutates, callers get stable snapshots.
func (h Heads) Clone() Heads {
	out := make(Heads, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// nowMicros is the record timestamp source.
func nowMicros() int64 { return time.Now().UnixMicro() }

// shortID abbreviates a record ID for log lines.
func shortID(id RecordID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
