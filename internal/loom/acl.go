package loom

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Access control is itself event-sourced: grants and revokes are records
// on the host control branch, folded into a rule table the same way any
// other derived state is, checkpoints included. A grant on a path covers
// the whole subtree beneath it; a revoke removes the grant at exactly the
// path it names.

// AccessMode is a subset of "rw".
type AccessMode string

const (
	ModeRead      AccessMode = "r"
	ModeWrite     AccessMode = "w"
	ModeReadWrite AccessMode = "rw"

	// WildcardSubject matches every subject.
	WildcardSubject = "*"
)

// aclChange is the wire form of grant and revoke payloads.
type aclChange struct {
	Subject string     `json:"subject"`
	Path    Path       `json:"path,omitempty"`
	Mode    AccessMode `json:"mode,omitempty"`
}

// Grant appends an acl:grant record for subject over path (and its
// subtree). Grants bypass the permission boundary so a store is never
// locked out of administering itself.
func (s *Store) Grant(subject string, path Path, mode AccessMode) (*Record, error) {
	return s.appendACL(GrantType, aclChange{Subject: subject, Path: path, Mode: mode})
}

// Revoke appends an acl:revoke record removing subject's grant at path.
func (s *Store) Revoke(subject string, path Path) (*Record, error) {
	return s.appendACL(RevokeType, aclChange{Subject: subject, Path: path})
}

func (s *Store) appendACL(typ string, ch aclChange) (*Record, error) {
	if ch.Subject == "" {
		return nil, errInvalidOperation("acl change needs a subject")
	}
	payload, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("encode acl change: %w", err)
	}
	ctl, err := s.forest.get(nil, ControlBranch)
	if err != nil {
		return nil, err
	}
	r, err := s.appendOn(ctl, RecordInput{Type: typ, Payload: payload, Encoding: EncodingJSON})
	if err != nil {
		return nil, err
	}
	s.acl.bump(ctl, r.Sequence)
	return r, nil
}

const aclKind = "acl"

// aclKey joins subject and path into a rule-table key. NUL cannot occur
// in the length-prefixed path encoding, so the join is unambiguous.
func aclKey(subject string, path Path) string {
	return subject + "\x00" + path.Key()
}

// aclFolder folds grant and revoke records into a JSON rule table of
// aclKey to mode.
type aclFolder struct{}

func (aclFolder) Seed() []byte { return []byte("{}") }

func (aclFolder) Apply(state []byte, r *Record) ([]byte, error) {
	if r.Type != GrantType && r.Type != RevokeType {
		return state, nil
	}
	var ch aclChange
	if err := json.Unmarshal(r.Payload, &ch); err != nil {
		return nil, fmt.Errorf("decode acl change %s: %w", shortID(r.ID), err)
	}
	rules := map[string]AccessMode{}
	if err := json.Unmarshal(state, &rules); err != nil {
		return nil, fmt.Errorf("decode acl state: %w", err)
	}
	key := aclKey(ch.Subject, ch.Path)
	if r.Type == GrantType {
		rules[key] = ch.Mode
	} else {
		delete(rules, key)
	}
	return json.Marshal(rules)
}

// permissionStore answers CanRead/CanWrite against the folded rule table
// at the control branch head.
type permissionStore struct {
	s *Store

	mu    sync.Mutex
	count uint64
}

func newPermissionStore(s *Store) *permissionStore {
	return &permissionStore{s: s}
}

// bump drives the acl checkpoint cadence, one count per change record.
func (p *permissionStore) bump(ctl *branchState, upTo Sequence) {
	every := p.s.opts.CheckpointEvery
	if every == 0 {
		return
	}
	p.mu.Lock()
	p.count++
	due := p.count%every == 0
	p.mu.Unlock()
	if due {
		p.s.checkpointAsync(ctl, upTo, aclKind, aclFolder{})
	}
}

func (p *permissionStore) rules() (map[string]AccessMode, error) {
	ctl, err := p.s.forest.get(nil, ControlBranch)
	if err != nil {
		return nil, err
	}
	p.s.forest.mu.RLock()
	head := ctl.Head
	p.s.forest.mu.RUnlock()

	state, err := reconstruct(p.s.forest, p.s.checkpoints, ctl, head, aclKind, aclFolder{}, p.s.logger)
	if err != nil {
		return nil, err
	}
	rules := map[string]AccessMode{}
	if err := json.Unmarshal(state, &rules); err != nil {
		return nil, fmt.Errorf("decode acl state: %w", err)
	}
	return rules, nil
}

// CanRead reports whether subject may read at path. A grant on any prefix
// of path, for the subject or the wildcard, is sufficient.
func (p *permissionStore) CanRead(subject string, path Path) bool {
	return p.allows(subject, path, "r")
}

// CanWrite reports whether subject may write at path.
func (p *permissionStore) CanWrite(subject string, path Path) bool {
	return p.allows(subject, path, "w")
}

func (p *permissionStore) allows(subject string, path Path, want string) bool {
	rules, err := p.rules()
	if err != nil {
		p.s.logger.Error("acl rule fold failed, denying", "error", err)
		return false
	}
	for i := 0; i <= len(path); i++ {
		prefix := path[:i]
		for _, sub := range []string{subject, WildcardSubject} {
			if mode, ok := rules[aclKey(sub, prefix)]; ok {
				if strings.Contains(string(mode), want) {
					return true
				}
			}
		}
	}
	return false
}
