package loom

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// ErrCodeBranchNotFound indicates an unknown branch name or ID.
	ErrCodeBranchNotFound ErrorCode = "BRANCH_NOT_FOUND"

	// ErrCodeBranchExists indicates a branch name collision on create.
	ErrCodeBranchExists ErrorCode = "BRANCH_ALREADY_EXISTS"

	// ErrCodeInvalidBranchPoint indicates a fork point beyond the parent head.
	ErrCodeInvalidBranchPoint ErrorCode = "INVALID_BRANCH_POINT"

	// ErrCodeProtectedBranch indicates an attempt to delete the current,
	// main, or control branch.
	ErrCodeProtectedBranch ErrorCode = "CANNOT_DELETE_PROTECTED_BRANCH"

	// ErrCodeRecordNotFound indicates an unknown record ID.
	ErrCodeRecordNotFound ErrorCode = "RECORD_NOT_FOUND"

	// ErrCodeStateNotFound indicates an unregistered state slot.
	ErrCodeStateNotFound ErrorCode = "STATE_NOT_FOUND"

	// ErrCodeStateExists indicates a state slot registered twice.
	ErrCodeStateExists ErrorCode = "STATE_ALREADY_EXISTS"

	// ErrCodeInvalidSequence indicates an out-of-range sequence.
	ErrCodeInvalidSequence ErrorCode = "INVALID_SEQUENCE"

	// ErrCodeAncestorMissing indicates a dangling branch-point reference:
	// an ancestor was deleted after this branch forked from it.
	ErrCodeAncestorMissing ErrorCode = "ANCESTOR_MISSING"

	// ErrCodeMergeConflict indicates the merge resolver declined.
	ErrCodeMergeConflict ErrorCode = "MERGE_CONFLICT"

	// ErrCodePermissionDenied indicates an ACL check failed.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrCodeSubscriptionNotFound indicates an unknown subscription ID.
	ErrCodeSubscriptionNotFound ErrorCode = "SUBSCRIPTION_NOT_FOUND"

	// ErrCodeStorageCorruption indicates a checkpoint or blob digest
	// mismatch. Fatal for the affected checkpoint: reconstruction must not
	// return partial state built from it.
	ErrCodeStorageCorruption ErrorCode = "STORAGE_CORRUPTION"

	// ErrCodeLoomNotFound indicates an unknown embedded loom path.
	ErrCodeLoomNotFound ErrorCode = "LOOM_NOT_FOUND"

	// ErrCodeInvalidOperation indicates a state operation that cannot be
	// applied (e.g. edit index out of bounds).
	ErrCodeInvalidOperation ErrorCode = "INVALID_OPERATION"
)

// Error is the typed failure returned for local, recoverable conditions.
// Callers dispatch on Code via CodeOf or the Is* helpers; the remaining
// fields carry diagnostics.
type Error struct {
	Code    ErrorCode
	Message string

	Branch string
	Loom   Path
	Seq    Sequence
	Record RecordID
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Branch != "" && e.Seq != 0:
		return fmt.Sprintf("%s: %s (branch=%s, seq=%d)", e.Code, e.Message, e.Branch, e.Seq)
	case e.Branch != "":
		return fmt.Sprintf("%s: %s (branch=%s)", e.Code, e.Message, e.Branch)
	case e.Record != "":
		return fmt.Sprintf("%s: %s (record=%s)", e.Code, e.Message, shortID(e.Record))
	case len(e.Loom) > 0:
		return fmt.Sprintf("%s: %s (loom=%s)", e.Code, e.Message, e.Loom)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// CodeOf extracts the error code from err, unwrapping as needed.
// Returns "" for nil or foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is any of the not-found codes.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeBranchNotFound, ErrCodeRecordNotFound, ErrCodeStateNotFound,
		ErrCodeSubscriptionNotFound, ErrCodeLoomNotFound:
		return true
	}
	return false
}

// IsCorruption reports whether err is a storage corruption error.
func IsCorruption(err error) bool {
	return CodeOf(err) == ErrCodeStorageCorruption
}

func errBranchNotFound(name string) *Error {
	return &Error{Code: ErrCodeBranchNotFound, Message: "no such branch", Branch: name}
}

func errBranchExists(name string) *Error {
	return &Error{Code: ErrCodeBranchExists, Message: "branch already exists", Branch: name}
}

func errInvalidBranchPoint(parent string, at, head Sequence) *Error {
	return &Error{
		Code:    ErrCodeInvalidBranchPoint,
		Message: fmt.Sprintf("branch point %d beyond parent head %d", at, head),
		Branch:  parent,
	}
}

func errProtectedBranch(name, why string) *Error {
	return &Error{Code: ErrCodeProtectedBranch, Message: why, Branch: name}
}

func errRecordNotFound(id RecordID) *Error {
	return &Error{Code: ErrCodeRecordNotFound, Message: "no such record", Record: id}
}

func errStateNotFound(id string) *Error {
	return &Error{Code: ErrCodeStateNotFound, Message: fmt.Sprintf("state %q not registered", id)}
}

func errStateExists(id string) *Error {
	return &Error{Code: ErrCodeStateExists, Message: fmt.Sprintf("state %q already registered", id)}
}

func errInvalidSequence(branch string, seq, head Sequence) *Error {
	return &Error{
		Code:    ErrCodeInvalidSequence,
		Message: fmt.Sprintf("sequence beyond head %d", head),
		Branch:  branch,
		Seq:     seq,
	}
}

func errAncestorMissing(branch string, parent BranchID) *Error {
	return &Error{
		Code:    ErrCodeAncestorMissing,
		Message: fmt.Sprintf("ancestor branch %d was deleted", parent),
		Branch:  branch,
	}
}

func errMergeConflict(into string, reason error) *Error {
	return &Error{
		Code:    ErrCodeMergeConflict,
		Message: fmt.Sprintf("resolver declined: %v", reason),
		Branch:  into,
	}
}

func errPermissionDenied(subject string, path Path) *Error {
	return &Error{
		Code:    ErrCodePermissionDenied,
		Message: fmt.Sprintf("subject %q denied", subject),
		Loom:    path,
	}
}

func errSubscriptionNotFound(id string) *Error {
	return &Error{Code: ErrCodeSubscriptionNotFound, Message: fmt.Sprintf("no such subscription %s", id)}
}

func errStorageCorruption(what string) *Error {
	return &Error{Code: ErrCodeStorageCorruption, Message: what}
}

func errLoomNotFound(path Path) *Error {
	return &Error{Code: ErrCodeLoomNotFound, Message: "no embedded loom at path", Loom: path}
}

func errInvalidOperation(msg string) *Error {
	return &Error{Code: ErrCodeInvalidOperation, Message: msg}
}
