package minigfs

import "fmt"

type ErrorCode int

// error code constants
const (
	UnknownError ErrorCode = iota
	FileExists
	FileNotFound
	ChunkNotFound
	NodeUnknown
	NodeNotReplica
	LeaseConflict
	// LeaseInvalid is the storage-node rejection of a write attempted
	// without an active lease. The master never emits it.
	LeaseInvalid
	StaleVersion
	NoEnoughNodes
	ReadOnlyMaster
	LogCorrupted
)

// Error is the protocol-visible failure type. Code survives in-process; over
// net/rpc only Err travels, so the message must stand on its own.
type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	return e.Err
}

func Errorf(code ErrorCode, format string, a ...interface{}) Error {
	return Error{Code: code, Err: fmt.Sprintf(format, a...)}
}

// CodeOf extracts the ErrorCode of an error produced by Errorf,
// or UnknownError for anything else (including nil).
func CodeOf(err error) ErrorCode {
	if e, ok := err.(Error); ok {
		return e.Code
	}
	return UnknownError
}

// Retryable reports whether a failed call is worth repeating unchanged.
// A lease conflict resolves by itself once the current lease expires.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case LeaseConflict:
		return true
	default:
		return false
	}
}
