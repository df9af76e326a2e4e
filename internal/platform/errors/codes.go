// Package errors provides structured, code-tagged errors shared by the
// consumer pipelines and their stores.
package errors

import "strings"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Decode errors
	CodeDecodeMissingField Code = "DECODE_MISSING_FIELD"
	CodeDecodeInvalidField Code = "DECODE_INVALID_FIELD"
	CodeDecodeUnknownKind  Code = "DECODE_UNKNOWN_KIND"

	// Item errors
	CodeItemVersionConflict Code = "ITEM_VERSION_CONFLICT"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodePersistence Code = "PERSISTENCE"
	CodeInvalidArg  Code = "INVALID_ARGUMENT"

	// Transport errors
	CodeTransport Code = "TRANSPORT"
)

// Permanent reports whether an error with this code will fail the same way
// on every redelivery of the entry that produced it.
func (c Code) Permanent() bool {
	switch c {
	case CodeDecodeMissingField,
		CodeDecodeInvalidField,
		CodeDecodeUnknownKind,
		CodeItemVersionConflict,
		CodeInvalidArg:
		return true
	default:
		return false
	}
}

// Label returns a lower-case form of the code for metric labels.
func (c Code) Label() string {
	if c == "" {
		return "unknown"
	}
	return strings.ToLower(string(c))
}
