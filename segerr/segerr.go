// Package segerr defines the error taxonomy the storage engine surfaces to
// callers, matching spec §7. Sentinel kinds are compared with errors.Is;
// call sites wrap them with github.com/pkg/errors to keep a message chain,
// the same pattern the teacher's btree.go uses (errors.Wrap/errors.Errorf)
// rather than plain fmt.Errorf.
package segerr

import "github.com/pkg/errors"

// Kind identifies one of the taxonomy buckets from spec §7. It implements
// error so it can be returned directly or used as the target of errors.Is.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	BadFormat           Kind = "segstore: bad format"
	ChecksumMismatch    Kind = "segstore: checksum mismatch"
	IO                  Kind = "segstore: io error"
	StreamClosed        Kind = "segstore: stream closed"
	NoSuchStream        Kind = "segstore: no such stream"
	DuplicateStream     Kind = "segstore: duplicate stream"
	OutOfBounds         Kind = "segstore: out of bounds"
	TransactionConflict Kind = "segstore: transaction conflict"
)

// Wrap annotates err with kind so errors.Is(result, kind) succeeds while
// the original message and any stack trace pkg/errors attached survive.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// New creates a fresh error of the given kind with no wrapped cause.
func New(kind Kind, msg string) error {
	return &wrapped{kind: kind, err: errors.New(msg)}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &wrapped{kind: kind, err: errors.Errorf(format, args...)}
}

type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == w.kind
}
