package addons

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion or registry failure for callers that need to
// map it onto a transport (HTTP status, CLI exit code).
type Kind string

const (
	KindValidation Kind = "validation"
	KindExtraction Kind = "extraction"
	KindDescriptor Kind = "descriptor"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

var (
	ErrUnsupportedType        = errors.New("unsupported archive type")
	ErrTooLarge               = errors.New("archive too large")
	ErrCorruptArchive         = errors.New("corrupt or unreadable archive")
	ErrPathTraversal          = errors.New("archive entry escapes extraction directory")
	ErrDescriptorMissing      = errors.New("descriptor missing")
	ErrDescriptorField        = errors.New("descriptor field invalid")
	ErrIdentifierTaken        = errors.New("identifier already in use")
	ErrSlugTaken              = errors.New("slug already in use")
	ErrVersionExists          = errors.New("version already exists")
	ErrVersionEnabled         = errors.New("version must be disabled before deletion")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStorage                = errors.New("package storage failure")
	ErrNotFound               = errors.New("not found")
)

// Error is the error type returned by every operation in this package.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %q)", msg, e.Field)
	}
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the Kind carried by err, or KindInternal when err was not
// produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func newError(kind Kind, sentinel error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

func validationError(sentinel error, format string, args ...any) error {
	return newError(KindValidation, sentinel, format, args...)
}

func extractionError(sentinel error, format string, args ...any) error {
	return newError(KindExtraction, sentinel, format, args...)
}

func descriptorFieldError(field, format string, args ...any) error {
	e := newError(KindDescriptor, ErrDescriptorField, format, args...)
	e.Field = field
	return e
}

func conflictError(sentinel error, format string, args ...any) error {
	return newError(KindConflict, sentinel, format, args...)
}

func notFoundError(format string, args ...any) error {
	return newError(KindNotFound, ErrNotFound, format, args...)
}

// storageError wraps an I/O failure so that both ErrStorage and the
// underlying cause remain reachable through errors.Is.
func storageError(cause error, format string, args ...any) error {
	return &Error{
		Kind:    KindStorage,
		Message: fmt.Sprintf(format, args...),
		Err:     errors.Join(ErrStorage, cause),
	}
}

// ConflictError builds a conflict error from a storage backend. Backends use
// it when a uniqueness constraint rejects a write.
func ConflictError(sentinel error, format string, args ...any) error {
	return conflictError(sentinel, format, args...)
}

// NotFoundError builds a not-found error from a storage backend.
func NotFoundError(format string, args ...any) error {
	return notFoundError(format, args...)
}
