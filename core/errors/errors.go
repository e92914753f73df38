// Package errors provides the error taxonomy shared by the ingestion and
// query packages.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrNotFound indicates a verse or book lookup miss
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrParse indicates markup or data that could not be interpreted
	ErrParse = errors.New("parse failure")
	// ErrFetchFailure indicates the fetch collaborator could not supply markup
	ErrFetchFailure = errors.New("fetch failure")
	// ErrEmptyExtraction indicates that no verse fragments were found
	ErrEmptyExtraction = errors.New("empty extraction")
	// ErrIncompleteIngestion indicates the fragment count differs from the expected verse total
	ErrIncompleteIngestion = errors.New("incomplete ingestion")
	// ErrDuplicateReference indicates a second record for an existing reference
	ErrDuplicateReference = errors.New("duplicate reference")
	// ErrMalformedReference indicates a reference string that cannot be parsed
	ErrMalformedReference = errors.New("malformed reference")
	// ErrFrozen indicates a write to a store that has been frozen
	ErrFrozen = errors.New("store is frozen")
)

// NotFoundError represents a lookup miss with context
type NotFoundError struct {
	Resource string // Type of resource (e.g., "verse", "book")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// ReferenceError is returned when a reference string does not follow the
// "<book> <chapter>:<verse>" form or names an unknown book.
type ReferenceError struct {
	Input  string // The string that failed to parse
	Reason string // What was wrong with it
	Err    error  // Underlying error, if any
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("malformed reference %q: %s", e.Input, e.Reason)
}

func (e *ReferenceError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrMalformedReference
}

// DuplicateError reports a second record for a reference already in a store.
type DuplicateError struct {
	Ref string // Canonical form of the duplicated reference
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate reference: %s", e.Ref)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicateReference
}

// FetchError wraps a failure of the fetch collaborator for one book.
type FetchError struct {
	Book string // Book whose markup could not be fetched
	Err  error  // Underlying error (network, timeout, missing file)
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Book, e.Err)
}

// Is reports FetchError as ErrFetchFailure while still unwrapping to the cause.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailure
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// OrderError reports a backward jump in chapter or verse numbering.
type OrderError struct {
	Book    string
	Prev    string // Coordinate before the jump, "<chapter>:<verse>"
	Next    string // Offending coordinate
	Message string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s: %s after %s: %s", e.Book, e.Next, e.Prev, e.Message)
}

func (e *OrderError) Unwrap() error {
	return ErrParse
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ParseError represents a parsing or deserialization error
type ParseError struct {
	Format  string // Format being parsed (e.g., "JSON", "XML", "lines")
	Path    string // File path, if applicable
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s at %s: %s", e.Format, e.Path, e.Message)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Format, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrParse
}

// Helper functions for creating common errors

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewReference creates a ReferenceError
func NewReference(input, reason string) *ReferenceError {
	return &ReferenceError{
		Input:  input,
		Reason: reason,
	}
}

// NewDuplicate creates a DuplicateError
func NewDuplicate(ref string) *DuplicateError {
	return &DuplicateError{Ref: ref}
}

// NewFetch creates a FetchError
func NewFetch(book string, err error) *FetchError {
	return &FetchError{
		Book: book,
		Err:  err,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
