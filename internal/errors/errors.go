// Package errors provides categorized errors shared by every scanqa component.
// It is a drop-in replacement for the standard errors package: Is, As, Join
// and Unwrap pass through to the standard library.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"net/http"
	"time"
)

// ErrorCategory represents the type of error for better categorization.
type ErrorCategory string

const (
	CategoryNotFound         ErrorCategory = "not-found"
	CategoryPermissionDenied ErrorCategory = "permission-denied"
	CategoryInvalidFormat    ErrorCategory = "invalid-format"
	CategoryForbidden        ErrorCategory = "forbidden"
	CategoryConflict         ErrorCategory = "conflict"
	CategoryValidation       ErrorCategory = "validation"
	CategoryDatabase         ErrorCategory = "database"
	CategoryFileIO           ErrorCategory = "file-io"
	CategoryModelLoad        ErrorCategory = "model-loading"
	CategoryInference        ErrorCategory = "inference"
	CategoryConfiguration    ErrorCategory = "configuration"
	CategoryNetwork          ErrorCategory = "network"
	CategoryGeneric          ErrorCategory = "generic"
)

// Sentinels distinguishing the two reasons a decision write is forbidden.
var (
	ErrLockRequired       = stderrors.New("you must lock the experiment before performing this action")
	ErrNoReviewCapability = stderrors.New("you do not have review permission on this project")
)

// EnhancedError wraps an error with a category and context.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface.
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface.
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category and otherwise defers to the
// wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return Is(ee.Err, target)
}

// GetContext returns a copy of the context map.
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

// ErrorBuilder assembles an EnhancedError fluently.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a new error builder around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error builder.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Wrap wraps an existing error with enhanced context.
func Wrap(err error) *ErrorBuilder {
	return New(err)
}

// Component sets the component name.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category.
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds a context value.
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError. A nil wrapped error yields a generic
// message so the result is always printable.
func (eb *ErrorBuilder) Build() *EnhancedError {
	err := eb.err
	if err == nil {
		err = stderrors.New("unspecified error")
	}
	category := eb.category
	if category == "" {
		category = CategoryGeneric
	}
	return &EnhancedError{
		Err:       err,
		Component: eb.component,
		Category:  category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
}

// NotFound reports a missing entity or resource.
func NotFound(entity, id string) *EnhancedError {
	return Newf("%s %q not found", entity, id).
		Category(CategoryNotFound).
		Context("entity", entity).
		Context("id", id).
		Build()
}

// Forbidden reports an authorization failure caused by err.
func Forbidden(err error) *EnhancedError {
	return New(err).Category(CategoryForbidden).Build()
}

// Conflict reports a state conflict such as a lock held by someone else.
func Conflict(message string) *EnhancedError {
	return New(NewStd(message)).Category(CategoryConflict).Build()
}

// ValidationError creates a validation error.
func ValidationError(message string) *EnhancedError {
	return New(NewStd(message)).Category(CategoryValidation).Build()
}

// InvalidFormat reports an unsupported or unparsable input format.
func InvalidFormat(message string) *EnhancedError {
	return New(NewStd(message)).Category(CategoryInvalidFormat).Build()
}

// PermissionDenied reports a storage location the process cannot access.
func PermissionDenied(err error, location string) *EnhancedError {
	return New(err).Category(CategoryPermissionDenied).Context("location", location).Build()
}

// NewStd creates a new standard error (passthrough to standard library).
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// CategoryOf returns the category of the outermost EnhancedError in err's
// tree, or CategoryGeneric.
func CategoryOf(err error) ErrorCategory {
	var enhanced *EnhancedError
	if As(err, &enhanced) {
		return enhanced.Category
	}
	return CategoryGeneric
}

// IsCategory checks if an error is an EnhancedError with the specified category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhanced *EnhancedError
	return As(err, &enhanced) && enhanced.Category == category
}

// IsNotFound checks if an error is an EnhancedError with CategoryNotFound.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

// HTTPStatus maps an error to the response status used by the HTTP adapter.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch CategoryOf(err) {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryPermissionDenied, CategoryForbidden:
		return http.StatusForbidden
	case CategoryInvalidFormat, CategoryValidation:
		return http.StatusBadRequest
	case CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
