package estimate

import "fmt"

// Error represents an estimation error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new estimation error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new estimation error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// EvaluationError reports that the objective function failed at a perturbed
// point, either by returning an error or by producing a non-finite value.
// The failure is propagated unchanged to the caller; the estimator performs
// no retry or clamping.
type EvaluationError struct {
	// Point is the perturbed point at which evaluation failed.
	Point []float64
	// Value is the value the objective returned, when it returned without error.
	Value float64
	// Err is the error returned by the objective, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("objective evaluation failed at %v: %v", e.Point, e.Err)
	}
	return fmt.Sprintf("objective returned non-finite value %v at %v", e.Value, e.Point)
}

// Unwrap returns the objective's error, if any.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// SingularMatrixError reports that the negated Hessian could not be inverted.
// This means the evaluation point sits on a saddle or in a flat region of the
// log-probability, not at a maximum, and no covariance can be recovered there.
// The call is not retryable without changing the point or the step sizes.
type SingularMatrixError struct {
	// Cond is the estimated condition number of the matrix.
	Cond float64
	// Err is the underlying linear-algebra error.
	Err error
}

// Error returns the string representation of the error.
func (e *SingularMatrixError) Error() string {
	return fmt.Sprintf("hessian is singular or near-singular (condition number %g), covariance is undefined at this point", e.Cond)
}

// Unwrap returns the underlying linear-algebra error.
func (e *SingularMatrixError) Unwrap() error {
	return e.Err
}
