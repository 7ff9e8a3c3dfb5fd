package types

import (
	"errors"
	"fmt"
)

// ErrDivisionByZero is returned by Divide/Div/Mod on a zero divisor.
// Callers that need spec-mandated "empty collection, not error" behavior
// for arithmetic (as opposed to a genuine type-mismatch error) should check
// for it with errors.Is rather than matching on the error's message.
var ErrDivisionByZero = errors.New("division by zero")

// TypeError represents a type mismatch error.
type TypeError struct {
	Expected  string
	Actual    string
	Operation string
}

// NewTypeError creates a new TypeError.
func NewTypeError(expected, actual, operation string) *TypeError {
	return &TypeError{
		Expected:  expected,
		Actual:    actual,
		Operation: operation,
	}
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	return fmt.Sprintf("type error in %s: expected %s, got %s", e.Operation, e.Expected, e.Actual)
}

// CodingError reports that a value could not be converted to the
// {system, code, version} triple memberOf() needs.
type CodingError struct {
	Actual string
}

// NewCodingError creates a new CodingError for the given FHIRPath type name.
func NewCodingError(actual string) *CodingError {
	return &CodingError{Actual: actual}
}

// Error implements the error interface.
func (e *CodingError) Error() string {
	return fmt.Sprintf("memberOf: cannot extract a code from %s", e.Actual)
}
