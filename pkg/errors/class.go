package errors

import (
	"context"
	stdErrors "errors"
)

// Class groups codes by how callers react to them.
type Class string

const (
	ClassTransient  Class = "transient"
	ClassPermanent  Class = "permanent"
	ClassConflict   Class = "conflict"
	ClassValidation Class = "validation"
)

// Classify maps an error onto the handling class used by the periodic workers.
// Untyped errors (driver errors, deadlines, network failures) count as transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if typed := As(err); typed != nil {
		switch typed.Code() {
		case CodeDependency, CodeRateLimit, CodeTimeout, CodeInternal:
			return ClassTransient
		case CodeConflict, CodeIdempotency:
			return ClassConflict
		case CodeValidation:
			return ClassValidation
		default:
			return ClassPermanent
		}
	}
	if stdErrors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried on the next cycle.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}
