package lwm2m

import "errors"

var (
	// ErrResourceNotFound is returned for a resource id the object's schema does not declare.
	ErrResourceNotFound = errors.New("lwm2m: resource not found")

	// ErrValueNotPresent is returned when a declared resource has no value yet.
	ErrValueNotPresent = errors.New("lwm2m: value not present")

	// ErrInstanceNotFound is returned for an instance id the object does not have.
	ErrInstanceNotFound = errors.New("lwm2m: instance not found")

	// ErrKindMismatch is returned when a write does not match the declared resource kind.
	ErrKindMismatch = errors.New("lwm2m: value kind mismatch")
)
