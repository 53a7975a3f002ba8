package datamodel

import "errors"

// Errors shared across the data model core. They mirror the CoAP-facing
// error classes: callers translate them to response codes at the protocol
// boundary.
var (
	// ErrBadRequest indicates malformed input: an attribute constraint
	// violation, an invalid SSID, or an invalid access mask.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound indicates a missing object, instance, resource or entry.
	ErrNotFound = errors.New("not found")

	// ErrMethodNotAllowed indicates a state-machine rejection: the entity
	// exists but does not permit the operation in its current state.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrInternal indicates a host callback returning a value outside its
	// defined domain, or an encoding failure at the persistence layer.
	ErrInternal = errors.New("internal error")

	// ErrBadMessage indicates a persistence stream with bad magic, a bad
	// version, a failed sanity check, or a truncated payload.
	ErrBadMessage = errors.New("bad message")

	// ErrNotSupported indicates an unknown persistence format version or a
	// capability the installed object does not implement.
	ErrNotSupported = errors.New("not supported")
)

// Registry-level errors.
var (
	// ErrObjectExists indicates an object with the same OID is already
	// registered.
	ErrObjectExists = errors.New("object already registered")

	// ErrObjectNotFound indicates the requested OID is not registered.
	ErrObjectNotFound = errors.New("object not registered")
)
