package fwupdate

import (
	"errors"
	"fmt"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// Handlers is the host integration for one firmware instance: it owns
// package storage and the actual upgrade. All callbacks are invoked
// without the library lock held; they may re-enter the public API.
type Handlers interface {
	// StreamOpen prepares storage for an incoming package.
	StreamOpen(iid datamodel.IID) error

	// StreamWrite appends a chunk of package data.
	StreamWrite(iid datamodel.IID, data []byte) error

	// StreamFinish closes the stream and verifies the received package.
	StreamFinish(iid datamodel.IID) error

	// Reset discards any stored package data.
	Reset(iid datamodel.IID)

	// PackageName returns the downloaded package's name, or "".
	PackageName(iid datamodel.IID) string

	// PackageVersion returns the downloaded package's version, or "".
	PackageVersion(iid datamodel.IID) string

	// CurrentVersion returns the currently running firmware version, or
	// "".
	CurrentVersion(iid datamodel.IID) string

	// PerformUpgrade installs the downloaded package.
	// supplementalIIDs lists the peer instances taking part in the same
	// multi-component upgrade, in ascending order, never including iid.
	PerformUpgrade(iid datamodel.IID, supplementalIIDs []datamodel.IID) error
}

// SecurityConfig is the transport security material resolved for a
// secured Package URI. The payload is opaque to this module; it is
// handed to the downloader as-is.
type SecurityConfig struct {
	// PSKIdentity and PSKKey configure pre-shared-key security.
	PSKIdentity []byte
	PSKKey      []byte

	// ServerCertificate pins the expected server certificate (DER).
	ServerCertificate []byte
}

// SecurityConfigProvider is an optional extension of Handlers for hosts
// that resolve download security themselves instead of relying on the
// Security object.
type SecurityConfigProvider interface {
	SecurityConfig(iid datamodel.IID, uri string) (*SecurityConfig, error)
}

// ResultError carries a specific firmware Result out of a host callback.
// Returning one from StreamWrite, StreamFinish or PerformUpgrade sets
// that result; any other error maps to the call site's default.
type ResultError struct {
	Result Result
}

// Error implements error.
func (e *ResultError) Error() string {
	return fmt.Sprintf("firmware result: %v", e.Result)
}

// ErrResult wraps a Result as an error for host callbacks.
func ErrResult(r Result) error { return &ResultError{Result: r} }

// resultFromError maps a host callback error to a firmware Result.
// Only the explicitly representable results pass through; everything
// else collapses to the call site's default.
func resultFromError(err error, defaultResult Result) Result {
	var re *ResultError
	if errors.As(err, &re) {
		switch re.Result {
		case ResultNotEnoughSpace, ResultOutOfMemory, ResultIntegrityFailure,
			ResultUnsupportedPackageType, ResultDeferred, ResultConflictingState,
			ResultDependencyError:
			return re.Result
		}
	}
	return defaultResult
}
