// Package fwupdate implements the Advanced Firmware Update object
// (/33629): a per-component firmware state machine coordinating pull
// downloads, push writes, verification and multi-instance upgrades.
package fwupdate

import "github.com/backkem/lwm2m/pkg/datamodel"

// Resource IDs of the Advanced Firmware Update object.
const (
	RIDPackage               datamodel.RID = 0
	RIDPackageURI            datamodel.RID = 1
	RIDUpdate                datamodel.RID = 2
	RIDState                 datamodel.RID = 3
	RIDUpdateResult          datamodel.RID = 5
	RIDPkgName               datamodel.RID = 6
	RIDPkgVersion            datamodel.RID = 7
	RIDUpdateProtocolSupport datamodel.RID = 8
	RIDUpdateDeliveryMethod  datamodel.RID = 9
	RIDCancel                datamodel.RID = 10
	RIDSeverity              datamodel.RID = 11
	RIDLastStateChangeTime   datamodel.RID = 12
	RIDMaxDeferPeriod        datamodel.RID = 13
	RIDComponentName         datamodel.RID = 14
	RIDCurrentVersion        datamodel.RID = 15
	RIDLinkedInstances       datamodel.RID = 16
	RIDConflictingInstances  datamodel.RID = 17
)

// State is the user-visible firmware update state.
type State int32

const (
	StateIdle State = iota
	StateDownloading
	StateDownloaded
	StateUpdating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDownloading:
		return "Downloading"
	case StateDownloaded:
		return "Downloaded"
	case StateUpdating:
		return "Updating"
	default:
		return "Unknown"
	}
}

// Result is the user-visible firmware update result.
type Result int32

const (
	ResultInitial Result = iota
	ResultSuccess
	ResultNotEnoughSpace
	ResultOutOfMemory
	ResultConnectionLost
	ResultIntegrityFailure
	ResultUnsupportedPackageType
	ResultInvalidURI
	ResultFailed
	ResultUnsupportedProtocol
	ResultUpdateCancelled
	ResultDeferred
	ResultConflictingState
	ResultDependencyError
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case ResultInitial:
		return "Initial"
	case ResultSuccess:
		return "Success"
	case ResultNotEnoughSpace:
		return "NotEnoughSpace"
	case ResultOutOfMemory:
		return "OutOfMemory"
	case ResultConnectionLost:
		return "ConnectionLost"
	case ResultIntegrityFailure:
		return "IntegrityFailure"
	case ResultUnsupportedPackageType:
		return "UnsupportedPackageType"
	case ResultInvalidURI:
		return "InvalidURI"
	case ResultFailed:
		return "Failed"
	case ResultUnsupportedProtocol:
		return "UnsupportedProtocol"
	case ResultUpdateCancelled:
		return "UpdateCancelled"
	case ResultDeferred:
		return "Deferred"
	case ResultConflictingState:
		return "ConflictingState"
	case ResultDependencyError:
		return "DependencyError"
	default:
		return "Unknown"
	}
}

// Severity of an update, as defined by the Advanced Firmware Update
// object.
type Severity int32

const (
	SeverityCritical Severity = iota
	SeverityMandatory
	SeverityOptional
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityMandatory:
		return "Mandatory"
	case SeverityOptional:
		return "Optional"
	default:
		return "Unknown"
	}
}

// Update Protocol Support resource values, indexed by RIID.
var supportedProtocols = []int64{
	0, // CoAP
	1, // CoAPS
	2, // HTTP 1.1
	3, // HTTPS 1.1
}

// deliveryMethodBoth announces support for both pull and push delivery.
const deliveryMethodBoth int64 = 2

// TransportSecurity classifies a Package URI scheme.
type TransportSecurity int

const (
	// TransportSecurityUndefined means the scheme is not recognized.
	TransportSecurityUndefined TransportSecurity = iota

	// TransportNoSec is a plaintext transport.
	TransportNoSec

	// TransportEncrypted is a TLS/DTLS-protected transport.
	TransportEncrypted
)
