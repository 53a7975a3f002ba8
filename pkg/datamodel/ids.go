package datamodel

import "fmt"

// Fundamental identifier types of the LwM2M data model.
// All of them are 16-bit; 0xFFFF is reserved as the "invalid" sentinel
// and never identifies a live entity.
type (
	// OID is an Object ID.
	OID uint16

	// IID is an Object Instance ID.
	IID uint16

	// RID is a Resource ID.
	RID uint16

	// RIID is a Resource Instance ID.
	RIID uint16

	// SSID is a Short Server ID identifying a LwM2M server account.
	SSID uint16
)

// IDInvalid is the reserved sentinel value shared by all identifier types.
const IDInvalid uint16 = 0xFFFF

const (
	// SSIDAny matches any server. Valid as an ACL entry key,
	// never valid as an ACL owner or in attribute writes.
	SSIDAny SSID = 0

	// SSIDBootstrap identifies the Bootstrap Server account.
	SSIDBootstrap SSID = 0xFFFF
)

// Object IDs of the OMA-registered objects this module knows about.
const (
	OIDSecurity               OID = 0
	OIDServer                 OID = 1
	OIDAccessControl          OID = 2
	OIDDevice                 OID = 3
	OIDAdvancedFirmwareUpdate OID = 33629
)

// Resource IDs of the Security (0) object used by the core.
const (
	RIDSecurityServerURI       RID = 0
	RIDSecurityBootstrapServer RID = 1
	RIDSecurityMode            RID = 2
	RIDSecurityPKOrIdentity    RID = 3
	RIDSecuritySecretKey       RID = 5
	RIDSecuritySSID            RID = 10
)

// Resource IDs of the Server (1) object used by the core.
const (
	RIDServerSSID     RID = 0
	RIDServerLifetime RID = 1
	RIDServerBinding  RID = 7
)

func (o OID) String() string  { return fmt.Sprintf("/%d", uint16(o)) }
func (s SSID) String() string { return fmt.Sprintf("SSID(%d)", uint16(s)) }
