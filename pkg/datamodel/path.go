package datamodel

import (
	"fmt"
	"strings"
)

// Path addresses an entity in the object/instance/resource/resource-instance
// hierarchy. Unused trailing components hold IDInvalid; a valid path never
// has a gap (e.g. a RID without an IID).
type Path struct {
	OID  OID
	IID  IID
	RID  RID
	RIID RIID
}

// MakeObjectPath returns a path addressing a whole object.
func MakeObjectPath(oid OID) Path {
	return Path{OID: oid, IID: IID(IDInvalid), RID: RID(IDInvalid), RIID: RIID(IDInvalid)}
}

// MakeInstancePath returns a path addressing an object instance.
func MakeInstancePath(oid OID, iid IID) Path {
	return Path{OID: oid, IID: iid, RID: RID(IDInvalid), RIID: RIID(IDInvalid)}
}

// MakeResourcePath returns a path addressing a resource.
func MakeResourcePath(oid OID, iid IID, rid RID) Path {
	return Path{OID: oid, IID: iid, RID: rid, RIID: RIID(IDInvalid)}
}

// MakeResourceInstancePath returns a path addressing a resource instance.
func MakeResourceInstancePath(oid OID, iid IID, rid RID, riid RIID) Path {
	return Path{OID: oid, IID: iid, RID: rid, RIID: riid}
}

// HasIID reports whether the path addresses at least an instance.
func (p Path) HasIID() bool { return uint16(p.IID) != IDInvalid }

// HasRID reports whether the path addresses at least a resource.
func (p Path) HasRID() bool { return uint16(p.RID) != IDInvalid }

// HasRIID reports whether the path addresses a resource instance.
func (p Path) HasRIID() bool { return uint16(p.RIID) != IDInvalid }

// String renders the path in CoRE form, e.g. "/33629/0/1".
func (p Path) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "/%d", uint16(p.OID))
	if p.HasIID() {
		fmt.Fprintf(&b, "/%d", uint16(p.IID))
		if p.HasRID() {
			fmt.Fprintf(&b, "/%d", uint16(p.RID))
			if p.HasRIID() {
				fmt.Fprintf(&b, "/%d", uint16(p.RIID))
			}
		}
	}
	return b.String()
}
