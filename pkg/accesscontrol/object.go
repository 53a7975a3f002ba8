package accesscontrol

import (
	"context"
	"fmt"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// OID implements datamodel.Object.
func (ac *AccessControl) OID() datamodel.OID { return datamodel.OIDAccessControl }

// Version implements datamodel.Object.
func (ac *AccessControl) Version() string { return "" }

// ListInstances implements datamodel.Object.
func (ac *AccessControl) ListInstances(ctx context.Context) ([]datamodel.IID, error) {
	out := make([]datamodel.IID, 0, ac.current.instances.Len())
	for i := 0; i < ac.current.instances.Len(); i++ {
		out = append(out, ac.current.instances.At(i).iid)
	}
	return out, nil
}

// ListResources implements datamodel.Object. The ACL resource is absent
// until an ACL has been written or reset.
func (ac *AccessControl) ListResources(ctx context.Context, iid datamodel.IID) ([]datamodel.ResourceEntry, error) {
	inst := ac.findInstance(iid)
	aclPresence := datamodel.Absent
	if inst != nil && inst.hasACL {
		aclPresence = datamodel.Present
	}
	return []datamodel.ResourceEntry{
		{RID: RIDTargetOID, Kind: datamodel.ResourceR, Presence: datamodel.Present},
		{RID: RIDTargetIID, Kind: datamodel.ResourceR, Presence: datamodel.Present},
		{RID: RIDACL, Kind: datamodel.ResourceRWM, Presence: aclPresence},
		{RID: RIDOwner, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
	}, nil
}

// ReadResource implements datamodel.Object. The ACL resource is a
// multiple resource keyed by SSID: riid addresses the entry's SSID.
func (ac *AccessControl) ReadResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, out datamodel.OutputContext) error {
	inst := ac.findInstance(iid)
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case RIDTargetOID:
		return out.ReturnInt(int64(inst.target.OID))
	case RIDTargetIID:
		return out.ReturnInt(int64(inst.target.IID))
	case RIDACL:
		entry := inst.acl.Find(uint16(riid))
		if entry == nil {
			return datamodel.ErrNotFound
		}
		return out.ReturnInt(int64(entry.Mask))
	case RIDOwner:
		return out.ReturnInt(int64(inst.owner))
	default:
		return datamodel.ErrNotFound
	}
}

// WriteResource implements datamodel.Object. Writes here come from the
// LwM2M server; consistency is checked at transaction validation, not at
// write time.
func (ac *AccessControl) WriteResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, in datamodel.InputContext) error {
	inst := ac.findInstance(iid)
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case RIDTargetOID:
		v, err := in.Int()
		if err != nil {
			return err
		}
		if !targetOIDValid(int32(v)) || v != int64(int32(v)) {
			return fmt.Errorf("%w: invalid target OID %d", datamodel.ErrBadRequest, v)
		}
		inst.target.OID = datamodel.OID(v)
	case RIDTargetIID:
		v, err := in.Int()
		if err != nil {
			return err
		}
		if v < 0 || v > int64(datamodel.IDInvalid) {
			return fmt.Errorf("%w: invalid target IID %d", datamodel.ErrBadRequest, v)
		}
		inst.target.IID = int32(v)
	case RIDACL:
		v, err := in.Int()
		if err != nil {
			return err
		}
		entry, _ := inst.acl.FindOrCreate(uint16(riid), func() *Entry {
			return &Entry{SSID: datamodel.SSID(riid)}
		})
		entry.Mask = Mask(v)
		inst.hasACL = true
	case RIDOwner:
		v, err := in.Int()
		if err != nil {
			return err
		}
		if v <= 0 || v > int64(datamodel.SSIDBootstrap) {
			return fmt.Errorf("%w: invalid owner SSID %d", datamodel.ErrBadRequest, v)
		}
		inst.owner = datamodel.SSID(v)
	default:
		return datamodel.ErrNotFound
	}
	ac.needsValidation = true
	ac.markModified()
	return nil
}

// ResetResource implements datamodel.ResourceResetter: resetting the ACL
// resource clears the entries but keeps the resource instantiated.
func (ac *AccessControl) ResetResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID) error {
	inst := ac.findInstance(iid)
	if inst == nil {
		return datamodel.ErrNotFound
	}
	if rid != RIDACL {
		return datamodel.ErrMethodNotAllowed
	}
	inst.acl.Clear()
	inst.hasACL = true
	ac.needsValidation = true
	ac.markModified()
	return nil
}

// ListResourceInstances implements datamodel.ResourceInstanceLister for
// the ACL resource.
func (ac *AccessControl) ListResourceInstances(ctx context.Context, iid datamodel.IID, rid datamodel.RID) ([]datamodel.RIID, error) {
	inst := ac.findInstance(iid)
	if inst == nil {
		return nil, datamodel.ErrNotFound
	}
	if rid != RIDACL {
		return nil, datamodel.ErrNotFound
	}
	out := make([]datamodel.RIID, 0, inst.acl.Len())
	for i := 0; i < inst.acl.Len(); i++ {
		out = append(out, datamodel.RIID(inst.acl.At(i).SSID))
	}
	return out, nil
}

// CreateInstance implements datamodel.InstanceCreator. The new instance
// starts with an unset target and the Bootstrap Server as owner; it must
// be filled in before the enclosing transaction validates.
func (ac *AccessControl) CreateInstance(ctx context.Context, iid datamodel.IID) error {
	inst := &Instance{
		iid:    iid,
		target: Target{OID: 0, IID: TargetIIDUnset},
		owner:  datamodel.SSIDBootstrap,
	}
	newIID, err := ac.insertInstance(inst)
	if err != nil {
		return err
	}
	ac.needsValidation = true
	ac.markModified()
	if ac.queue != nil {
		ac.queue.MarkInstanceCreated(datamodel.OIDAccessControl, newIID)
	}
	return nil
}

// RemoveInstance implements datamodel.InstanceRemover.
func (ac *AccessControl) RemoveInstance(ctx context.Context, iid datamodel.IID) error {
	if !ac.current.instances.Remove(uint16(iid)) {
		return datamodel.ErrNotFound
	}
	ac.markModified()
	if ac.queue != nil {
		ac.queue.MarkInstanceRemoved(datamodel.OIDAccessControl, iid)
	}
	return nil
}

// ResetInstance clears an instance's ACL, owner and validation state, as
// used by Write in replace mode.
func (ac *AccessControl) ResetInstance(ctx context.Context, iid datamodel.IID) error {
	inst := ac.findInstance(iid)
	if inst == nil {
		return datamodel.ErrNotFound
	}
	inst.acl.Clear()
	inst.hasACL = false
	inst.owner = 0
	ac.needsValidation = true
	ac.markModified()
	return nil
}

var (
	_ datamodel.Object                 = (*AccessControl)(nil)
	_ datamodel.ResourceResetter       = (*AccessControl)(nil)
	_ datamodel.ResourceInstanceLister = (*AccessControl)(nil)
	_ datamodel.InstanceCreator        = (*AccessControl)(nil)
	_ datamodel.InstanceRemover        = (*AccessControl)(nil)
	_ datamodel.Transactional          = (*AccessControl)(nil)
)
