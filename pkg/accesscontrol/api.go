package accesscontrol

import (
	"context"
	"fmt"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// validateSSIDKey checks that an SSID may key an ACL entry: SSIDAny is
// always acceptable, the Bootstrap SSID never is, anything else must be a
// known server.
func (ac *AccessControl) validateSSIDKey(ctx context.Context, ssid datamodel.SSID) error {
	if ssid == datamodel.SSIDBootstrap {
		return fmt.Errorf("%w: SSID %d is reserved", datamodel.ErrBadRequest, ssid)
	}
	if ssid == datamodel.SSIDAny {
		return nil
	}
	exists, err := ac.servers.SSIDExists(ctx, ssid)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: server with %v does not exist", datamodel.ErrBadRequest, ssid)
	}
	return nil
}

// targetReachable checks that an ACL target can be resolved through the
// registry right now.
func (ac *AccessControl) targetReachable(ctx context.Context, target Target) error {
	if !targetOIDValid(int32(target.OID)) || target.IID == TargetIIDUnset {
		return fmt.Errorf("%w: invalid ACL target %d/%d", datamodel.ErrBadRequest, target.OID, target.IID)
	}
	obj := ac.registry.FindByOID(target.OID)
	if obj == nil {
		return fmt.Errorf("%w: %v", datamodel.ErrObjectNotFound, target.OID)
	}
	if target.IID == int32(datamodel.IDInvalid) {
		return nil
	}
	present, err := ac.registry.InstancePresent(ctx, obj, datamodel.IID(target.IID))
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: instance %v", datamodel.ErrNotFound, datamodel.MakeInstancePath(target.OID, datamodel.IID(target.IID)))
	}
	return nil
}

// commitNewInstance inserts a freshly created ACL instance (assigning the
// lowest free IID) and queues the creation event.
func (ac *AccessControl) commitNewInstance(inst *Instance) (datamodel.IID, error) {
	iid, err := ac.insertInstance(inst)
	if err != nil {
		return 0, err
	}
	ac.markModified()
	if ac.queue != nil {
		ac.queue.MarkInstanceCreated(datamodel.OIDAccessControl, iid)
	}
	return iid, nil
}

// SetACL grants a server the given permissions on a target, creating the
// ACL instance if necessary. A whole-object target (iid == IDInvalid)
// accepts only the Create permission; an instance target accepts
// everything but Create. Writing MaskNone removes the entry.
func (ac *AccessControl) SetACL(ctx context.Context, oid datamodel.OID, iid datamodel.IID, ssid datamodel.SSID, mask Mask) error {
	if ssid == datamodel.SSIDBootstrap {
		return fmt.Errorf("%w: SSID %d is reserved", datamodel.ErrBadRequest, ssid)
	}
	if mask&MaskFull != mask {
		return fmt.Errorf("%w: invalid permission mask %#x", datamodel.ErrBadRequest, uint16(mask))
	}
	if uint16(iid) != datamodel.IDInvalid && mask&MaskCreate != 0 {
		return fmt.Errorf("%w: Create permission is only valid for whole-object targets", datamodel.ErrBadRequest)
	}
	if uint16(iid) == datamodel.IDInvalid && mask&MaskCreate != mask {
		return fmt.Errorf("%w: only the Create permission is valid for whole-object targets", datamodel.ErrBadRequest)
	}

	target := Target{OID: oid, IID: int32(iid)}
	inst := ac.findByTarget(target)
	created := false
	if inst == nil {
		if err := ac.targetReachable(ctx, target); err != nil {
			return err
		}
		inst = &Instance{
			iid:    datamodel.IID(datamodel.IDInvalid),
			target: target,
			owner:  datamodel.SSIDBootstrap,
			hasACL: true,
		}
		created = true
	}

	if err := ac.setACLInInstance(ctx, inst, ssid, mask); err != nil {
		return err
	}

	if created {
		if _, err := ac.commitNewInstance(inst); err != nil {
			return err
		}
		return nil
	}
	ac.markModified()
	if ac.queue != nil {
		ac.queue.MarkResourceChanged(datamodel.OIDAccessControl, inst.iid, RIDACL)
	}
	return nil
}

func (ac *AccessControl) setACLInInstance(ctx context.Context, inst *Instance, ssid datamodel.SSID, mask Mask) error {
	if mask == MaskNone {
		inst.acl.Remove(uint16(ssid))
		return nil
	}
	if inst.acl.Find(uint16(ssid)) == nil {
		if err := ac.validateSSIDKey(ctx, ssid); err != nil {
			return err
		}
	}
	entry, _ := inst.acl.FindOrCreate(uint16(ssid), func() *Entry {
		return &Entry{SSID: ssid}
	})
	entry.Mask = mask
	inst.hasACL = true
	return nil
}

// SetOwner changes (or establishes) the owner of the ACL instance for a
// target. inoutACLIID optionally proposes an ACL Object Instance ID for a
// newly created instance; if an instance already exists under a different
// ID, the call fails and the actual ID is written back.
func (ac *AccessControl) SetOwner(ctx context.Context, oid datamodel.OID, iid datamodel.IID, owner datamodel.SSID, inoutACLIID *datamodel.IID) error {
	if owner == datamodel.SSIDAny {
		return fmt.Errorf("%w: SSID 0 cannot own an ACL", datamodel.ErrBadRequest)
	}

	target := Target{OID: oid, IID: int32(iid)}
	inst := ac.findByTarget(target)
	if inst != nil && inoutACLIID != nil && uint16(*inoutACLIID) != datamodel.IDInvalid && *inoutACLIID != inst.iid {
		actual := inst.iid
		*inoutACLIID = actual
		return fmt.Errorf("%w: conflicting ACL instance %d", datamodel.ErrBadRequest, actual)
	}

	created := false
	if inst == nil {
		if err := ac.targetReachable(ctx, target); err != nil {
			return err
		}
		inst = &Instance{
			iid:    datamodel.IID(datamodel.IDInvalid),
			target: target,
			owner:  datamodel.SSIDBootstrap,
			hasACL: true,
		}
		if inoutACLIID != nil {
			inst.iid = *inoutACLIID
		}
		created = true
	}

	if owner != inst.owner {
		if owner != datamodel.SSIDBootstrap {
			exists, err := ac.servers.SSIDExists(ctx, owner)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: server with %v does not exist", datamodel.ErrBadRequest, owner)
			}
		}
		inst.owner = owner
	}

	if created {
		if _, err := ac.commitNewInstance(inst); err != nil {
			return err
		}
	} else {
		ac.markModified()
		if ac.queue != nil {
			ac.queue.MarkResourceChanged(datamodel.OIDAccessControl, inst.iid, RIDOwner)
		}
	}
	if inoutACLIID != nil {
		*inoutACLIID = inst.iid
	}
	return nil
}

// Purge drops every ACL instance and marks the state modified.
func (ac *AccessControl) Purge(ctx context.Context) {
	ac.current.instances.Clear()
	ac.markModified()
	ac.needsValidation = false
	if ac.queue != nil {
		ac.queue.MarkUnknownChange(datamodel.OIDAccessControl)
	}
}
