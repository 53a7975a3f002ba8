package accesscontrol

import (
	"context"
	"fmt"
	"io"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/persistence"
)

// Persisted Access Control format:
//
//	'A' 'C' 'O' 0x01
//	<instance count:u32>
//	  <target oid:u16> <iid:u16> <target iid:u16> <owner:u16> <has acl:u8>
//	  [if has acl] <entry count:u32> (<mask:u16> <ssid:u16>)*
var formatMagic = []byte{'A', 'C', 'O', 0x01}

// Persist writes all ACL instances to out and, on success, clears the
// modified flag. An instance whose target IID was never set cannot be
// represented and fails the persist.
func (ac *AccessControl) Persist(out io.Writer) error {
	w := persistence.NewWriter(out)
	if err := w.Magic(formatMagic); err != nil {
		return err
	}
	if err := w.U32(uint32(ac.current.instances.Len())); err != nil {
		return err
	}
	for i := 0; i < ac.current.instances.Len(); i++ {
		inst := ac.current.instances.At(i)
		if inst.target.IID == TargetIIDUnset {
			return fmt.Errorf("%w: ACL instance %d has no target IID", datamodel.ErrBadRequest, inst.iid)
		}
		if err := persistInstance(w, inst); err != nil {
			return err
		}
	}
	ac.current.modified = false
	return nil
}

func persistInstance(w *persistence.Writer, inst *Instance) error {
	for _, v := range []uint16{
		uint16(inst.target.OID),
		uint16(inst.iid),
		uint16(inst.target.IID),
		uint16(inst.owner),
	} {
		if err := w.U16(v); err != nil {
			return err
		}
	}
	if err := w.Bool(inst.hasACL); err != nil {
		return err
	}
	if !inst.hasACL {
		return nil
	}
	if err := w.U32(uint32(inst.acl.Len())); err != nil {
		return err
	}
	for i := 0; i < inst.acl.Len(); i++ {
		e := inst.acl.At(i)
		if err := w.U16(uint16(e.Mask)); err != nil {
			return err
		}
		if err := w.U16(uint16(e.SSID)); err != nil {
			return err
		}
	}
	return nil
}

// Restore replaces the current state with the stream's contents.
// Instances whose target object is not currently registered are skipped
// (targets under the Security object are always dropped). On any decoding
// error the state is cleared and the modified flag set. An empty stream
// is an error: unlike the attribute format, a valid ACL stream always
// carries at least its header.
func (ac *AccessControl) Restore(ctx context.Context, in io.Reader) error {
	if err := ac.restoreInner(ctx, in); err != nil {
		ac.current = state{modified: true}
		ac.needsValidation = false
		return err
	}
	ac.current.modified = false
	ac.needsValidation = false
	return nil
}

func (ac *AccessControl) restoreInner(ctx context.Context, in io.Reader) error {
	r := persistence.NewReader(in)
	if err := r.Magic(formatMagic); err != nil {
		return err
	}
	count, err := r.Count()
	if err != nil {
		return err
	}

	restored := state{}
	for i := 0; i < count; i++ {
		inst, err := restoreInstance(r)
		if err != nil {
			return err
		}
		if inst.target.OID == datamodel.OIDSecurity || ac.registry.FindByOID(inst.target.OID) == nil {
			continue
		}
		if !restored.instances.Insert(inst) {
			return fmt.Errorf("%w: duplicate ACL instance %d", persistence.ErrCorrupt, inst.iid)
		}
	}

	ac.current = restored
	return nil
}

func restoreInstance(r *persistence.Reader) (*Instance, error) {
	inst := &Instance{}
	oid, err := r.U16()
	if err != nil {
		return nil, err
	}
	iid, err := r.U16()
	if err != nil {
		return nil, err
	}
	targetIID, err := r.U16()
	if err != nil {
		return nil, err
	}
	owner, err := r.U16()
	if err != nil {
		return nil, err
	}
	inst.target = Target{OID: datamodel.OID(oid), IID: int32(targetIID)}
	inst.iid = datamodel.IID(iid)
	inst.owner = datamodel.SSID(owner)

	if inst.hasACL, err = r.Bool(); err != nil {
		return nil, err
	}
	if !inst.hasACL {
		return inst, nil
	}
	aclLen, err := r.Count()
	if err != nil {
		return nil, err
	}
	for i := 0; i < aclLen; i++ {
		mask, err := r.U16()
		if err != nil {
			return nil, err
		}
		ssid, err := r.U16()
		if err != nil {
			return nil, err
		}
		if !inst.acl.Insert(&Entry{SSID: datamodel.SSID(ssid), Mask: Mask(mask)}) {
			return nil, fmt.Errorf("%w: duplicate ACL entry for SSID %d", persistence.ErrCorrupt, ssid)
		}
	}
	return inst, nil
}
