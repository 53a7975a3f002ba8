// Package accesscontrol implements the Access Control object (/2): per
// target ACL instances with owner semantics, transactional validation
// against the data model, and binary persistence.
package accesscontrol

import (
	"context"
	"strings"

	"github.com/pion/logging"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/notify"
)

// Resource IDs of the Access Control object.
const (
	RIDTargetOID datamodel.RID = 0
	RIDTargetIID datamodel.RID = 1
	RIDACL       datamodel.RID = 2
	RIDOwner     datamodel.RID = 3
)

// Mask is the per-server permission bitfield of an ACL entry.
type Mask uint16

const (
	MaskRead Mask = 1 << iota
	MaskWrite
	MaskExecute
	MaskDelete
	MaskCreate

	// MaskNone grants nothing; writing it removes the entry.
	MaskNone Mask = 0

	// MaskFull is every defined permission bit.
	MaskFull = MaskRead | MaskWrite | MaskExecute | MaskDelete | MaskCreate
)

// String renders the mask in the conventional "RWXDC" notation.
func (m Mask) String() string {
	if m == MaskNone {
		return "-"
	}
	var b strings.Builder
	for _, bit := range []struct {
		mask Mask
		c    byte
	}{
		{MaskRead, 'R'}, {MaskWrite, 'W'}, {MaskExecute, 'X'}, {MaskDelete, 'D'}, {MaskCreate, 'C'},
	} {
		if m&bit.mask != 0 {
			b.WriteByte(bit.c)
		}
	}
	return b.String()
}

// TargetIIDUnset marks an ACL instance whose Target Instance ID resource
// has not been written yet. Such an instance fails transaction
// validation.
const TargetIIDUnset int32 = -1

// Target identifies what an ACL instance protects. IID is
// int32(IDInvalid) for a whole-object (Create-permission) target and
// TargetIIDUnset until the server writes it.
type Target struct {
	OID datamodel.OID
	IID int32
}

// targetOIDValid mirrors the registration constraints: targets below the
// Server object and the Access Control object itself cannot carry ACLs.
func targetOIDValid(oid int32) bool {
	return oid >= 1 && oid != int32(datamodel.OIDAccessControl) && oid < int32(datamodel.IDInvalid)
}

// Entry is a single (SSID, mask) pair of an ACL.
type Entry struct {
	SSID datamodel.SSID
	Mask Mask
}

// Key implements datamodel.Keyed.
func (e Entry) Key() uint16 { return uint16(e.SSID) }

// Instance is one Access Control object instance.
type Instance struct {
	iid    datamodel.IID
	target Target
	owner  datamodel.SSID
	hasACL bool
	acl    datamodel.KeyList[Entry]
}

// Key implements datamodel.Keyed.
func (i Instance) Key() uint16 { return uint16(i.iid) }

// IID returns the ACL Object Instance ID.
func (i *Instance) IID() datamodel.IID { return i.iid }

// Target returns the protected target.
func (i *Instance) Target() Target { return i.target }

// Owner returns the owning server's SSID.
func (i *Instance) Owner() datamodel.SSID { return i.owner }

// ACL returns the (ssid, mask) pairs in ascending SSID order.
func (i *Instance) ACL() []Entry {
	out := make([]Entry, 0, i.acl.Len())
	for idx := 0; idx < i.acl.Len(); idx++ {
		out = append(out, *i.acl.At(idx))
	}
	return out
}

func (i *Instance) clone() *Instance {
	cp := &Instance{
		iid:    i.iid,
		target: i.target,
		owner:  i.owner,
		hasACL: i.hasACL,
	}
	for idx := 0; idx < i.acl.Len(); idx++ {
		e := *i.acl.At(idx)
		cp.acl.Insert(&e)
	}
	return cp
}

// ServerDirectory answers whether an SSID currently identifies a known
// server account.
type ServerDirectory interface {
	SSIDExists(ctx context.Context, ssid datamodel.SSID) (bool, error)
}

// state is the mutable portion covered by transactions.
type state struct {
	instances datamodel.KeyList[Instance]
	modified  bool
}

func (s *state) clone() *state {
	cp := &state{modified: s.modified}
	for i := 0; i < s.instances.Len(); i++ {
		cp.instances.Insert(s.instances.At(i).clone())
	}
	return cp
}

// Config carries the collaborators of an AccessControl object.
type Config struct {
	Registry      *datamodel.Registry
	Servers       ServerDirectory
	Queue         *notify.Queue
	LoggerFactory logging.LoggerFactory
}

// AccessControl is the Access Control object implementation. All methods
// must be called under the client's process-wide mutex.
type AccessControl struct {
	registry *datamodel.Registry
	servers  ServerDirectory
	queue    *notify.Queue
	log      logging.LeveledLogger

	current         state
	saved           *state
	inTransaction   bool
	needsValidation bool
}

// New creates an empty AccessControl object.
func New(cfg Config) *AccessControl {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &AccessControl{
		registry: cfg.Registry,
		servers:  cfg.Servers,
		queue:    cfg.Queue,
		log:      cfg.LoggerFactory.NewLogger("accesscontrol"),
	}
}

func (ac *AccessControl) markModified() { ac.current.modified = true }

// IsModified reports whether the state changed since the last successful
// Persist. During a transaction the pre-transaction state is reported, so
// that a persistence layer triggered mid-transaction does not observe
// uncommitted changes.
func (ac *AccessControl) IsModified() bool {
	if ac.inTransaction && ac.saved != nil {
		return ac.saved.modified
	}
	return ac.current.modified
}

func (ac *AccessControl) findInstance(iid datamodel.IID) *Instance {
	return ac.current.instances.Find(uint16(iid))
}

func (ac *AccessControl) findByTarget(target Target) *Instance {
	for i := 0; i < ac.current.instances.Len(); i++ {
		inst := ac.current.instances.At(i)
		if inst.target == target {
			return inst
		}
	}
	return nil
}

// insertInstance adds an instance to the list. An instance with
// iid == IDInvalid is assigned the lowest free IID. Returns the inserted
// instance's IID.
func (ac *AccessControl) insertInstance(inst *Instance) (datamodel.IID, error) {
	if uint16(inst.iid) == datamodel.IDInvalid {
		proposed := uint16(0)
		for i := 0; i < ac.current.instances.Len(); i++ {
			if ac.current.instances.At(i).Key() != proposed {
				break
			}
			proposed++
		}
		if proposed == datamodel.IDInvalid {
			return 0, datamodel.ErrInternal
		}
		inst.iid = datamodel.IID(proposed)
	}
	if !ac.current.instances.Insert(inst) {
		return 0, datamodel.ErrObjectExists
	}
	return inst.iid, nil
}

// Instances returns the current ACL instances in ascending IID order.
// The returned values are read-only views.
func (ac *AccessControl) Instances() []*Instance {
	out := make([]*Instance, 0, ac.current.instances.Len())
	for i := 0; i < ac.current.instances.Len(); i++ {
		out = append(out, ac.current.instances.At(i))
	}
	return out
}
