package accesscontrol

import (
	"context"
	"errors"
	"testing"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/notify"
)

type fakeServers map[datamodel.SSID]bool

func (f fakeServers) SSIDExists(ctx context.Context, ssid datamodel.SSID) (bool, error) {
	return f[ssid], nil
}

type fixture struct {
	registry *datamodel.Registry
	queue    *notify.Queue
	ac       *AccessControl
}

func newFixture(t *testing.T, servers fakeServers) *fixture {
	t.Helper()
	f := &fixture{
		registry: datamodel.NewRegistry(),
		queue:    &notify.Queue{},
	}
	f.ac = New(Config{
		Registry: f.registry,
		Servers:  servers,
		Queue:    f.queue,
	})
	if err := f.registry.Register(f.ac); err != nil {
		t.Fatal(err)
	}
	return f
}

func newTargetFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, fakeServers{2: true, 14: true})
	obj := datamodel.NewMockObject(42, 1)
	if err := f.registry.Register(obj); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSetACLCreatesInstance(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead|MaskWrite); err != nil {
		t.Fatal(err)
	}

	insts := f.ac.Instances()
	if len(insts) != 1 {
		t.Fatalf("instances = %d, want 1", len(insts))
	}
	inst := insts[0]
	if inst.IID() != 0 {
		t.Errorf("assigned IID = %d, want lowest free 0", inst.IID())
	}
	if inst.Target() != (Target{OID: 42, IID: 1}) {
		t.Errorf("target = %+v", inst.Target())
	}
	if inst.Owner() != datamodel.SSIDBootstrap {
		t.Errorf("owner = %v, want bootstrap", inst.Owner())
	}
	acl := inst.ACL()
	if len(acl) != 1 || acl[0].SSID != 2 || acl[0].Mask != MaskRead|MaskWrite {
		t.Errorf("acl = %+v", acl)
	}
	if !f.ac.IsModified() {
		t.Error("IsModified() = false after SetACL")
	}
	if f.queue.IsEmpty() {
		t.Error("no creation event queued")
	}
}

func TestSetACLLowestFreeIID(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)
	obj := datamodel.NewMockObject(43, 0, 1)
	if err := f.registry.Register(obj); err != nil {
		t.Fatal(err)
	}

	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.SetACL(ctx, 43, 0, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.RemoveInstance(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.SetACL(ctx, 43, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}

	iids, _ := f.ac.ListInstances(ctx)
	if len(iids) != 2 || iids[0] != 0 || iids[1] != 1 {
		t.Errorf("instances = %v, want [0 1]: the gap must be reused", iids)
	}
}

func TestSetACLThenEmptyMaskRemovesEntry(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskNone); err != nil {
		t.Fatal(err)
	}

	acl := f.ac.Instances()[0].ACL()
	if len(acl) != 0 {
		t.Errorf("acl = %+v, want no entry for (42, 1, 2)", acl)
	}
}

func TestSetACLValidation(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	tests := []struct {
		name string
		oid  datamodel.OID
		iid  datamodel.IID
		ssid datamodel.SSID
		mask Mask
	}{
		{"BootstrapSSID", 42, 1, datamodel.SSIDBootstrap, MaskRead},
		{"UndefinedMaskBits", 42, 1, 2, Mask(0x40)},
		{"CreateOnInstance", 42, 1, 2, MaskCreate},
		{"CreateMixedWithOthers", 42, 1, 2, MaskCreate | MaskRead},
		{"NonCreateOnObject", 42, datamodel.IID(datamodel.IDInvalid), 2, MaskRead},
		{"UnknownServer", 42, 1, 7, MaskRead},
		{"MissingTargetInstance", 42, 9, 2, MaskRead},
		{"UnregisteredTargetObject", 99, 1, 2, MaskRead},
		{"AccessControlItself", datamodel.OIDAccessControl, 1, 2, MaskRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ac.SetACL(ctx, tt.oid, tt.iid, tt.ssid, tt.mask)
			if err == nil {
				t.Fatal("SetACL succeeded, want error")
			}
			if !errors.Is(err, datamodel.ErrBadRequest) && !errors.Is(err, datamodel.ErrNotFound) && !errors.Is(err, datamodel.ErrObjectNotFound) {
				t.Errorf("err = %v", err)
			}
		})
	}
	if len(f.ac.Instances()) != 0 {
		t.Error("rejected SetACL calls left instances behind")
	}
}

func TestSetACLCreateMaskOnWholeObject(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	if err := f.ac.SetACL(ctx, 42, datamodel.IID(datamodel.IDInvalid), 2, MaskCreate); err != nil {
		t.Fatal(err)
	}
	inst := f.ac.Instances()[0]
	if inst.Target().IID != int32(datamodel.IDInvalid) {
		t.Errorf("target IID = %d, want whole-object", inst.Target().IID)
	}
}

func TestSetACLAnySSIDEntry(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	// SSID 0 ("any server") is a valid ACL entry key.
	if err := f.ac.SetACL(ctx, 42, 1, datamodel.SSIDAny, MaskRead); err != nil {
		t.Fatalf("SetACL with SSID 0: %v", err)
	}
}

func TestSetOwner(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesInstance", func(t *testing.T) {
		f := newTargetFixture(t)
		aclIID := datamodel.IID(datamodel.IDInvalid)
		if err := f.ac.SetOwner(ctx, 42, 1, 14, &aclIID); err != nil {
			t.Fatal(err)
		}
		if aclIID != 0 {
			t.Errorf("assigned ACL IID = %d, want 0", aclIID)
		}
		if f.ac.Instances()[0].Owner() != 14 {
			t.Errorf("owner = %v, want 14", f.ac.Instances()[0].Owner())
		}
	})

	t.Run("ConflictingPreferredIID", func(t *testing.T) {
		f := newTargetFixture(t)
		if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
			t.Fatal(err)
		}
		aclIID := datamodel.IID(7)
		err := f.ac.SetOwner(ctx, 42, 1, 14, &aclIID)
		if !errors.Is(err, datamodel.ErrBadRequest) {
			t.Fatalf("err = %v, want ErrBadRequest", err)
		}
		if aclIID != 0 {
			t.Errorf("actual IID written back = %d, want 0", aclIID)
		}
	})

	t.Run("RejectsSSIDZero", func(t *testing.T) {
		f := newTargetFixture(t)
		if err := f.ac.SetOwner(ctx, 42, 1, datamodel.SSIDAny, nil); !errors.Is(err, datamodel.ErrBadRequest) {
			t.Fatalf("err = %v, want ErrBadRequest", err)
		}
	})

	t.Run("AllowsBootstrap", func(t *testing.T) {
		f := newTargetFixture(t)
		if err := f.ac.SetOwner(ctx, 42, 1, datamodel.SSIDBootstrap, nil); err != nil {
			t.Fatalf("bootstrap owner rejected: %v", err)
		}
	})

	t.Run("RejectsUnknownServer", func(t *testing.T) {
		f := newTargetFixture(t)
		if err := f.ac.SetOwner(ctx, 42, 1, 77, nil); !errors.Is(err, datamodel.ErrBadRequest) {
			t.Fatalf("err = %v, want ErrBadRequest", err)
		}
	})
}

func TestAtMostOneInstancePerTarget(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.SetACL(ctx, 42, 1, 14, MaskWrite); err != nil {
		t.Fatal(err)
	}
	if len(f.ac.Instances()) != 1 {
		t.Fatalf("instances = %d, want 1 per target", len(f.ac.Instances()))
	}
	acl := f.ac.Instances()[0].ACL()
	if len(acl) != 2 || acl[0].SSID != 2 || acl[1].SSID != 14 {
		t.Errorf("acl = %+v, want entries for 2 and 14 in order", acl)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	f.ac.Purge(ctx)
	if len(f.ac.Instances()) != 0 {
		t.Error("Purge left instances")
	}
	if !f.ac.IsModified() {
		t.Error("Purge must mark the state modified")
	}
}

func TestMaskString(t *testing.T) {
	tests := []struct {
		mask Mask
		want string
	}{
		{MaskNone, "-"},
		{MaskRead, "R"},
		{MaskRead | MaskWrite | MaskDelete, "RWD"},
		{MaskCreate, "C"},
	}
	for _, tt := range tests {
		if got := tt.mask.String(); got != tt.want {
			t.Errorf("Mask(%#x).String() = %q, want %q", uint16(tt.mask), got, tt.want)
		}
	}
}
