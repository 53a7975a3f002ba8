package accesscontrol

import (
	"context"
	"errors"
	"testing"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// TestTransactionRollbackAfterFailedValidation covers the canonical
// sequence: an ACL entry referencing an unknown server is written through
// the data model path, validation fails, and rollback restores the exact
// pre-transaction state.
func TestTransactionRollbackAfterFailedValidation(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.SetOwner(ctx, 42, 1, 14, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.TransactionValidate(ctx); err != nil {
		t.Fatalf("baseline validate: %v", err)
	}

	if err := f.ac.TransactionBegin(ctx); err != nil {
		t.Fatal(err)
	}
	// SSID 7 is not a known server; the dm write path does not validate
	// eagerly, the transaction validate must catch it.
	if err := f.ac.WriteResource(ctx, 0, RIDACL, 7, datamodel.NewInput(int64(MaskWrite))); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.TransactionValidate(ctx); !errors.Is(err, datamodel.ErrBadRequest) {
		t.Fatalf("validate = %v, want ErrBadRequest", err)
	}
	if err := f.ac.TransactionRollback(ctx); err != nil {
		t.Fatal(err)
	}

	inst := f.ac.Instances()[0]
	acl := inst.ACL()
	if len(acl) != 1 || acl[0].SSID != 2 || acl[0].Mask != MaskRead {
		t.Errorf("acl after rollback = %+v, want exactly {(2, R)}", acl)
	}
	if inst.Owner() != 14 {
		t.Errorf("owner after rollback = %v, want 14", inst.Owner())
	}
	if f.ac.needsValidation {
		t.Error("needsValidation = true after rollback, want false")
	}
}

func TestTransactionValidateTargets(t *testing.T) {
	ctx := context.Background()
	riidNone := datamodel.RIID(datamodel.IDInvalid)

	t.Run("UnsetTarget", func(t *testing.T) {
		f := newTargetFixture(t)
		if err := f.ac.TransactionBegin(ctx); err != nil {
			t.Fatal(err)
		}
		if err := f.ac.CreateInstance(ctx, 0); err != nil {
			t.Fatal(err)
		}
		if err := f.ac.TransactionValidate(ctx); !errors.Is(err, datamodel.ErrBadRequest) {
			t.Errorf("validate with unset target = %v, want ErrBadRequest", err)
		}
		if err := f.ac.TransactionRollback(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("CompleteTarget", func(t *testing.T) {
		f := newTargetFixture(t)
		if err := f.ac.TransactionBegin(ctx); err != nil {
			t.Fatal(err)
		}
		if err := f.ac.CreateInstance(ctx, 0); err != nil {
			t.Fatal(err)
		}
		if err := f.ac.WriteResource(ctx, 0, RIDTargetOID, riidNone, datamodel.NewInput(int64(42))); err != nil {
			t.Fatal(err)
		}
		if err := f.ac.WriteResource(ctx, 0, RIDTargetIID, riidNone, datamodel.NewInput(int64(1))); err != nil {
			t.Fatal(err)
		}
		if err := f.ac.TransactionValidate(ctx); err != nil {
			t.Errorf("validate = %v, want success", err)
		}
		if err := f.ac.TransactionCommit(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("VanishedTargetInstance", func(t *testing.T) {
		f := newTargetFixture(t)
		if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
			t.Fatal(err)
		}
		obj := f.registry.FindByOID(42).(*datamodel.MockObject)
		obj.RemoveInstanceID(1)
		f.ac.needsValidation = true

		if err := f.ac.TransactionBegin(ctx); err != nil {
			t.Fatal(err)
		}
		if err := f.ac.TransactionValidate(ctx); !errors.Is(err, datamodel.ErrBadRequest) {
			t.Errorf("validate = %v, want ErrBadRequest for vanished target", err)
		}
		if err := f.ac.TransactionRollback(ctx); err != nil {
			t.Fatal(err)
		}
	})
}

func TestTransactionValidateSkipsWhenClean(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	// Make the stored state invalid behind the validation flag's back:
	// without needsValidation, validate must not even look.
	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	obj := f.registry.FindByOID(42).(*datamodel.MockObject)
	obj.RemoveInstanceID(1)
	f.ac.needsValidation = false

	if err := f.ac.TransactionValidate(ctx); err != nil {
		t.Errorf("validate = %v, want success when nothing was written", err)
	}
}

func TestTransactionCommitKeepsState(t *testing.T) {
	ctx := context.Background()
	f := newTargetFixture(t)

	if err := f.ac.TransactionBegin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.SetACL(ctx, 42, 1, 2, MaskRead); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.TransactionValidate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.ac.TransactionCommit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.ac.Instances()) != 1 {
		t.Error("committed instance lost")
	}
}
