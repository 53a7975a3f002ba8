package attrstorage

import (
	"context"
	"testing"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

func flush(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.queue.Flush(context.Background(), f.storage); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestReconcileRemovesAbsentInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeServers{2: true})
	obj := datamodel.NewMockObject(42, 1, 2)
	f.register(t, obj)

	if err := f.storage.SetInstanceAttrs(ctx, 2, 42, 1, withMinPeriod(7)); err != nil {
		t.Fatal(err)
	}
	flush(t, f)
	if f.storage.objects.Len() != 1 {
		t.Fatal("entry vanished while its instance still exists")
	}

	// The data model now reports only instance 2.
	obj.RemoveInstanceID(1)
	f.queue.MarkUnknownChange(42)
	flush(t, f)

	got, err := f.storage.InstanceReadDefaultAttrs(ctx, obj, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsEmpty() {
		t.Errorf("attrs for removed instance = %+v, want empty", got)
	}
	if f.storage.objects.Len() != 0 {
		t.Error("object entry not pruned after its only child was removed")
	}
}

func TestReconcileRemovesAbsentResources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeServers{2: true})
	obj := datamodel.NewMockObject(42, 1)
	obj.SetResources(1,
		datamodel.ResourceEntry{RID: 3, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
		datamodel.ResourceEntry{RID: 5, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
	)
	f.register(t, obj)

	a := datamodel.EmptyResourceAttributes()
	a.Step = 2.0
	if err := f.storage.SetResourceAttrs(ctx, 2, 42, 1, 3, a); err != nil {
		t.Fatal(err)
	}
	if err := f.storage.SetResourceAttrs(ctx, 2, 42, 1, 5, a); err != nil {
		t.Fatal(err)
	}
	flush(t, f)

	// Resource 3 becomes absent; resource 5 stays.
	obj.SetResources(1,
		datamodel.ResourceEntry{RID: 3, Kind: datamodel.ResourceRW, Presence: datamodel.Absent},
		datamodel.ResourceEntry{RID: 5, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
	)
	f.queue.MarkResourceChanged(42, 1, 3)
	flush(t, f)

	got, _ := f.storage.ResourceReadAttrs(ctx, obj, 1, 3, 2)
	if !got.IsEmpty() {
		t.Error("attrs survived for an absent resource")
	}
	got, _ = f.storage.ResourceReadAttrs(ctx, obj, 1, 5, 2)
	if got.IsEmpty() {
		t.Error("attrs lost for a still-present resource")
	}
}

func TestReconcileRemovesAbsentResourceInstances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeServers{2: true})
	obj := datamodel.NewMockObject(42, 1)
	obj.SetResources(1,
		datamodel.ResourceEntry{RID: 5, Kind: datamodel.ResourceRWM, Presence: datamodel.Present},
	)
	obj.SetResourceInstances(1, 5, 0, 4)
	f.register(t, obj)

	a := datamodel.EmptyResourceAttributes()
	a.Step = 2.0
	if err := f.storage.SetResourceInstanceAttrs(ctx, 2, 42, 1, 5, 4, a); err != nil {
		t.Fatal(err)
	}

	obj.SetResourceInstances(1, 5, 0)
	f.queue.MarkResourceChanged(42, 1, 5)
	flush(t, f)

	got, _ := f.storage.ResourceInstanceReadAttrs(ctx, obj, 1, 5, 4, 2)
	if !got.IsEmpty() {
		t.Error("attrs survived for a removed resource instance")
	}
	if f.storage.objects.Len() != 0 {
		t.Error("emptied entries were not pruned")
	}
}

func TestReconcileFiltersUnknownServers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeServers{2: true, 14: true})

	server := datamodel.NewMockObject(datamodel.OIDServer, 0, 1)
	server.Values[datamodel.MakeResourcePath(datamodel.OIDServer, 0, datamodel.RIDServerSSID)] = int64(2)
	server.Values[datamodel.MakeResourcePath(datamodel.OIDServer, 1, datamodel.RIDServerSSID)] = int64(14)
	f.register(t, server)

	obj := datamodel.NewMockObject(42, 1)
	f.register(t, obj)

	if err := f.storage.SetInstanceAttrs(ctx, 2, 42, 1, withMinPeriod(7)); err != nil {
		t.Fatal(err)
	}
	if err := f.storage.SetInstanceAttrs(ctx, 14, 42, 1, withMinPeriod(9)); err != nil {
		t.Fatal(err)
	}
	flush(t, f)

	// Server account 14 disappears.
	server.RemoveInstanceID(1)
	f.queue.MarkInstanceRemoved(datamodel.OIDServer, 1)
	flush(t, f)

	got, _ := f.storage.InstanceReadDefaultAttrs(ctx, obj, 1, 14)
	if !got.IsEmpty() {
		t.Error("attrs for vanished server 14 survived the SSID filter")
	}
	got, _ = f.storage.InstanceReadDefaultAttrs(ctx, obj, 1, 2)
	if got.IsEmpty() {
		t.Error("attrs for still-known server 2 were dropped")
	}
}

func TestReconcileDropsEntriesForUnregisteredObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeServers{2: true})

	// An entry written through the dispatch path for an object that is
	// not (or no longer) registered: reconciliation must drop it.
	ghost := datamodel.NewMockObject(42, 1)
	if err := f.storage.WriteObjectDefaultAttrs(ctx, ghost, 2, withMinPeriod(1)); err != nil {
		t.Fatal(err)
	}
	if f.storage.objects.Len() != 1 {
		t.Fatal("no entry created")
	}

	f.queue.MarkUnknownChange(42)
	flush(t, f)
	if f.storage.objects.Len() != 0 {
		t.Error("entries for an unregistered object survived reconciliation")
	}
}
