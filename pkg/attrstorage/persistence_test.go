package attrstorage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/persistence"
)

var (
	noneI32 = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	noneF64 = []byte{0x7F, 0xF8, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
)

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// scenarioStream is the expected V5 stream for the canonical fixture:
// objects {4, 42, 517} registered, object-level attrs for (ssid=33,
// oid=4), instance-level attrs for (ssid=2, /42/1) and resource-level
// attrs for (ssid=2, /42/1/3).
func scenarioStream() []byte {
	return cat(
		[]byte{'F', 'A', 'S', 5},
		[]byte{0x00, 0x00, 0x00, 0x02}, // object count

		[]byte{0x00, 0x04},             // oid 4
		[]byte{0x00, 0x00, 0x00, 0x01}, // default attrs count
		[]byte{0x00, 0x21},             // ssid 33
		[]byte{0x00, 0x00, 0x00, 0x2A}, // min period 42
		noneI32, noneI32, noneI32, noneI32,
		[]byte{0xFF},                   // confirmable unset
		[]byte{0x00, 0x00, 0x00, 0x00}, // instance count

		[]byte{0x00, 0x2A},             // oid 42
		[]byte{0x00, 0x00, 0x00, 0x00}, // default attrs count
		[]byte{0x00, 0x00, 0x00, 0x01}, // instance count
		[]byte{0x00, 0x01},             // iid 1
		[]byte{0x00, 0x00, 0x00, 0x01}, // default attrs count
		[]byte{0x00, 0x02},             // ssid 2
		[]byte{0x00, 0x00, 0x00, 0x07}, // min period 7
		[]byte{0x00, 0x00, 0x00, 0x0D}, // max period 13
		noneI32, noneI32, noneI32,
		[]byte{0xFF},
		[]byte{0x00, 0x00, 0x00, 0x01}, // resource count
		[]byte{0x00, 0x03},             // rid 3
		[]byte{0x00, 0x00, 0x00, 0x01}, // resource attrs count
		[]byte{0x00, 0x02},             // ssid 2
		noneI32, noneI32, noneI32, noneI32, noneI32,
		[]byte{0xFF},
		[]byte{0x3F, 0xF0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, // gt 1.0
		[]byte{0xBF, 0xF0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, // lt -1.0
		noneF64, // st unset
		[]byte{0xFF},                   // edge unset
		[]byte{0x00, 0x00, 0x00, 0x00}, // resource instance count
	)
}

func scenarioFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, fakeServers{2: true, 33: true})
	obj4 := datamodel.NewMockObject(4)
	obj42 := datamodel.NewMockObject(42, 1)
	obj42.SetResources(1, datamodel.ResourceEntry{RID: 3, Kind: datamodel.ResourceRW, Presence: datamodel.Present})
	obj517 := datamodel.NewMockObject(517)
	for _, obj := range []datamodel.Object{obj4, obj42, obj517} {
		f.register(t, obj)
	}
	return f
}

func populateScenario(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	if err := f.storage.SetObjectAttrs(ctx, 33, 4, withMinPeriod(42)); err != nil {
		t.Fatal(err)
	}
	a := datamodel.EmptyAttributes()
	a.MinPeriod = 7
	a.MaxPeriod = 13
	if err := f.storage.SetInstanceAttrs(ctx, 2, 42, 1, a); err != nil {
		t.Fatal(err)
	}
	ra := datamodel.EmptyResourceAttributes()
	ra.GreaterThan = 1.0
	ra.LessThan = -1.0
	if err := f.storage.SetResourceAttrs(ctx, 2, 42, 1, 3, ra); err != nil {
		t.Fatal(err)
	}
}

func TestPersistProducesDocumentedStream(t *testing.T) {
	f := scenarioFixture(t)
	populateScenario(t, f)

	var buf bytes.Buffer
	if err := f.storage.Persist(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), scenarioStream()) {
		t.Errorf("persisted stream mismatch:\n got % X\nwant % X", buf.Bytes(), scenarioStream())
	}
	if f.storage.IsModified() {
		t.Error("IsModified() = true after successful Persist")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := scenarioFixture(t)

	if err := f.storage.Restore(ctx, bytes.NewReader(scenarioStream())); err != nil {
		t.Fatal(err)
	}
	if f.storage.IsModified() {
		t.Error("IsModified() = true after successful Restore")
	}

	var buf bytes.Buffer
	if err := f.storage.Persist(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), scenarioStream()) {
		t.Errorf("persist after restore differs:\n got % X\nwant % X", buf.Bytes(), scenarioStream())
	}
}

func TestRestoreDropsEntriesAbsentFromRegistry(t *testing.T) {
	ctx := context.Background()
	// Only object 42 is registered; the entry for object 4 must be
	// silently reconciled away.
	f := newFixture(t, fakeServers{2: true})
	obj42 := datamodel.NewMockObject(42, 1)
	obj42.SetResources(1, datamodel.ResourceEntry{RID: 3, Kind: datamodel.ResourceRW, Presence: datamodel.Present})
	f.register(t, obj42)

	if err := f.storage.Restore(ctx, bytes.NewReader(scenarioStream())); err != nil {
		t.Fatal(err)
	}
	if f.storage.objects.Len() != 1 || f.storage.objects.At(0).oid != 42 {
		t.Fatalf("restored objects = %v, want just 42", f.storage.objects.Keys())
	}
}

func TestRestoreEmptyStream(t *testing.T) {
	ctx := context.Background()
	f := scenarioFixture(t)
	populateScenario(t, f)

	if err := f.storage.Restore(ctx, bytes.NewReader(nil)); err != nil {
		t.Fatalf("restore of empty stream: %v, want success with empty state", err)
	}
	if f.storage.objects.Len() != 0 {
		t.Error("restore of empty stream left entries")
	}
}

func TestRestoreErrors(t *testing.T) {
	ctx := context.Background()

	valid := scenarioStream()
	tests := []struct {
		name   string
		stream []byte
		want   error
	}{
		{"BadMagic", cat([]byte{'X', 'A', 'S', 5}, valid[4:]), persistence.ErrBadMagic},
		{"UnknownVersion", cat([]byte{'F', 'A', 'S', 99}, valid[4:]), persistence.ErrBadVersion},
		{"Truncated", valid[:len(valid)-3], persistence.ErrTruncated},
		{"TruncatedHeader", []byte{'F', 'A'}, persistence.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := scenarioFixture(t)
			populateScenario(t, f)
			err := f.storage.Restore(ctx, bytes.NewReader(tt.stream))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Restore = %v, want %v", err, tt.want)
			}
			if f.storage.objects.Len() != 0 {
				t.Error("failed restore left partially-restored entries")
			}
			if !f.storage.IsModified() {
				t.Error("failed restore must set the modified flag")
			}
		})
	}
}

func TestRestoreRejectsUnsortedObjects(t *testing.T) {
	ctx := context.Background()
	f := scenarioFixture(t)

	// Two objects in descending order.
	stream := cat(
		[]byte{'F', 'A', 'S', 5},
		[]byte{0x00, 0x00, 0x00, 0x02},
		// oid 42, one default-attrs record, no instances
		[]byte{0x00, 0x2A},
		[]byte{0x00, 0x00, 0x00, 0x01},
		[]byte{0x00, 0x02},
		[]byte{0x00, 0x00, 0x00, 0x07},
		noneI32, noneI32, noneI32, noneI32,
		[]byte{0xFF},
		[]byte{0x00, 0x00, 0x00, 0x00},
		// oid 4 out of order
		[]byte{0x00, 0x04},
		[]byte{0x00, 0x00, 0x00, 0x01},
		[]byte{0x00, 0x02},
		[]byte{0x00, 0x00, 0x00, 0x07},
		noneI32, noneI32, noneI32, noneI32,
		[]byte{0xFF},
		[]byte{0x00, 0x00, 0x00, 0x00},
	)
	if err := f.storage.Restore(ctx, bytes.NewReader(stream)); !errors.Is(err, persistence.ErrCorrupt) {
		t.Fatalf("Restore = %v, want ErrCorrupt", err)
	}
}

func TestRestoreRejectsEmptyAttrRecord(t *testing.T) {
	ctx := context.Background()
	f := scenarioFixture(t)

	stream := cat(
		[]byte{'F', 'A', 'S', 5},
		[]byte{0x00, 0x00, 0x00, 0x01},
		[]byte{0x00, 0x04},
		[]byte{0x00, 0x00, 0x00, 0x01},
		[]byte{0x00, 0x02},
		// all attributes unset: record is empty, stream is insane
		noneI32, noneI32, noneI32, noneI32, noneI32,
		[]byte{0xFF},
		[]byte{0x00, 0x00, 0x00, 0x00},
	)
	if err := f.storage.Restore(ctx, bytes.NewReader(stream)); !errors.Is(err, persistence.ErrCorrupt) {
		t.Fatalf("Restore = %v, want ErrCorrupt", err)
	}
}

func TestRestoreOlderVersionFillsNone(t *testing.T) {
	ctx := context.Background()
	f := scenarioFixture(t)

	// Version 2: OI payload is min/max period + confirmable byte only,
	// and there are no resource instance lists.
	stream := cat(
		[]byte{'F', 'A', 'S', 2},
		[]byte{0x00, 0x00, 0x00, 0x01},
		[]byte{0x00, 0x04},
		[]byte{0x00, 0x00, 0x00, 0x01},
		[]byte{0x00, 0x21},
		[]byte{0x00, 0x00, 0x00, 0x2A}, // min period 42
		noneI32,                        // max period
		[]byte{0x01},                   // confirmable
		[]byte{0x00, 0x00, 0x00, 0x00}, // instance count
	)
	if err := f.storage.Restore(ctx, bytes.NewReader(stream)); err != nil {
		t.Fatal(err)
	}

	obj := f.registry.FindByOID(4)
	got, err := f.storage.ObjectReadDefaultAttrs(ctx, obj, 33)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinPeriod != 42 || got.Confirmable != 1 {
		t.Errorf("restored attrs = %+v", got)
	}
	if got.MinEvalPeriod != datamodel.PeriodNone || got.HQMax != datamodel.PeriodNone {
		t.Errorf("fields missing from v2 must restore as unset, got %+v", got)
	}
}
