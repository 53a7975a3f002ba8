package attrstorage

import (
	"context"
	"fmt"
	"io"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/persistence"
)

// Persisted attribute storage format:
//
//	'F' 'A' 'S' <version:u8>
//	<object count:u32>
//	  <oid:u16> <default attrs> <instance count:u32>
//	    <iid:u16> <default attrs> <resource count:u32>
//	      <rid:u16> <resource attrs>
//	      [v3+] <resource instance count:u32>
//	        <riid:u16> <resource attrs>
//
// where <default attrs> is u32 count of (u16 ssid + OI payload) and
// <resource attrs> is u32 count of (u16 ssid + R payload). The OI payload
// is min/max period (i32), eval periods (i32, v4+), hqmax (i32, v5+) and
// the confirmable byte (v2+, 0xFF meaning unset); the R payload appends
// gt/lt/st doubles and the edge byte (v5+).
const (
	formatVersionResourceInstances = 3
	formatVersionEvalPeriods       = 4
	formatVersionCustomAttrs       = 5

	formatVersionMin     = 2
	formatVersionCurrent = 5
)

var formatMagic = []byte{'F', 'A', 'S'}

// Persist writes the whole tree to out and, on success, clears the
// modified flag.
func (s *Storage) Persist(out io.Writer) error {
	if err := s.persistInner(out); err != nil {
		return err
	}
	s.modified = false
	return nil
}

func (s *Storage) persistInner(out io.Writer) error {
	w := persistence.NewWriter(out)
	if err := w.Magic(formatMagic); err != nil {
		return err
	}
	if err := w.U8(formatVersionCurrent); err != nil {
		return err
	}
	if err := w.U32(uint32(s.objects.Len())); err != nil {
		return err
	}
	for i := 0; i < s.objects.Len(); i++ {
		if err := persistObject(w, s.objects.At(i)); err != nil {
			return err
		}
	}
	return nil
}

func persistObject(w *persistence.Writer, e *objectEntry) error {
	if err := w.U16(uint16(e.oid)); err != nil {
		return err
	}
	if err := persistDefaults(w, &e.defaults); err != nil {
		return err
	}
	if err := w.U32(uint32(e.instances.Len())); err != nil {
		return err
	}
	for i := 0; i < e.instances.Len(); i++ {
		if err := persistInstance(w, e.instances.At(i)); err != nil {
			return err
		}
	}
	return nil
}

func persistInstance(w *persistence.Writer, inst *instanceEntry) error {
	if err := w.U16(uint16(inst.iid)); err != nil {
		return err
	}
	if err := persistDefaults(w, &inst.defaults); err != nil {
		return err
	}
	if err := w.U32(uint32(inst.resources.Len())); err != nil {
		return err
	}
	for i := 0; i < inst.resources.Len(); i++ {
		res := inst.resources.At(i)
		if err := w.U16(uint16(res.rid)); err != nil {
			return err
		}
		if err := persistResourceAttrs(w, &res.attrs); err != nil {
			return err
		}
		if err := w.U32(uint32(res.instances.Len())); err != nil {
			return err
		}
		for j := 0; j < res.instances.Len(); j++ {
			ri := res.instances.At(j)
			if err := w.U16(uint16(ri.riid)); err != nil {
				return err
			}
			if err := persistResourceAttrs(w, &ri.attrs); err != nil {
				return err
			}
		}
	}
	return nil
}

func persistDefaults(w *persistence.Writer, list *datamodel.KeyList[defaultAttrs]) error {
	if err := w.U32(uint32(list.Len())); err != nil {
		return err
	}
	for i := 0; i < list.Len(); i++ {
		rec := list.At(i)
		if err := w.U16(uint16(rec.ssid)); err != nil {
			return err
		}
		if err := persistOIPayload(w, rec.attrs); err != nil {
			return err
		}
	}
	return nil
}

func persistResourceAttrs(w *persistence.Writer, list *datamodel.KeyList[resourceAttrs]) error {
	if err := w.U32(uint32(list.Len())); err != nil {
		return err
	}
	for i := 0; i < list.Len(); i++ {
		rec := list.At(i)
		if err := w.U16(uint16(rec.ssid)); err != nil {
			return err
		}
		if err := persistRPayload(w, rec.attrs); err != nil {
			return err
		}
	}
	return nil
}

func persistOIPayload(w *persistence.Writer, a datamodel.Attributes) error {
	for _, v := range []int32{a.MinPeriod, a.MaxPeriod, a.MinEvalPeriod, a.MaxEvalPeriod, a.HQMax} {
		if err := w.I32(v); err != nil {
			return err
		}
	}
	return w.U8(uint8(a.Confirmable))
}

func persistRPayload(w *persistence.Writer, a datamodel.ResourceAttributes) error {
	if err := persistOIPayload(w, a.Attributes); err != nil {
		return err
	}
	for _, v := range []float64{a.GreaterThan, a.LessThan, a.Step} {
		if err := w.F64(v); err != nil {
			return err
		}
	}
	return w.U8(uint8(a.Edge))
}

// Restore replaces the tree with the stream's contents. An empty stream
// restores an empty tree. On any decoding or sanity-check failure the
// tree is fully cleared and the modified flag is set, so that the next
// Persist rewrites a clean state. Entries referencing entities absent
// from the registry are silently dropped; that reconciliation is not an
// error.
func (s *Storage) Restore(ctx context.Context, in io.Reader) error {
	s.clear()
	err := s.restoreInner(ctx, in)
	if err != nil {
		s.clear()
		s.modified = true
		return err
	}
	s.modified = false
	return nil
}

func (s *Storage) restoreInner(ctx context.Context, in io.Reader) error {
	var first [1]byte
	if _, err := io.ReadFull(in, first[:]); err != nil {
		if err == io.EOF {
			// Empty stream, treat as empty state.
			return nil
		}
		return persistence.ErrTruncated
	}
	r := persistence.NewReader(io.MultiReader(newByteReader(first[0]), in))

	if err := r.Magic(formatMagic); err != nil {
		return err
	}
	version, err := r.U8()
	if err != nil {
		return err
	}
	if version < formatVersionMin || version > formatVersionCurrent {
		return fmt.Errorf("%w: %d", persistence.ErrBadVersion, version)
	}

	count, err := r.Count()
	if err != nil {
		return err
	}
	lastOID := -1
	for i := 0; i < count; i++ {
		e, err := restoreObject(r, version)
		if err != nil {
			return err
		}
		if int(e.oid) <= lastOID {
			return fmt.Errorf("%w: object list not ascending", persistence.ErrCorrupt)
		}
		lastOID = int(e.oid)
		s.objects.Insert(e)
	}

	return s.clearNonexistent(ctx)
}

func restoreObject(r *persistence.Reader, version uint8) (*objectEntry, error) {
	oid, err := r.U16()
	if err != nil {
		return nil, err
	}
	e := &objectEntry{oid: datamodel.OID(oid)}
	if err := restoreDefaults(r, version, &e.defaults); err != nil {
		return nil, err
	}
	count, err := r.Count()
	if err != nil {
		return nil, err
	}
	lastIID := -1
	for i := 0; i < count; i++ {
		inst, err := restoreInstance(r, version)
		if err != nil {
			return nil, err
		}
		if int(inst.iid) <= lastIID {
			return nil, fmt.Errorf("%w: instance list not ascending", persistence.ErrCorrupt)
		}
		lastIID = int(inst.iid)
		e.instances.Insert(inst)
	}
	return e, nil
}

func restoreInstance(r *persistence.Reader, version uint8) (*instanceEntry, error) {
	iid, err := r.U16()
	if err != nil {
		return nil, err
	}
	inst := &instanceEntry{iid: datamodel.IID(iid)}
	if err := restoreDefaults(r, version, &inst.defaults); err != nil {
		return nil, err
	}
	count, err := r.Count()
	if err != nil {
		return nil, err
	}
	lastRID := -1
	for i := 0; i < count; i++ {
		rid, err := r.U16()
		if err != nil {
			return nil, err
		}
		if int(rid) <= lastRID {
			return nil, fmt.Errorf("%w: resource list not ascending", persistence.ErrCorrupt)
		}
		lastRID = int(rid)
		res := &resourceEntry{rid: datamodel.RID(rid)}
		if err := restoreResourceAttrs(r, version, &res.attrs); err != nil {
			return nil, err
		}
		if version >= formatVersionResourceInstances {
			riCount, err := r.Count()
			if err != nil {
				return nil, err
			}
			lastRIID := -1
			for j := 0; j < riCount; j++ {
				riid, err := r.U16()
				if err != nil {
					return nil, err
				}
				if int(riid) <= lastRIID {
					return nil, fmt.Errorf("%w: resource instance list not ascending", persistence.ErrCorrupt)
				}
				lastRIID = int(riid)
				ri := &resourceInstanceEntry{riid: datamodel.RIID(riid)}
				if err := restoreResourceAttrs(r, version, &ri.attrs); err != nil {
					return nil, err
				}
				res.instances.Insert(ri)
			}
		}
		inst.resources.Insert(res)
	}
	return inst, nil
}

func restoreDefaults(r *persistence.Reader, version uint8, list *datamodel.KeyList[defaultAttrs]) error {
	count, err := r.Count()
	if err != nil {
		return err
	}
	lastSSID := -1
	for i := 0; i < count; i++ {
		ssid, err := r.U16()
		if err != nil {
			return err
		}
		if int(ssid) <= lastSSID {
			return fmt.Errorf("%w: SSID list not ascending", persistence.ErrCorrupt)
		}
		lastSSID = int(ssid)
		attrs, err := restoreOIPayload(r, version)
		if err != nil {
			return err
		}
		if attrs.IsEmpty() {
			return fmt.Errorf("%w: empty attribute record", persistence.ErrCorrupt)
		}
		list.Insert(&defaultAttrs{ssid: datamodel.SSID(ssid), attrs: attrs})
	}
	return nil
}

func restoreResourceAttrs(r *persistence.Reader, version uint8, list *datamodel.KeyList[resourceAttrs]) error {
	count, err := r.Count()
	if err != nil {
		return err
	}
	lastSSID := -1
	for i := 0; i < count; i++ {
		ssid, err := r.U16()
		if err != nil {
			return err
		}
		if int(ssid) <= lastSSID {
			return fmt.Errorf("%w: SSID list not ascending", persistence.ErrCorrupt)
		}
		lastSSID = int(ssid)
		attrs, err := restoreRPayload(r, version)
		if err != nil {
			return err
		}
		if attrs.IsEmpty() {
			return fmt.Errorf("%w: empty attribute record", persistence.ErrCorrupt)
		}
		list.Insert(&resourceAttrs{ssid: datamodel.SSID(ssid), attrs: attrs})
	}
	return nil
}

func restoreOIPayload(r *persistence.Reader, version uint8) (datamodel.Attributes, error) {
	a := datamodel.EmptyAttributes()
	var err error
	if a.MinPeriod, err = r.I32(); err != nil {
		return a, err
	}
	if a.MaxPeriod, err = r.I32(); err != nil {
		return a, err
	}
	if version >= formatVersionEvalPeriods {
		if a.MinEvalPeriod, err = r.I32(); err != nil {
			return a, err
		}
		if a.MaxEvalPeriod, err = r.I32(); err != nil {
			return a, err
		}
	}
	if version >= formatVersionCustomAttrs {
		if a.HQMax, err = r.I32(); err != nil {
			return a, err
		}
	}
	con, err := r.U8()
	if err != nil {
		return a, err
	}
	if a.Confirmable, err = flagFromByte(con); err != nil {
		return a, err
	}
	return a, nil
}

func restoreRPayload(r *persistence.Reader, version uint8) (datamodel.ResourceAttributes, error) {
	a := datamodel.EmptyResourceAttributes()
	var err error
	if a.Attributes, err = restoreOIPayload(r, version); err != nil {
		return a, err
	}
	if a.GreaterThan, err = r.F64(); err != nil {
		return a, err
	}
	if a.LessThan, err = r.F64(); err != nil {
		return a, err
	}
	if a.Step, err = r.F64(); err != nil {
		return a, err
	}
	if version >= formatVersionCustomAttrs {
		edge, err := r.U8()
		if err != nil {
			return a, err
		}
		if a.Edge, err = flagFromByte(edge); err != nil {
			return a, err
		}
	}
	return a, nil
}

func flagFromByte(b uint8) (int8, error) {
	switch int8(b) {
	case -1, 0, 1:
		return int8(b), nil
	default:
		return 0, fmt.Errorf("%w: invalid flag byte 0x%02X", persistence.ErrCorrupt, b)
	}
}

// clearNonexistent drops every restored entry whose target no longer
// exists in the registry.
func (s *Storage) clearNonexistent(ctx context.Context) error {
	for _, oid := range s.objects.Keys() {
		obj := s.registry.FindByOID(datamodel.OID(oid))
		if obj == nil {
			s.objects.Remove(oid)
			continue
		}
		e := s.findObject(datamodel.OID(oid))

		cursor := 0
		err := s.registry.ForEachInstance(ctx, obj, func(iid datamodel.IID) error {
			for cursor < e.instances.Len() && e.instances.At(cursor).iid < iid {
				e.instances.Remove(uint16(e.instances.At(cursor).iid))
			}
			if cursor < e.instances.Len() && e.instances.At(cursor).iid == iid {
				cursor++
			}
			return nil
		})
		if err != nil {
			return err
		}
		for cursor < e.instances.Len() {
			e.instances.Remove(uint16(e.instances.At(cursor).iid))
		}

		for _, iid := range e.instances.Keys() {
			if err := s.removeAbsentResources(ctx, e, obj, datamodel.IID(iid)); err != nil {
				return err
			}
		}
		s.pruneObject(datamodel.OID(oid))
	}
	return nil
}

// byteReader yields a single already-consumed byte back to a reader
// chain.
type byteReader struct {
	b    byte
	done bool
}

func newByteReader(b byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.done || len(p) == 0 {
		return 0, io.EOF
	}
	p[0] = r.b
	r.done = true
	return 1, nil
}
