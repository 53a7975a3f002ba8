package attrstorage

import (
	"context"
	"sort"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/notify"
)

// HandleNotification reconciles the attribute tree against the live data
// model for one flushed queue entry: attributes attached to entities that
// no longer exist are dropped, and for the Security/Server reference
// objects the per-server records are filtered down to the SSIDs those
// objects currently report.
func (s *Storage) HandleNotification(ctx context.Context, n *notify.ObjectNotification) error {
	if err := s.removeAbsentInstances(ctx, n.OID); err != nil {
		return err
	}

	e := s.findObject(n.OID)
	if e == nil {
		return nil
	}
	obj := s.registry.FindByOID(n.OID)
	lastIID := -1
	var firstErr error
	for _, rc := range n.Resources {
		if int(rc.IID) == lastIID {
			continue
		}
		lastIID = int(rc.IID)
		if err := s.removeAbsentResources(ctx, e, obj, rc.IID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.pruneObject(n.OID)
	return firstErr
}

// ObjectRemoved implements datamodel.RemovalListener: unregistering an
// object drops its whole attribute subtree.
func (s *Storage) ObjectRemoved(oid datamodel.OID) {
	if s.objects.Remove(uint16(oid)) {
		s.markModified()
	}
}

func isSSIDReferenceObject(oid datamodel.OID) bool {
	return oid == datamodel.OIDSecurity || oid == datamodel.OIDServer
}

func ssidRID(oid datamodel.OID) datamodel.RID {
	if oid == datamodel.OIDSecurity {
		return datamodel.RIDSecuritySSID
	}
	return datamodel.RIDServerSSID
}

// querySSID reads the Short Server ID resource of a Security or Server
// instance. Unreadable or out-of-range values (most likely the Bootstrap
// Server instance) yield 0, meaning "no SSID".
func (s *Storage) querySSID(ctx context.Context, obj datamodel.Object, iid datamodel.IID) datamodel.SSID {
	ssid, err := s.registry.ReadResourceInt(ctx, obj, iid, ssidRID(obj.OID()))
	if err != nil || ssid <= 0 || ssid >= int64(datamodel.SSIDBootstrap) {
		return 0
	}
	return datamodel.SSID(ssid)
}

// removeAbsentInstances walks the stored instance entries of an object
// alongside the live instance list, dropping every stored IID the object
// no longer reports. For the SSID reference objects it additionally
// collects the live SSID set and filters every per-server record in the
// whole tree against it.
func (s *Storage) removeAbsentInstances(ctx context.Context, oid datamodel.OID) error {
	e := s.findObject(oid)
	isRef := isSSIDReferenceObject(oid)
	if e == nil && !isRef {
		return nil
	}

	obj := s.registry.FindByOID(oid)
	if obj == nil {
		if e != nil {
			s.objects.Remove(uint16(oid))
			s.markModified()
		}
		return nil
	}

	var ssids []datamodel.SSID
	cursor := 0
	err := s.registry.ForEachInstance(ctx, obj, func(iid datamodel.IID) error {
		if e != nil {
			for cursor < e.instances.Len() && e.instances.At(cursor).iid < iid {
				e.instances.Remove(uint16(e.instances.At(cursor).iid))
				s.markModified()
			}
			if cursor < e.instances.Len() && e.instances.At(cursor).iid == iid {
				cursor++
			}
		}
		if isRef {
			if ssid := s.querySSID(ctx, obj, iid); ssid != 0 {
				ssids = append(ssids, ssid)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e != nil {
		for cursor < e.instances.Len() {
			e.instances.Remove(uint16(e.instances.At(cursor).iid))
			s.markModified()
		}
		s.pruneObject(oid)
	}

	if isRef {
		sort.Slice(ssids, func(i, j int) bool { return ssids[i] < ssids[j] })
		s.removeServersNotOnList(ssids)
	}
	return nil
}

// removeServersNotOnList drops every per-server attribute record whose
// SSID is not on the (sorted) list, pruning emptied entries bottom-up.
func (s *Storage) removeServersNotOnList(ssids []datamodel.SSID) {
	onList := func(ssid datamodel.SSID) bool {
		i := sort.Search(len(ssids), func(i int) bool { return ssids[i] >= ssid })
		return i < len(ssids) && ssids[i] == ssid
	}
	filterDefaults := func(list *datamodel.KeyList[defaultAttrs]) {
		before := list.Len()
		list.RemoveIf(func(a *defaultAttrs) bool { return !onList(a.ssid) })
		if list.Len() != before {
			s.markModified()
		}
	}
	filterResourceAttrs := func(list *datamodel.KeyList[resourceAttrs]) {
		before := list.Len()
		list.RemoveIf(func(a *resourceAttrs) bool { return !onList(a.ssid) })
		if list.Len() != before {
			s.markModified()
		}
	}

	s.objects.RemoveIf(func(obj *objectEntry) bool {
		filterDefaults(&obj.defaults)
		obj.instances.RemoveIf(func(inst *instanceEntry) bool {
			filterDefaults(&inst.defaults)
			inst.resources.RemoveIf(func(res *resourceEntry) bool {
				filterResourceAttrs(&res.attrs)
				res.instances.RemoveIf(func(ri *resourceInstanceEntry) bool {
					filterResourceAttrs(&ri.attrs)
					return ri.empty()
				})
				return res.empty()
			})
			return inst.empty()
		})
		return obj.empty()
	})
}

// removeAbsentResources walks the stored resource entries of one instance
// alongside the live resource list, dropping entries for unsupported or
// absent resources, then reconciles resource instances of multiple
// resources the same way.
func (s *Storage) removeAbsentResources(ctx context.Context, e *objectEntry, obj datamodel.Object, iid datamodel.IID) error {
	inst := e.instances.Find(uint16(iid))
	if inst == nil {
		return nil
	}

	if obj != nil {
		cursor := 0
		err := s.registry.ForEachResource(ctx, obj, iid, func(res datamodel.ResourceEntry) error {
			for cursor < inst.resources.Len() && inst.resources.At(cursor).rid < res.RID {
				inst.resources.Remove(uint16(inst.resources.At(cursor).rid))
				s.markModified()
			}
			if cursor < inst.resources.Len() && inst.resources.At(cursor).rid == res.RID {
				if res.Presence == datamodel.Absent {
					inst.resources.Remove(uint16(res.RID))
					s.markModified()
				} else {
					if err := s.removeAbsentResourceInstances(ctx, obj, iid, inst.resources.At(cursor), res.Kind); err != nil {
						return err
					}
					if inst.resources.At(cursor).empty() {
						inst.resources.Remove(uint16(res.RID))
						s.markModified()
					} else {
						cursor++
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for cursor < inst.resources.Len() {
			inst.resources.Remove(uint16(inst.resources.At(cursor).rid))
			s.markModified()
		}
	}

	if inst.empty() {
		e.instances.Remove(uint16(iid))
		s.markModified()
	}
	return nil
}

// removeAbsentResourceInstances drops stored resource-instance entries the
// live resource no longer reports. Entries under a resource that is not
// multiple-instance are dropped wholesale.
func (s *Storage) removeAbsentResourceInstances(ctx context.Context, obj datamodel.Object, iid datamodel.IID, res *resourceEntry, kind datamodel.ResourceKind) error {
	if res.instances.Len() == 0 {
		return nil
	}
	if !kind.Multiple() {
		res.instances.Clear()
		s.markModified()
		return nil
	}

	cursor := 0
	err := s.registry.ForEachResourceInstance(ctx, obj, iid, res.rid, func(riid datamodel.RIID) error {
		for cursor < res.instances.Len() && res.instances.At(cursor).riid < riid {
			res.instances.Remove(uint16(res.instances.At(cursor).riid))
			s.markModified()
		}
		if cursor < res.instances.Len() && res.instances.At(cursor).riid == riid {
			cursor++
		}
		return nil
	})
	if err != nil {
		return err
	}
	for cursor < res.instances.Len() {
		res.instances.Remove(uint16(res.instances.At(cursor).riid))
		s.markModified()
	}
	return nil
}

var (
	_ notify.Handler            = (*Storage)(nil)
	_ datamodel.RemovalListener = (*Storage)(nil)
)
