package datamodel

import (
	"context"
	"fmt"
	"sort"
)

// RemovalListener is notified when an object is unregistered so that
// auxiliary stores can drop state attached to it.
type RemovalListener interface {
	ObjectRemoved(oid OID)
}

// Registry is the set of installed objects. It owns lookup and iteration;
// all mutation of object state happens through the objects' own handlers.
//
// The registry is not synchronized: per the library's concurrency model,
// all calls happen under the client's process-wide mutex.
type Registry struct {
	objects   []Object
	listeners []RemovalListener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddRemovalListener registers a listener for object removal.
func (r *Registry) AddRemovalListener(l RemovalListener) {
	r.listeners = append(r.listeners, l)
}

func (r *Registry) search(oid OID) int {
	return sort.Search(len(r.objects), func(i int) bool {
		return r.objects[i].OID() >= oid
	})
}

// Register installs an object. The OID must not be IDInvalid and must not
// collide with an already-installed object.
func (r *Registry) Register(obj Object) error {
	oid := obj.OID()
	if uint16(oid) == IDInvalid {
		return fmt.Errorf("%w: OID %d is reserved", ErrBadRequest, IDInvalid)
	}
	i := r.search(oid)
	if i < len(r.objects) && r.objects[i].OID() == oid {
		return fmt.Errorf("%w: %v", ErrObjectExists, oid)
	}
	r.objects = append(r.objects, nil)
	copy(r.objects[i+1:], r.objects[i:])
	r.objects[i] = obj
	return nil
}

// Unregister removes an installed object and notifies removal listeners,
// which drop pending notifications and stored attributes for the OID.
func (r *Registry) Unregister(oid OID) error {
	i := r.search(oid)
	if i >= len(r.objects) || r.objects[i].OID() != oid {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, oid)
	}
	r.objects = append(r.objects[:i], r.objects[i+1:]...)
	for _, l := range r.listeners {
		l.ObjectRemoved(oid)
	}
	return nil
}

// FindByOID returns the installed object with the given OID, or nil.
func (r *Registry) FindByOID(oid OID) Object {
	i := r.search(oid)
	if i < len(r.objects) && r.objects[i].OID() == oid {
		return r.objects[i]
	}
	return nil
}

// ForEachObject iterates all installed objects in ascending OID order.
func (r *Registry) ForEachObject(fn func(obj Object) error) error {
	for _, obj := range r.objects {
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

// ForEachInstance iterates the instances of an object in ascending IID
// order. The listing is validated: out-of-order or reserved IDs are
// reported as ErrInternal.
func (r *Registry) ForEachInstance(ctx context.Context, obj Object, fn func(iid IID) error) error {
	iids, err := obj.ListInstances(ctx)
	if err != nil {
		return err
	}
	last := -1
	for _, iid := range iids {
		if uint16(iid) == IDInvalid || int(iid) <= last {
			return fmt.Errorf("%w: object %v reported invalid instance list", ErrInternal, obj.OID())
		}
		last = int(iid)
		if err := fn(iid); err != nil {
			return err
		}
	}
	return nil
}

// ForEachResource iterates every supported resource of an instance in
// ascending RID order, including absent ones.
func (r *Registry) ForEachResource(ctx context.Context, obj Object, iid IID, fn func(res ResourceEntry) error) error {
	entries, err := obj.ListResources(ctx, iid)
	if err != nil {
		return err
	}
	last := -1
	for _, res := range entries {
		if uint16(res.RID) == IDInvalid || int(res.RID) <= last {
			return fmt.Errorf("%w: object %v reported invalid resource list", ErrInternal, obj.OID())
		}
		last = int(res.RID)
		if err := fn(res); err != nil {
			return err
		}
	}
	return nil
}

// ForEachResourceInstance iterates the instances of a multiple resource in
// ascending RIID order. Objects without multiple-instance support yield an
// empty iteration.
func (r *Registry) ForEachResourceInstance(ctx context.Context, obj Object, iid IID, rid RID, fn func(riid RIID) error) error {
	lister, ok := obj.(ResourceInstanceLister)
	if !ok {
		return nil
	}
	riids, err := lister.ListResourceInstances(ctx, iid, rid)
	if err != nil {
		return err
	}
	last := -1
	for _, riid := range riids {
		if uint16(riid) == IDInvalid || int(riid) <= last {
			return fmt.Errorf("%w: object %v reported invalid resource instance list", ErrInternal, obj.OID())
		}
		last = int(riid)
		if err := fn(riid); err != nil {
			return err
		}
	}
	return nil
}

// InstancePresent reports whether an object currently has the given
// instance.
func (r *Registry) InstancePresent(ctx context.Context, obj Object, iid IID) (bool, error) {
	iids, err := obj.ListInstances(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range iids {
		if id == iid {
			return true, nil
		}
		if id > iid {
			break
		}
	}
	return false, nil
}

// ResourcePresent reports whether an instance currently presents the given
// resource.
func (r *Registry) ResourcePresent(ctx context.Context, obj Object, iid IID, rid RID) (bool, error) {
	entries, err := obj.ListResources(ctx, iid)
	if err != nil {
		return false, err
	}
	for _, res := range entries {
		if res.RID == rid {
			return res.Presence == Present, nil
		}
		if res.RID > rid {
			break
		}
	}
	return false, nil
}

// ResourceInstancePresent reports whether a multiple resource currently
// has the given instance.
func (r *Registry) ResourceInstancePresent(ctx context.Context, obj Object, iid IID, rid RID, riid RIID) (bool, error) {
	lister, ok := obj.(ResourceInstanceLister)
	if !ok {
		return false, nil
	}
	riids, err := lister.ListResourceInstances(ctx, iid, rid)
	if err != nil {
		return false, err
	}
	for _, id := range riids {
		if id == riid {
			return true, nil
		}
		if id > riid {
			break
		}
	}
	return false, nil
}

// ReadResourceInt reads a single-instance resource expected to hold an
// integer value, e.g. the Short Server ID resource of the Server object.
func (r *Registry) ReadResourceInt(ctx context.Context, obj Object, iid IID, rid RID) (int64, error) {
	var out intOutputContext
	if err := obj.ReadResource(ctx, iid, rid, RIID(IDInvalid), &out); err != nil {
		return 0, err
	}
	if !out.set {
		return 0, fmt.Errorf("%w: resource %v did not return an integer", ErrInternal, MakeResourcePath(obj.OID(), iid, rid))
	}
	return out.value, nil
}

// ReadResourceBool reads a single-instance resource expected to hold a
// boolean value, e.g. the Bootstrap-Server resource of the Security
// object.
func (r *Registry) ReadResourceBool(ctx context.Context, obj Object, iid IID, rid RID) (bool, error) {
	var out intOutputContext
	if err := obj.ReadResource(ctx, iid, rid, RIID(IDInvalid), &out); err != nil {
		return false, err
	}
	if !out.set {
		return false, fmt.Errorf("%w: resource %v did not return a boolean", ErrInternal, MakeResourcePath(obj.OID(), iid, rid))
	}
	return out.value != 0, nil
}

// intOutputContext captures a single scalar value from a resource read.
type intOutputContext struct {
	value int64
	set   bool
}

func (c *intOutputContext) ReturnInt(v int64) error {
	c.value = v
	c.set = true
	return nil
}

func (c *intOutputContext) ReturnBool(v bool) error {
	if v {
		c.value = 1
	} else {
		c.value = 0
	}
	c.set = true
	return nil
}

func (c *intOutputContext) ReturnFloat(v float64) error         { return ErrBadRequest }
func (c *intOutputContext) ReturnString(v string) error         { return ErrBadRequest }
func (c *intOutputContext) ReturnBytes(v []byte) error          { return ErrBadRequest }
func (c *intOutputContext) ReturnObjlnk(oid OID, iid IID) error { return ErrBadRequest }
