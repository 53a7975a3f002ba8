// Package attrstorage implements the built-in Attribute Storage: a tree
// of per-server notification attributes attached to the
// object/instance/resource/resource-instance hierarchy, with
// notification-driven reconciliation, versioned binary persistence and
// transaction support.
//
// Objects that implement their own attribute handlers at a given level
// are left alone: reads and writes for that level pass through to the
// object instead of the tree.
package attrstorage

import (
	"context"
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/notify"
)

// ServerDirectory answers whether an SSID currently identifies a known
// server account. The client wires this to the Server (1) object.
type ServerDirectory interface {
	SSIDExists(ctx context.Context, ssid datamodel.SSID) (bool, error)
}

// Config carries the collaborators of a Storage.
type Config struct {
	// Registry is the data model registry the storage mirrors.
	Registry *datamodel.Registry

	// Servers resolves SSID existence for attribute write validation.
	Servers ServerDirectory

	// Queue receives the instances-changed events emitted by the Set
	// APIs. Optional.
	Queue *notify.Queue

	// LoggerFactory provides the package logger. Optional.
	LoggerFactory logging.LoggerFactory
}

// Storage is the attribute tree. All methods must be called under the
// client's process-wide mutex; Storage performs no locking of its own.
type Storage struct {
	registry *datamodel.Registry
	servers  ServerDirectory
	queue    *notify.Queue
	log      logging.LeveledLogger

	objects  datamodel.KeyList[objectEntry]
	modified bool

	saved savedState
}

// New creates an empty Storage.
func New(cfg Config) *Storage {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Storage{
		registry: cfg.Registry,
		servers:  cfg.Servers,
		queue:    cfg.Queue,
		log:      cfg.LoggerFactory.NewLogger("attrstorage"),
	}
}

//// TREE //////////////////////////////////////////////////////////////////////

type defaultAttrs struct {
	ssid  datamodel.SSID
	attrs datamodel.Attributes
}

func (a defaultAttrs) Key() uint16 { return uint16(a.ssid) }

type resourceAttrs struct {
	ssid  datamodel.SSID
	attrs datamodel.ResourceAttributes
}

func (a resourceAttrs) Key() uint16 { return uint16(a.ssid) }

type resourceInstanceEntry struct {
	riid  datamodel.RIID
	attrs datamodel.KeyList[resourceAttrs]
}

func (e resourceInstanceEntry) Key() uint16 { return uint16(e.riid) }

func (e *resourceInstanceEntry) empty() bool { return e.attrs.Len() == 0 }

type resourceEntry struct {
	rid       datamodel.RID
	attrs     datamodel.KeyList[resourceAttrs]
	instances datamodel.KeyList[resourceInstanceEntry]
}

func (e resourceEntry) Key() uint16 { return uint16(e.rid) }

func (e *resourceEntry) empty() bool {
	return e.attrs.Len() == 0 && e.instances.Len() == 0
}

type instanceEntry struct {
	iid       datamodel.IID
	defaults  datamodel.KeyList[defaultAttrs]
	resources datamodel.KeyList[resourceEntry]
}

func (e instanceEntry) Key() uint16 { return uint16(e.iid) }

func (e *instanceEntry) empty() bool {
	return e.defaults.Len() == 0 && e.resources.Len() == 0
}

type objectEntry struct {
	oid       datamodel.OID
	defaults  datamodel.KeyList[defaultAttrs]
	instances datamodel.KeyList[instanceEntry]
}

func (e objectEntry) Key() uint16 { return uint16(e.oid) }

func (e *objectEntry) empty() bool {
	return e.defaults.Len() == 0 && e.instances.Len() == 0
}

func (s *Storage) markModified() { s.modified = true }

// IsModified reports whether the tree changed since the last successful
// Persist.
func (s *Storage) IsModified() bool { return s.modified }

// Purge drops the whole tree and marks the storage modified.
func (s *Storage) Purge() {
	s.clear()
	s.markModified()
}

func (s *Storage) clear() {
	s.objects.Clear()
}

func (s *Storage) findObject(oid datamodel.OID) *objectEntry {
	return s.objects.Find(uint16(oid))
}

func (s *Storage) findOrCreateObject(oid datamodel.OID) *objectEntry {
	e, _ := s.objects.FindOrCreate(uint16(oid), func() *objectEntry {
		return &objectEntry{oid: oid}
	})
	return e
}

func (s *Storage) pruneObject(oid datamodel.OID) {
	if e := s.findObject(oid); e != nil && e.empty() {
		s.objects.Remove(uint16(oid))
	}
}

//// READS /////////////////////////////////////////////////////////////////////

// ObjectReadDefaultAttrs returns the object-level default attributes for
// a server, deferring to the object's own handlers when implemented.
func (s *Storage) ObjectReadDefaultAttrs(ctx context.Context, obj datamodel.Object, ssid datamodel.SSID) (datamodel.Attributes, error) {
	if h, ok := obj.(datamodel.ObjectAttrHandlers); ok {
		return h.ReadObjectAttrs(ctx, ssid)
	}
	if e := s.findObject(obj.OID()); e != nil {
		return readDefaults(&e.defaults, ssid), nil
	}
	return datamodel.EmptyAttributes(), nil
}

// InstanceReadDefaultAttrs returns the instance-level default attributes
// for a server.
func (s *Storage) InstanceReadDefaultAttrs(ctx context.Context, obj datamodel.Object, iid datamodel.IID, ssid datamodel.SSID) (datamodel.Attributes, error) {
	if h, ok := obj.(datamodel.InstanceAttrHandlers); ok {
		return h.ReadInstanceAttrs(ctx, iid, ssid)
	}
	if e := s.findObject(obj.OID()); e != nil {
		if inst := e.instances.Find(uint16(iid)); inst != nil {
			return readDefaults(&inst.defaults, ssid), nil
		}
	}
	return datamodel.EmptyAttributes(), nil
}

// ResourceReadAttrs returns the attributes of a resource for a server.
func (s *Storage) ResourceReadAttrs(ctx context.Context, obj datamodel.Object, iid datamodel.IID, rid datamodel.RID, ssid datamodel.SSID) (datamodel.ResourceAttributes, error) {
	if h, ok := obj.(datamodel.ResourceAttrHandlers); ok {
		return h.ReadResourceAttrs(ctx, iid, rid, ssid)
	}
	if res := s.findResource(obj.OID(), iid, rid); res != nil {
		return readResourceAttrs(&res.attrs, ssid), nil
	}
	return datamodel.EmptyResourceAttributes(), nil
}

// ResourceInstanceReadAttrs returns the attributes of a resource instance
// for a server.
func (s *Storage) ResourceInstanceReadAttrs(ctx context.Context, obj datamodel.Object, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, ssid datamodel.SSID) (datamodel.ResourceAttributes, error) {
	if h, ok := obj.(datamodel.ResourceInstanceAttrHandlers); ok {
		return h.ReadResourceInstanceAttrs(ctx, iid, rid, riid, ssid)
	}
	if res := s.findResource(obj.OID(), iid, rid); res != nil {
		if ri := res.instances.Find(uint16(riid)); ri != nil {
			return readResourceAttrs(&ri.attrs, ssid), nil
		}
	}
	return datamodel.EmptyResourceAttributes(), nil
}

func (s *Storage) findResource(oid datamodel.OID, iid datamodel.IID, rid datamodel.RID) *resourceEntry {
	if e := s.findObject(oid); e != nil {
		if inst := e.instances.Find(uint16(iid)); inst != nil {
			return inst.resources.Find(uint16(rid))
		}
	}
	return nil
}

func readDefaults(list *datamodel.KeyList[defaultAttrs], ssid datamodel.SSID) datamodel.Attributes {
	if rec := list.Find(uint16(ssid)); rec != nil {
		return rec.attrs
	}
	return datamodel.EmptyAttributes()
}

func readResourceAttrs(list *datamodel.KeyList[resourceAttrs], ssid datamodel.SSID) datamodel.ResourceAttributes {
	if rec := list.Find(uint16(ssid)); rec != nil {
		return rec.attrs
	}
	return datamodel.EmptyResourceAttributes()
}

//// WRITES ////////////////////////////////////////////////////////////////////

// writeDefaults inserts, overwrites or removes the ssid record in a
// default-attrs list. Writing an empty set removes the record.
func (s *Storage) writeDefaults(list *datamodel.KeyList[defaultAttrs], ssid datamodel.SSID, attrs datamodel.Attributes) {
	if attrs.IsEmpty() {
		if list.Remove(uint16(ssid)) {
			s.markModified()
		}
		return
	}
	rec, _ := list.FindOrCreate(uint16(ssid), func() *defaultAttrs {
		return &defaultAttrs{ssid: ssid}
	})
	rec.attrs = attrs
	s.markModified()
}

func (s *Storage) writeResourceAttrs(list *datamodel.KeyList[resourceAttrs], ssid datamodel.SSID, attrs datamodel.ResourceAttributes) {
	if attrs.IsEmpty() {
		if list.Remove(uint16(ssid)) {
			s.markModified()
		}
		return
	}
	rec, _ := list.FindOrCreate(uint16(ssid), func() *resourceAttrs {
		return &resourceAttrs{ssid: ssid}
	})
	rec.attrs = attrs
	s.markModified()
}

// WriteObjectDefaultAttrs stores object-level default attributes,
// deferring to the object's own handlers when implemented. Used by the
// Write-Attributes dispatch; no target validation happens here.
func (s *Storage) WriteObjectDefaultAttrs(ctx context.Context, obj datamodel.Object, ssid datamodel.SSID, attrs datamodel.Attributes) error {
	if h, ok := obj.(datamodel.ObjectAttrHandlers); ok {
		return h.WriteObjectAttrs(ctx, ssid, attrs)
	}
	e := s.findOrCreateObject(obj.OID())
	s.writeDefaults(&e.defaults, ssid, attrs)
	s.pruneObject(obj.OID())
	return nil
}

// WriteInstanceDefaultAttrs stores instance-level default attributes.
func (s *Storage) WriteInstanceDefaultAttrs(ctx context.Context, obj datamodel.Object, iid datamodel.IID, ssid datamodel.SSID, attrs datamodel.Attributes) error {
	if h, ok := obj.(datamodel.InstanceAttrHandlers); ok {
		return h.WriteInstanceAttrs(ctx, iid, ssid, attrs)
	}
	e := s.findOrCreateObject(obj.OID())
	inst, _ := e.instances.FindOrCreate(uint16(iid), func() *instanceEntry {
		return &instanceEntry{iid: iid}
	})
	s.writeDefaults(&inst.defaults, ssid, attrs)
	if inst.empty() {
		e.instances.Remove(uint16(iid))
	}
	s.pruneObject(obj.OID())
	return nil
}

// WriteResourceAttrs stores resource-level attributes.
func (s *Storage) WriteResourceAttrs(ctx context.Context, obj datamodel.Object, iid datamodel.IID, rid datamodel.RID, ssid datamodel.SSID, attrs datamodel.ResourceAttributes) error {
	if h, ok := obj.(datamodel.ResourceAttrHandlers); ok {
		return h.WriteResourceAttrs(ctx, iid, rid, ssid, attrs)
	}
	e := s.findOrCreateObject(obj.OID())
	inst, _ := e.instances.FindOrCreate(uint16(iid), func() *instanceEntry {
		return &instanceEntry{iid: iid}
	})
	res, _ := inst.resources.FindOrCreate(uint16(rid), func() *resourceEntry {
		return &resourceEntry{rid: rid}
	})
	s.writeResourceAttrs(&res.attrs, ssid, attrs)
	if res.empty() {
		inst.resources.Remove(uint16(rid))
	}
	if inst.empty() {
		e.instances.Remove(uint16(iid))
	}
	s.pruneObject(obj.OID())
	return nil
}

// WriteResourceInstanceAttrs stores resource-instance-level attributes.
func (s *Storage) WriteResourceInstanceAttrs(ctx context.Context, obj datamodel.Object, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, ssid datamodel.SSID, attrs datamodel.ResourceAttributes) error {
	if h, ok := obj.(datamodel.ResourceInstanceAttrHandlers); ok {
		return h.WriteResourceInstanceAttrs(ctx, iid, rid, riid, ssid, attrs)
	}
	e := s.findOrCreateObject(obj.OID())
	inst, _ := e.instances.FindOrCreate(uint16(iid), func() *instanceEntry {
		return &instanceEntry{iid: iid}
	})
	res, _ := inst.resources.FindOrCreate(uint16(rid), func() *resourceEntry {
		return &resourceEntry{rid: rid}
	})
	ri, _ := res.instances.FindOrCreate(uint16(riid), func() *resourceInstanceEntry {
		return &resourceInstanceEntry{riid: riid}
	})
	s.writeResourceAttrs(&ri.attrs, ssid, attrs)
	if ri.empty() {
		res.instances.Remove(uint16(riid))
	}
	if res.empty() {
		inst.resources.Remove(uint16(rid))
	}
	if inst.empty() {
		e.instances.Remove(uint16(iid))
	}
	s.pruneObject(obj.OID())
	return nil
}

//// PUBLIC SET API ////////////////////////////////////////////////////////////

// validateSet performs the checks shared by every Set function: the
// attributes target a real, non-bootstrap server and a registered object.
func (s *Storage) validateSet(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID) (datamodel.Object, error) {
	if ssid == datamodel.SSIDBootstrap || ssid == datamodel.SSIDAny {
		return nil, fmt.Errorf("%w: SSID %d is not a valid attribute target", datamodel.ErrBadRequest, ssid)
	}
	exists, err := s.servers.SSIDExists(ctx, ssid)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %v does not exist", datamodel.ErrBadRequest, ssid)
	}
	obj := s.registry.FindByOID(oid)
	if obj == nil {
		return nil, fmt.Errorf("%w: %v", datamodel.ErrObjectNotFound, oid)
	}
	return obj, nil
}

func (s *Storage) notifyInstancesChanged(oid datamodel.OID) {
	if s.queue != nil {
		s.queue.MarkUnknownChange(oid)
	}
}

// SetObjectAttrs stores object-level default attributes on behalf of the
// host application.
func (s *Storage) SetObjectAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, attrs datamodel.Attributes) error {
	obj, err := s.validateSet(ctx, ssid, oid)
	if err != nil {
		return err
	}
	if _, ok := obj.(datamodel.ObjectAttrHandlers); ok {
		return fmt.Errorf("%w: object %v implements its own attribute handlers", datamodel.ErrBadRequest, oid)
	}
	if err := s.WriteObjectDefaultAttrs(ctx, obj, ssid, attrs); err != nil {
		return err
	}
	s.notifyInstancesChanged(oid)
	return nil
}

// SetInstanceAttrs stores instance-level default attributes on behalf of
// the host application. The instance must currently exist.
func (s *Storage) SetInstanceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, attrs datamodel.Attributes) error {
	obj, err := s.validateSet(ctx, ssid, oid)
	if err != nil {
		return err
	}
	if _, ok := obj.(datamodel.InstanceAttrHandlers); ok {
		return fmt.Errorf("%w: object %v implements its own attribute handlers", datamodel.ErrBadRequest, oid)
	}
	if err := s.verifyInstancePresent(ctx, obj, iid); err != nil {
		return err
	}
	if err := s.WriteInstanceDefaultAttrs(ctx, obj, iid, ssid, attrs); err != nil {
		return err
	}
	s.notifyInstancesChanged(oid)
	return nil
}

// SetResourceAttrs stores resource-level attributes on behalf of the host
// application. The resource must currently be present.
func (s *Storage) SetResourceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, rid datamodel.RID, attrs datamodel.ResourceAttributes) error {
	obj, err := s.validateSet(ctx, ssid, oid)
	if err != nil {
		return err
	}
	if _, ok := obj.(datamodel.ResourceAttrHandlers); ok {
		return fmt.Errorf("%w: object %v implements its own attribute handlers", datamodel.ErrBadRequest, oid)
	}
	if err := s.verifyInstancePresent(ctx, obj, iid); err != nil {
		return err
	}
	present, err := s.registry.ResourcePresent(ctx, obj, iid, rid)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: resource %v", datamodel.ErrNotFound, datamodel.MakeResourcePath(oid, iid, rid))
	}
	if err := s.WriteResourceAttrs(ctx, obj, iid, rid, ssid, attrs); err != nil {
		return err
	}
	s.notifyInstancesChanged(oid)
	return nil
}

// SetResourceInstanceAttrs stores resource-instance-level attributes on
// behalf of the host application. The resource instance must currently be
// present.
func (s *Storage) SetResourceInstanceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, attrs datamodel.ResourceAttributes) error {
	obj, err := s.validateSet(ctx, ssid, oid)
	if err != nil {
		return err
	}
	if _, ok := obj.(datamodel.ResourceInstanceAttrHandlers); ok {
		return fmt.Errorf("%w: object %v implements its own attribute handlers", datamodel.ErrBadRequest, oid)
	}
	if err := s.verifyInstancePresent(ctx, obj, iid); err != nil {
		return err
	}
	present, err := s.registry.ResourceInstancePresent(ctx, obj, iid, rid, riid)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: resource instance %v", datamodel.ErrNotFound, datamodel.MakeResourceInstancePath(oid, iid, rid, riid))
	}
	if err := s.WriteResourceInstanceAttrs(ctx, obj, iid, rid, riid, ssid, attrs); err != nil {
		return err
	}
	s.notifyInstancesChanged(oid)
	return nil
}

func (s *Storage) verifyInstancePresent(ctx context.Context, obj datamodel.Object, iid datamodel.IID) error {
	present, err := s.registry.InstancePresent(ctx, obj, iid)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: instance %v", datamodel.ErrNotFound, datamodel.MakeInstancePath(obj.OID(), iid))
	}
	return nil
}
