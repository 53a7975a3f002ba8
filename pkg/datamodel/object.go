package datamodel

import (
	"context"
	"io"
)

// OutputContext receives a resource value during a Read. The concrete
// implementation encodes the value into the payload format negotiated at
// the protocol layer; the core never sees wire bytes.
type OutputContext interface {
	ReturnInt(v int64) error
	ReturnFloat(v float64) error
	ReturnBool(v bool) error
	ReturnString(v string) error
	ReturnBytes(v []byte) error
	ReturnObjlnk(oid OID, iid IID) error
}

// InputContext supplies a resource value during a Write. Exactly one
// accessor may be called per invocation; Reader is for resources that
// stream large opaque payloads (e.g. firmware packages).
type InputContext interface {
	Int() (int64, error)
	Float() (float64, error)
	Bool() (bool, error)
	String() (string, error)
	Bytes() ([]byte, error)
	Reader() (io.Reader, error)
}

// Object is the capability set every installed object provides. The
// registry owns dispatch; objects only describe and mutate their own
// state.
//
// ListInstances and ListResources must report IDs in strictly ascending
// order and must never report IDInvalid; the registry rejects violations
// with ErrInternal.
type Object interface {
	// OID returns the Object ID this definition implements.
	OID() OID

	// Version returns the object version (e.g. "1.1"), or "" if
	// unversioned.
	Version() string

	// ListInstances returns the IDs of all current instances.
	ListInstances(ctx context.Context) ([]IID, error)

	// ListResources returns every supported resource of an instance,
	// including absent ones, so that auxiliary stores can react to
	// disappearance.
	ListResources(ctx context.Context, iid IID) ([]ResourceEntry, error)

	// ReadResource reads the value of a resource, or of a single resource
	// instance when riid is not IDInvalid.
	ReadResource(ctx context.Context, iid IID, rid RID, riid RIID, out OutputContext) error

	// WriteResource writes the value of a resource, or of a single
	// resource instance when riid is not IDInvalid.
	WriteResource(ctx context.Context, iid IID, rid RID, riid RIID, in InputContext) error
}

// ResourceExecutor is implemented by objects with executable resources.
type ResourceExecutor interface {
	Object

	// ExecuteResource performs the Execute operation with the raw
	// argument string (e.g. "0='/33629/1'").
	ExecuteResource(ctx context.Context, iid IID, rid RID, args string) error
}

// ResourceInstanceLister is implemented by objects with multiple-instance
// resources (LwM2M 1.1+).
type ResourceInstanceLister interface {
	Object

	// ListResourceInstances returns the instance IDs of a multiple
	// resource in strictly ascending order.
	ListResourceInstances(ctx context.Context, iid IID, rid RID) ([]RIID, error)
}

// ResourceResetter is implemented by objects whose multiple-instance
// resources can be cleared as a whole.
type ResourceResetter interface {
	Object

	// ResetResource removes all instances of a multiple resource.
	ResetResource(ctx context.Context, iid IID, rid RID) error
}

// InstanceCreator is implemented by objects supporting the Create
// operation.
type InstanceCreator interface {
	Object

	// CreateInstance creates a new instance with the given ID.
	CreateInstance(ctx context.Context, iid IID) error
}

// InstanceRemover is implemented by objects supporting the Delete
// operation.
type InstanceRemover interface {
	Object

	// RemoveInstance deletes an existing instance.
	RemoveInstance(ctx context.Context, iid IID) error
}

// Transactional is implemented by objects participating in the
// begin/validate/commit/rollback protocol.
type Transactional interface {
	Object

	TransactionBegin(ctx context.Context) error
	TransactionValidate(ctx context.Context) error
	TransactionCommit(ctx context.Context) error
	TransactionRollback(ctx context.Context) error
}

// ObjectAttrHandlers is implemented by objects that store their own
// object-level default attributes. The built-in Attribute Storage defers
// to these instead of its own tree.
type ObjectAttrHandlers interface {
	Object

	ReadObjectAttrs(ctx context.Context, ssid SSID) (Attributes, error)
	WriteObjectAttrs(ctx context.Context, ssid SSID, attrs Attributes) error
}

// InstanceAttrHandlers is the instance-level analogue of
// ObjectAttrHandlers.
type InstanceAttrHandlers interface {
	Object

	ReadInstanceAttrs(ctx context.Context, iid IID, ssid SSID) (Attributes, error)
	WriteInstanceAttrs(ctx context.Context, iid IID, ssid SSID, attrs Attributes) error
}

// ResourceAttrHandlers is the resource-level analogue of
// ObjectAttrHandlers.
type ResourceAttrHandlers interface {
	Object

	ReadResourceAttrs(ctx context.Context, iid IID, rid RID, ssid SSID) (ResourceAttributes, error)
	WriteResourceAttrs(ctx context.Context, iid IID, rid RID, ssid SSID, attrs ResourceAttributes) error
}

// ResourceInstanceAttrHandlers is the resource-instance-level analogue of
// ObjectAttrHandlers.
type ResourceInstanceAttrHandlers interface {
	Object

	ReadResourceInstanceAttrs(ctx context.Context, iid IID, rid RID, riid RIID, ssid SSID) (ResourceAttributes, error)
	WriteResourceInstanceAttrs(ctx context.Context, iid IID, rid RID, riid RIID, ssid SSID, attrs ResourceAttributes) error
}
