// Package notify implements the per-transaction notification queue of the
// data model core. Mutations enqueue "instance set changed" and "resource
// changed" events; flushing the queue drives observers and the
// attribute storage reconciliation.
package notify

import (
	"context"
	"errors"
	"sort"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// ResourceChange identifies a changed resource within an object.
type ResourceChange struct {
	IID datamodel.IID
	RID datamodel.RID
}

// InstanceSetChange accumulates instance additions and removals for one
// object. When Unknown is set the exact delta is unavailable and a full
// rescan is required; it dominates the Added and Removed sets.
type InstanceSetChange struct {
	Added   []datamodel.IID
	Removed []datamodel.IID
	Unknown bool
}

// ObjectNotification is the per-object entry of the queue.
type ObjectNotification struct {
	OID       datamodel.OID
	Instances InstanceSetChange

	// Resources lists changed resources in ascending (IID, RID) order.
	Resources []ResourceChange
}

// Key implements datamodel.Keyed.
func (n ObjectNotification) Key() uint16 { return uint16(n.OID) }

// Handler consumes flushed notifications.
type Handler interface {
	HandleNotification(ctx context.Context, n *ObjectNotification) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, n *ObjectNotification) error

// HandleNotification implements Handler.
func (f HandlerFunc) HandleNotification(ctx context.Context, n *ObjectNotification) error {
	return f(ctx, n)
}

// Queue collects data model change events, folded per object. Entries are
// kept in ascending OID order so that a flush processes objects
// deterministically.
//
// The zero value is an empty queue ready for use.
type Queue struct {
	entries datamodel.KeyList[ObjectNotification]
}

func (q *Queue) entry(oid datamodel.OID) *ObjectNotification {
	e, _ := q.entries.FindOrCreate(uint16(oid), func() *ObjectNotification {
		return &ObjectNotification{OID: oid}
	})
	return e
}

// MarkInstanceCreated records that an instance was added. Creating an
// instance recorded as removed degrades the entry to a full rescan: the
// new instance may have a different shape than the removed one.
func (q *Queue) MarkInstanceCreated(oid datamodel.OID, iid datamodel.IID) {
	e := q.entry(oid)
	if e.Instances.Unknown {
		return
	}
	if removeID(&e.Instances.Removed, iid) {
		q.MarkUnknownChange(oid)
		return
	}
	insertID(&e.Instances.Added, iid)
}

// MarkInstanceRemoved records that an instance was deleted.
func (q *Queue) MarkInstanceRemoved(oid datamodel.OID, iid datamodel.IID) {
	e := q.entry(oid)
	if e.Instances.Unknown {
		return
	}
	removeID(&e.Instances.Added, iid)
	insertID(&e.Instances.Removed, iid)
}

// MarkUnknownChange records that the instance set changed in an
// unspecified way, forcing a full rescan on flush.
func (q *Queue) MarkUnknownChange(oid datamodel.OID) {
	e := q.entry(oid)
	e.Instances.Unknown = true
	e.Instances.Added = nil
	e.Instances.Removed = nil
}

// MarkResourceChanged records a changed resource value.
func (q *Queue) MarkResourceChanged(oid datamodel.OID, iid datamodel.IID, rid datamodel.RID) {
	e := q.entry(oid)
	i := sort.Search(len(e.Resources), func(i int) bool {
		r := e.Resources[i]
		return r.IID > iid || (r.IID == iid && r.RID >= rid)
	})
	if i < len(e.Resources) && e.Resources[i].IID == iid && e.Resources[i].RID == rid {
		return
	}
	e.Resources = append(e.Resources, ResourceChange{})
	copy(e.Resources[i+1:], e.Resources[i:])
	e.Resources[i] = ResourceChange{IID: iid, RID: rid}
}

// DropObject discards all pending events for an object. Called when the
// object is unregistered.
func (q *Queue) DropObject(oid datamodel.OID) {
	q.entries.Remove(uint16(oid))
}

// IsEmpty reports whether no events are pending.
func (q *Queue) IsEmpty() bool { return q.entries.Len() == 0 }

// Flush drains the queue, delivering each entry to every handler in
// ascending OID order. Handler errors are combined but do not stop the
// flush: remaining entries are still processed so downstream state
// converges. The queue is empty when Flush returns.
func (q *Queue) Flush(ctx context.Context, handlers ...Handler) error {
	drained := make([]*ObjectNotification, 0, q.entries.Len())
	for i := 0; i < q.entries.Len(); i++ {
		drained = append(drained, q.entries.At(i))
	}
	// Events enqueued by handlers land on the emptied queue and are
	// delivered by the next flush.
	q.entries.Clear()

	var errs []error
	for _, e := range drained {
		for _, h := range handlers {
			if err := h.HandleNotification(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Clear discards all pending events without delivering them.
func (q *Queue) Clear() { q.entries.Clear() }

func insertID(ids *[]datamodel.IID, iid datamodel.IID) {
	s := *ids
	i := sort.Search(len(s), func(i int) bool { return s[i] >= iid })
	if i < len(s) && s[i] == iid {
		return
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = iid
	*ids = s
}

func removeID(ids *[]datamodel.IID, iid datamodel.IID) bool {
	s := *ids
	i := sort.Search(len(s), func(i int) bool { return s[i] >= iid })
	if i < len(s) && s[i] == iid {
		*ids = append(s[:i], s[i+1:]...)
		return true
	}
	return false
}
