package lwm2m

import (
	"context"
	"errors"

	"github.com/backkem/lwm2m/pkg/accesscontrol"
	"github.com/backkem/lwm2m/pkg/datamodel"
)

// Tx exposes the mutating operations available inside a transaction.
// The process-wide mutex is already held; Tx methods must not be used
// outside the WithTransaction callback.
type Tx struct {
	c *Client
}

// SetACL grants a server permissions on a target.
func (tx *Tx) SetACL(ctx context.Context, oid datamodel.OID, iid datamodel.IID, ssid datamodel.SSID, mask accesscontrol.Mask) error {
	return tx.c.access.SetACL(ctx, oid, iid, ssid, mask)
}

// SetACLOwner changes the owner of a target's ACL instance.
func (tx *Tx) SetACLOwner(ctx context.Context, oid datamodel.OID, iid datamodel.IID, owner datamodel.SSID, inoutACLIID *datamodel.IID) error {
	return tx.c.access.SetOwner(ctx, oid, iid, owner, inoutACLIID)
}

// SetObjectAttrs stores object-level default attributes.
func (tx *Tx) SetObjectAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, attrs datamodel.Attributes) error {
	return tx.c.attrs.SetObjectAttrs(ctx, ssid, oid, attrs)
}

// SetInstanceAttrs stores instance-level default attributes.
func (tx *Tx) SetInstanceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, attrs datamodel.Attributes) error {
	return tx.c.attrs.SetInstanceAttrs(ctx, ssid, oid, iid, attrs)
}

// SetResourceAttrs stores resource-level attributes.
func (tx *Tx) SetResourceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, rid datamodel.RID, attrs datamodel.ResourceAttributes) error {
	return tx.c.attrs.SetResourceAttrs(ctx, ssid, oid, iid, rid, attrs)
}

// Object resolves an installed object for direct handler access.
func (tx *Tx) Object(oid datamodel.OID) datamodel.Object {
	return tx.c.registry.FindByOID(oid)
}

// WithTransaction runs fn inside a data model transaction. The Attribute
// Storage snapshot is captured first, then every transactional object in
// ascending OID order. If fn or any validation fails, every participant
// is rolled back in reverse order; notifications produced inside the
// transaction are discarded. On success the transaction commits and the
// queued notifications are flushed as one batch.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.attrs.TransactionBegin(ctx); err != nil {
		return err
	}
	var began []datamodel.Transactional
	rollback := func() {
		for i := len(began) - 1; i >= 0; i-- {
			if err := began[i].TransactionRollback(ctx); err != nil {
				c.log.Errorf("transaction rollback failed: %v", err)
			}
		}
		if err := c.attrs.TransactionRollback(ctx); err != nil {
			c.log.Errorf("attribute rollback failed: %v", err)
		}
		c.queue.Clear()
	}

	beginErr := c.registry.ForEachObject(func(obj datamodel.Object) error {
		tx, ok := obj.(datamodel.Transactional)
		if !ok {
			return nil
		}
		if err := tx.TransactionBegin(ctx); err != nil {
			return err
		}
		began = append(began, tx)
		return nil
	})
	if beginErr != nil {
		rollback()
		return beginErr
	}

	if err := fn(ctx, &Tx{c: c}); err != nil {
		rollback()
		return err
	}

	if err := c.validate(ctx, began); err != nil {
		rollback()
		return err
	}

	var errs []error
	for i := len(began) - 1; i >= 0; i-- {
		if err := began[i].TransactionCommit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.attrs.TransactionCommit(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// Observers see the whole transaction as one consistent batch.
	return c.flushLocked(ctx)
}

func (c *Client) validate(ctx context.Context, began []datamodel.Transactional) error {
	if err := c.attrs.TransactionValidate(ctx); err != nil {
		return err
	}
	for _, tx := range began {
		if err := tx.TransactionValidate(ctx); err != nil {
			return err
		}
	}
	return nil
}
