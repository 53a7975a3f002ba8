// Package lwm2m ties the data model core together: the object registry,
// the built-in Security, Server, Access Control and firmware update
// objects, the attribute storage, transactions and notification
// flushing, all behind one process-wide mutex.
package lwm2m

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/lwm2m/pkg/accesscontrol"
	"github.com/backkem/lwm2m/pkg/attrstorage"
	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/fwupdate"
	"github.com/backkem/lwm2m/pkg/notify"
	"github.com/backkem/lwm2m/pkg/scheduler"
)

// Config configures a Client.
type Config struct {
	// Storage persists the attribute and Access Control streams.
	// Defaults to MemoryStorage.
	Storage Storage

	// Scheduler runs deferred firmware jobs. Defaults to a Realtime
	// scheduler owned (and stopped) by the client.
	Scheduler scheduler.Scheduler

	// Downloader performs firmware pull transfers. Defaults to an
	// HTTPDownloader.
	Downloader fwupdate.Downloader

	LoggerFactory logging.LoggerFactory
}

// Client is the LwM2M data model core. All public methods serialize on
// one process-wide mutex; host callbacks invoked by the firmware layer
// run with the mutex released and may re-enter.
type Client struct {
	mu  sync.Mutex
	log logging.LeveledLogger

	registry *datamodel.Registry
	queue    *notify.Queue

	attrs    *attrstorage.Storage
	access   *accesscontrol.AccessControl
	security *SecurityObject
	server   *ServerObject
	fw       *fwupdate.Object

	storage  Storage
	sched    scheduler.Scheduler
	ownSched bool

	observers []notify.Handler
}

// New creates a Client with the built-in objects registered.
func New(cfg Config) (*Client, error) {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	c := &Client{
		log:      lf.NewLogger("lwm2m"),
		registry: datamodel.NewRegistry(),
		queue:    &notify.Queue{},
		storage:  cfg.Storage,
		sched:    cfg.Scheduler,
		security: NewSecurityObject(),
		server:   NewServerObject(),
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}
	if c.sched == nil {
		c.sched = scheduler.NewRealtime()
		c.ownSched = true
	}

	dir := &serverDirectory{client: c}
	c.attrs = attrstorage.New(attrstorage.Config{
		Registry:      c.registry,
		Servers:       dir,
		Queue:         c.queue,
		LoggerFactory: lf,
	})
	c.access = accesscontrol.New(accesscontrol.Config{
		Registry:      c.registry,
		Servers:       dir,
		Queue:         c.queue,
		LoggerFactory: lf,
	})

	c.registry.AddRemovalListener(c.attrs)
	c.registry.AddRemovalListener(queueDropListener{queue: c.queue})

	for _, obj := range []datamodel.Object{c.security, c.server, c.access} {
		if err := c.registry.Register(obj); err != nil {
			return nil, err
		}
	}

	downloader := cfg.Downloader
	if downloader == nil {
		downloader = fwupdate.NewHTTPDownloader(fwupdate.HTTPDownloaderConfig{LoggerFactory: lf})
	}
	c.fw = fwupdate.New(fwupdate.Config{
		Queue:         c.queue,
		Scheduler:     c.sched,
		Downloader:    downloader,
		Locker:        &c.mu,
		LoggerFactory: lf,
	})
	c.fw.SetSecurityResolver(c.security.SecurityConfigForURI)
	if err := c.registry.Register(c.fw); err != nil {
		return nil, err
	}

	return c, nil
}

// Stop shuts down the client's own scheduler. Pending firmware jobs are
// cancelled.
func (c *Client) Stop() {
	if c.ownSched {
		c.sched.Stop()
	}
}

// queueDropListener drops pending notifications for unregistered
// objects.
type queueDropListener struct {
	queue *notify.Queue
}

func (l queueDropListener) ObjectRemoved(oid datamodel.OID) {
	l.queue.DropObject(oid)
}

// serverDirectory resolves SSID existence against the Server object.
type serverDirectory struct {
	client *Client
}

// SSIDExists reports whether an SSID identifies a configured server
// account.
func (d *serverDirectory) SSIDExists(ctx context.Context, ssid datamodel.SSID) (bool, error) {
	if ssid == datamodel.SSIDAny || ssid == datamodel.SSIDBootstrap {
		return false, nil
	}
	found := false
	err := d.client.registry.ForEachInstance(ctx, d.client.server, func(iid datamodel.IID) error {
		v, err := d.client.registry.ReadResourceInt(ctx, d.client.server, iid, datamodel.RIDServerSSID)
		if err == nil && datamodel.SSID(v) == ssid {
			found = true
		}
		return nil
	})
	return found, err
}

//// OBJECT MANAGEMENT /////////////////////////////////////////////////////////

// RegisterObject installs a host-provided object.
func (c *Client) RegisterObject(obj datamodel.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Register(obj)
}

// UnregisterObject removes an installed object, dropping its pending
// notifications and stored attributes.
func (c *Client) UnregisterObject(oid datamodel.OID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Unregister(oid)
}

// Registry exposes the registry for protocol-layer dispatch. The caller
// must hold no Client methods open; iteration runs outside the
// process-wide mutex only if the host guarantees quiescence.
func (c *Client) Registry() *datamodel.Registry { return c.registry }

// AddServerInstance configures a Server object instance.
func (c *Client) AddServerInstance(cfg ServerInstanceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.server.AddInstance(cfg); err != nil {
		return err
	}
	c.queue.MarkInstanceCreated(datamodel.OIDServer, cfg.IID)
	return nil
}

// RemoveServerInstance removes a Server object instance. Attributes
// referring to the vanished SSID are dropped on the next notification
// flush.
func (c *Client) RemoveServerInstance(ctx context.Context, iid datamodel.IID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.server.RemoveInstance(ctx, iid); err != nil {
		return err
	}
	c.queue.MarkInstanceRemoved(datamodel.OIDServer, iid)
	return nil
}

// AddSecurityInstance configures a Security object instance.
func (c *Client) AddSecurityInstance(cfg SecurityInstanceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.security.AddInstance(cfg); err != nil {
		return err
	}
	c.queue.MarkInstanceCreated(datamodel.OIDSecurity, cfg.IID)
	return nil
}

//// NOTIFICATIONS /////////////////////////////////////////////////////////////

// OnNotification registers an observer invoked during every
// notification flush, after the built-in reconciliation. Observers run
// under the process-wide mutex and must not call back into the Client.
func (c *Client) OnNotification(handler notify.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, handler)
}

// NotifyChanged queues a resource-changed event, as called by hosts
// after mutating object state outside a server request.
func (c *Client) NotifyChanged(oid datamodel.OID, iid datamodel.IID, rid datamodel.RID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.MarkResourceChanged(oid, iid, rid)
}

// NotifyInstancesChanged queues an instance-set-changed event.
func (c *Client) NotifyInstancesChanged(oid datamodel.OID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.MarkUnknownChange(oid)
}

// FlushNotifications drains the queue: attribute reconciliation runs
// first, then the registered observers. Errors are combined; all
// entries are processed regardless.
func (c *Client) FlushNotifications(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

func (c *Client) flushLocked(ctx context.Context) error {
	handlers := append([]notify.Handler{c.attrs}, c.observers...)
	return c.queue.Flush(ctx, handlers...)
}

//// ATTRIBUTES ////////////////////////////////////////////////////////////////

// SetObjectAttrs stores object-level default attributes for a server.
func (c *Client) SetObjectAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, attrs datamodel.Attributes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.SetObjectAttrs(ctx, ssid, oid, attrs)
}

// SetInstanceAttrs stores instance-level default attributes for a
// server.
func (c *Client) SetInstanceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, attrs datamodel.Attributes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.SetInstanceAttrs(ctx, ssid, oid, iid, attrs)
}

// SetResourceAttrs stores resource-level attributes for a server.
func (c *Client) SetResourceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, rid datamodel.RID, attrs datamodel.ResourceAttributes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.SetResourceAttrs(ctx, ssid, oid, iid, rid, attrs)
}

// SetResourceInstanceAttrs stores resource-instance-level attributes
// for a server.
func (c *Client) SetResourceInstanceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, attrs datamodel.ResourceAttributes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.SetResourceInstanceAttrs(ctx, ssid, oid, iid, rid, riid, attrs)
}

// ReadResourceAttrs returns the stored attributes of a resource for a
// server.
func (c *Client) ReadResourceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID, rid datamodel.RID) (datamodel.ResourceAttributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := c.registry.FindByOID(oid)
	if obj == nil {
		return datamodel.EmptyResourceAttributes(), fmt.Errorf("%w: %v", datamodel.ErrObjectNotFound, oid)
	}
	return c.attrs.ResourceReadAttrs(ctx, obj, iid, rid, ssid)
}

// ReadInstanceAttrs returns the stored instance-level default
// attributes for a server.
func (c *Client) ReadInstanceAttrs(ctx context.Context, ssid datamodel.SSID, oid datamodel.OID, iid datamodel.IID) (datamodel.Attributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := c.registry.FindByOID(oid)
	if obj == nil {
		return datamodel.EmptyAttributes(), fmt.Errorf("%w: %v", datamodel.ErrObjectNotFound, oid)
	}
	return c.attrs.InstanceReadDefaultAttrs(ctx, obj, iid, ssid)
}

//// ACCESS CONTROL ////////////////////////////////////////////////////////////

// SetACL grants a server permissions on a target instance or object.
func (c *Client) SetACL(ctx context.Context, oid datamodel.OID, iid datamodel.IID, ssid datamodel.SSID, mask accesscontrol.Mask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access.SetACL(ctx, oid, iid, ssid, mask)
}

// SetACLOwner changes the owner of the ACL instance covering a target.
func (c *Client) SetACLOwner(ctx context.Context, oid datamodel.OID, iid datamodel.IID, owner datamodel.SSID, inoutACLIID *datamodel.IID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access.SetOwner(ctx, oid, iid, owner, inoutACLIID)
}

// PurgeACLs drops every ACL instance.
func (c *Client) PurgeACLs(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access.Purge(ctx)
}

//// FIRMWARE UPDATE ///////////////////////////////////////////////////////////

// AddFirmwareInstance registers a firmware component.
func (c *Client) AddFirmwareInstance(cfg fwupdate.InstanceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.AddInstance(cfg)
}

// FirmwareSetStateAndResult moves a firmware instance's state machine on
// behalf of the host.
func (c *Client) FirmwareSetStateAndResult(iid datamodel.IID, state fwupdate.State, result fwupdate.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.SetStateAndResult(iid, state, result)
}

// FirmwareGetStateAndResult returns a firmware instance's current
// (state, result) pair.
func (c *Client) FirmwareGetStateAndResult(iid datamodel.IID) (fwupdate.State, fwupdate.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.GetStateAndResult(iid)
}

// FirmwareSetLinkedInstances replaces a firmware instance's Linked
// Instances list.
func (c *Client) FirmwareSetLinkedInstances(iid datamodel.IID, targets []datamodel.IID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.SetLinkedInstances(iid, targets)
}

// FirmwareSetConflictingInstances replaces a firmware instance's
// Conflicting Instances list.
func (c *Client) FirmwareSetConflictingInstances(iid datamodel.IID, targets []datamodel.IID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.SetConflictingInstances(iid, targets)
}

// FirmwareSuspendDownloads pauses pull downloads.
func (c *Client) FirmwareSuspendDownloads() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fw.PullSuspend()
}

// FirmwareReconnectDownloads resumes pull downloads.
func (c *Client) FirmwareReconnectDownloads() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.PullReconnect()
}

//// PERSISTENCE ///////////////////////////////////////////////////////////////

// PersistState writes both persisted streams to the configured Storage.
func (c *Client) PersistState(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var attrBuf bytes.Buffer
	if err := c.attrs.Persist(&attrBuf); err != nil {
		return fmt.Errorf("persisting attributes: %w", err)
	}
	if err := c.storage.SaveAttributes(attrBuf.Bytes()); err != nil {
		return fmt.Errorf("saving attributes: %w", err)
	}

	var aclBuf bytes.Buffer
	if err := c.access.Persist(&aclBuf); err != nil {
		return fmt.Errorf("persisting ACLs: %w", err)
	}
	if err := c.storage.SaveACLs(aclBuf.Bytes()); err != nil {
		return fmt.Errorf("saving ACLs: %w", err)
	}
	return nil
}

// RestoreState loads both persisted streams from the configured
// Storage. Missing streams restore as empty state.
func (c *Client) RestoreState(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attrData, err := c.storage.LoadAttributes()
	if err != nil {
		return fmt.Errorf("loading attributes: %w", err)
	}
	if err := c.attrs.Restore(ctx, bytes.NewReader(attrData)); err != nil {
		return fmt.Errorf("restoring attributes: %w", err)
	}

	aclData, err := c.storage.LoadACLs()
	if err != nil {
		return fmt.Errorf("loading ACLs: %w", err)
	}
	if len(aclData) > 0 {
		if err := c.access.Restore(ctx, bytes.NewReader(aclData)); err != nil {
			return fmt.Errorf("restoring ACLs: %w", err)
		}
	}
	return nil
}

// StateModified reports whether any persisted stream changed since the
// last PersistState.
func (c *Client) StateModified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs.IsModified() || c.access.IsModified()
}
