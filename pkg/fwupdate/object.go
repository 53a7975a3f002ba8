package fwupdate

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/notify"
	"github.com/backkem/lwm2m/pkg/scheduler"
)

// SecurityResolver resolves transport security material for a secured
// Package URI from the data model (the Security object). Used when the
// instance's Handlers do not implement SecurityConfigProvider.
type SecurityResolver func(uri string) (*SecurityConfig, error)

// Config carries the collaborators of the firmware update object.
type Config struct {
	// Queue receives state-change notifications. Optional.
	Queue *notify.Queue

	// Scheduler runs the deferred upgrade jobs. Required.
	Scheduler scheduler.Scheduler

	// Downloader performs pull transfers. Without one, a Package URI
	// write succeeds but starts no transfer and sets the
	// UnsupportedProtocol result.
	Downloader Downloader

	// Locker is the process-wide mutex, acquired by downloader and
	// scheduler callbacks before touching state. Defaults to a no-op
	// for single-threaded use.
	Locker sync.Locker

	// Now supplies timestamps for Last State Change Time. Defaults to
	// time.Now.
	Now func() time.Time

	LoggerFactory logging.LoggerFactory
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// instance is the per-component firmware state.
type instance struct {
	iid           datamodel.IID
	componentName string
	handlers      Handlers

	// userState mirrors the host stream's progress; it may lag behind
	// the visible state while callbacks are in flight.
	userState State

	state  State
	result Result

	packageURI string

	updateJob scheduler.Job

	retryDownloadOnExpired bool

	severity            Severity
	lastStateChangeTime time.Time
	maxDeferPeriod      int32
	updateDeadline      time.Time

	linked      []datamodel.IID
	conflicting []datamodel.IID
}

// Key implements datamodel.Keyed.
func (i instance) Key() uint16 { return uint16(i.iid) }

type currentDownload struct {
	iid    datamodel.IID
	handle DownloadHandle
}

type queuedDownload struct {
	iid datamodel.IID
	cfg DownloadConfig
}

// Object is the Advanced Firmware Update object. Except for the
// downloader/scheduler entry points, which acquire the configured
// Locker, all methods must be called under the client's process-wide
// mutex.
type Object struct {
	queue      *notify.Queue
	sched      scheduler.Scheduler
	downloader Downloader
	locker     sync.Locker
	now        func() time.Time
	resolver   SecurityResolver
	log        logging.LeveledLogger

	instances datamodel.KeyList[instance]

	// supplementalIIDs is non-nil while an Update execute carrying
	// arguments is in flight; an empty non-nil slice means "explicitly
	// no peers".
	supplementalIIDs []datamodel.IID

	current            currentDownload
	downloadQueue      []*queuedDownload
	downloadsSuspended bool
}

// New creates the firmware update object.
func New(cfg Config) *Object {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Locker == nil {
		cfg.Locker = noopLocker{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Object{
		queue:      cfg.Queue,
		sched:      cfg.Scheduler,
		downloader: cfg.Downloader,
		locker:     cfg.Locker,
		now:        cfg.Now,
		log:        cfg.LoggerFactory.NewLogger("fwupdate"),
		current:    currentDownload{iid: datamodel.IID(datamodel.IDInvalid)},
	}
}

// SetSecurityResolver installs the data-model-backed security resolver
// used for secured URIs when the host handlers do not provide their own.
func (o *Object) SetSecurityResolver(r SecurityResolver) { o.resolver = r }

// InitialState restores an instance's lifecycle after reboot.
type InitialState struct {
	State               State
	Result              Result
	Severity            Severity
	LastStateChangeTime time.Time
	UpdateDeadline      time.Time
}

// InstanceConfig describes one firmware component.
type InstanceConfig struct {
	IID datamodel.IID

	// ComponentName is mandatory as soon as more than one instance
	// exists.
	ComponentName string

	Handlers Handlers

	// InitialState optionally restores persisted lifecycle state.
	InitialState *InitialState
}

// AddInstance registers a firmware component instance.
func (o *Object) AddInstance(cfg InstanceConfig) error {
	if cfg.Handlers == nil {
		return fmt.Errorf("%w: handlers are required", datamodel.ErrBadRequest)
	}
	if uint16(cfg.IID) == datamodel.IDInvalid {
		return fmt.Errorf("%w: IID %d is reserved", datamodel.ErrBadRequest, cfg.IID)
	}
	if o.findInstance(cfg.IID) != nil {
		return fmt.Errorf("%w: instance %d", datamodel.ErrObjectExists, cfg.IID)
	}
	if o.instances.Len() > 0 && cfg.ComponentName == "" {
		return fmt.Errorf("%w: component name is mandatory with multiple instances", datamodel.ErrBadRequest)
	}
	if o.instances.Len() == 1 && o.instances.At(0).componentName == "" && cfg.ComponentName != "" {
		return fmt.Errorf("%w: existing instance has no component name", datamodel.ErrBadRequest)
	}

	inst := &instance{
		iid:           cfg.IID,
		componentName: cfg.ComponentName,
		handlers:      cfg.Handlers,
	}
	if init := cfg.InitialState; init != nil {
		if err := applyInitialState(inst, init); err != nil {
			return err
		}
	}
	if !o.instances.Insert(inst) {
		return fmt.Errorf("%w: instance %d", datamodel.ErrObjectExists, cfg.IID)
	}
	if o.queue != nil {
		o.queue.MarkInstanceCreated(datamodel.OIDAdvancedFirmwareUpdate, cfg.IID)
	}
	if inst.state == StateDownloading {
		// A download interrupted by reboot: the host storage is stale,
		// reset and optionally retry.
		inst.userState = StateDownloading
		o.resetUserState(inst)
		inst.state = StateIdle
		if inst.result == ResultConnectionLost {
			if err := o.scheduleDownload(inst); err != nil {
				o.log.Warnf("could not retry download for instance %d: %v", inst.iid, err)
			}
		}
	}
	return nil
}

func applyInitialState(inst *instance, init *InitialState) error {
	inst.severity = init.Severity
	inst.lastStateChangeTime = init.LastStateChangeTime
	inst.updateDeadline = init.UpdateDeadline

	validIdleResult := init.Result == ResultInitial || init.Result == ResultSuccess ||
		init.Result == ResultIntegrityFailure || init.Result == ResultFailed ||
		init.Result == ResultDependencyError
	if (init.State != StateIdle && init.Result != ResultInitial) ||
		(init.State == StateIdle && !validIdleResult) {
		return fmt.Errorf("%w: result %v is invalid for initial state %v", datamodel.ErrBadRequest, init.Result, init.State)
	}

	switch init.State {
	case StateIdle:
		inst.result = init.Result
	case StateDownloading:
		inst.state = StateDownloading
		inst.result = init.Result
	case StateDownloaded:
		inst.userState = StateDownloaded
		inst.state = StateDownloaded
	case StateUpdating:
		inst.userState = StateUpdating
		inst.state = StateUpdating
	default:
		return fmt.Errorf("%w: invalid initial state %v", datamodel.ErrBadRequest, init.State)
	}
	return nil
}

func (o *Object) findInstance(iid datamodel.IID) *instance {
	return o.instances.Find(uint16(iid))
}

//// STATE CHANGES /////////////////////////////////////////////////////////////

func (o *Object) notifyChanged(iid datamodel.IID, rid datamodel.RID) {
	if o.queue != nil {
		o.queue.MarkResourceChanged(datamodel.OIDAdvancedFirmwareUpdate, iid, rid)
	}
}

func (o *Object) setResult(inst *instance, result Result) {
	if inst.result == result {
		return
	}
	o.log.Debugf("instance %d result change: %v -> %v", inst.iid, inst.result, result)
	inst.result = result
	o.notifyChanged(inst.iid, RIDUpdateResult)
}

func (o *Object) setState(inst *instance, state State) {
	if inst.state == state {
		return
	}
	inst.lastStateChangeTime = o.now()
	o.log.Debugf("instance %d state change: %v -> %v", inst.iid, inst.state, state)
	inst.state = state
	o.notifyChanged(inst.iid, RIDState)
	o.notifyChanged(inst.iid, RIDLastStateChangeTime)
}

func (o *Object) updateStateAndResult(inst *instance, state State, result Result) {
	o.setResult(inst, result)
	o.setState(inst, state)
}

// handleErrResult maps a host callback error onto the firmware result
// and moves the state machine.
func (o *Object) handleErrResult(inst *instance, newState State, err error, defaultResult Result) {
	o.updateStateAndResult(inst, newState, resultFromError(err, defaultResult))
}

//// HOST CALLBACK PLUMBING ////////////////////////////////////////////////////

// unlocked releases the process-wide mutex around a host callback that
// is expected to block. The callback may re-enter the public API.
func (o *Object) unlocked(fn func()) {
	o.locker.Unlock()
	defer o.locker.Lock()
	fn()
}

func (o *Object) ensureStreamOpen(inst *instance) error {
	if inst.userState == StateDownloading {
		return nil
	}
	var err error
	o.unlocked(func() { err = inst.handlers.StreamOpen(inst.iid) })
	if err == nil {
		inst.userState = StateDownloading
	}
	return err
}

func (o *Object) streamWrite(inst *instance, data []byte) error {
	var err error
	o.unlocked(func() { err = inst.handlers.StreamWrite(inst.iid, data) })
	return err
}

func (o *Object) finishStream(inst *instance) error {
	var err error
	o.unlocked(func() { err = inst.handlers.StreamFinish(inst.iid) })
	if err != nil {
		inst.userState = StateIdle
	} else {
		inst.userState = StateDownloaded
	}
	return err
}

func (o *Object) resetUserState(inst *instance) {
	o.unlocked(func() { inst.handlers.Reset(inst.iid) })
	inst.userState = StateIdle
}

// resetState returns an instance to Idle/Initial, discarding any stored
// package data.
func (o *Object) resetState(inst *instance) {
	o.resetUserState(inst)
	o.updateStateAndResult(inst, StateIdle, ResultInitial)
	o.log.Infof("instance %d state reset", inst.iid)
}

func (o *Object) packageName(inst *instance) string {
	if inst.userState != StateDownloaded {
		return ""
	}
	var name string
	o.unlocked(func() { name = inst.handlers.PackageName(inst.iid) })
	return name
}

func (o *Object) packageVersion(inst *instance) string {
	if inst.userState != StateDownloaded {
		return ""
	}
	var version string
	o.unlocked(func() { version = inst.handlers.PackageVersion(inst.iid) })
	return version
}

func (o *Object) currentVersion(inst *instance) string {
	var version string
	o.unlocked(func() { version = inst.handlers.CurrentVersion(inst.iid) })
	return version
}

// setUpdateDeadline derives the deadline the host may defer the upgrade
// until.
func (o *Object) setUpdateDeadline(inst *instance) {
	if inst.maxDeferPeriod <= 0 {
		inst.updateDeadline = time.Time{}
		return
	}
	inst.updateDeadline = o.now().Add(time.Duration(inst.maxDeferPeriod) * time.Second)
}
