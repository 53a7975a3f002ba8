package fwupdate

import (
	"errors"
	"fmt"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

func (o *Object) isAnyDownloadInProgress() bool {
	return o.current.handle != nil || len(o.downloadQueue) > 0
}

// scheduleDownload starts a pull download for the instance's Package
// URI, or queues it when another download is already active. Either way
// the instance becomes Downloading/Initial on success.
func (o *Object) scheduleDownload(inst *instance) error {
	if o.downloader == nil {
		o.resetUserState(inst)
		o.setResult(inst, ResultUnsupportedProtocol)
		return fmt.Errorf("%w: no downloader configured", datamodel.ErrNotSupported)
	}
	cfg := DownloadConfig{URI: inst.packageURI}
	if o.isAnyDownloadInProgress() || o.downloadsSuspended {
		return o.enqueueDownload(inst, cfg)
	}
	return o.startDownloadNow(inst, cfg)
}

func (o *Object) enqueueDownload(inst *instance, cfg DownloadConfig) error {
	for _, queued := range o.downloadQueue {
		if queued.iid == inst.iid {
			return fmt.Errorf("%w: instance %d already has a queued download", datamodel.ErrInternal, inst.iid)
		}
	}
	o.downloadQueue = append(o.downloadQueue, &queuedDownload{iid: inst.iid, cfg: cfg})
	o.updateStateAndResult(inst, StateDownloading, ResultInitial)
	o.log.Infof("download in progress, queued download from %q for instance %d", cfg.URI, inst.iid)
	return nil
}

// startDownloadNow resolves security material if needed and hands the
// transfer to the downloader.
func (o *Object) startDownloadNow(inst *instance, cfg DownloadConfig) error {
	if transportSecurityFromURI(cfg.URI) == TransportEncrypted {
		security, err := o.resolveSecurity(inst, cfg.URI)
		if err != nil {
			o.handleErrResult(inst, StateIdle, err, ResultUnsupportedProtocol)
			return fmt.Errorf("%w: could not resolve security configuration", datamodel.ErrBadRequest)
		}
		cfg.Security = security
	}

	handle, err := o.downloader.Start(cfg, &downloadSink{o: o, iid: inst.iid})
	if err != nil {
		result := ResultConnectionLost
		switch {
		case errors.Is(err, ErrDownloadInvalidURI):
			result = ResultInvalidURI
		case errors.Is(err, ErrDownloadOutOfMemory):
			result = ResultOutOfMemory
		case errors.Is(err, ErrDownloadUnsupportedProtocol):
			result = ResultUnsupportedProtocol
		}
		o.resetUserState(inst)
		o.setResult(inst, result)
		return fmt.Errorf("could not start download: %w", err)
	}

	o.current = currentDownload{iid: inst.iid, handle: handle}
	inst.retryDownloadOnExpired = false
	o.updateStateAndResult(inst, StateDownloading, ResultInitial)
	o.log.Infof("instance %d: download started: %s", inst.iid, inst.packageURI)
	return nil
}

func (o *Object) resolveSecurity(inst *instance, uri string) (*SecurityConfig, error) {
	if provider, ok := inst.handlers.(SecurityConfigProvider); ok {
		var (
			cfg *SecurityConfig
			err error
		)
		o.unlocked(func() { cfg, err = provider.SecurityConfig(inst.iid, uri) })
		return cfg, err
	}
	if o.resolver != nil {
		return o.resolver(uri)
	}
	return nil, fmt.Errorf("%w: no security configuration available for %q", datamodel.ErrNotFound, uri)
}

// startNextQueuedDownload pops the download queue once the current
// transfer reached a terminal state.
func (o *Object) startNextQueuedDownload() {
	if len(o.downloadQueue) == 0 || o.current.handle != nil || o.downloadsSuspended {
		return
	}
	next := o.downloadQueue[0]
	o.downloadQueue = o.downloadQueue[1:]
	inst := o.findInstance(next.iid)
	if inst == nil {
		o.startNextQueuedDownload()
		return
	}
	if err := o.startDownloadNow(inst, next.cfg); err != nil {
		o.log.Warnf("scheduling next queued download failed: %v", err)
		o.startNextQueuedDownload()
	}
}

// cancelExistingDownload aborts the instance's active transfer or drops
// its queued one.
func (o *Object) cancelExistingDownload(inst *instance) {
	if inst.state != StateDownloading {
		return
	}
	if o.current.handle != nil && o.current.iid == inst.iid {
		handle := o.current.handle
		o.current = currentDownload{iid: datamodel.IID(datamodel.IDInvalid)}
		handle.Abort()
		o.log.Debugf("aborted ongoing download for instance %d", inst.iid)
		o.startNextQueuedDownload()
		return
	}
	for i, queued := range o.downloadQueue {
		if queued.iid == inst.iid {
			o.downloadQueue = append(o.downloadQueue[:i], o.downloadQueue[i+1:]...)
			o.log.Debugf("removed instance %d from the download queue", inst.iid)
			return
		}
	}
}

// downloadSink routes downloader callbacks back into the object under
// the process-wide lock.
type downloadSink struct {
	o   *Object
	iid datamodel.IID
}

// OnNextBlock implements DownloadSink.
func (s *downloadSink) OnNextBlock(data []byte, etag []byte) error {
	o := s.o
	o.locker.Lock()
	defer o.locker.Unlock()

	inst := o.findInstance(s.iid)
	if inst == nil {
		return fmt.Errorf("%w: firmware instance %d is gone", datamodel.ErrNotFound, s.iid)
	}
	err := o.ensureStreamOpen(inst)
	if err == nil && len(data) > 0 {
		err = o.streamWrite(inst, data)
	}
	if err != nil {
		o.log.Errorf("could not write firmware: %v", err)
		o.handleErrResult(inst, StateIdle, err, ResultNotEnoughSpace)
		return err
	}
	return nil
}

// OnFinished implements DownloadSink.
func (s *downloadSink) OnFinished(status DownloadStatus) {
	o := s.o
	o.locker.Lock()
	defer o.locker.Unlock()

	o.current = currentDownload{iid: datamodel.IID(datamodel.IDInvalid)}
	inst := o.findInstance(s.iid)
	if inst == nil {
		o.startNextQueuedDownload()
		return
	}

	switch {
	case inst.state != StateDownloading:
		// Something already failed in OnNextBlock.
		o.resetUserState(inst)

	case status.Result != DownloadFinished:
		result := ResultConnectionLost
		if status.Result == DownloadFailed {
			switch {
			case errors.Is(status.Err, ErrDownloadOutOfMemory):
				result = ResultOutOfMemory
			case errors.Is(status.Err, ErrDownloadInvalidURI):
				result = ResultInvalidURI
			}
		} else if status.Result == DownloadInvalidResponse && statusCodeNotFound(status.StatusCode) {
			result = ResultInvalidURI
		}
		o.resetUserState(inst)
		if inst.retryDownloadOnExpired && status.Result == DownloadExpired {
			o.log.Infof("could not resume download for instance %d, retrying from the beginning", inst.iid)
			if err := o.scheduleDownload(inst); err != nil {
				o.log.Warnf("could not retry download: %v", err)
				o.setState(inst, StateIdle)
			}
		} else {
			o.log.Warnf("download aborted: result = %d", status.Result)
			o.updateStateAndResult(inst, StateIdle, result)
		}

	default:
		err := o.ensureStreamOpen(inst)
		if err == nil {
			err = o.finishStream(inst)
		}
		if err != nil {
			o.handleErrResult(inst, StateIdle, err, ResultNotEnoughSpace)
		} else {
			o.updateStateAndResult(inst, StateDownloaded, ResultInitial)
		}
	}

	o.startNextQueuedDownload()
}

// PullSuspend stops starting new pull downloads and aborts the active
// one, re-queueing it at the front for PullReconnect.
func (o *Object) PullSuspend() {
	o.downloadsSuspended = true
	if o.current.handle == nil {
		return
	}
	iid := o.current.iid
	handle := o.current.handle
	o.current = currentDownload{iid: datamodel.IID(datamodel.IDInvalid)}
	handle.Abort()
	if inst := o.findInstance(iid); inst != nil {
		o.resetUserState(inst)
		o.downloadQueue = append([]*queuedDownload{{iid: iid, cfg: DownloadConfig{URI: inst.packageURI}}}, o.downloadQueue...)
	}
	o.log.Infof("pull downloads suspended")
}

// PullReconnect resumes starting pull downloads.
func (o *Object) PullReconnect() error {
	o.downloadsSuspended = false
	o.startNextQueuedDownload()
	return nil
}
