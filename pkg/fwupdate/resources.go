package fwupdate

import (
	"context"
	"fmt"
	"io"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// OID implements datamodel.Object.
func (o *Object) OID() datamodel.OID { return datamodel.OIDAdvancedFirmwareUpdate }

// Version implements datamodel.Object.
func (o *Object) Version() string { return "1.0" }

// ListInstances implements datamodel.Object.
func (o *Object) ListInstances(ctx context.Context) ([]datamodel.IID, error) {
	out := make([]datamodel.IID, 0, o.instances.Len())
	for i := 0; i < o.instances.Len(); i++ {
		out = append(out, o.instances.At(i).iid)
	}
	return out, nil
}

// ListResources implements datamodel.Object. The Linked Instances and
// Conflicting Instances resources exist only in multi-instance setups.
func (o *Object) ListResources(ctx context.Context, iid datamodel.IID) ([]datamodel.ResourceEntry, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return nil, datamodel.ErrNotFound
	}
	presence := func(present bool) datamodel.Presence {
		if present {
			return datamodel.Present
		}
		return datamodel.Absent
	}
	entries := []datamodel.ResourceEntry{
		{RID: RIDPackage, Kind: datamodel.ResourceW, Presence: datamodel.Present},
		{RID: RIDPackageURI, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
		{RID: RIDUpdate, Kind: datamodel.ResourceE, Presence: datamodel.Present},
		{RID: RIDState, Kind: datamodel.ResourceR, Presence: datamodel.Present},
		{RID: RIDUpdateResult, Kind: datamodel.ResourceR, Presence: datamodel.Present},
		{RID: RIDPkgName, Kind: datamodel.ResourceR, Presence: presence(o.packageName(inst) != "")},
		{RID: RIDPkgVersion, Kind: datamodel.ResourceR, Presence: presence(o.packageVersion(inst) != "")},
		{RID: RIDUpdateProtocolSupport, Kind: datamodel.ResourceRM, Presence: datamodel.Present},
		{RID: RIDUpdateDeliveryMethod, Kind: datamodel.ResourceR, Presence: datamodel.Present},
		{RID: RIDCancel, Kind: datamodel.ResourceE, Presence: datamodel.Present},
		{RID: RIDSeverity, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
		{RID: RIDLastStateChangeTime, Kind: datamodel.ResourceR, Presence: datamodel.Present},
		{RID: RIDMaxDeferPeriod, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
		{RID: RIDComponentName, Kind: datamodel.ResourceR, Presence: presence(inst.componentName != "")},
		{RID: RIDCurrentVersion, Kind: datamodel.ResourceR, Presence: presence(o.currentVersion(inst) != "")},
	}
	if o.instances.Len() > 1 {
		entries = append(entries,
			datamodel.ResourceEntry{RID: RIDLinkedInstances, Kind: datamodel.ResourceRM, Presence: datamodel.Present},
			datamodel.ResourceEntry{RID: RIDConflictingInstances, Kind: datamodel.ResourceRM, Presence: datamodel.Present},
		)
	}
	return entries, nil
}

// ReadResource implements datamodel.Object.
func (o *Object) ReadResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, out datamodel.OutputContext) error {
	inst := o.findInstance(iid)
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case RIDPackageURI:
		return out.ReturnString(inst.packageURI)
	case RIDState:
		return out.ReturnInt(int64(inst.state))
	case RIDUpdateResult:
		return out.ReturnInt(int64(inst.result))
	case RIDPkgName:
		if name := o.packageName(inst); name != "" {
			return out.ReturnString(name)
		}
		return datamodel.ErrNotFound
	case RIDPkgVersion:
		if version := o.packageVersion(inst); version != "" {
			return out.ReturnString(version)
		}
		return datamodel.ErrNotFound
	case RIDUpdateProtocolSupport:
		if int(riid) >= len(supportedProtocols) {
			return datamodel.ErrNotFound
		}
		return out.ReturnInt(supportedProtocols[riid])
	case RIDUpdateDeliveryMethod:
		return out.ReturnInt(deliveryMethodBoth)
	case RIDSeverity:
		return out.ReturnInt(int64(inst.severity))
	case RIDLastStateChangeTime:
		if inst.lastStateChangeTime.IsZero() {
			return out.ReturnInt(0)
		}
		return out.ReturnInt(inst.lastStateChangeTime.Unix())
	case RIDMaxDeferPeriod:
		return out.ReturnInt(int64(inst.maxDeferPeriod))
	case RIDComponentName:
		if inst.componentName == "" {
			return datamodel.ErrNotFound
		}
		return out.ReturnString(inst.componentName)
	case RIDCurrentVersion:
		if version := o.currentVersion(inst); version != "" {
			return out.ReturnString(version)
		}
		return datamodel.ErrNotFound
	case RIDLinkedInstances, RIDConflictingInstances:
		return out.ReturnObjlnk(datamodel.OIDAdvancedFirmwareUpdate, datamodel.IID(riid))
	default:
		return datamodel.ErrMethodNotAllowed
	}
}

// WriteResource implements datamodel.Object.
func (o *Object) WriteResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, in datamodel.InputContext) error {
	inst := o.findInstance(iid)
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case RIDPackage:
		return o.writePackage(inst, in)
	case RIDPackageURI:
		return o.writePackageURI(inst, in)
	case RIDSeverity:
		v, err := in.Int()
		if err != nil {
			return err
		}
		if v < int64(SeverityCritical) || v > int64(SeverityOptional) {
			return fmt.Errorf("%w: severity %d out of range", datamodel.ErrBadRequest, v)
		}
		inst.severity = Severity(v)
		return nil
	case RIDMaxDeferPeriod:
		v, err := in.Int()
		if err != nil {
			return err
		}
		if v < 0 || v > int64(1<<31-1) {
			return fmt.Errorf("%w: maximum defer period %d out of range", datamodel.ErrBadRequest, v)
		}
		inst.maxDeferPeriod = int32(v)
		return nil
	default:
		// The Bootstrap Server may attempt writes to other resources.
		return datamodel.ErrMethodNotAllowed
	}
}

// writePackage implements the push delivery path.
func (o *Object) writePackage(inst *instance, in datamodel.InputContext) error {
	anyInProgress := o.isAnyDownloadInProgress()

	if inst.state == StateUpdating {
		o.log.Warnf("cannot set Package resource while updating")
		return datamodel.ErrMethodNotAllowed
	}

	if inst.state == StateIdle && !anyInProgress {
		isReset, err := o.writeFirmware(inst, in)
		if err != nil {
			return err
		}
		if isReset {
			o.resetState(inst)
		}
		return nil
	}

	// Not in a writable state: only the null-byte reset request is
	// accepted.
	if err := expectSingleNullByte(in); err != nil {
		if anyInProgress {
			o.log.Errorf("a download is already in progress or queued, rejecting push write")
			return datamodel.ErrMethodNotAllowed
		}
		return err
	}
	o.cancelExistingDownload(inst)
	o.resetState(inst)
	return nil
}

// writeFirmware streams a pushed package into the host storage. The
// second return value reports a reset request (a single null byte).
func (o *Object) writeFirmware(inst *instance, in datamodel.InputContext) (bool, error) {
	reader, err := in.Reader()
	if err != nil {
		return false, err
	}
	if err := o.ensureStreamOpen(inst); err != nil {
		o.resetUserState(inst)
		return false, fmt.Errorf("%w: could not open package stream", datamodel.ErrInternal)
	}

	var written int64
	firstByte := -1
	buf := make([]byte, 1024)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if firstByte < 0 {
				firstByte = int(buf[0])
			}
			if err := o.streamWrite(inst, buf[:n]); err != nil {
				o.handleErrResult(inst, StateIdle, err, ResultNotEnoughSpace)
				o.resetUserState(inst)
				return false, fmt.Errorf("%w: could not write firmware", datamodel.ErrInternal)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			o.updateStateAndResult(inst, StateIdle, ResultConnectionLost)
			o.resetUserState(inst)
			return false, fmt.Errorf("%w: package payload truncated", datamodel.ErrInternal)
		}
	}
	o.log.Infof("package write finished, %d B written", written)

	if written == 1 && firstByte == 0 {
		return true, nil
	}

	if err := o.finishStream(inst); err != nil {
		// The write itself succeeded; the verification result is
		// reported through the Update Result resource.
		o.handleErrResult(inst, StateIdle, err, ResultNotEnoughSpace)
		return false, nil
	}
	o.updateStateAndResult(inst, StateDownloaded, ResultInitial)
	return false, nil
}

func expectSingleNullByte(in datamodel.InputContext) error {
	raw, err := in.Bytes()
	if err != nil {
		return fmt.Errorf("%w: could not read package payload", datamodel.ErrInternal)
	}
	if len(raw) != 1 || raw[0] != 0 {
		return fmt.Errorf("%w: expected a null-byte reset request", datamodel.ErrBadRequest)
	}
	return nil
}

// writePackageURI implements the pull delivery path.
func (o *Object) writePackageURI(inst *instance, in datamodel.InputContext) error {
	uri, err := in.String()
	if err != nil {
		return err
	}

	if uri == "" {
		if inst.state == StateUpdating {
			o.log.Warnf("cannot reset Package URI while updating")
			return datamodel.ErrMethodNotAllowed
		}
		o.cancelExistingDownload(inst)
		inst.packageURI = ""
		o.resetState(inst)
		return nil
	}

	if inst.state != StateIdle {
		return fmt.Errorf("%w: Package URI is only writable in the Idle state", datamodel.ErrBadRequest)
	}
	if transportSecurityFromURI(uri) == TransportSecurityUndefined {
		o.log.Warnf("unsupported download protocol in URI %q", uri)
		o.setResult(inst, ResultUnsupportedProtocol)
		return fmt.Errorf("%w: unsupported download protocol", datamodel.ErrBadRequest)
	}

	inst.packageURI = uri
	if err := o.scheduleDownload(inst); err != nil {
		// The write itself succeeded; the failure is reported through
		// the Update Result resource.
		o.log.Warnf("could not schedule download: %v", err)
	}
	return nil
}

// ExecuteResource implements datamodel.ResourceExecutor.
func (o *Object) ExecuteResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, args string) error {
	inst := o.findInstance(iid)
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case RIDUpdate:
		return o.executeUpdate(inst, args)
	case RIDCancel:
		return o.executeCancel(inst)
	default:
		return datamodel.ErrMethodNotAllowed
	}
}

// ListResourceInstances implements datamodel.ResourceInstanceLister.
func (o *Object) ListResourceInstances(ctx context.Context, iid datamodel.IID, rid datamodel.RID) ([]datamodel.RIID, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return nil, datamodel.ErrNotFound
	}
	switch rid {
	case RIDUpdateProtocolSupport:
		out := make([]datamodel.RIID, len(supportedProtocols))
		for i := range supportedProtocols {
			out[i] = datamodel.RIID(i)
		}
		return out, nil
	case RIDLinkedInstances:
		return iidsToRIIDs(inst.linked), nil
	case RIDConflictingInstances:
		return iidsToRIIDs(inst.conflicting), nil
	default:
		return nil, datamodel.ErrNotFound
	}
}

func iidsToRIIDs(iids []datamodel.IID) []datamodel.RIID {
	out := make([]datamodel.RIID, len(iids))
	for i, iid := range iids {
		out[i] = datamodel.RIID(iid)
	}
	return out
}

var (
	_ datamodel.Object                 = (*Object)(nil)
	_ datamodel.ResourceExecutor       = (*Object)(nil)
	_ datamodel.ResourceInstanceLister = (*Object)(nil)
)
