package fwupdate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// executeUpdate handles Execute on the Update resource: parse the
// supplemental-instance arguments, move to Updating and defer the actual
// upgrade by two scheduler runs so that state-change notifications go
// out before the host callback blocks.
func (o *Object) executeUpdate(inst *instance, args string) error {
	if inst.state != StateDownloaded {
		o.log.Warnf("update for instance %d requested, but firmware not yet downloaded (state = %v)", inst.iid, inst.state)
		return datamodel.ErrMethodNotAllowed
	}

	supplemental, err := o.parseExecuteArgs(inst.iid, args)
	if err != nil {
		o.supplementalIIDs = nil
		return err
	}
	o.supplementalIIDs = supplemental

	o.updateStateAndResult(inst, StateUpdating, ResultInitial)

	if inst.updateJob != nil {
		inst.updateJob.Cancel()
	}
	iid := inst.iid
	inst.updateJob = o.sched.Schedule(0, func() { o.scheduleUpgradeJob(iid) })
	return nil
}

// scheduleUpgradeJob runs on the scheduler: it defers the actual upgrade
// to yet another scheduler run, because the Updating-state notification
// is likely being flushed during the current one.
func (o *Object) scheduleUpgradeJob(iid datamodel.IID) {
	o.locker.Lock()
	defer o.locker.Unlock()

	inst := o.findInstance(iid)
	if inst == nil || inst.state != StateUpdating || inst.userState == StateUpdating {
		return
	}
	inst.updateJob = o.sched.Schedule(0, func() { o.performUpgradeJob(iid) })
}

// performUpgradeJob invokes the host upgrade callback.
func (o *Object) performUpgradeJob(iid datamodel.IID) {
	o.locker.Lock()
	defer o.locker.Unlock()

	inst := o.findInstance(iid)
	if inst == nil {
		return
	}
	o.setUpdateDeadline(inst)

	supplemental := o.supplementalIIDs
	o.supplementalIIDs = nil

	var err error
	o.unlocked(func() { err = inst.handlers.PerformUpgrade(inst.iid, supplemental) })
	if err != nil {
		o.log.Errorf("perform upgrade for instance %d failed: %v", inst.iid, err)
		o.handleErrResult(inst, StateDownloaded, err, ResultFailed)
		return
	}
	// If the host already moved the visible state during the callback,
	// keep the user state in step unless the update was deferred or
	// failed on a dependency.
	if inst.userState == StateDownloaded && inst.result != ResultDeferred && inst.result != ResultDependencyError {
		inst.userState = StateUpdating
	}
}

// executeCancel handles Execute on the Cancel resource.
func (o *Object) executeCancel(inst *instance) error {
	if inst.state != StateDownloading && inst.state != StateDownloaded {
		o.log.Warnf("cancel requested for instance %d, but the firmware is being or has been installed (state = %v)", inst.iid, inst.state)
		return datamodel.ErrMethodNotAllowed
	}
	o.cancelExistingDownload(inst)
	o.resetUserState(inst)
	o.updateStateAndResult(inst, StateIdle, ResultUpdateCancelled)
	return nil
}

// parseExecuteArgs parses the Update execute argument list. The only
// accepted argument is number 0, whose value is a comma-separated list
// of Object Instance links of this object:
//
//	0='</33629/2>,</33629/5>'
//
// The result is sorted and verified: links must reference existing peer
// instances in the Downloaded state, self-references and duplicates are
// rejected. A nil result means "no argument"; an empty non-nil result
// means an explicitly empty list.
func (o *Object) parseExecuteArgs(mainIID datamodel.IID, args string) ([]datamodel.IID, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil, nil
	}

	arg, value, hasValue := strings.Cut(args, "=")
	if arg != "0" {
		return nil, fmt.Errorf("%w: invalid firmware update argument %q", datamodel.ErrBadRequest, arg)
	}
	if !hasValue || value == "" {
		return []datamodel.IID{}, nil
	}
	if len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'' {
		value = value[1 : len(value)-1]
	}
	if value == "" {
		return []datamodel.IID{}, nil
	}

	seen := mapset.NewThreadUnsafeSet[datamodel.IID]()
	for _, token := range strings.Split(value, ",") {
		iid, err := o.parseSupplementalLink(mainIID, token)
		if err != nil {
			return nil, err
		}
		peer := o.findInstance(iid)
		if peer == nil {
			return nil, fmt.Errorf("%w: no firmware instance %d", datamodel.ErrBadRequest, iid)
		}
		if peer.state != StateDownloaded {
			o.log.Warnf("update including supplemental instance %d requested, but firmware not yet downloaded (state = %v)", iid, peer.state)
			return nil, datamodel.ErrMethodNotAllowed
		}
		if !seen.Add(iid) {
			return nil, fmt.Errorf("%w: duplicate supplemental instance %d", datamodel.ErrBadRequest, iid)
		}
	}

	out := seen.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// parseSupplementalLink parses one "</OID/IID>" token.
func (o *Object) parseSupplementalLink(mainIID datamodel.IID, token string) (datamodel.IID, error) {
	token = strings.TrimSpace(token)
	inner, ok := strings.CutPrefix(token, "</")
	if !ok {
		return 0, fmt.Errorf("%w: malformed instance link %q", datamodel.ErrBadRequest, token)
	}
	inner, ok = strings.CutSuffix(inner, ">")
	if !ok {
		return 0, fmt.Errorf("%w: malformed instance link %q", datamodel.ErrBadRequest, token)
	}
	oidStr, iidStr, ok := strings.Cut(inner, "/")
	if !ok {
		return 0, fmt.Errorf("%w: malformed instance link %q", datamodel.ErrBadRequest, token)
	}
	oid, err := strconv.ParseUint(oidStr, 10, 16)
	if err != nil || datamodel.OID(oid) != datamodel.OIDAdvancedFirmwareUpdate {
		return 0, fmt.Errorf("%w: link %q does not reference the firmware object", datamodel.ErrBadRequest, token)
	}
	iid64, err := strconv.ParseUint(iidStr, 10, 16)
	if err != nil || uint16(iid64) == datamodel.IDInvalid {
		return 0, fmt.Errorf("%w: malformed instance link %q", datamodel.ErrBadRequest, token)
	}
	iid := datamodel.IID(iid64)
	if iid == mainIID {
		return 0, fmt.Errorf("%w: supplemental instance list cannot reference the updated instance", datamodel.ErrBadRequest)
	}
	return iid, nil
}
