package fwupdate

import (
	"fmt"
	"time"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// SetStateAndResult moves an instance's state machine on behalf of the
// host (e.g. after an asynchronous verification or a deferred upgrade).
// Transitions outside the allowed table are rejected with
// ErrMethodNotAllowed and leave the instance unchanged.
func (o *Object) SetStateAndResult(iid datamodel.IID, state State, result Result) error {
	inst := o.findInstance(iid)
	if inst == nil {
		return fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	if !stateChangeAllowed(inst.state, state, result) {
		o.log.Warnf("state and result change from %v/%v to %v/%v is not allowed",
			inst.state, inst.result, state, result)
		return fmt.Errorf("%w: state change not allowed", datamodel.ErrMethodNotAllowed)
	}
	if state == StateIdle {
		o.resetUserState(inst)
	}
	o.updateStateAndResult(inst, state, result)
	return nil
}

// GetStateAndResult returns an instance's current (state, result) pair.
func (o *Object) GetStateAndResult(iid datamodel.IID) (State, Result, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return 0, 0, fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	return inst.state, inst.result, nil
}

// GetState returns an instance's current state.
func (o *Object) GetState(iid datamodel.IID) (State, error) {
	state, _, err := o.GetStateAndResult(iid)
	return state, err
}

// GetResult returns an instance's current result.
func (o *Object) GetResult(iid datamodel.IID) (Result, error) {
	_, result, err := o.GetStateAndResult(iid)
	return result, err
}

// validateTargetIIDList checks a Linked/Conflicting Instances value:
// strictly ascending, no duplicates, no self-reference, every entry an
// existing instance.
func (o *Object) validateTargetIIDList(iid datamodel.IID, targets []datamodel.IID) error {
	for i := 1; i < len(targets); i++ {
		if targets[i-1] == targets[i] {
			return fmt.Errorf("%w: duplicate target instance %d", datamodel.ErrBadRequest, targets[i])
		}
		if targets[i-1] > targets[i] {
			return fmt.Errorf("%w: target instance list not sorted", datamodel.ErrBadRequest)
		}
	}
	for _, target := range targets {
		if target == iid {
			return fmt.Errorf("%w: instance list cannot reference self", datamodel.ErrBadRequest)
		}
		if o.findInstance(target) == nil {
			return fmt.Errorf("%w: target instance %d does not exist", datamodel.ErrBadRequest, target)
		}
	}
	return nil
}

// SetLinkedInstances replaces an instance's Linked Instances list.
func (o *Object) SetLinkedInstances(iid datamodel.IID, targets []datamodel.IID) error {
	inst := o.findInstance(iid)
	if inst == nil {
		return fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	if err := o.validateTargetIIDList(iid, targets); err != nil {
		return err
	}
	inst.linked = append([]datamodel.IID(nil), targets...)
	o.notifyChanged(iid, RIDLinkedInstances)
	return nil
}

// GetLinkedInstances returns an instance's Linked Instances list.
func (o *Object) GetLinkedInstances(iid datamodel.IID) ([]datamodel.IID, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return nil, fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	return append([]datamodel.IID(nil), inst.linked...), nil
}

// SetConflictingInstances replaces an instance's Conflicting Instances
// list.
func (o *Object) SetConflictingInstances(iid datamodel.IID, targets []datamodel.IID) error {
	inst := o.findInstance(iid)
	if inst == nil {
		return fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	if err := o.validateTargetIIDList(iid, targets); err != nil {
		return err
	}
	inst.conflicting = append([]datamodel.IID(nil), targets...)
	o.notifyChanged(iid, RIDConflictingInstances)
	return nil
}

// GetConflictingInstances returns an instance's Conflicting Instances
// list.
func (o *Object) GetConflictingInstances(iid datamodel.IID) ([]datamodel.IID, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return nil, fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	return append([]datamodel.IID(nil), inst.conflicting...), nil
}

// GetSeverity returns an instance's update severity.
func (o *Object) GetSeverity(iid datamodel.IID) (Severity, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return 0, fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	return inst.severity, nil
}

// GetLastStateChangeTime returns the timestamp of an instance's last
// state transition.
func (o *Object) GetLastStateChangeTime(iid datamodel.IID) (time.Time, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return time.Time{}, fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	return inst.lastStateChangeTime, nil
}

// GetUpdateDeadline returns the deadline derived from the instance's
// Maximum Defer Period, or the zero time when none applies. The deadline
// is advisory; enforcing it is the host's decision.
func (o *Object) GetUpdateDeadline(iid datamodel.IID) (time.Time, error) {
	inst := o.findInstance(iid)
	if inst == nil {
		return time.Time{}, fmt.Errorf("%w: firmware instance %d", datamodel.ErrNotFound, iid)
	}
	return inst.updateDeadline, nil
}
