package accesscontrol

import (
	"context"
	"fmt"
	"sort"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// TransactionBegin implements datamodel.Transactional: a structural copy
// of the current state is kept for rollback.
func (ac *AccessControl) TransactionBegin(ctx context.Context) error {
	if ac.inTransaction {
		return fmt.Errorf("%w: transaction already open", datamodel.ErrInternal)
	}
	ac.saved = ac.current.clone()
	ac.inTransaction = true
	return nil
}

// TransactionValidate checks every ACL instance against the data model:
// targets must be resolvable and every referenced SSID must identify a
// known server (or be the Bootstrap SSID for owners, or SSIDAny for ACL
// entry keys). Validation only runs if something was written since the
// last successful validation.
func (ac *AccessControl) TransactionValidate(ctx context.Context) error {
	if !ac.needsValidation {
		return nil
	}

	var ssids []datamodel.SSID
	addSSID := func(ssid datamodel.SSID) {
		i := sort.Search(len(ssids), func(i int) bool { return ssids[i] >= ssid })
		if i < len(ssids) && ssids[i] == ssid {
			return
		}
		ssids = append(ssids, 0)
		copy(ssids[i+1:], ssids[i:])
		ssids[i] = ssid
	}

	for i := 0; i < ac.current.instances.Len(); i++ {
		inst := ac.current.instances.At(i)
		if err := ac.targetReachable(ctx, inst.target); err != nil {
			return fmt.Errorf("%w: ACL instance %d: invalid target /%d/%d", datamodel.ErrBadRequest, inst.iid, inst.target.OID, inst.target.IID)
		}
		if inst.owner != datamodel.SSIDBootstrap {
			addSSID(inst.owner)
		}
		for j := 0; j < inst.acl.Len(); j++ {
			addSSID(inst.acl.At(j).SSID)
		}
	}

	for _, ssid := range ssids {
		if err := ac.validateSSIDKey(ctx, ssid); err != nil {
			return fmt.Errorf("%w: ACL references unknown %v", datamodel.ErrBadRequest, ssid)
		}
	}

	ac.needsValidation = false
	return nil
}

// TransactionCommit discards the saved copy.
func (ac *AccessControl) TransactionCommit(ctx context.Context) error {
	ac.saved = nil
	ac.needsValidation = false
	ac.inTransaction = false
	return nil
}

// TransactionRollback restores the saved copy.
func (ac *AccessControl) TransactionRollback(ctx context.Context) error {
	if ac.saved != nil {
		ac.current = *ac.saved
		ac.saved = nil
	}
	ac.needsValidation = false
	ac.inTransaction = false
	return nil
}
