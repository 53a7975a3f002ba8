package lwm2m

import (
	"context"
	"fmt"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// ServerInstanceConfig describes one Server (/1) object instance.
type ServerInstanceConfig struct {
	IID      datamodel.IID
	SSID     datamodel.SSID
	Lifetime int64
	Binding  string
}

type serverInstance struct {
	iid      datamodel.IID
	ssid     datamodel.SSID
	lifetime int64
	binding  string
}

func (i serverInstance) Key() uint16 { return uint16(i.iid) }

// ServerObject is the built-in Server (/1) object. It carries the
// per-server account data the core needs: most importantly the Short
// Server ID resource driving SSID validation and attribute
// reconciliation.
type ServerObject struct {
	instances datamodel.KeyList[serverInstance]
}

// NewServerObject creates an empty Server object.
func NewServerObject() *ServerObject {
	return &ServerObject{}
}

// AddInstance adds a server account.
func (s *ServerObject) AddInstance(cfg ServerInstanceConfig) error {
	if cfg.SSID == datamodel.SSIDAny || cfg.SSID == datamodel.SSIDBootstrap {
		return fmt.Errorf("%w: SSID %d is reserved", datamodel.ErrBadRequest, cfg.SSID)
	}
	for i := 0; i < s.instances.Len(); i++ {
		if s.instances.At(i).ssid == cfg.SSID {
			return fmt.Errorf("%w: server with %v already exists", datamodel.ErrBadRequest, cfg.SSID)
		}
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 86400
	}
	if cfg.Binding == "" {
		cfg.Binding = "U"
	}
	inst := &serverInstance{
		iid:      cfg.IID,
		ssid:     cfg.SSID,
		lifetime: cfg.Lifetime,
		binding:  cfg.Binding,
	}
	if !s.instances.Insert(inst) {
		return fmt.Errorf("%w: instance %d", datamodel.ErrObjectExists, cfg.IID)
	}
	return nil
}

// OID implements datamodel.Object.
func (s *ServerObject) OID() datamodel.OID { return datamodel.OIDServer }

// Version implements datamodel.Object.
func (s *ServerObject) Version() string { return "" }

// ListInstances implements datamodel.Object.
func (s *ServerObject) ListInstances(ctx context.Context) ([]datamodel.IID, error) {
	out := make([]datamodel.IID, 0, s.instances.Len())
	for i := 0; i < s.instances.Len(); i++ {
		out = append(out, s.instances.At(i).iid)
	}
	return out, nil
}

// ListResources implements datamodel.Object.
func (s *ServerObject) ListResources(ctx context.Context, iid datamodel.IID) ([]datamodel.ResourceEntry, error) {
	if s.instances.Find(uint16(iid)) == nil {
		return nil, datamodel.ErrNotFound
	}
	return []datamodel.ResourceEntry{
		{RID: datamodel.RIDServerSSID, Kind: datamodel.ResourceR, Presence: datamodel.Present},
		{RID: datamodel.RIDServerLifetime, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
		{RID: datamodel.RIDServerBinding, Kind: datamodel.ResourceRW, Presence: datamodel.Present},
	}, nil
}

// ReadResource implements datamodel.Object.
func (s *ServerObject) ReadResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, out datamodel.OutputContext) error {
	inst := s.instances.Find(uint16(iid))
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case datamodel.RIDServerSSID:
		return out.ReturnInt(int64(inst.ssid))
	case datamodel.RIDServerLifetime:
		return out.ReturnInt(inst.lifetime)
	case datamodel.RIDServerBinding:
		return out.ReturnString(inst.binding)
	default:
		return datamodel.ErrNotFound
	}
}

// WriteResource implements datamodel.Object.
func (s *ServerObject) WriteResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, in datamodel.InputContext) error {
	inst := s.instances.Find(uint16(iid))
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case datamodel.RIDServerLifetime:
		v, err := in.Int()
		if err != nil {
			return err
		}
		if v <= 0 {
			return fmt.Errorf("%w: lifetime must be positive", datamodel.ErrBadRequest)
		}
		inst.lifetime = v
		return nil
	case datamodel.RIDServerBinding:
		v, err := in.String()
		if err != nil {
			return err
		}
		inst.binding = v
		return nil
	default:
		return datamodel.ErrMethodNotAllowed
	}
}

// RemoveInstance implements datamodel.InstanceRemover.
func (s *ServerObject) RemoveInstance(ctx context.Context, iid datamodel.IID) error {
	if !s.instances.Remove(uint16(iid)) {
		return datamodel.ErrNotFound
	}
	return nil
}

var (
	_ datamodel.Object          = (*ServerObject)(nil)
	_ datamodel.InstanceRemover = (*ServerObject)(nil)
)
