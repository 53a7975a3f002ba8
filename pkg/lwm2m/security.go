package lwm2m

import (
	"context"
	"fmt"
	"net/url"

	"github.com/backkem/lwm2m/pkg/datamodel"
	"github.com/backkem/lwm2m/pkg/fwupdate"
)

// SecurityInstanceConfig describes one Security (/0) object instance.
type SecurityInstanceConfig struct {
	IID       datamodel.IID
	ServerURI string

	// Bootstrap marks the Bootstrap Server instance; such an instance
	// carries no SSID.
	Bootstrap bool

	// SSID links this instance to a Server object instance. Ignored for
	// the Bootstrap Server.
	SSID datamodel.SSID

	// PSKIdentity and PSKKey hold pre-shared-key credentials, also used
	// to secure firmware pull downloads from the same host.
	PSKIdentity []byte
	PSKKey      []byte
}

type securityInstance struct {
	iid         datamodel.IID
	serverURI   string
	bootstrap   bool
	ssid        datamodel.SSID
	pskIdentity []byte
	pskKey      []byte
}

func (i securityInstance) Key() uint16 { return uint16(i.iid) }

// SecurityObject is the built-in Security (/0) object. Its SSID and
// Bootstrap-Server resources drive attribute reconciliation; its
// credentials back the default firmware download security resolver.
type SecurityObject struct {
	instances datamodel.KeyList[securityInstance]
}

// NewSecurityObject creates an empty Security object.
func NewSecurityObject() *SecurityObject {
	return &SecurityObject{}
}

// AddInstance adds a security instance.
func (s *SecurityObject) AddInstance(cfg SecurityInstanceConfig) error {
	if !cfg.Bootstrap && (cfg.SSID == datamodel.SSIDAny || cfg.SSID == datamodel.SSIDBootstrap) {
		return fmt.Errorf("%w: SSID %d is reserved", datamodel.ErrBadRequest, cfg.SSID)
	}
	inst := &securityInstance{
		iid:         cfg.IID,
		serverURI:   cfg.ServerURI,
		bootstrap:   cfg.Bootstrap,
		ssid:        cfg.SSID,
		pskIdentity: append([]byte(nil), cfg.PSKIdentity...),
		pskKey:      append([]byte(nil), cfg.PSKKey...),
	}
	if !s.instances.Insert(inst) {
		return fmt.Errorf("%w: instance %d", datamodel.ErrObjectExists, cfg.IID)
	}
	return nil
}

// OID implements datamodel.Object.
func (s *SecurityObject) OID() datamodel.OID { return datamodel.OIDSecurity }

// Version implements datamodel.Object.
func (s *SecurityObject) Version() string { return "" }

// ListInstances implements datamodel.Object.
func (s *SecurityObject) ListInstances(ctx context.Context) ([]datamodel.IID, error) {
	out := make([]datamodel.IID, 0, s.instances.Len())
	for i := 0; i < s.instances.Len(); i++ {
		out = append(out, s.instances.At(i).iid)
	}
	return out, nil
}

// ListResources implements datamodel.Object.
func (s *SecurityObject) ListResources(ctx context.Context, iid datamodel.IID) ([]datamodel.ResourceEntry, error) {
	if s.instances.Find(uint16(iid)) == nil {
		return nil, datamodel.ErrNotFound
	}
	return []datamodel.ResourceEntry{
		{RID: datamodel.RIDSecurityServerURI, Kind: datamodel.ResourceBS, Presence: datamodel.Present},
		{RID: datamodel.RIDSecurityBootstrapServer, Kind: datamodel.ResourceBS, Presence: datamodel.Present},
		{RID: datamodel.RIDSecurityPKOrIdentity, Kind: datamodel.ResourceBS, Presence: datamodel.Present},
		{RID: datamodel.RIDSecuritySecretKey, Kind: datamodel.ResourceBS, Presence: datamodel.Present},
		{RID: datamodel.RIDSecuritySSID, Kind: datamodel.ResourceBS, Presence: datamodel.Present},
	}, nil
}

// ReadResource implements datamodel.Object. The Bootstrap Server
// instance has no SSID resource value.
func (s *SecurityObject) ReadResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, out datamodel.OutputContext) error {
	inst := s.instances.Find(uint16(iid))
	if inst == nil {
		return datamodel.ErrNotFound
	}
	switch rid {
	case datamodel.RIDSecurityServerURI:
		return out.ReturnString(inst.serverURI)
	case datamodel.RIDSecurityBootstrapServer:
		return out.ReturnBool(inst.bootstrap)
	case datamodel.RIDSecurityPKOrIdentity:
		return out.ReturnBytes(inst.pskIdentity)
	case datamodel.RIDSecuritySecretKey:
		return out.ReturnBytes(inst.pskKey)
	case datamodel.RIDSecuritySSID:
		if inst.bootstrap {
			return datamodel.ErrNotFound
		}
		return out.ReturnInt(int64(inst.ssid))
	default:
		return datamodel.ErrNotFound
	}
}

// WriteResource implements datamodel.Object. The Security object is
// writable only through the bootstrap interface, which is out of scope
// here; host configuration goes through AddInstance.
func (s *SecurityObject) WriteResource(ctx context.Context, iid datamodel.IID, rid datamodel.RID, riid datamodel.RIID, in datamodel.InputContext) error {
	return datamodel.ErrMethodNotAllowed
}

// RemoveInstance implements datamodel.InstanceRemover.
func (s *SecurityObject) RemoveInstance(ctx context.Context, iid datamodel.IID) error {
	if !s.instances.Remove(uint16(iid)) {
		return datamodel.ErrNotFound
	}
	return nil
}

// SecurityConfigForURI resolves download security material for a
// secured URI: the credentials of the security instance whose Server
// URI points at the same host.
func (s *SecurityObject) SecurityConfigForURI(uri string) (*fwupdate.SecurityConfig, error) {
	target, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datamodel.ErrBadRequest, err)
	}
	for i := 0; i < s.instances.Len(); i++ {
		inst := s.instances.At(i)
		server, err := url.Parse(inst.serverURI)
		if err != nil {
			continue
		}
		if server.Hostname() != "" && server.Hostname() == target.Hostname() && len(inst.pskKey) > 0 {
			return &fwupdate.SecurityConfig{
				PSKIdentity: append([]byte(nil), inst.pskIdentity...),
				PSKKey:      append([]byte(nil), inst.pskKey...),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: no security configuration for %q", datamodel.ErrNotFound, uri)
}

var (
	_ datamodel.Object          = (*SecurityObject)(nil)
	_ datamodel.InstanceRemover = (*SecurityObject)(nil)
)
