package datamodel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
)

// MockObject is a scriptable Object implementation used in tests across
// the module. Instances, resources and values are plain exported fields
// so fixtures can be declared literally.
type MockObject struct {
	ID  OID
	Ver string

	// Instances are reported by ListInstances in sorted order.
	Instances []IID

	// Resources maps IID to the resource entries reported for it.
	Resources map[IID][]ResourceEntry

	// ResourceInstances maps IID and RID to the RIIDs reported for a
	// multiple resource.
	ResourceInstances map[IID]map[RID][]RIID

	// Values maps a path to the value returned by ReadResource. Supported
	// types: int64, bool, float64, string, []byte.
	Values map[Path]interface{}

	// Written records every WriteResource call.
	Written map[Path]interface{}

	// FailListInstances makes ListInstances fail, for error-path tests.
	FailListInstances error
}

// NewMockObject creates a MockObject with the given instances.
func NewMockObject(oid OID, iids ...IID) *MockObject {
	sort.Slice(iids, func(i, j int) bool { return iids[i] < iids[j] })
	return &MockObject{
		ID:                oid,
		Instances:         iids,
		Resources:         make(map[IID][]ResourceEntry),
		ResourceInstances: make(map[IID]map[RID][]RIID),
		Values:            make(map[Path]interface{}),
		Written:           make(map[Path]interface{}),
	}
}

// SetResources declares the resource set of an instance.
func (m *MockObject) SetResources(iid IID, entries ...ResourceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].RID < entries[j].RID })
	m.Resources[iid] = entries
}

// SetResourceInstances declares the instance set of a multiple resource.
func (m *MockObject) SetResourceInstances(iid IID, rid RID, riids ...RIID) {
	sort.Slice(riids, func(i, j int) bool { return riids[i] < riids[j] })
	if m.ResourceInstances[iid] == nil {
		m.ResourceInstances[iid] = make(map[RID][]RIID)
	}
	m.ResourceInstances[iid][rid] = riids
}

// AddInstance inserts an instance ID keeping the list sorted.
func (m *MockObject) AddInstance(iid IID) {
	m.Instances = append(m.Instances, iid)
	sort.Slice(m.Instances, func(i, j int) bool { return m.Instances[i] < m.Instances[j] })
}

// RemoveInstanceID deletes an instance ID from the reported list.
func (m *MockObject) RemoveInstanceID(iid IID) {
	for i, id := range m.Instances {
		if id == iid {
			m.Instances = append(m.Instances[:i], m.Instances[i+1:]...)
			return
		}
	}
}

func (m *MockObject) OID() OID        { return m.ID }
func (m *MockObject) Version() string { return m.Ver }

func (m *MockObject) ListInstances(ctx context.Context) ([]IID, error) {
	if m.FailListInstances != nil {
		return nil, m.FailListInstances
	}
	return m.Instances, nil
}

func (m *MockObject) ListResources(ctx context.Context, iid IID) ([]ResourceEntry, error) {
	return m.Resources[iid], nil
}

func (m *MockObject) ListResourceInstances(ctx context.Context, iid IID, rid RID) ([]RIID, error) {
	if byRID := m.ResourceInstances[iid]; byRID != nil {
		return byRID[rid], nil
	}
	return nil, nil
}

func (m *MockObject) ReadResource(ctx context.Context, iid IID, rid RID, riid RIID, out OutputContext) error {
	v, ok := m.Values[Path{OID: m.ID, IID: iid, RID: rid, RIID: riid}]
	if !ok {
		return ErrNotFound
	}
	switch val := v.(type) {
	case int64:
		return out.ReturnInt(val)
	case int:
		return out.ReturnInt(int64(val))
	case bool:
		return out.ReturnBool(val)
	case float64:
		return out.ReturnFloat(val)
	case string:
		return out.ReturnString(val)
	case []byte:
		return out.ReturnBytes(val)
	default:
		return fmt.Errorf("%w: unsupported mock value %T", ErrInternal, v)
	}
}

func (m *MockObject) WriteResource(ctx context.Context, iid IID, rid RID, riid RIID, in InputContext) error {
	raw, err := in.Bytes()
	if err != nil {
		return err
	}
	m.Written[Path{OID: m.ID, IID: iid, RID: rid, RIID: riid}] = raw
	return nil
}

var (
	_ Object                 = (*MockObject)(nil)
	_ ResourceInstanceLister = (*MockObject)(nil)
)

// StaticInput is an InputContext backed by a fixed value.
type StaticInput struct {
	Value interface{}
}

// NewInput wraps a value in an InputContext. Supported types: int64, int,
// bool, float64, string, []byte.
func NewInput(v interface{}) *StaticInput { return &StaticInput{Value: v} }

func (s *StaticInput) Int() (int64, error) {
	switch v := s.Value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	}
	return 0, ErrBadRequest
}

func (s *StaticInput) Float() (float64, error) {
	if v, ok := s.Value.(float64); ok {
		return v, nil
	}
	if v, err := s.Int(); err == nil {
		return float64(v), nil
	}
	return 0, ErrBadRequest
}

func (s *StaticInput) Bool() (bool, error) {
	if v, ok := s.Value.(bool); ok {
		return v, nil
	}
	return false, ErrBadRequest
}

func (s *StaticInput) String() (string, error) {
	if v, ok := s.Value.(string); ok {
		return v, nil
	}
	return "", ErrBadRequest
}

func (s *StaticInput) Bytes() ([]byte, error) {
	switch v := s.Value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, ErrBadRequest
}

func (s *StaticInput) Reader() (io.Reader, error) {
	raw, err := s.Bytes()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

// CaptureOutput is an OutputContext recording whatever the resource
// handler returned.
type CaptureOutput struct {
	Value interface{}
}

func (c *CaptureOutput) ReturnInt(v int64) error     { c.Value = v; return nil }
func (c *CaptureOutput) ReturnFloat(v float64) error { c.Value = v; return nil }
func (c *CaptureOutput) ReturnBool(v bool) error     { c.Value = v; return nil }
func (c *CaptureOutput) ReturnString(v string) error { c.Value = v; return nil }
func (c *CaptureOutput) ReturnBytes(v []byte) error  { c.Value = v; return nil }
func (c *CaptureOutput) ReturnObjlnk(oid OID, iid IID) error {
	c.Value = MakeInstancePath(oid, iid)
	return nil
}

var (
	_ InputContext  = (*StaticInput)(nil)
	_ OutputContext = (*CaptureOutput)(nil)
)
