package gcecompute

import (
	"context"
	"sync"
)

// FakeClient is an in-memory Client for tests, grounded on the same
// (region, zone, instance) shape as RealClient but backed by maps instead
// of live API calls.
type FakeClient struct {
	mu sync.Mutex

	// UpRegions is returned verbatim by ListUpRegions.
	UpRegions []string
	// Quotas maps region name to the quota RegionQuota should return.
	Quotas map[string]*RegionQuota
	// Instances maps "zone/name" to instance state.
	Instances map[string]*Instance

	// Serial maps "zone/name" to the full serial console contents ever
	// written; GetSerialPortOutput slices into it by offset.
	Serial map[string]string

	// Deleted records every zone/name deleted, in call order.
	Deleted []string
}

// NewFakeClient returns an empty FakeClient ready for a test to populate.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Quotas:    map[string]*RegionQuota{},
		Instances: map[string]*Instance{},
		Serial:    map[string]string{},
	}
}

func instKey(zone, name string) string {
	return zone + "/" + name
}

// ListUpRegions implements Client.
func (f *FakeClient) ListUpRegions(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.UpRegions))
	copy(out, f.UpRegions)
	return out, nil
}

// RegionQuota implements Client.
func (f *FakeClient) RegionQuota(ctx context.Context, region string) (*RegionQuota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.Quotas[region]
	if !ok {
		return nil, ErrRegionNotFound
	}
	cp := *q
	return &cp, nil
}

// GetInstance implements Client.
func (f *FakeClient) GetInstance(ctx context.Context, zone, name string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.Instances[instKey(zone, name)]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	cp.Metadata = map[string]string{}
	for k, v := range inst.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

// SetInstanceMetadataItem implements Client.
func (f *FakeClient) SetInstanceMetadataItem(ctx context.Context, zone, name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.Instances[instKey(zone, name)]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Metadata == nil {
		inst.Metadata = map[string]string{}
	}
	if _, exists := inst.Metadata[key]; exists {
		return nil
	}
	inst.Metadata[key] = value
	return nil
}

// DeleteInstance implements Client.
func (f *FakeClient) DeleteInstance(ctx context.Context, zone, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instKey(zone, name)
	if _, ok := f.Instances[key]; !ok {
		return nil
	}
	delete(f.Instances, key)
	f.Deleted = append(f.Deleted, key)
	return nil
}

// GetSerialPortOutput implements Client.
func (f *FakeClient) GetSerialPortOutput(ctx context.Context, zone, name string, start int64) (*SerialPortOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instKey(zone, name)
	if _, ok := f.Instances[key]; !ok {
		return nil, ErrInstanceNotFound
	}
	full := f.Serial[key]
	if start < 0 || start > int64(len(full)) {
		start = int64(len(full))
	}
	contents := full[start:]
	return &SerialPortOutput{Start: start, Next: int64(len(full)), Contents: contents}, nil
}

// AddInstance registers an instance in the given zone with the given
// initial status, for tests to then drive through state transitions.
func (f *FakeClient) AddInstance(zone, name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Instances[instKey(zone, name)] = &Instance{Name: name, Status: status, Metadata: map[string]string{}}
}

// SetStatus updates an already-registered instance's status.
func (f *FakeClient) SetStatus(zone, name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.Instances[instKey(zone, name)]; ok {
		inst.Status = status
	}
}

// AppendSerial appends to an instance's serial console contents.
func (f *FakeClient) AppendSerial(zone, name, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Serial[instKey(zone, name)] += text
}
