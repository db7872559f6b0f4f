// Package gcecompute wraps the subset of the GCE Compute Engine API the LTM
// needs: listing regions/zones and their quotas, and getting, deleting, and
// reading the serial console of a shard's instance.
package gcecompute

import (
	"context"
	"errors"
	"strings"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tytso/xfstests-bld/go/skerr"
)

// ErrInstanceNotFound is returned by GetInstance when the instance has
// already been deleted (or self-deleted after a successful upload).
var ErrInstanceNotFound = errors.New("gcecompute: instance not found")

// ErrRegionNotFound is returned by RegionQuota when the region has no UP
// zone (or, for the fake client, was never configured by a test).
var ErrRegionNotFound = errors.New("gcecompute: region not found")

// RegionQuota holds the per-region data the sharder needs: a selected
// zone reporting status UP, and the shard capacity implied by the CPU and
// external-IP quotas.
type RegionQuota struct {
	Region        string
	Zone          string
	AvailableCPUs int64
	AvailableIPs  int64
}

// CPUShards is the number of shards the CPU quota alone can support (each
// shard is assumed to consume 2 CPUs).
func (q RegionQuota) CPUShards() int64 {
	return q.AvailableCPUs / 2
}

// IPShards is the number of shards the external-IP quota alone can support.
func (q RegionQuota) IPShards() int64 {
	return q.AvailableIPs
}

// Capacity is the number of shards this region can support overall.
func (q RegionQuota) Capacity() int64 {
	c := q.CPUShards()
	if q.IPShards() < c {
		c = q.IPShards()
	}
	return c
}

// SerialPortOutput is the result of reading a slice of an instance's serial
// console, plus the offsets needed to detect gaps.
type SerialPortOutput struct {
	Start    int64
	Next     int64
	Contents string
}

// Instance is the subset of compute.Instance fields the shard monitor
// inspects.
type Instance struct {
	Name     string
	Status   string
	Metadata map[string]string
	Fingerprint string
}

// Client is the compute operations the LTM depends on.
type Client interface {
	// ListUpRegions returns every region in the project whose status is UP.
	ListUpRegions(ctx context.Context) ([]string, error)

	// RegionQuota returns quota information for a single region, including
	// a zone selected from among that region's UP zones. Returns an error
	// if the region has no UP zone.
	RegionQuota(ctx context.Context, region string) (*RegionQuota, error)

	// GetInstance fetches instance state. Returns ErrInstanceNotFound if the
	// instance does not exist.
	GetInstance(ctx context.Context, zone, name string) (*Instance, error)

	// SetInstanceMetadataItem adds a single metadata key/value to the
	// instance. A no-op if the key is already present, leaving any existing
	// value untouched.
	SetInstanceMetadataItem(ctx context.Context, zone, name, key, value string) error

	// DeleteInstance deletes an instance.
	DeleteInstance(ctx context.Context, zone, name string) error

	// GetSerialPortOutput reads serial console output starting at the given
	// byte offset.
	GetSerialPortOutput(ctx context.Context, zone, name string, start int64) (*SerialPortOutput, error)
}

// RealClient is a Client backed by the live Compute Engine API.
type RealClient struct {
	project string
	svc     *compute.Service
}

// NewRealClient constructs a RealClient for the given project using
// application-default credentials.
func NewRealClient(ctx context.Context, project string, opts ...option.ClientOption) (*RealClient, error) {
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, skerr.Wrapf(err, "creating compute service")
	}
	return &RealClient{project: project, svc: svc}, nil
}

// ListUpRegions implements Client.
func (c *RealClient) ListUpRegions(ctx context.Context) ([]string, error) {
	var regions []string
	call := c.svc.Regions.List(c.project)
	err := call.Pages(ctx, func(page *compute.RegionList) error {
		for _, r := range page.Items {
			if r.Status == "UP" {
				regions = append(regions, r.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "listing regions in project %q", c.project)
	}
	return regions, nil
}

// RegionQuota implements Client.
func (c *RealClient) RegionQuota(ctx context.Context, region string) (*RegionQuota, error) {
	r, err := c.svc.Regions.Get(c.project, region).Context(ctx).Do()
	if err != nil {
		return nil, skerr.Wrapf(err, "getting region %q", region)
	}

	var zone string
	for _, zoneURL := range r.Zones {
		zoneName := lastPathElement(zoneURL)
		z, err := c.svc.Zones.Get(c.project, zoneName).Context(ctx).Do()
		if err != nil {
			return nil, skerr.Wrapf(err, "getting zone %q", zoneName)
		}
		if z.Status == "UP" {
			zone = z.Name
		}
	}
	if zone == "" {
		return nil, skerr.Wrapf(ErrRegionNotFound, "region %q has no available zones", region)
	}

	var cpus, ips int64
	for _, q := range r.Quotas {
		switch q.Metric {
		case "CPUS":
			cpus = int64(q.Limit - q.Usage)
		case "IN_USE_ADDRESSES":
			ips = int64(q.Limit - q.Usage)
		}
	}
	return &RegionQuota{Region: region, Zone: zone, AvailableCPUs: cpus, AvailableIPs: ips}, nil
}

// GetInstance implements Client.
func (c *RealClient) GetInstance(ctx context.Context, zone, name string) (*Instance, error) {
	inst, err := c.svc.Instances.Get(c.project, zone, name).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, skerr.Wrapf(err, "getting instance %q in zone %q", name, zone)
	}
	md := map[string]string{}
	var fp string
	if inst.Metadata != nil {
		fp = inst.Metadata.Fingerprint
		for _, item := range inst.Metadata.Items {
			if item.Value != nil {
				md[item.Key] = *item.Value
			}
		}
	}
	return &Instance{Name: inst.Name, Status: inst.Status, Metadata: md, Fingerprint: fp}, nil
}

// SetInstanceMetadataItem implements Client.
func (c *RealClient) SetInstanceMetadataItem(ctx context.Context, zone, name, key, value string) error {
	inst, err := c.GetInstance(ctx, zone, name)
	if err != nil {
		return err
	}
	if _, exists := inst.Metadata[key]; exists {
		return nil
	}
	raw, err := c.svc.Instances.Get(c.project, zone, name).Context(ctx).Do()
	if err != nil {
		return skerr.Wrap(err)
	}
	items := raw.Metadata.Items
	items = append(items, &compute.MetadataItems{Key: key, Value: &value})
	_, err = c.svc.Instances.SetMetadata(c.project, zone, name, &compute.Metadata{
		Fingerprint: raw.Metadata.Fingerprint,
		Items:       items,
	}).Context(ctx).Do()
	return skerr.Wrap(err)
}

// DeleteInstance implements Client.
func (c *RealClient) DeleteInstance(ctx context.Context, zone, name string) error {
	_, err := c.svc.Instances.Delete(c.project, zone, name).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return skerr.Wrap(err)
	}
	return nil
}

// GetSerialPortOutput implements Client.
func (c *RealClient) GetSerialPortOutput(ctx context.Context, zone, name string, start int64) (*SerialPortOutput, error) {
	out, err := c.svc.Instances.GetSerialPortOutput(c.project, zone, name).Start(start).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, skerr.Wrap(err)
	}
	return &SerialPortOutput{Start: start, Next: out.Next, Contents: out.Contents}, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

func lastPathElement(url string) string {
	parts := strings.Split(url, "/")
	return parts[len(parts)-1]
}
