// Package metadata reads GCE instance and project metadata, caching each
// value in a small local file so that a shard's repeated reads (e.g. of its
// own zone) don't repeatedly hit the metadata server.
//
// Try the local cache file first; on a cache miss, issue the metadata HTTP
// request, and on success write the cache file before returning. Any HTTP
// error results in an empty string, never a panic or process exit —
// metadata is best-effort.
package metadata

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	gcemeta "cloud.google.com/go/compute/metadata"

	"github.com/tytso/xfstests-bld/go/sklog"
)

// DefaultCacheDir is where cached metadata values are stored, one small
// file per key, mirroring the GCE_STATE_DIR convention.
const DefaultCacheDir = "/var/lib/gce-xfstests"

// Client reads GCE metadata values with a local-file cache.
type Client struct {
	cacheDir string
	inner    *gcemeta.Client
}

// New returns a Client caching values under cacheDir. The directory is
// created lazily on first write.
func New(cacheDir string) *Client {
	return &Client{
		cacheDir: cacheDir,
		inner:    gcemeta.NewClient(nil),
	}
}

// cachedOrFetch returns the cached value for cacheFile if present, otherwise
// calls fetch, writes the result to the cache, and returns it. Returns ""
// if fetch fails.
func (c *Client) cachedOrFetch(cacheFile string, fetch func() (string, error)) string {
	path := filepath.Join(c.cacheDir, cacheFile)
	if b, err := os.ReadFile(path); err == nil {
		return string(b)
	}
	value, err := fetch()
	if err != nil {
		sklog.Warningf("metadata: failed to fetch %q: %s", cacheFile, err)
		return ""
	}
	value = strings.TrimSpace(value)
	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		sklog.Warningf("metadata: failed to create cache dir %q: %s", c.cacheDir, err)
		return value
	}
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		sklog.Warningf("metadata: failed to write cache file %q: %s", path, err)
	}
	return value
}

// InstanceAttribute returns an instance metadata attribute value (under
// instance/attributes/<name>), such as gs_bucket or gce_ltm_keep_dead_vm.
func (c *Client) InstanceAttribute(_ context.Context, name string) string {
	return c.cachedOrFetch("attr_"+name, func() (string, error) {
		return c.inner.InstanceAttributeValue(name)
	})
}

// Zone returns the short zone name (e.g. "us-central1-a") the current
// instance is running in.
func (c *Client) Zone(_ context.Context) string {
	full := c.cachedOrFetch("gce_zone", func() (string, error) {
		return c.inner.Zone()
	})
	parts := strings.Split(full, "/")
	return strings.TrimSpace(parts[len(parts)-1])
}

// InstanceID returns the numeric instance id of the current VM.
func (c *Client) InstanceID(_ context.Context) string {
	return c.cachedOrFetch("gce_id", func() (string, error) {
		return c.inner.InstanceID()
	})
}

// ProjectID returns the current GCE project id.
func (c *Client) ProjectID(_ context.Context) string {
	return c.cachedOrFetch("gce_proj_name", func() (string, error) {
		return c.inner.ProjectID()
	})
}

// GSBucket returns the gs_bucket instance attribute, the default results
// bucket for this appliance/LTM instance.
func (c *Client) GSBucket(ctx context.Context) string {
	return strings.TrimSpace(c.InstanceAttribute(ctx, "gs_bucket"))
}
