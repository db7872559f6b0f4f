// Package gcs is a small object-storage client abstraction over a single
// named bucket, covering exactly the operations the LTM needs: list a
// blob prefix, download a blob as a string, upload a blob from a local
// file, and delete a blob. The interface shape is grounded on
// go.skia.org/infra/go/gcs's GCSClient (see go/gcs/storage_test.go), but
// narrowed to this module's bucket-scoped usage.
package gcs

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/tytso/xfstests-bld/go/skerr"
)

// Client is the object storage contract the rest of the LTM depends on.
// A real implementation is backed by a single cloud.google.com/go/storage
// bucket handle; MemoryClient is an in-process fake for tests.
type Client interface {
	// BucketExists reports whether the configured bucket can be looked up.
	BucketExists(ctx context.Context) (bool, error)

	// ListBlobs returns the names of every blob whose name has the given
	// prefix.
	ListBlobs(ctx context.Context, prefix string) ([]string, error)

	// DownloadString returns the full contents of a blob as a string.
	DownloadString(ctx context.Context, name string) (string, error)

	// UploadFile uploads the contents of localPath to a blob named name.
	UploadFile(ctx context.Context, name string, localPath string) error

	// DeleteBlob deletes a single blob. Deleting a blob that does not exist
	// is not an error.
	DeleteBlob(ctx context.Context, name string) error
}

// RealClient is a Client backed by a live cloud.google.com/go/storage
// bucket.
type RealClient struct {
	bucket *storage.BucketHandle
}

// NewRealClient constructs a RealClient for the named bucket using
// application-default credentials.
func NewRealClient(ctx context.Context, bucketName string) (*RealClient, error) {
	sc, err := storage.NewClient(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "creating storage client")
	}
	return &RealClient{bucket: sc.Bucket(bucketName)}, nil
}

// BucketExists implements Client.
func (c *RealClient) BucketExists(ctx context.Context) (bool, error) {
	_, err := c.bucket.Attrs(ctx)
	if err == storage.ErrBucketNotExist {
		return false, nil
	}
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return true, nil
}

// ListBlobs implements Client.
func (c *RealClient) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := c.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, skerr.Wrapf(err, "listing blobs with prefix %q", prefix)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// DownloadString implements Client.
func (c *RealClient) DownloadString(ctx context.Context, name string) (string, error) {
	r, err := c.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return "", skerr.Wrapf(err, "opening reader for blob %q", name)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return "", skerr.Wrapf(err, "reading blob %q", name)
	}
	return string(b), nil
}

// UploadFile implements Client.
func (c *RealClient) UploadFile(ctx context.Context, name string, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return skerr.Wrapf(err, "opening local file %q", localPath)
	}
	defer f.Close()
	w := c.bucket.Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return skerr.Wrapf(err, "uploading to blob %q", name)
	}
	return skerr.Wrap(w.Close())
}

// DeleteBlob implements Client.
func (c *RealClient) DeleteBlob(ctx context.Context, name string) error {
	err := c.bucket.Object(name).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return nil
	}
	return skerr.Wrap(err)
}

// MemoryClient is an in-memory fake implementing Client, grounded on
// go.skia.org/infra/go/gcs's MemoryGCSClient (go/gcs/storage_test.go),
// used by component tests that exercise shard result ingestion and
// aggregate upload without live cloud credentials.
type MemoryClient struct {
	mu      sync.Mutex
	exists  bool
	objects map[string][]byte
}

// NewMemoryClient returns an empty MemoryClient whose bucket is considered
// to exist.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{exists: true, objects: map[string][]byte{}}
}

// BucketExists implements Client.
func (m *MemoryClient) BucketExists(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists, nil
}

// SetBucketExists lets tests simulate a missing bucket.
func (m *MemoryClient) SetBucketExists(exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = exists
}

// ListBlobs implements Client.
func (m *MemoryClient) ListBlobs(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DownloadString implements Client.
func (m *MemoryClient) DownloadString(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[name]
	if !ok {
		return "", skerr.Fmt("object %q does not exist", name)
	}
	return string(b), nil
}

// UploadFile implements Client.
func (m *MemoryClient) UploadFile(_ context.Context, name string, localPath string) error {
	b, err := os.ReadFile(localPath)
	if err != nil {
		return skerr.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = b
	return nil
}

// DeleteBlob implements Client.
func (m *MemoryClient) DeleteBlob(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

// PutString is a test helper that seeds a blob's contents directly.
func (m *MemoryClient) PutString(name, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = []byte(contents)
}
