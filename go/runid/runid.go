// Package runid allocates globally-unique, 14-digit timestamp run ids
// (YYYYMMDDhhmmss).
//
// A single process hands out ids for every concurrent shard launch, so a
// process-wide mutex serializes allocation instead of a cross-process file
// lock; the on-disk file is kept only so the last-issued id survives a
// restart.
package runid

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/tytso/xfstests-bld/go/now"
	"github.com/tytso/xfstests-bld/go/skerr"
)

// DefaultPersistPath is the well-known location of the last-issued-id file.
const DefaultPersistPath = "/tmp/ltm_id_lock"

const idLayout = "20060102150405"

// Allocator hands out run ids that are unique across every call made
// through the same Allocator, guaranteed by serializing all calls behind a
// mutex and refusing to return an id equal to the last one issued.
type Allocator struct {
	mu          sync.Mutex
	persistPath string
	lastIssued  string
}

// New returns an Allocator that persists its last-issued id to path, so a
// restarted process does not reissue an id still in use. If path already
// contains an id, it seeds lastIssued so the very next allocation cannot
// collide with a run from before the restart.
func New(path string) *Allocator {
	a := &Allocator{persistPath: path}
	if b, err := os.ReadFile(path); err == nil {
		a.lastIssued = strings.TrimSpace(string(b))
	}
	return a
}

// Allocate returns a new run id, spinning on the clock if necessary to
// guarantee it differs from the id previously issued by this Allocator.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := now.Now(ctx).Format(idLayout)
	for id == a.lastIssued {
		id = now.Now(ctx).Format(idLayout)
	}
	a.lastIssued = id

	if a.persistPath != "" {
		if err := os.WriteFile(a.persistPath, []byte(id), 0644); err != nil {
			return "", skerr.Wrapf(err, "persisting run id %q to %q", id, a.persistPath)
		}
	}
	return id, nil
}

// Parse validates that s looks like a 14-digit run id, returning an error
// otherwise. Used when a run id is threaded back in from an external
// source (e.g. a resumed run) rather than freshly allocated.
func Parse(s string) error {
	if len(s) != 14 {
		return skerr.Fmt("run id %q must be exactly 14 digits", s)
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return skerr.Fmt("run id %q must be numeric", s)
	}
	return nil
}
