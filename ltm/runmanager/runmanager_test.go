package runmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytso/xfstests-bld/go/exec"
	"github.com/tytso/xfstests-bld/go/gcecompute"
	"github.com/tytso/xfstests-bld/go/gcs"
	"github.com/tytso/xfstests-bld/go/ltmconfig"
	"github.com/tytso/xfstests-bld/go/runid"
	"github.com/tytso/xfstests-bld/ltm/shardmonitor"
)

func buildCatalog(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mkFile := func(rel, contents string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
	mkFile("fs/ext4/cfg/4k", "")
	mkFile("fs/ext4/cfg/1k", "")
	return root
}

func testDeps(t *testing.T) (Deps, *gcecompute.FakeClient, *gcs.MemoryClient) {
	fake := gcecompute.NewFakeClient()
	fake.UpRegions = []string{"us-central1"}
	fake.Quotas["us-central1"] = &gcecompute.RegionQuota{Region: "us-central1", Zone: "us-central1-a", AvailableCPUs: 20, AvailableIPs: 10}
	storage := gcs.NewMemoryClient()

	deps := Deps{
		Compute:       fake,
		Storage:       storage,
		Allocator:     runid.New(filepath.Join(t.TempDir(), "runid")),
		User:          "testuser",
		OwnZone:       "us-central1-a",
		ProjectID:     "my-project",
		GSBucket:      "my-bucket",
		CatalogRoot:   buildCatalog(t),
		DefaultFstype: "ext4",
		LogRoot:       t.TempDir(),
	}
	return deps, fake, storage
}

func TestNew_AllocatesIDAndShardsTheInvocation(t *testing.T) {
	deps, _, _ := testDeps(t)
	run, err := New(context.Background(), deps, "-c ext4/4k,ext4/1k -g quick", Options{})
	require.NoError(t, err)

	assert.Len(t, run.ID, 14)
	assert.DirExists(t, run.LogDirPath)

	info := run.GetInfo()
	assert.Equal(t, run.ID, info.ID)
	assert.Equal(t, 2, info.NumShards)
	assert.Equal(t, "aa", info.ShardInfo[0].ShardID)
	assert.Equal(t, "ab", info.ShardInfo[1].ShardID)
}

func TestNew_UnresolvableConfigElementYieldsZeroShards(t *testing.T) {
	deps, _, _ := testDeps(t)
	run, err := New(context.Background(), deps, "-c nonexistent/bogus", Options{})
	// an unresolvable catalog element silently drops rather than erroring
	// at parse time, so this should still succeed with zero fsconfigs and
	// zero shards rather than fail construction.
	require.NoError(t, err)
	assert.Equal(t, 0, run.GetInfo().NumShards)
}

// collectingRunner fakes tar/xz as successful no-ops while recording what
// was asked of it, so runSync's aggregation logic can be exercised without
// shelling out. For tar it leaves an empty archive at the "-cf" path, since
// packAndUpload opens that file before running xz.
type collectingRunner struct {
	commands []exec.Command
}

func (c *collectingRunner) Run(_ context.Context, cmd *exec.Command) error {
	c.commands = append(c.commands, *cmd)
	if cmd.Name == "tar" {
		for i, a := range cmd.Args {
			if a == "-cf" && i+1 < len(cmd.Args) {
				return os.WriteFile(cmd.Args[i+1], nil, 0644)
			}
		}
	}
	return nil
}

func TestRunSync_AggregatesShardArtifactsAndUploadsBundle(t *testing.T) {
	deps, _, storage := testDeps(t)
	run, err := New(context.Background(), deps, "-c ext4/4k,ext4/1k -g quick", Options{})
	require.NoError(t, err)

	// Pre-populate each shard's "unpacked results" directory (no instance is
	// ever registered with the fake compute client, so monitor() 404s
	// immediately and never actually shells out to unpack anything) and seed
	// a matching results blob so finish() finds it on its first poll.
	for _, spec := range run.shards {
		dir := filepath.Join(run.LogDirPath, spec.ID)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "kernel_version"), []byte("6.1.0-test\n"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "summary"), []byte("all tests passed\n"), 0644))
		blobName := "results/results." + deps.User + "-" + run.ID + "-" + spec.ID + ".tar.xz"
		storage.PutString(blobName, "fake bundle")
	}

	ctx := exec.WithRunner(context.Background(), &collectingRunner{})
	run.runSync(ctx)

	names, err := storage.ListBlobs(context.Background(), "results/")
	require.NoError(t, err)
	assert.NotEmpty(t, names)

	_, err = os.Stat(run.AggResultsDir)
	assert.True(t, os.IsNotExist(err), "aggregate dir should be cleaned up after finish")
}

func TestCreateLTMInfo_IncludesAssembledLaunchCommandLine(t *testing.T) {
	deps, _, _ := testDeps(t)
	run, err := New(context.Background(), deps, "-c ext4/4k", Options{})
	require.NoError(t, err)
	require.Len(t, run.shards, 1)

	spec := run.shards[0]
	outcome := shardOutcome{
		spec:  spec,
		paths: run.shardPaths(spec),
		result: &shardmonitor.Result{
			HasResultsDir: true,
			LaunchArgs:    []string{"--instance-name", spec.InstanceName, "-c", spec.TestFsCfg},
		},
	}

	run.createLTMInfo([]shardOutcome{outcome})

	contents, err := os.ReadFile(filepath.Join(run.AggResultsDir, "ltm-info"))
	require.NoError(t, err)
	assert.Contains(t, string(contents),
		"gce command executed: gce-xfstests --instance-name "+spec.InstanceName+" -c "+spec.TestFsCfg)
}

func TestEffectiveBucketSubdir_PrefersOptionThenConfigThenDefault(t *testing.T) {
	deps, _, _ := testDeps(t)
	run, err := New(context.Background(), deps, "-c ext4/4k", Options{})
	require.NoError(t, err)

	assert.Equal(t, "results", run.effectiveBucketSubdir())

	run.deps.Config = &ltmconfig.Config{BucketSubdir: "from-config"}
	assert.Equal(t, "from-config", run.effectiveBucketSubdir())

	run.opts.BucketSubdir = "custom"
	assert.Equal(t, "custom", run.effectiveBucketSubdir())
}

func TestBlobNameFromGSURI(t *testing.T) {
	assert.Equal(t, "kernels/foo.deb", blobNameFromGSURI("gs://my-bucket/kernels/foo.deb", "my-bucket"))
	assert.Equal(t, "", blobNameFromGSURI("gs://other-bucket/kernels/foo.deb", "my-bucket"))
}
