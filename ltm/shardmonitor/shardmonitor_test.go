package shardmonitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytso/xfstests-bld/go/exec"
	"github.com/tytso/xfstests-bld/go/gcecompute"
	"github.com/tytso/xfstests-bld/go/gcs"
	"github.com/tytso/xfstests-bld/go/now"
	"github.com/tytso/xfstests-bld/ltm/sharder"
)

func testPaths(t *testing.T) Paths {
	dir := t.TempDir()
	return Paths{
		LogFile:            filepath.Join(dir, "aa"),
		CmdLogFile:         filepath.Join(dir, "aa.cmdlog"),
		SerialOutputFile:   filepath.Join(dir, "aa.serial"),
		UnpackedResultsDir: filepath.Join(dir, "aa"),
	}
}

func TestDecodeExtraArgs(t *testing.T) {
	assert.Nil(t, decodeExtraArgs(""))
	assert.Equal(t, []string{"-g", "quick"}, decodeExtraArgs("LWcgcXVpY2s="))
}

func TestLaunchArgs_AssemblesFullCommandLine(t *testing.T) {
	m := New(Options{
		Shard: sharder.ShardSpec{
			InstanceName: "xfstests-ltm-20260101000000-aa",
			Zone:         "us-central1-a",
			TestFsCfg:    "ext4/4k",
			ExtraArgsB64: "LWcgcXVpY2s=",
		},
		GSBucket:     "my-bucket",
		BucketSubdir: "results",
		ImageProject: "my-project",
	}, Paths{}, nil, nil)

	assert.Equal(t, []string{
		"--instance-name", "xfstests-ltm-20260101000000-aa",
		"--gce-zone", "us-central1-a",
		"--gs-bucket", "my-bucket",
		"--bucket-subdir", "results",
		"--image-project", "my-project",
		"-c", "ext4/4k",
		"-g", "quick",
	}, m.launchArgs())
}

func TestRun_PopulatesResultLaunchArgsEvenOnStartFailure(t *testing.T) {
	paths := testPaths(t)
	compute := gcecompute.NewFakeClient()
	storage := gcs.NewMemoryClient()

	ctx := exec.WithRunner(context.Background(), &exec.CommandCollector{
		RunFn: func(*exec.Command) error { return assert.AnError },
	})

	m := New(Options{
		Shard: sharder.ShardSpec{
			ID: "aa", InstanceName: "inst", Zone: "us-central1-a",
			TestFsCfg: "ext4/4k", RunID: "20260101000000",
		},
		GSBucket: "my-bucket",
	}, paths, compute, storage)
	result := m.Run(ctx)

	assert.Equal(t, OutcomeStartFailed, result.Outcome)
	assert.Equal(t, []string{
		"--instance-name", "inst",
		"--gce-zone", "us-central1-a",
		"--gs-bucket", "my-bucket",
		"-c", "ext4/4k",
	}, result.LaunchArgs)
}

func TestRun_StartFailure_ProducesStartFailedOutcome(t *testing.T) {
	paths := testPaths(t)
	compute := gcecompute.NewFakeClient()
	storage := gcs.NewMemoryClient()

	ctx := exec.WithRunner(context.Background(), &exec.CommandCollector{
		RunFn: func(*exec.Command) error { return assert.AnError },
	})

	m := New(Options{Shard: sharder.ShardSpec{ID: "aa", InstanceName: "inst", RunID: "20260101000000"}}, paths, compute, storage)
	result := m.Run(ctx)

	assert.Equal(t, OutcomeStartFailed, result.Outcome)
	assert.False(t, result.HasResultsDir)
}

func TestMonitor_InstanceGoneImmediately_CompletesWithoutWedge(t *testing.T) {
	paths := testPaths(t)
	compute := gcecompute.NewFakeClient() // no instance registered: GetInstance -> ErrInstanceNotFound
	storage := gcs.NewMemoryClient()

	ctx := exec.WithRunner(context.Background(), &exec.CommandCollector{})
	m := New(Options{Shard: sharder.ShardSpec{ID: "aa", InstanceName: "inst", Zone: "us-central1-a", RunID: "20260101000000"}}, paths, compute, storage)

	outcome, timedOut := m.monitor(ctx)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.False(t, timedOut)
}

func TestMonitor_WedgeTimeout_ForceDeletesByDefault(t *testing.T) {
	paths := testPaths(t)
	compute := gcecompute.NewFakeClient()
	compute.AddInstance("us-central1-a", "inst", "RUNNING")
	storage := gcs.NewMemoryClient()

	ctx := exec.WithRunner(context.Background(), &exec.CommandCollector{})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tickCount := 0
	ctx = now.SetProvider(ctx, func() time.Time {
		tickCount++
		if tickCount == 1 {
			return start
		}
		// second call (after the first tick) jumps past the wedge timeout
		return start.Add(wedgeTimeout + time.Second)
	})
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	m := New(Options{
		Shard:        sharder.ShardSpec{ID: "aa", InstanceName: "inst", Zone: "us-central1-a", RunID: "20260101000000"},
		PollInterval: time.Millisecond,
	}, paths, compute, storage)
	outcome, timedOut := m.monitor(ctx)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.True(t, timedOut)
	assert.Contains(t, compute.Deleted, "us-central1-a/inst")
}

func TestMonitor_WedgeTimeout_KeepDeadVM(t *testing.T) {
	paths := testPaths(t)
	compute := gcecompute.NewFakeClient()
	compute.AddInstance("us-central1-a", "inst", "RUNNING")
	storage := gcs.NewMemoryClient()

	ctx := exec.WithRunner(context.Background(), &exec.CommandCollector{})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tickCount := 0
	ctx = now.SetProvider(ctx, func() time.Time {
		tickCount++
		if tickCount == 1 {
			return start
		}
		return start.Add(wedgeTimeout + time.Second)
	})
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	m := New(Options{
		Shard:        sharder.ShardSpec{ID: "aa", InstanceName: "inst", Zone: "us-central1-a", RunID: "20260101000000"},
		KeepDeadVM:   true,
		PollInterval: time.Millisecond,
	}, paths, compute, storage)
	outcome, _ := m.monitor(ctx)

	assert.Equal(t, OutcomeWedged, outcome)
	assert.Empty(t, compute.Deleted)
}

// gappyCompute reports serial output as starting no earlier than
// firstRetained, the way the console API does once older output has been
// discarded.
type gappyCompute struct {
	*gcecompute.FakeClient
	firstRetained int64
}

func (g *gappyCompute) GetSerialPortOutput(ctx context.Context, zone, name string, start int64) (*gcecompute.SerialPortOutput, error) {
	if start < g.firstRetained {
		start = g.firstRetained
	}
	return g.FakeClient.GetSerialPortOutput(ctx, zone, name, start)
}

func TestStreamSerial_AnnotatesGapAndAdvancesOffset(t *testing.T) {
	paths := testPaths(t)
	compute := gcecompute.NewFakeClient()
	compute.AddInstance("us-central1-a", "inst", "RUNNING")
	compute.AppendSerial("us-central1-a", "inst", "0123456789")
	storage := gcs.NewMemoryClient()

	gappy := &gappyCompute{FakeClient: compute}
	m := New(Options{Shard: sharder.ShardSpec{ID: "aa"}}, paths, gappy, storage)

	var offset int64
	m.streamSerial(context.Background(), "us-central1-a", "inst", &offset)
	assert.Equal(t, int64(10), offset)

	// Simulate a gap: jump the fake's serial contents forward without the
	// monitor having read the middle, with bytes before offset 10 no longer
	// retained, then read again from a stale offset.
	compute.Serial["us-central1-a/inst"] = compute.Serial["us-central1-a/inst"] + "abcde"
	gappy.firstRetained = 10
	offset = 3 // pretend we'd only consumed up to byte 3
	m.streamSerial(context.Background(), "us-central1-a", "inst", &offset)

	contents, err := os.ReadFile(paths.SerialOutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "!=====Missing data from 3 to 10=====!")
}

func TestFinish_NoResultsBlob_FallsBackToSerialOnly(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.WriteFile(paths.SerialOutputFile, []byte("serial dump"), 0644))
	storage := gcs.NewMemoryClient()

	m := New(Options{
		Shard:               sharder.ShardSpec{ID: "aa", RunID: "20260101000000"},
		GSBucket:            "bucket",
		ResultsPollInterval: time.Millisecond,
	}, paths, gcecompute.NewFakeClient(), storage)
	result := m.finish(context.Background(), OutcomeCompleted, false)

	assert.False(t, result.HasResultsDir)
	assert.True(t, result.HasSerialFile)
}

func TestFinish_StartFailed_OnlyChecksSerialFile(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.WriteFile(paths.SerialOutputFile, []byte("partial"), 0644))

	m := New(Options{Shard: sharder.ShardSpec{ID: "aa"}}, paths, gcecompute.NewFakeClient(), gcs.NewMemoryClient())
	result := m.finish(context.Background(), OutcomeStartFailed, false)

	assert.Equal(t, OutcomeStartFailed, result.Outcome)
	assert.True(t, result.HasSerialFile)
	assert.False(t, result.HasResultsDir)
}
