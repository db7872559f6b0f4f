// Package shardmonitor drives one shard's remote VM from launch to
// completion: runs the external launch command, polls serial console and
// instance status every 60 seconds with wedge detection, and finishes by
// fetching results from object storage or falling back to the serial
// dump.
package shardmonitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tytso/xfstests-bld/go/exec"
	"github.com/tytso/xfstests-bld/go/gcecompute"
	"github.com/tytso/xfstests-bld/go/gcs"
	"github.com/tytso/xfstests-bld/go/now"
	"github.com/tytso/xfstests-bld/go/skerr"
	"github.com/tytso/xfstests-bld/go/sklog"
	"github.com/tytso/xfstests-bld/go/util"
	"github.com/tytso/xfstests-bld/ltm/sharder"
)

// wedgeTimeout is how long an instance's status can go unchanged before
// it is considered wedged.
const wedgeTimeout = 3600 * time.Second

// pollInterval is the monitor loop's cadence.
const pollInterval = 60 * time.Second

// resultsPollInterval and resultsPollAttempts bound how long finish()
// waits for the results tarball to appear in object storage.
const (
	resultsPollInterval = 5 * time.Second
	resultsPollAttempts = 5
)

// Outcome is the three-way tagged result of monitoring a shard.
type Outcome int

const (
	// OutcomeCompleted means the instance disappeared (self-deleted after
	// upload) or was force-deleted after a wedge timeout.
	OutcomeCompleted Outcome = iota
	// OutcomeWedged means the instance was wedged and keep_dead_vm left it
	// running rather than force-deleting it.
	OutcomeWedged
	// OutcomeStartFailed means the launch command exited non-zero.
	OutcomeStartFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeWedged:
		return "wedged"
	case OutcomeStartFailed:
		return "start_failed"
	default:
		return "unknown"
	}
}

// Paths collects the filesystem locations a Monitor reads and writes.
type Paths struct {
	LogFile            string
	CmdLogFile         string
	SerialOutputFile   string
	UnpackedResultsDir string
}

// Result is what a Monitor reports once its shard is finished: whether it
// produced a results directory, a serial dump, both, or neither, and
// whether the VM timed out.
type Result struct {
	Outcome       Outcome
	HasResultsDir bool
	HasSerialFile bool
	VMTimedOut    bool
	LaunchArgs    []string
}

// Options configures a single shard run: the assembled gce-xfstests
// command line plus the knobs that vary per shard.
type Options struct {
	Shard         sharder.ShardSpec
	GSBucket      string
	BucketSubdir  string
	ImageProject  string
	LaunchCommand string // defaults to "gce-xfstests"
	GetResultsCmd string // defaults to "gce-xfstests"
	KeepDeadVM    bool
	ResultsName   string // base name used to match "results.<name>*" blobs

	// PollInterval and ResultsPollInterval override the monitor loop's and
	// the results-lookup's cadence; zero means the production defaults
	// (60s, 5s). Only tests need to shorten these.
	PollInterval        time.Duration
	ResultsPollInterval time.Duration
}

// Monitor runs one shard end to end.
type Monitor struct {
	opts    Options
	paths   Paths
	compute gcecompute.Client
	storage gcs.Client
}

// New constructs a Monitor for a single shard.
func New(opts Options, paths Paths, compute gcecompute.Client, storage gcs.Client) *Monitor {
	if opts.LaunchCommand == "" {
		opts.LaunchCommand = "gce-xfstests"
	}
	if opts.GetResultsCmd == "" {
		opts.GetResultsCmd = "gce-xfstests"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = pollInterval
	}
	if opts.ResultsPollInterval == 0 {
		opts.ResultsPollInterval = resultsPollInterval
	}
	return &Monitor{opts: opts, paths: paths, compute: compute, storage: storage}
}

// launchArgs assembles the gce-xfstests invocation for this shard.
func (m *Monitor) launchArgs() []string {
	s := m.opts.Shard
	args := []string{"--instance-name", s.InstanceName}
	if s.Zone != "" {
		args = append(args, "--gce-zone", s.Zone)
	}
	if m.opts.GSBucket != "" {
		args = append(args, "--gs-bucket", m.opts.GSBucket)
	}
	if m.opts.BucketSubdir != "" {
		args = append(args, "--bucket-subdir", m.opts.BucketSubdir)
	}
	if m.opts.ImageProject != "" {
		args = append(args, "--image-project", m.opts.ImageProject)
	}
	args = append(args, "-c", s.TestFsCfg)
	args = append(args, decodeExtraArgs(s.ExtraArgsB64)...)
	return args
}

func decodeExtraArgs(b64 string) []string {
	decoded, err := decodeBase64(b64)
	if err != nil || strings.TrimSpace(decoded) == "" {
		return nil
	}
	return strings.Fields(decoded)
}

// Run drives the shard through start, monitor, and finish, returning the
// final Result. It never returns an error; every failure mode is folded
// into Result instead.
func (m *Monitor) Run(ctx context.Context) *Result {
	shardID := m.opts.Shard.ID
	sklog.Infof("shard %s: starting at %s", shardID, m.opts.Shard.RunID)

	launchArgs := m.launchArgs()

	if !m.start(ctx) {
		sklog.Warningf("shard %s: start failed", shardID)
		result := m.finish(ctx, OutcomeStartFailed, false)
		result.LaunchArgs = launchArgs
		return result
	}

	outcome, timedOut := m.monitor(ctx)
	sklog.Infof("shard %s: monitor loop exited with %s (timed_out=%v)", shardID, outcome, timedOut)
	result := m.finish(ctx, outcome, timedOut)
	result.LaunchArgs = launchArgs
	return result
}

// start executes the external launch command, appending its combined
// output to the shard's command-log file.
func (m *Monitor) start(ctx context.Context) bool {
	f, err := os.Create(m.paths.CmdLogFile)
	if err != nil {
		sklog.Warningf("shard %s: failed to open cmdlog %q: %s", m.opts.Shard.ID, m.paths.CmdLogFile, err)
		return false
	}
	defer f.Close()

	err = exec.Run(ctx, &exec.Command{
		Name:        m.opts.LaunchCommand,
		Args:        m.launchArgs(),
		InheritPath: true,
		InheritEnv:  true,
		Stdout:      f,
		Stderr:      f,
	})
	return err == nil
}

// monitor is the 60-second poll loop: stream serial output, check instance
// status, detect and handle a wedge.
func (m *Monitor) monitor(ctx context.Context) (Outcome, bool) {
	shard := m.opts.Shard
	var serialOffset int64
	var lastStatus string
	var lastChangeAt time.Time
	first := true
	timedOut := false

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		m.streamSerial(ctx, shard.Zone, shard.InstanceName, &serialOffset)

		inst, err := m.compute.GetInstance(ctx, shard.Zone, shard.InstanceName)
		if err != nil {
			if err == gcecompute.ErrInstanceNotFound {
				return OutcomeCompleted, timedOut
			}
			sklog.Warningf("shard %s: transient error getting instance: %s", shard.ID, err)
			if !sleepOrDone(ctx, ticker) {
				return OutcomeCompleted, timedOut
			}
			continue
		}

		status := inst.Status
		nowT := now.Now(ctx)
		if first || status != lastStatus {
			lastStatus = status
			lastChangeAt = nowT
			first = false
		} else if nowT.Sub(lastChangeAt) > wedgeTimeout {
			if m.opts.KeepDeadVM {
				sklog.Warningf("shard %s: wedged, keeping dead VM per config", shard.ID)
				return OutcomeWedged, timedOut
			}
			sklog.Warningf("shard %s: wedged, force-deleting instance", shard.ID)
			if _, exists := inst.Metadata["shutdown_reason"]; !exists {
				_ = m.compute.SetInstanceMetadataItem(ctx, shard.Zone, shard.InstanceName,
					"shutdown_reason", "ltm detected test timeout")
			}
			_ = m.compute.DeleteInstance(ctx, shard.Zone, shard.InstanceName)
			timedOut = true
		}

		if !sleepOrDone(ctx, ticker) {
			return OutcomeCompleted, timedOut
		}
	}
}

func sleepOrDone(ctx context.Context, ticker *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ticker.C:
		return true
	}
}

// streamSerial reads one chunk of serial console output starting at
// *offset, appending it (and any gap marker) to the serial-output file.
func (m *Monitor) streamSerial(ctx context.Context, zone, instanceName string, offset *int64) {
	out, err := m.compute.GetSerialPortOutput(ctx, zone, instanceName, *offset)
	if err != nil {
		return
	}

	err = appendToFile(m.paths.SerialOutputFile, func(buf *bytes.Buffer) {
		if out.Start != *offset {
			fmt.Fprintf(buf, "!=====Missing data from %d to %d=====!\n", *offset, out.Start)
		}
		buf.WriteString(out.Contents)
	})
	if err != nil {
		sklog.Warningf("shard %s: failed to append serial output: %s", m.opts.Shard.ID, err)
		return
	}
	*offset = out.Next
}

func appendToFile(path string, write func(*bytes.Buffer)) error {
	var buf bytes.Buffer
	write(&buf)
	if buf.Len() == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(buf.Bytes())
	return err
}

// finish runs the shard's completion procedure.
func (m *Monitor) finish(ctx context.Context, outcome Outcome, vmTimedOut bool) *Result {
	result := &Result{Outcome: outcome, VMTimedOut: vmTimedOut}

	if outcome == OutcomeStartFailed || outcome == OutcomeWedged {
		if util.FileExists(m.paths.SerialOutputFile) {
			result.HasSerialFile = true
		}
		return result
	}

	blobPrefix := m.resultsBlobPrefix()
	var matched string
	for attempt := 0; attempt < resultsPollAttempts; attempt++ {
		names, err := m.storage.ListBlobs(ctx, blobPrefix)
		if err == nil && len(names) > 0 {
			matched = names[0]
			break
		}
		if attempt < resultsPollAttempts-1 {
			select {
			case <-ctx.Done():
				break
			case <-time.After(m.opts.ResultsPollInterval):
			}
		}
	}

	if matched != "" {
		gsURI := "gs://" + m.opts.GSBucket + "/" + matched
		if err := m.unpackResults(ctx, gsURI); err == nil {
			result.HasResultsDir = util.FileExists(m.paths.UnpackedResultsDir)
		} else {
			sklog.Warningf("shard %s: get-results failed: %s", m.opts.Shard.ID, err)
		}
		m.deleteResultBlobs(ctx)
	}

	if util.FileExists(m.paths.SerialOutputFile) {
		result.HasSerialFile = true
	}

	if result.HasResultsDir && result.HasSerialFile && !vmTimedOut {
		_ = os.Remove(m.paths.SerialOutputFile)
		result.HasSerialFile = false
	}

	return result
}

func (m *Monitor) resultsBlobPrefix() string {
	subdir := m.opts.BucketSubdir
	if subdir == "" {
		subdir = "results"
	}
	name := m.opts.ResultsName
	if name == "" {
		name = m.opts.Shard.RunID + "-" + m.opts.Shard.ID
	}
	return subdir + "/results." + name
}

func (m *Monitor) unpackResults(ctx context.Context, gsURI string) error {
	return exec.Run(ctx, &exec.Command{
		Name:        m.opts.GetResultsCmd,
		Args:        []string{"get-results", "--unpack", gsURI},
		Dir:         filepath.Dir(m.paths.UnpackedResultsDir),
		InheritPath: true,
		InheritEnv:  true,
	})
}

func (m *Monitor) deleteResultBlobs(ctx context.Context) {
	subdir := m.opts.BucketSubdir
	if subdir == "" {
		subdir = "results"
	}
	name := m.opts.ResultsName
	if name == "" {
		name = m.opts.Shard.RunID + "-" + m.opts.Shard.ID
	}
	for _, prefix := range []string{subdir + "/results." + name, subdir + "/summary." + name} {
		names, err := m.storage.ListBlobs(ctx, prefix)
		if err != nil {
			continue
		}
		for _, n := range names {
			_ = m.storage.DeleteBlob(ctx, n)
		}
	}
}

func decodeBase64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return string(b), nil
}
