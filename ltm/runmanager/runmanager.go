// Package runmanager ties the sharder, the command-line parser, and a
// fleet of shard monitors into a single test run: it allocates a unique
// run id, shards the invocation, launches every shard (throttled 500ms
// apart) in its own goroutine, waits for all of them, and aggregates their
// artifacts into a packed, uploaded result bundle.
package runmanager

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tytso/xfstests-bld/go/exec"
	"github.com/tytso/xfstests-bld/go/gcecompute"
	"github.com/tytso/xfstests-bld/go/gcs"
	"github.com/tytso/xfstests-bld/go/ltmconfig"
	"github.com/tytso/xfstests-bld/go/runid"
	"github.com/tytso/xfstests-bld/go/skerr"
	"github.com/tytso/xfstests-bld/go/sklog"
	"github.com/tytso/xfstests-bld/go/util"
	"github.com/tytso/xfstests-bld/ltm/cmdparser"
	"github.com/tytso/xfstests-bld/ltm/reportmail"
	"github.com/tytso/xfstests-bld/ltm/sharder"
	"github.com/tytso/xfstests-bld/ltm/shardmonitor"
)

// concatenatedFiles is the set of per-shard files merged into one
// top-level aggregate file apiece.
var concatenatedFiles = []string{
	"runtests.log", "cmdline", "summary", "failures", "run-stats",
	"testrunid", "kernel_version",
}

// launchThrottle is the delay between launching successive shards.
const launchThrottle = 500 * time.Millisecond

// Options holds everything the frontend knows about one invocation.
type Options struct {
	NoRegionShard bool
	BucketSubdir  string
	GSKernel      string
	ReportEmail   string
}

// ShardInfo is one entry of GetInfo's shard_info list.
type ShardInfo struct {
	Index   int    `json:"index"`
	ShardID string `json:"shard_id"`
	Cfg     string `json:"cfg"`
	Zone    string `json:"zone"`
}

// Info is the synchronous summary returned by GetInfo.
type Info struct {
	ID        string      `json:"id"`
	NumShards int         `json:"num_shards"`
	ShardInfo []ShardInfo `json:"shard_info"`
}

// Deps bundles every external collaborator a TestRun needs, so tests can
// substitute fakes for all of them at once.
type Deps struct {
	Compute   gcecompute.Client
	Storage   gcs.Client
	Mailer    reportmail.Sender
	Config    *ltmconfig.Config
	Allocator *runid.Allocator

	User          string
	OwnZone       string
	ProjectID     string
	GSBucket      string
	CatalogRoot   string
	DefaultFstype string
	LogRoot       string
}

// TestRun is a live record of one in-flight or completed run.
type TestRun struct {
	deps Deps
	opts Options

	ID            string
	OrigCmd       string
	LogDirPath    string
	AggResultsDir string
	KernelVersion string

	shards []sharder.ShardSpec

	mu sync.Mutex
}

// New constructs a TestRun: allocates a run id, creates its log directory,
// parses the invocation, and invokes the sharder. Any failure here is
// fatal to the whole request.
func New(ctx context.Context, deps Deps, origCmd string, opts Options) (*TestRun, error) {
	id, err := deps.Allocator.Allocate(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "allocating run id")
	}

	logDir := filepath.Join(deps.LogRoot, id)
	if err := util.MkdirAll(logDir); err != nil {
		return nil, skerr.Wrapf(err, "creating log dir %q", logDir)
	}

	run := &TestRun{
		deps:          deps,
		opts:          opts,
		ID:            id,
		OrigCmd:       strings.TrimSpace(origCmd),
		LogDirPath:    logDir,
		KernelVersion: "unknown_kernel_version",
	}
	run.AggResultsDir = filepath.Join(logDir, fmt.Sprintf("results-%s-%s", deps.User, id))

	plan, err := cmdparser.Parse(run.OrigCmd, deps.DefaultFstype, deps.CatalogRoot)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	extraB64 := base64.StdEncoding.EncodeToString([]byte(strings.Join(plan.ExtraArgs, " ")))
	sh := sharder.New(deps.Compute, deps.ProjectID, deps.OwnZone, id, deps.User, plan, extraB64)

	regionShard := !opts.NoRegionShard
	shards, err := sh.GetShards(ctx, regionShard, 0)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	run.shards = shards
	return run, nil
}

// GetInfo returns a synchronous summary of this run's planned shards.
func (r *TestRun) GetInfo() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := Info{ID: r.ID, NumShards: len(r.shards)}
	for i, s := range r.shards {
		info.ShardInfo = append(info.ShardInfo, ShardInfo{
			Index: i, ShardID: s.ID, Cfg: s.TestFsCfg, Zone: s.Zone,
		})
	}
	return info
}

// Run launches every shard in a background goroutine and returns
// immediately.
func (r *TestRun) Run(ctx context.Context) {
	go func() {
		bgCtx := context.Background()
		r.runSync(bgCtx)
	}()
}

// runSync is the run body; unexported, but called directly by tests that
// want to drive it synchronously instead of via Run's background goroutine.
func (r *TestRun) runSync(ctx context.Context) {
	sklog.Infof("run %s: starting", r.ID)
	results := r.startAndWaitShards(ctx)
	r.finish(ctx, results)
	sklog.Infof("run %s: finished", r.ID)
}

type shardOutcome struct {
	spec   sharder.ShardSpec
	paths  shardmonitor.Paths
	result *shardmonitor.Result
}

func (r *TestRun) shardPaths(spec sharder.ShardSpec) shardmonitor.Paths {
	return shardmonitor.Paths{
		LogFile:            filepath.Join(r.LogDirPath, spec.ID),
		CmdLogFile:         filepath.Join(r.LogDirPath, spec.ID+".cmdlog"),
		SerialOutputFile:   filepath.Join(r.LogDirPath, spec.ID+".serial"),
		UnpackedResultsDir: filepath.Join(r.LogDirPath, spec.ID),
	}
}

// startAndWaitShards launches every shard monitor, throttled 500ms apart,
// then waits for all of them to finish.
func (r *TestRun) startAndWaitShards(ctx context.Context) []shardOutcome {
	sklog.Infof("run %s: spawning %d shards", r.ID, len(r.shards))
	results := make([]shardOutcome, len(r.shards))
	var wg sync.WaitGroup

	for i, spec := range r.shards {
		paths := r.shardPaths(spec)
		results[i] = shardOutcome{spec: spec, paths: paths}

		wg.Add(1)
		go func(i int, spec sharder.ShardSpec, paths shardmonitor.Paths) {
			defer wg.Done()
			mon := shardmonitor.New(shardmonitor.Options{
				Shard:        spec,
				GSBucket:     r.deps.GSBucket,
				BucketSubdir: r.effectiveBucketSubdir(),
				ImageProject: r.deps.ProjectID,
				KeepDeadVM:   r.deps.Config != nil && r.deps.Config.KeepDeadVM,
				ResultsName:  r.deps.User + "-" + r.ID + "-" + spec.ID,
			}, paths, r.deps.Compute, r.deps.Storage)
			results[i].result = mon.Run(ctx)
		}(i, spec, paths)

		if i < len(r.shards)-1 {
			time.Sleep(launchThrottle)
		}
	}
	wg.Wait()
	return results
}

func (r *TestRun) effectiveBucketSubdir() string {
	if r.opts.BucketSubdir != "" {
		return r.opts.BucketSubdir
	}
	if r.deps.Config != nil && r.deps.Config.BucketSubdir != "" {
		return r.deps.Config.BucketSubdir
	}
	return "results"
}

// finish aggregates shard artifacts, writes metadata, generates and emails
// a report, packs and uploads the bundle, and cleans up.
func (r *TestRun) finish(ctx context.Context, results []shardOutcome) {
	anyResults := r.aggregateResults(results)
	if anyResults {
		r.createLTMInfo(results)
		r.createLTMRunStats()
		report := r.generateReport(results)
		if err := os.WriteFile(filepath.Join(r.AggResultsDir, "report"), []byte(report), 0644); err != nil {
			sklog.Warningf("run %s: failed to write report: %s", r.ID, err)
		}
		r.emailReport(ctx, report)
		r.packAndUpload(ctx)
	} else {
		sklog.Errorf("run %s: finishing without uploading anything", r.ID)
	}
	r.cleanup(ctx)
}

// aggregateResults moves each shard's artifacts into the aggregate
// directory and concatenates the shared result files. Returns false if not
// a single shard produced anything.
func (r *TestRun) aggregateResults(results []shardOutcome) bool {
	sklog.Infof("run %s: aggregating shard results", r.ID)
	if err := util.MkdirAll(r.AggResultsDir); err != nil {
		sklog.Errorf("run %s: failed to create aggregate dir: %s", r.ID, err)
		return false
	}

	anyResults := false
	for i := range results {
		o := &results[i]
		found := false
		if o.result != nil && o.result.HasResultsDir && util.FileExists(o.paths.UnpackedResultsDir) {
			dst := filepath.Join(r.AggResultsDir, o.spec.ID)
			if err := util.MoveFile(o.paths.UnpackedResultsDir, dst); err == nil {
				found = true
				anyResults = true
			}
		}
		if o.result != nil && o.result.HasSerialFile && util.FileExists(o.paths.SerialOutputFile) {
			dst := filepath.Join(r.AggResultsDir, o.spec.ID+".serial")
			if err := util.MoveFile(o.paths.SerialOutputFile, dst); err == nil {
				found = true
				anyResults = true
			}
		}
		if !found {
			sklog.Warningf("run %s: no results or serial output for shard %s", r.ID, o.spec.ID)
		}
	}

	if !anyResults {
		sklog.Errorf("run %s: no shard produced any artifact", r.ID)
		return false
	}

	for _, name := range concatenatedFiles {
		r.concatenateShardFile(name)
	}

	for _, o := range results {
		path := filepath.Join(r.AggResultsDir, o.spec.ID, "kernel_version")
		if b, err := os.ReadFile(path); err == nil {
			kv := string(bytes.TrimSpace(b))
			if kv != "" {
				r.KernelVersion = kv
				break
			}
		}
	}
	return true
}

// concatenateShardFile writes one top-level aggregate file by
// concatenating the per-shard copies.
func (r *TestRun) concatenateShardFile(name string) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "LTM aggregate file for %s\n", name)
	fmt.Fprintf(&buf, "Test run ID %s\n", r.ID)
	fmt.Fprintf(&buf, "Aggregate results from %d shards\n", len(r.shards))

	for _, spec := range r.shards {
		fmt.Fprintf(&buf, "\n============SHARD %s============\n", spec.ID)
		fmt.Fprintf(&buf, "============CONFIG: %s\n\n", spec.TestFsCfg)
		path := filepath.Join(r.AggResultsDir, spec.ID, name)
		contents, err := os.ReadFile(path)
		if err != nil {
			serialPath := filepath.Join(r.AggResultsDir, spec.ID+".serial")
			if util.FileExists(serialPath) {
				buf.WriteString("Shard did not finish properly. Serial data is present but not results.\n")
			} else {
				fmt.Fprintf(&buf, "Could not open/read file %s for shard %s\n", name, spec.ID)
			}
		} else {
			buf.Write(contents)
		}
		fmt.Fprintf(&buf, "\n==========END SHARD %s==========\n", spec.ID)
	}

	out := filepath.Join(r.AggResultsDir, name)
	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		sklog.Warningf("run %s: failed to write aggregate file %q: %s", r.ID, name, err)
	}
}

// createLTMInfo writes ltm-info and moves each shard's log and command-log
// files, where they exist, into ltm_logs/. No run-level log file is moved;
// the run itself logs only through sklog.
func (r *TestRun) createLTMInfo(results []shardOutcome) {
	logsDir := filepath.Join(r.AggResultsDir, "ltm_logs")
	if err := util.MkdirAll(logsDir); err != nil {
		sklog.Warningf("run %s: failed to create ltm_logs dir: %s", r.ID, err)
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "LTM test run ID %s\n", r.ID)
	fmt.Fprintf(&buf, "Original command: %s\n", r.OrigCmd)
	fmt.Fprintf(&buf, "Aggregate results from %d shards\n", len(r.shards))
	buf.WriteString("SHARD INFO:\n\n")
	for _, o := range results {
		fmt.Fprintf(&buf, "SHARD %s\n", o.spec.ID)
		fmt.Fprintf(&buf, "instance name: %s\n", o.spec.InstanceName)
		fmt.Fprintf(&buf, "split config: %s\n", o.spec.TestFsCfg)
		cmdline := "gce-xfstests"
		if o.result != nil && len(o.result.LaunchArgs) > 0 {
			cmdline += " " + strings.Join(o.result.LaunchArgs, " ")
		}
		fmt.Fprintf(&buf, "gce command executed: %s\n\n", cmdline)

		if util.FileExists(o.paths.LogFile) {
			_ = util.MoveFile(o.paths.LogFile, filepath.Join(logsDir, filepath.Base(o.paths.LogFile)))
		}
		if util.FileExists(o.paths.CmdLogFile) {
			_ = util.MoveFile(o.paths.CmdLogFile, filepath.Join(logsDir, filepath.Base(o.paths.CmdLogFile)))
		}
	}

	if err := os.WriteFile(filepath.Join(r.AggResultsDir, "ltm-info"), buf.Bytes(), 0644); err != nil {
		sklog.Warningf("run %s: failed to write ltm-info: %s", r.ID, err)
	}
}

// createLTMRunStats writes the machine-readable ltm-run-stats file.
func (r *TestRun) createLTMRunStats() {
	content := fmt.Sprintf("TESTRUNID: %s-%s\nCMDLINE: %s\n", r.deps.User, r.ID, r.OrigCmd)
	path := filepath.Join(r.AggResultsDir, "ltm-run-stats")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		sklog.Warningf("run %s: failed to write ltm-run-stats: %s", r.ID, err)
	}
}

// generateReport builds a short human-readable summary of the run from
// its aggregated artifacts.
func (r *TestRun) generateReport(results []shardOutcome) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "xfstests results %s-%s %s\n\n", r.deps.User, r.ID, r.KernelVersion)
	for _, o := range results {
		status := "no results"
		switch {
		case o.result != nil && o.result.HasResultsDir:
			status = "completed"
		case o.result != nil && o.result.HasSerialFile:
			status = "serial-only"
		}
		fmt.Fprintf(&buf, "shard %s (%s): %s\n", o.spec.ID, o.spec.TestFsCfg, status)
	}
	return buf.String()
}

// emailReport sends the report if a receiver and sender are configured;
// any delivery error is logged and ignored.
func (r *TestRun) emailReport(ctx context.Context, report string) {
	if r.opts.ReportEmail == "" || r.deps.Mailer == nil {
		sklog.Infof("run %s: no report destination configured, skipping email", r.ID)
		return
	}
	sender := r.opts.ReportEmail
	if r.deps.Config != nil && r.deps.Config.ReportSender != "" {
		sender = r.deps.Config.ReportSender
	}
	subject := fmt.Sprintf("xfstests results %s-%s %s", r.deps.User, r.ID, r.KernelVersion)
	if err := r.deps.Mailer.Send(ctx, sender, r.opts.ReportEmail, subject, report); err != nil {
		sklog.Warningf("run %s: failed to send report email: %s", r.ID, err)
	}
}

// packAndUpload tars and xz's the aggregate directory and uploads it (and
// optionally the summary file).
func (r *TestRun) packAndUpload(ctx context.Context) {
	tarPath := r.AggResultsDir + ".tar"
	xzPath := r.AggResultsDir + ".tar.xz"

	if err := exec.Run(ctx, &exec.Command{
		Name:        "tar",
		Args:        []string{"-C", r.AggResultsDir, "-cf", tarPath, "."},
		InheritPath: true,
	}); err != nil {
		sklog.Errorf("run %s: tar failed: %s", r.ID, err)
		return
	}

	tarFile, err := os.Open(tarPath)
	if err != nil {
		sklog.Errorf("run %s: failed to open tarball: %s", r.ID, err)
		return
	}
	defer tarFile.Close()
	xzFile, err := os.Create(xzPath)
	if err != nil {
		sklog.Errorf("run %s: failed to create xz output: %s", r.ID, err)
		return
	}
	if err := exec.Run(ctx, &exec.Command{
		Name:        "xz",
		Args:        []string{"-6e"},
		InheritPath: true,
		Stdin:       tarFile,
		Stdout:      xzFile,
	}); err != nil {
		sklog.Errorf("run %s: xz failed: %s", r.ID, err)
	}
	xzFile.Close()

	if r.deps.Storage == nil {
		return
	}
	name := r.resultsBlobName(r.effectiveBucketSubdir(), false)
	if err := r.deps.Storage.UploadFile(ctx, name, xzPath); err != nil {
		sklog.Errorf("run %s: failed to upload results: %s", r.ID, err)
	}
	if r.deps.Config != nil && r.deps.Config.UploadSummary {
		summaryPath := filepath.Join(r.AggResultsDir, "summary")
		if util.FileExists(summaryPath) {
			sname := r.resultsBlobName(r.effectiveBucketSubdir(), true)
			if err := r.deps.Storage.UploadFile(ctx, sname, summaryPath); err != nil {
				sklog.Warningf("run %s: failed to upload summary: %s", r.ID, err)
			}
		}
	}
}

func (r *TestRun) resultsBlobName(subdir string, summary bool) string {
	if summary {
		return fmt.Sprintf("%s/summary.%s-%s.%s.txt", subdir, r.deps.User, r.ID, r.KernelVersion)
	}
	return fmt.Sprintf("%s/results.%s-%s.%s.tar.xz", subdir, r.deps.User, r.ID, r.KernelVersion)
}

// cleanup removes local tar artifacts and the aggregate directory, and
// deletes a onerun kernel blob if one was used.
func (r *TestRun) cleanup(ctx context.Context) {
	_ = os.Remove(r.AggResultsDir + ".tar")
	_ = os.Remove(r.AggResultsDir + ".tar.xz")
	_ = os.RemoveAll(r.AggResultsDir)

	if r.opts.GSKernel != "" && strings.HasSuffix(r.opts.GSKernel, "-onerun") && r.deps.Storage != nil {
		blobName := blobNameFromGSURI(r.opts.GSKernel, r.deps.GSBucket)
		if blobName != "" {
			if err := r.deps.Storage.DeleteBlob(ctx, blobName); err != nil {
				sklog.Warningf("run %s: failed to delete onerun kernel blob %q: %s", r.ID, blobName, err)
			}
		}
	}
}

// blobNameFromGSURI extracts the blob name from a gs://<bucket>/<name> URI
// for the configured bucket.
func blobNameFromGSURI(uri, bucket string) string {
	marker := "/" + bucket + "/"
	idx := strings.Index(uri, marker)
	if idx < 0 {
		return ""
	}
	return uri[idx+len(marker):]
}
