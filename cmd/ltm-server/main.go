// Command ltm-server runs the xfstests Long-Term Manager: the frontend
// HTTP adapter described in app.py, backed by the sharder, shard
// monitors, and run manager that actually launch and collect test runs.
package main

import (
	"context"
	"flag"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/tytso/xfstests-bld/go/gcecompute"
	"github.com/tytso/xfstests-bld/go/gcs"
	"github.com/tytso/xfstests-bld/go/ltmconfig"
	"github.com/tytso/xfstests-bld/go/metadata"
	"github.com/tytso/xfstests-bld/go/runid"
	"github.com/tytso/xfstests-bld/go/sklog"
	"github.com/tytso/xfstests-bld/ltm/frontend"
	"github.com/tytso/xfstests-bld/ltm/reportmail"
	"github.com/tytso/xfstests-bld/ltm/runmanager"
)

var (
	port          = flag.String("port", ":8000", "HTTP service address (e.g. ':8000')")
	stateDir      = flag.String("state_dir", "/var/lib/gce-ltm", "Directory holding the user credential file and session-cookie secrets")
	logRoot       = flag.String("log_root", "/var/log/lgtm/ltm_logs", "Root directory for per-run logs and artifacts")
	catalogRoot   = flag.String("catalog_root", "/root/xfstests_bld/kvm-xfstests/test-appliance/files/root/fs", "Root of the filesystem test-config catalog")
	defaultFstype = flag.String("default_fstype", "ext4", "Default filesystem used for bare config tokens")
	configPath    = flag.String("config", ltmconfig.DefaultPath, "Path to the appliance declare(1)-style config file")
	user          = flag.String("user", "ltm", "Username embedded in instance names and result blob names")
	metadataDir   = flag.String("metadata_cache_dir", metadata.DefaultCacheDir, "Directory used to cache GCE metadata lookups")
	enableMail    = flag.Bool("enable_report_email", true, "Send run reports via the Gmail API")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	meta := metadata.New(*metadataDir)
	projectID := meta.ProjectID(ctx)
	ownZone := meta.Zone(ctx)
	gsBucket := meta.GSBucket(ctx)
	if projectID == "" || ownZone == "" || gsBucket == "" {
		sklog.Fatal("failed to determine project id, zone, or gs_bucket from instance metadata")
	}

	cfg, err := ltmconfig.Load(*configPath)
	if err != nil {
		sklog.Fatalf("failed to load config %q: %s", *configPath, err)
	}

	computeClient, err := gcecompute.NewRealClient(ctx, projectID)
	if err != nil {
		sklog.Fatalf("failed to create compute client: %s", err)
	}
	storageClient, err := gcs.NewRealClient(ctx, gsBucket)
	if err != nil {
		sklog.Fatalf("failed to create storage client: %s", err)
	}
	if ok, err := storageClient.BucketExists(ctx); err != nil || !ok {
		sklog.Fatalf("results bucket %q is not reachable: %v", gsBucket, err)
	}

	var mailer reportmail.Sender
	if *enableMail {
		gmailService, err := gmail.NewService(ctx)
		if err != nil {
			sklog.Warningf("failed to create Gmail client, report emails disabled: %s", err)
		} else {
			mailer = reportmail.NewGMail(gmailService)
		}
	}

	deps := runmanager.Deps{
		Compute:       computeClient,
		Storage:       storageClient,
		Mailer:        mailer,
		Config:        cfg,
		Allocator:     runid.New(runid.DefaultPersistPath),
		User:          *user,
		OwnZone:       ownZone,
		ProjectID:     projectID,
		GSBucket:      gsBucket,
		CatalogRoot:   *catalogRoot,
		DefaultFstype: *defaultFstype,
		LogRoot:       *logRoot,
	}

	srv, err := frontend.New(ctx, *stateDir, storageClient, deps)
	if err != nil {
		sklog.Fatalf("failed to build frontend server: %s", err)
	}

	sklog.Infof("ltm-server starting as project %q zone %q bucket %q", projectID, ownZone, gsBucket)
	sklog.Fatal(srv.Start(*port))
}
