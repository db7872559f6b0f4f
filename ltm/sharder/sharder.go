// Package sharder turns a ParsedPlan plus live cloud-quota data into an
// ordered list of ShardSpecs.
package sharder

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/tytso/xfstests-bld/go/gcecompute"
	"github.com/tytso/xfstests-bld/go/skerr"
	"github.com/tytso/xfstests-bld/go/sklog"
	"github.com/tytso/xfstests-bld/ltm/cmdparser"
)

const shardIDAlphabet = "abcdefghijklmnopqrstuvwxyz"

// MaxShards is the largest number of shards a single run can be split into;
// beyond 676 (26*26) two-letter ids are exhausted.
const MaxShards = len(shardIDAlphabet) * len(shardIDAlphabet)

// ErrOutOfQuota is returned when the project (or the LTM's own region) has
// no capacity to run even a single shard.
type ErrOutOfQuota struct {
	Scope string
}

func (e *ErrOutOfQuota) Error() string {
	return "sharder: out of quota: " + e.Scope
}

// ShardSpec is an immutable, fully-resolved description of one shard,
// ready to be launched.
type ShardSpec struct {
	ID           string
	TestFsCfg    string
	ExtraArgsB64 string
	Zone         string // empty means "use the LTM's own zone"
	RunID        string
	InstanceName string
}

// Sharder produces ShardSpecs from a parsed invocation and a compute
// client used to query regions, zones, and quotas.
type Sharder struct {
	compute   gcecompute.Client
	projectID string
	ownRegion string
	ownZone   string
	runID     string
	user      string
	extraB64  string
	fsconfigs map[string][]string
	fsOrder   []string
}

// New builds a Sharder for a single run. ownZone is the zone the LTM
// process itself is running in (used to derive its region and, in local
// mode, where shards are launched); user names the run for instance
// naming.
func New(compute gcecompute.Client, projectID, ownZone, runID, user string, plan *cmdparser.ParsedPlan, extraArgsB64 string) *Sharder {
	region := ownZone
	if idx := strings.LastIndex(ownZone, "-"); idx >= 0 {
		region = ownZone[:idx]
	}
	return &Sharder{
		compute:   compute,
		projectID: projectID,
		ownRegion: region,
		ownZone:   ownZone,
		runID:     runID,
		user:      user,
		extraB64:  extraArgsB64,
		fsconfigs: plan.Fsconfigs,
		fsOrder:   plan.FilesystemOrder(),
	}
}

// groupAllConfigs builds "fs/cfg" strings for every (fs, cfg) pair whose
// cfg does not contain "dax", then splits that list into at most maxGroups
// comma-joined groups.
func (s *Sharder) groupAllConfigs(maxGroups int) []string {
	var all []string
	for _, fs := range s.fsOrder {
		for _, cfg := range s.fsconfigs[fs] {
			if strings.Contains(cfg, "dax") {
				continue
			}
			all = append(all, fs+"/"+cfg)
		}
	}
	if maxGroups <= 0 || len(all) <= maxGroups {
		return all
	}

	q := len(all) / maxGroups
	r := len(all) % maxGroups
	var groups []string
	st := 0
	for st < len(all) {
		size := q
		if r > 0 {
			size = q + 1
			r--
		}
		groups = append(groups, strings.Join(all[st:st+size], ","))
		st += size
	}
	return groups
}

// GetShards is the Sharder's main entry point: regionShard selects
// fan-out mode (every UP region) versus local mode (the LTM's own
// region), bounded by maxShards in local mode (0 meaning "use the
// region's own CPU capacity").
func (s *Sharder) GetShards(ctx context.Context, regionShard bool, maxShards int) ([]ShardSpec, error) {
	if regionShard {
		return s.regionSharding(ctx)
	}
	return s.localSharding(ctx, maxShards)
}

func (s *Sharder) localSharding(ctx context.Context, maxShards int) ([]ShardSpec, error) {
	q, err := s.compute.RegionQuota(ctx, s.ownRegion)
	if err != nil {
		return nil, skerr.Wrapf(err, "getting quota for own region %q", s.ownRegion)
	}

	if maxShards <= 0 {
		maxShards = int(q.CPUShards())
	}
	limit := minInt(maxShards, int(q.CPUShards()), int(q.IPShards()))
	if limit <= 0 {
		return nil, &ErrOutOfQuota{Scope: "region " + s.ownRegion}
	}

	groups := s.groupAllConfigs(limit)
	specs := make([]ShardSpec, len(groups))
	for i, cfg := range groups {
		specs[i] = s.buildShard(i, cfg, "")
	}
	return specs, nil
}

func (s *Sharder) regionSharding(ctx context.Context) ([]ShardSpec, error) {
	regions, err := s.compute.ListUpRegions(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing regions")
	}
	sort.Strings(regions)

	myContinent := s.ownRegion
	if idx := strings.Index(s.ownRegion, "-"); idx >= 0 {
		myContinent = s.ownRegion[:idx]
	}

	var preferredZones, otherZones []string
	total := 0
	for _, region := range regions {
		q, err := s.compute.RegionQuota(ctx, region)
		if err != nil {
			sklog.Infof("sharder: could not get quota for region %q: %s", region, err)
			continue
		}
		capacity := int(q.Capacity())
		if capacity <= 0 {
			continue
		}
		total += capacity
		zones := repeat(q.Zone, capacity)
		if strings.HasPrefix(region, myContinent) {
			preferredZones = append(preferredZones, zones...)
		} else {
			otherZones = append(otherZones, zones...)
		}
	}
	shuffle(preferredZones)
	shuffle(otherZones)
	zonesToUse := append(preferredZones, otherZones...)

	if total == 0 {
		return nil, &ErrOutOfQuota{Scope: "project"}
	}

	groups := s.groupAllConfigs(total)
	specs := make([]ShardSpec, len(groups))
	for i, cfg := range groups {
		zone := ""
		if i < len(zonesToUse) {
			zone = zonesToUse[i]
		}
		specs[i] = s.buildShard(i, cfg, zone)
	}
	return specs, nil
}

func (s *Sharder) buildShard(index int, testFsCfg, zone string) ShardSpec {
	id := ShardID(index)
	return ShardSpec{
		ID:           id,
		TestFsCfg:    testFsCfg,
		ExtraArgsB64: s.extraB64,
		Zone:         zone,
		RunID:        s.runID,
		InstanceName: "xfstests-" + s.user + "-" + s.runID + "-" + id,
	}
}

// ShardID returns the two-letter lowercase shard id for index i ("aa",
// "ab", ..., "az", "ba", ...). Valid for 0 <= i < MaxShards.
func ShardID(i int) string {
	n := len(shardIDAlphabet)
	return string(shardIDAlphabet[i/n]) + string(shardIDAlphabet[i%n])
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// shuffle is an unseeded Fisher-Yates shuffle; zone order carries no
// reproducibility guarantee across runs.
func shuffle(s []string) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	r.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
