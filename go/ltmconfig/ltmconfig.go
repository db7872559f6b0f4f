// Package ltmconfig parses the shell-`declare -p`-style config file the test
// appliance downloads on boot: lines of the form `declare -- NAME="VALUE"`
// (or any prefix before the variable name), one assignment per line,
// extraneous quotes stripped. A missing file yields an empty, all-default
// Config rather than an error.
package ltmconfig

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/tytso/xfstests-bld/go/sklog"
)

// DefaultPath is the well-known location of the appliance config file.
const DefaultPath = "/root/xfstests_bld/kvm-xfstests/config.gce"

// Config is the subset of appliance configuration the LTM reads.
type Config struct {
	UploadSummary  bool
	BucketSubdir   string
	MinScratchSize int
	KeepDeadVM     bool
	ReportSender   string
}

// truthy treats any non-empty value other than "0" as true, matching shell's
// own notion of a truthy string.
func truthy(v string) bool {
	return v != "" && v != "0"
}

// Load reads and parses the config file at path. A missing file is not an
// error; it results in a zero-value Config with BucketSubdir defaulting to
// "results".
func Load(path string) (*Config, error) {
	raw, err := parseDeclareFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{BucketSubdir: "results"}
	if v, ok := raw["GCE_UPLOAD_SUMMARY"]; ok {
		cfg.UploadSummary = truthy(v)
	}
	if v, ok := raw["BUCKET_SUBDIR"]; ok && v != "" {
		cfg.BucketSubdir = v
	}
	if v, ok := raw["GCE_MIN_SCR_SIZE"]; ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			cfg.MinScratchSize = n
		}
	}
	if v, ok := raw["GCE_LTM_KEEP_DEAD_VM"]; ok {
		cfg.KeepDeadVM = truthy(v)
	}
	if v, ok := raw["GCE_REPORT_SENDER"]; ok {
		cfg.ReportSender = v
	}
	return cfg, nil
}

// parseDeclareFile parses a `declare -- NAME="VALUE"` style file into a flat
// map. A line that doesn't split cleanly on the first "=" is skipped.
func parseDeclareFile(path string) (map[string]string, error) {
	result := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		keyField := strings.Fields(parts[0])
		if len(keyField) == 0 {
			continue
		}
		key := keyField[len(keyField)-1]
		value := strings.Trim(strings.TrimRight(parts[1], "\n"), `"`)
		result[key] = value
	}
	if err := scanner.Err(); err != nil {
		sklog.Warningf("ltmconfig: error reading %q: %s", path, err)
	}
	return result, nil
}
