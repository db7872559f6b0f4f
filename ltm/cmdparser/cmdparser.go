// Package cmdparser turns a free-form gce-xfstests invocation string into a
// ParsedPlan: a deduplicated {filesystem -> [config]} map plus whatever
// arguments survive once LTM-incompatible flags are stripped and the
// "smoke" alias is expanded.
package cmdparser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tytso/xfstests-bld/go/skerr"
	"github.com/tytso/xfstests-bld/go/sklog"
	"github.com/tytso/xfstests-bld/go/util"
)

// ParsedPlan is the output of Parse: a filesystem/config plan plus the
// arguments that should still be passed through to each shard's launch
// command.
type ParsedPlan struct {
	// Fsconfigs maps filesystem name (e.g. "ext4") to an ordered,
	// deduplicated list of config names (e.g. "4k", "1k").
	Fsconfigs map[string][]string
	// ExtraArgs is what remains of the invocation after removal and alias
	// expansion, with the "-c <spec>" pair (if any) also removed. For a
	// "--no-action" invocation it holds every token unchanged.
	ExtraArgs []string

	fsOrder []string
}

// FilesystemOrder returns the filesystems in Fsconfigs in first-seen order,
// since Go map iteration order is not stable and shard assignment must be
// deterministic.
func (p *ParsedPlan) FilesystemOrder() []string {
	return append([]string(nil), p.fsOrder...)
}

// zeroArgOpts are flags removed outright; they take no argument.
var zeroArgOpts = map[string]bool{
	"ltm":               true,
	"--no-region-shard": true,
	"--no-email":        true,
}

// oneArgOpts are flags removed along with their immediately following
// argument.
var oneArgOpts = []string{
	"--instance-name", "--bucket-subdir", "--gs-bucket", "--email",
	"--gce-zone", "--image-project", "--testrunid", "--hooks",
	"--update-xfstests-tar", "--update-xfstests", "--update-files",
	"-n", "-r", "--machtype", "--kernel",
}

// Parse parses origCmd (the raw invocation string, not including the
// leading "gce-xfstests" token) against the test catalog rooted at
// catalogRoot, using defaultFstype (usually "ext4") when a config element
// does not name a filesystem explicitly.
//
// Returns a ConfigError if catalogRoot or catalogRoot/fs/<defaultFstype>
// does not exist.
func Parse(origCmd, defaultFstype, catalogRoot string) (*ParsedPlan, error) {
	fsRoot := filepath.Join(catalogRoot, "fs")
	if !isDir(fsRoot) {
		return nil, &ConfigError{Message: fmt.Sprintf("catalog root %q has no fs/ directory", catalogRoot)}
	}
	if !isDir(filepath.Join(fsRoot, defaultFstype)) {
		return nil, &ConfigError{Message: fmt.Sprintf("default filesystem %q not found under %q", defaultFstype, fsRoot)}
	}

	p := &ParsedPlan{Fsconfigs: map[string][]string{}}
	tokens := strings.Fields(strings.TrimSpace(origCmd))

	if util.In("--no-action", tokens) {
		p.ExtraArgs = tokens
		return p, nil
	}

	tokens = sanitize(tokens)
	tokens = expandAliases(tokens)

	tokens, spec, hadSpec := extractConfigSpec(tokens)
	p.ExtraArgs = tokens

	if !hadSpec {
		if err := p.loadDefaultAll(fsRoot, defaultFstype); err != nil {
			sklog.Warningf("cmdparser: failed to load default catalog: %s", err)
		}
		return p, nil
	}

	for _, c := range strings.Split(spec, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p.processConfig(fsRoot, defaultFstype, c)
	}
	return p, nil
}

// ConfigError is returned when the test-catalog root is unusable; it is
// the parser's sole fatal error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "cmdparser: " + e.Message }

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// sanitize removes the zero-arg and one-arg LTM-incompatible flags, by
// first occurrence only.
func sanitize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	removed := map[string]bool{}
	for _, t := range tokens {
		if zeroArgOpts[t] && !removed[t] {
			removed[t] = true
			continue
		}
		out = append(out, t)
	}
	for _, opt := range oneArgOpts {
		out = removeOptWithArg(out, opt)
	}
	return out
}

func removeOptWithArg(tokens []string, opt string) []string {
	for i, t := range tokens {
		if t == opt {
			if i+1 < len(tokens) {
				return append(append([]string{}, tokens[:i]...), tokens[i+2:]...)
			}
			return append([]string{}, tokens[:i]...)
		}
	}
	return tokens
}

// expandAliases expands the bare "smoke" token into "-c 4k -g quick",
// prepended as the first four tokens.
func expandAliases(tokens []string) []string {
	if !util.In("smoke", tokens) {
		return tokens
	}
	rest := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "smoke" {
			rest = append(rest, t)
		}
	}
	return append([]string{"-c", "4k", "-g", "quick"}, rest...)
}

// extractConfigSpec removes the first "-c <spec>" pair, if any, returning
// the remaining tokens, the spec string, and whether one was found.
func extractConfigSpec(tokens []string) ([]string, string, bool) {
	for i, t := range tokens {
		if t == "-c" && i+1 < len(tokens) {
			spec := tokens[i+1]
			rest := append(append([]string{}, tokens[:i]...), tokens[i+2:]...)
			return rest, spec, true
		}
	}
	return tokens, "", false
}

// loadDefaultAll loads <root>/<defaultFstype>/cfg/all.list as the plan when
// no -c option was given.
func (p *ParsedPlan) loadDefaultAll(fsRoot, defaultFstype string) error {
	lines, err := readListFile(filepath.Join(fsRoot, defaultFstype, "cfg", "all.list"))
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, line := range lines {
		p.addPair(defaultFstype, line)
	}
	return nil
}

// processConfig resolves a single comma-separated element of the -c spec
// into zero or more (fs, cfg) pairs.
func (p *ParsedPlan) processConfig(fsRoot, defaultFstype, c string) {
	if strings.Contains(c, "/") {
		parts := strings.SplitN(c, "/", 2)
		fs, cfg := parts[0], parts[1]
		listPath := filepath.Join(fsRoot, fs, "cfg", cfg+".list")
		cfgPath := filepath.Join(fsRoot, fs, "cfg", cfg)
		switch {
		case isFile(listPath):
			lines, err := readListFile(listPath)
			if err != nil {
				sklog.Warningf("cmdparser: failed to read list file %q: %s", listPath, err)
				return
			}
			for _, line := range lines {
				p.addPair(fs, line)
			}
		case isFile(cfgPath):
			p.addPair(fs, cfg)
		default:
			// Neither form resolves; silently dropped.
		}
		return
	}

	if isDir(filepath.Join(fsRoot, c)) {
		p.addPair(c, "default")
		return
	}

	// Bare token against the default filesystem's catalog.
	listPath := filepath.Join(fsRoot, defaultFstype, "cfg", c+".list")
	cfgPath := filepath.Join(fsRoot, defaultFstype, "cfg", c)
	switch {
	case isFile(listPath):
		lines, err := readListFile(listPath)
		if err != nil {
			sklog.Warningf("cmdparser: failed to read list file %q: %s", listPath, err)
			return
		}
		for _, line := range lines {
			p.addPair(defaultFstype, line)
		}
	case isFile(cfgPath):
		p.addPair(defaultFstype, c)
	default:
		// Neither form resolves; silently dropped.
	}
}

// addPair records (fs, cfg) in Fsconfigs, deduplicating per filesystem and
// preserving first-seen order of both filesystems and configs.
func (p *ParsedPlan) addPair(fs, cfg string) {
	cfg = strings.TrimSpace(cfg)
	if cfg == "" {
		return
	}
	existing, ok := p.Fsconfigs[fs]
	if !ok {
		p.fsOrder = append(p.fsOrder, fs)
		p.Fsconfigs[fs] = []string{cfg}
		return
	}
	if util.In(cfg, existing) {
		return
	}
	p.Fsconfigs[fs] = append(existing, cfg)
}

func readListFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Render reconstructs a "-c f1/c1,f2/c2,..." command string from a
// ParsedPlan; it is the inverse operation Parse is checked against for a
// round-trip property.
func Render(p *ParsedPlan) string {
	var pairs []string
	for _, fs := range p.fsOrder {
		for _, cfg := range p.Fsconfigs[fs] {
			pairs = append(pairs, fs+"/"+cfg)
		}
	}
	if len(pairs) == 0 {
		return strings.Join(p.ExtraArgs, " ")
	}
	tokens := append([]string{"-c", strings.Join(pairs, ",")}, p.ExtraArgs...)
	return strings.Join(tokens, " ")
}
