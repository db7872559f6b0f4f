package cmdparser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCatalog creates a minimal fs/ catalog tree under a temp dir:
//
//	<root>/fs/ext4/cfg/4k
//	<root>/fs/ext4/cfg/1k
//	<root>/fs/ext4/cfg/all.list         ("4k\n1k\n")
//	<root>/fs/ext4/cfg/quick.list       ("4k\n")
//	<root>/fs/xfs/cfg/default
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
	mkFile("fs/ext4/cfg/all.list", "4k\n1k\n")
	mkFile("fs/ext4/cfg/quick.list", "4k\n")
	mkFile("fs/xfs/cfg/default", "")
	return root
}

func TestParse_InvalidCatalogRoot(t *testing.T) {
	_, err := Parse("", "ext4", t.TempDir())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParse_InvalidDefaultFstype(t *testing.T) {
	root := buildCatalog(t)
	_, err := Parse("", "btrfs", root)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParse_NoConfigSpecLoadsDefaultAll(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("-g auto", "ext4", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"4k", "1k"}, plan.Fsconfigs["ext4"])
	assert.Equal(t, []string{"-g", "auto"}, plan.ExtraArgs)
}

func TestParse_BareTokenResolvesAgainstDefaultFstypeListFile(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("-c quick", "ext4", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"4k"}, plan.Fsconfigs["ext4"])
}

func TestParse_FsSlashCfgDirectFile(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("-c ext4/1k", "ext4", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"1k"}, plan.Fsconfigs["ext4"])
}

func TestParse_BareFsDirectoryUsesDefaultConfig(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("-c xfs", "ext4", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, plan.Fsconfigs["xfs"])
}

func TestParse_UnresolvableElementSilentlyDropped(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("-c nonexistent", "ext4", root)
	require.NoError(t, err)
	assert.Empty(t, plan.Fsconfigs)
}

func TestParse_DuplicateConfigCollapses(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("-c ext4/4k,ext4/4k,ext4/1k", "ext4", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"4k", "1k"}, plan.Fsconfigs["ext4"])
}

func TestParse_SmokeAliasExpands(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("smoke", "ext4", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"4k"}, plan.Fsconfigs["ext4"])
	assert.Equal(t, []string{"-g", "quick"}, plan.ExtraArgs)
}

func TestParse_SanitizesLTMIncompatibleFlags(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("ltm --no-region-shard --email foo@bar.com -c ext4/4k -g quick", "ext4", root)
	require.NoError(t, err)
	assert.Equal(t, []string{"-g", "quick"}, plan.ExtraArgs)
}

func TestParse_NoActionShortCircuits(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("--no-action -c ext4/4k", "ext4", root)
	require.NoError(t, err)
	assert.Empty(t, plan.Fsconfigs)
	assert.Equal(t, []string{"--no-action", "-c", "ext4/4k"}, plan.ExtraArgs)
}

func TestParseRenderRoundTrip(t *testing.T) {
	root := buildCatalog(t)
	plan, err := Parse("-c ext4/4k,ext4/1k,xfs/default -g quick", "ext4", root)
	require.NoError(t, err)

	rendered := Render(plan)
	reparsed, err := Parse(rendered, "ext4", root)
	require.NoError(t, err)

	assert.Equal(t, plan.Fsconfigs, reparsed.Fsconfigs)
	assert.Equal(t, plan.ExtraArgs, reparsed.ExtraArgs)
}
