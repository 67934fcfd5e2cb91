package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/extensions/manifest"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func writeModule(t *testing.T, dir, name string) string {
	t.Helper()
	moduleDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(moduleDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(moduleDir, manifest.FileName),
		[]byte(`{"name": "`+name+`"}`), 0o644))
	return moduleDir
}

func TestDiscover_SubdirectoriesOfRoot(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "alpha")
	writeModule(t, root, "beta")
	// Not a module: no manifest
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-module"), 0o755))

	d := NewDiscoverer(Roots{RepoRoot: root}, testLogger(t))
	candidates := d.Discover()

	require.Len(t, candidates, 2)
	assert.Equal(t, v1.OriginRepoLocal, candidates[0].Origin.Type)
	assert.Contains(t, candidates[0].Path, "alpha")
	assert.Contains(t, candidates[1].Path, "beta")
}

func TestDiscover_RootItselfIsModule(t *testing.T) {
	parent := t.TempDir()
	moduleDir := writeModule(t, parent, "solo")

	d := NewDiscoverer(Roots{ConfiguredRoots: []string{moduleDir}}, testLogger(t))
	candidates := d.Discover()

	require.Len(t, candidates, 1)
	assert.Equal(t, moduleDir, candidates[0].Path)
	assert.Equal(t, v1.OriginConfiguredRoot, candidates[0].Origin.Type)
}

func TestDiscover_PrecedenceDeduplication(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "shared")

	// Same directory reachable as repo-local and as a configured root
	d := NewDiscoverer(Roots{
		RepoRoot:        root,
		ConfiguredRoots: []string{root},
	}, testLogger(t))
	candidates := d.Discover()

	require.Len(t, candidates, 1)
	assert.Equal(t, v1.OriginRepoLocal, candidates[0].Origin.Type)
}

func TestDiscover_MissingRootsIgnored(t *testing.T) {
	d := NewDiscoverer(Roots{
		RepoRoot:        filepath.Join(t.TempDir(), "does-not-exist"),
		PackageRoots:    []string{filepath.Join(t.TempDir(), "also-missing")},
		ConfiguredRoots: nil,
	}, testLogger(t))

	assert.Empty(t, d.Discover())
}

func TestDiscover_MultipleFamilies(t *testing.T) {
	repo := t.TempDir()
	pkg := t.TempDir()
	writeModule(t, repo, "local-mod")
	writeModule(t, pkg, "pkg-mod")

	d := NewDiscoverer(Roots{RepoRoot: repo, PackageRoots: []string{pkg}}, testLogger(t))
	candidates := d.Discover()
	require.Len(t, candidates, 2)

	origins := map[string]v1.OriginType{}
	for _, c := range candidates {
		origins[filepath.Base(c.Path)] = c.Origin.Type
	}
	assert.Equal(t, v1.OriginRepoLocal, origins["local-mod"])
	assert.Equal(t, v1.OriginInstalledPackage, origins["pkg-mod"])
}
