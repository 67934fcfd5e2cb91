// Package inventory discovers candidate extension module directories
// across the configured source roots.
package inventory

import (
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/extensions/manifest"
	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// originPrecedence ranks source families; lower wins
var originPrecedence = map[v1.OriginType]int{
	v1.OriginRepoLocal:        0,
	v1.OriginInstalledPackage: 1,
	v1.OriginConfiguredRoot:   2,
}

// Candidate is a directory that looks like an extension module
type Candidate struct {
	Path   string
	Origin v1.ModuleOrigin
}

// Roots lists the source roots to scan, grouped by family
type Roots struct {
	RepoRoot        string
	PackageRoots    []string
	ConfiguredRoots []string
}

// Discoverer scans source roots for extension candidates
type Discoverer struct {
	roots  Roots
	logger *logger.Logger
}

// NewDiscoverer creates a discoverer over the given roots
func NewDiscoverer(roots Roots, log *logger.Logger) *Discoverer {
	return &Discoverer{
		roots:  roots,
		logger: log.WithFields(zap.String("component", "extension_inventory")),
	}
}

// Discover returns deduplicated candidates. When the same directory is
// reachable from multiple roots, the higher-precedence family wins;
// ties break lexicographically by path.
func (d *Discoverer) Discover() []Candidate {
	var all []Candidate
	if d.roots.RepoRoot != "" {
		all = append(all, d.scanRoot(d.roots.RepoRoot, v1.OriginRepoLocal)...)
	}
	for _, root := range d.roots.PackageRoots {
		all = append(all, d.scanRoot(root, v1.OriginInstalledPackage)...)
	}
	for _, root := range d.roots.ConfiguredRoots {
		all = append(all, d.scanRoot(root, v1.OriginConfiguredRoot)...)
	}

	byPath := make(map[string]Candidate)
	for _, c := range all {
		existing, seen := byPath[c.Path]
		if !seen {
			byPath[c.Path] = c
			continue
		}
		ep, np := originPrecedence[existing.Origin.Type], originPrecedence[c.Origin.Type]
		if np < ep || (np == ep && c.Origin.Path < existing.Origin.Path) {
			byPath[c.Path] = c
		}
	}

	result := make([]Candidate, 0, len(byPath))
	for _, c := range byPath {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

// scanRoot yields the root itself when it looks like an extension,
// otherwise each immediate subdirectory that does.
func (d *Discoverer) scanRoot(root string, origin v1.OriginType) []Candidate {
	abs, err := filepath.Abs(root)
	if err != nil {
		d.logger.Warn("skipping unresolvable extension root", zap.String("root", root), zap.Error(err))
		return nil
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil
	}

	if looksLikeExtension(abs) {
		return []Candidate{{Path: abs, Origin: v1.ModuleOrigin{Type: origin, Path: abs}}}
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		d.logger.Warn("failed to read extension root", zap.String("root", abs), zap.Error(err))
		return nil
	}
	var candidates []Candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(abs, entry.Name())
		if looksLikeExtension(dir) {
			candidates = append(candidates, Candidate{
				Path:   dir,
				Origin: v1.ModuleOrigin{Type: origin, Path: abs},
			})
		}
	}
	return candidates
}

func looksLikeExtension(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, manifest.FileName)); err == nil {
		return true
	}
	return false
}
