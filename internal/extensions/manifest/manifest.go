// Package manifest parses and validates extension.manifest.json files.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// FileName is the manifest file every extension module carries
const FileName = "extension.manifest.json"

var (
	// ErrInvalidManifest is returned for malformed or incomplete manifests
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrIncompatibleRuntime is returned when version requirements fail
	ErrIncompatibleRuntime = errors.New("incompatible runtime")
)

// ProfileRequirement pins an extension to a runtime profile version range
type ProfileRequirement struct {
	Name         string `json:"name"`
	VersionRange string `json:"versionRange"`
}

// RuntimeSpec declares the host versions an extension supports
type RuntimeSpec struct {
	CoreAPIVersion      string               `json:"coreApiVersion,omitempty"`
	CoreAPIVersionRange string               `json:"coreApiVersionRange,omitempty"`
	Profiles            []ProfileRequirement `json:"profiles,omitempty"`
}

// Entrypoints names the registered entrypoint factories of a module
type Entrypoints struct {
	Events string `json:"events,omitempty"`
}

// Capabilities declares what a module is allowed to touch
type Capabilities struct {
	Events  []string `json:"events,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// Manifest is the parsed extension.manifest.json
type Manifest struct {
	Name         string       `json:"name"`
	Version      string       `json:"version,omitempty"`
	AgentID      string       `json:"agentId,omitempty"`
	DisplayName  string       `json:"displayName,omitempty"`
	Runtime      *RuntimeSpec `json:"runtime,omitempty"`
	Entrypoints  Entrypoints  `json:"entrypoints,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// Load reads and validates the manifest in dir
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return Parse(data)
}

// Parse validates raw manifest bytes
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return nil, fmt.Errorf("%w: version %q is not semver: %v", ErrInvalidManifest, m.Version, err)
		}
	}
	if m.Runtime != nil {
		if m.Runtime.CoreAPIVersionRange != "" {
			if _, err := semver.NewConstraint(m.Runtime.CoreAPIVersionRange); err != nil {
				return nil, fmt.Errorf("%w: coreApiVersionRange: %v", ErrInvalidManifest, err)
			}
		}
		for _, p := range m.Runtime.Profiles {
			if p.Name == "" {
				return nil, fmt.Errorf("%w: profile requirement without a name", ErrInvalidManifest)
			}
			if p.VersionRange != "" {
				if _, err := semver.NewConstraint(p.VersionRange); err != nil {
					return nil, fmt.Errorf("%w: profile %s versionRange: %v", ErrInvalidManifest, p.Name, err)
				}
			}
		}
	}
	return &m, nil
}

// EventsEntrypoint returns the entrypoint reference, defaulting to the
// module name when the manifest does not name one.
func (m *Manifest) EventsEntrypoint() string {
	if m.Entrypoints.Events != "" {
		return m.Entrypoints.Events
	}
	return m.Name
}

// DeclaresEvent reports whether eventType is declared in capabilities.events
func (m *Manifest) DeclaresEvent(eventType string) bool {
	for _, e := range m.Capabilities.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeclaresAction reports whether actionType is declared in capabilities.actions
func (m *Manifest) DeclaresAction(actionType string) bool {
	for _, a := range m.Capabilities.Actions {
		if a == actionType {
			return true
		}
	}
	return false
}

// HostInfo describes the running core for compatibility evaluation
type HostInfo struct {
	CoreAPIVersion string
	ProfileName    string
	ProfileVersion string
}

// CheckCompatibility evaluates the manifest's runtime requirements
// against the host. A manifest without a runtime block is compatible.
func (m *Manifest) CheckCompatibility(host HostInfo) error {
	if m.Runtime == nil {
		return nil
	}

	hostCore, err := semver.NewVersion(host.CoreAPIVersion)
	if err != nil {
		return fmt.Errorf("%w: host core version %q: %v", ErrIncompatibleRuntime, host.CoreAPIVersion, err)
	}

	if m.Runtime.CoreAPIVersionRange != "" {
		c, _ := semver.NewConstraint(m.Runtime.CoreAPIVersionRange)
		if !c.Check(hostCore) {
			return fmt.Errorf("%w: core api %s does not satisfy %q",
				ErrIncompatibleRuntime, host.CoreAPIVersion, m.Runtime.CoreAPIVersionRange)
		}
	} else if m.Runtime.CoreAPIVersion != "" {
		want, err := semver.NewVersion(m.Runtime.CoreAPIVersion)
		if err != nil {
			return fmt.Errorf("%w: coreApiVersion %q: %v", ErrIncompatibleRuntime, m.Runtime.CoreAPIVersion, err)
		}
		if want.Major() != hostCore.Major() {
			return fmt.Errorf("%w: core api major %d required, host is %d",
				ErrIncompatibleRuntime, want.Major(), hostCore.Major())
		}
	}

	if len(m.Runtime.Profiles) == 0 {
		return nil
	}
	hostProfile, err := semver.NewVersion(host.ProfileVersion)
	if err != nil {
		return fmt.Errorf("%w: host profile version %q: %v", ErrIncompatibleRuntime, host.ProfileVersion, err)
	}
	for _, p := range m.Runtime.Profiles {
		if p.Name != host.ProfileName {
			continue
		}
		if p.VersionRange == "" {
			return nil
		}
		c, _ := semver.NewConstraint(p.VersionRange)
		if c.Check(hostProfile) {
			return nil
		}
		return fmt.Errorf("%w: profile %s@%s does not satisfy %q",
			ErrIncompatibleRuntime, host.ProfileName, host.ProfileVersion, p.VersionRange)
	}
	return fmt.Errorf("%w: no profile requirement matches host profile %s",
		ErrIncompatibleRuntime, host.ProfileName)
}
