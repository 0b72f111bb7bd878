// Package artifacts manages the local cache of device application
// packages. Packages are described by a manifest, fetched from a
// release or bucket source, digest-verified, and selected per device
// by OS class and architecture.
package artifacts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Package describes one device application package.
type Package struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	OSClass      string `yaml:"osClass"`
	Architecture string `yaml:"architecture"`
	File         string `yaml:"file"`
	SHA256       string `yaml:"sha256"`
}

// Manifest lists every package a deployment may need.
type Manifest struct {
	Packages []Package `yaml:"packages"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for i, p := range m.Packages {
		if p.File == "" || p.SHA256 == "" {
			return nil, fmt.Errorf("manifest %s: package %d (%s) missing file or sha256", path, i, p.Name)
		}
	}
	return &m, nil
}

// Select returns the one package matching the device's OS class and
// architecture. No match and multiple matches are both errors; a wrong
// package must never be a silent guess.
func (m *Manifest) Select(osClass, arch string) (Package, error) {
	var matches []Package
	for _, p := range m.Packages {
		if p.OSClass == osClass && p.Architecture == arch {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Package{}, fmt.Errorf("no package for os class %q architecture %q", osClass, arch)
	default:
		return Package{}, fmt.Errorf("%d packages match os class %q architecture %q, manifest is ambiguous",
			len(matches), osClass, arch)
	}
}
