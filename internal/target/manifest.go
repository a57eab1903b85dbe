package target

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestEntry is one target record in targets.yaml.
type ManifestEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
	CredDir     string `yaml:"credentialsDir"`
	Enabled     bool   `yaml:"enabled"`
}

// Manifest is the top-level shape of targets.yaml.
type Manifest struct {
	Targets []ManifestEntry `yaml:"targets"`
}

// LoadManifest reads and parses targets.yaml from path. Relative
// credentialsDir entries are resolved against the manifest's own directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("target: parsing manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range m.Targets {
		if !filepath.IsAbs(m.Targets[i].CredDir) {
			m.Targets[i].CredDir = filepath.Join(base, m.Targets[i].CredDir)
		}
	}

	return &m, nil
}

// LoadTargets reads the manifest at path and loads every listed target's
// credential artifacts, returning one Target per entry. A failure loading
// any single target's credentials is returned immediately — a partially
// loaded target (e.g. missing RSA params) cannot safely mint tokens.
func LoadTargets(path string) ([]*Target, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}

	targets := make([]*Target, 0, len(m.Targets))
	for _, e := range m.Targets {
		tg, err := LoadFromDir(e.ID, e.DisplayName, e.CredDir, e.Enabled)
		if err != nil {
			return nil, err
		}
		targets = append(targets, tg)
	}
	return targets, nil
}
