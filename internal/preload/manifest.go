package preload

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FallbackModelID is used when neither an override nor a configured model
// identifier is present.
const FallbackModelID = "whisper-tiny.en"

//go:embed models.yaml
var embeddedManifest []byte

// Manifest lists the downloadable model packages.
type Manifest struct {
	Models []Model `yaml:"models"`
}

// Model describes one model package.
type Model struct {
	ID         string `yaml:"id"`
	Repo       string `yaml:"repo"`
	Module     string `yaml:"module"`
	TotalBytes int64  `yaml:"total_bytes"`
	Files      []File `yaml:"files"`
}

type File struct {
	Name     string `yaml:"name"`
	Bytes    int64  `yaml:"bytes"`
	Dominant bool   `yaml:"dominant,omitempty"`
}

// DefaultManifest returns the manifest compiled into the binary.
func DefaultManifest() Manifest {
	m, err := ParseManifest(embeddedManifest)
	if err != nil {
		panic(fmt.Sprintf("embedded model manifest: %v", err))
	}
	return m
}

// LoadManifest reads a manifest from disk. An empty path yields the
// embedded manifest.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read model manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse model manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures every model declares an id, a repo and at least one file.
func (m Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Models))
	for i, model := range m.Models {
		if model.ID == "" {
			return fmt.Errorf("models[%d].id is required", i)
		}
		if seen[model.ID] {
			return fmt.Errorf("model %q declared twice", model.ID)
		}
		seen[model.ID] = true
		if model.Repo == "" {
			return fmt.Errorf("model %q: repo is required", model.ID)
		}
		if len(model.Files) == 0 {
			return fmt.Errorf("model %q: at least one file is required", model.ID)
		}
		for _, f := range model.Files {
			if f.Name == "" {
				return fmt.Errorf("model %q: file name is required", model.ID)
			}
		}
	}
	return nil
}

// Lookup finds a model by id.
func (m Manifest) Lookup(id string) (Model, bool) {
	for _, model := range m.Models {
		if model.ID == id {
			return model, true
		}
	}
	return Model{}, false
}

// Dominant returns the largest file of the package, preferring the one
// flagged dominant.
func (m Model) Dominant() File {
	var best File
	for _, f := range m.Files {
		if f.Dominant {
			return f
		}
		if f.Bytes > best.Bytes {
			best = f
		}
	}
	return best
}

// StaticTotal is the package size used when headers are unavailable.
func (m Model) StaticTotal() int64 {
	if m.TotalBytes > 0 {
		return m.TotalBytes
	}
	var total int64
	for _, f := range m.Files {
		total += f.Bytes
	}
	return total
}
