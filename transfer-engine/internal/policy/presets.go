package policy

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

//go:embed presets.yaml
var builtinPresets []byte

type presetFile struct {
	Policies []RawPolicy `yaml:"policies"`
}

// BuiltinPresets returns the presets shipped with the service.
func BuiltinPresets() ([]models.Policy, error) {
	return ParsePresets(builtinPresets)
}

// LoadPresets reads a YAML preset file. An empty path yields the builtin set.
func LoadPresets(path string) ([]models.Policy, error) {
	if path == "" {
		return BuiltinPresets()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	return ParsePresets(data)
}

// ParsePresets decodes and validates every preset. Presets must carry an id.
func ParsePresets(data []byte) ([]models.Policy, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode presets: %w", err)
	}
	out := make([]models.Policy, 0, len(file.Policies))
	seen := make(map[string]struct{}, len(file.Policies))
	for i, raw := range file.Policies {
		if raw.ID == "" {
			return nil, fmt.Errorf("preset %d: id required", i)
		}
		if _, dup := seen[raw.ID]; dup {
			return nil, fmt.Errorf("preset %q: duplicate id", raw.ID)
		}
		seen[raw.ID] = struct{}{}
		if raw.CreatedBy == "" {
			raw.CreatedBy = "system"
		}
		p, err := Validate(raw)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", raw.ID, err)
		}
		p.IsPreset = true
		out = append(out, p)
	}
	return out, nil
}
