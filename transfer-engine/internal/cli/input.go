package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/policy"
)

// readPolicyFile decodes a raw policy from JSON (camelCase keys) or YAML
// (snake_case keys, as in preset files) depending on the extension.
func readPolicyFile(path string) (policy.RawPolicy, error) {
	var raw policy.RawPolicy
	data, err := os.ReadFile(path)
	if err != nil {
		return raw, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return raw, fmt.Errorf("decode %s: %w", path, err)
	}
	return raw, nil
}

func readSignals(path string) ([]models.Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var signals []models.Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return signals, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
