package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSONBytes returns the raw config bytes as JSON. Files with a .yaml/.yml
// extension are decoded and re-encoded so both formats go through the one
// strict JSON decoder and its unknown-key rejection. The returned format tag
// is "json" or "yaml", for error messages.
func toJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, "yaml", fmt.Errorf("decode yaml: %w", err)
	}

	out, err := json.Marshal(stringifyKeys(tree))
	if err != nil {
		return nil, "yaml", fmt.Errorf("re-encode yaml as json: %w", err)
	}
	return out, "yaml", nil
}

// stringifyKeys rewrites every map key in a decoded YAML tree to a string so
// the tree can pass through encoding/json.
func stringifyKeys(in any) any {
	switch v := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range v {
			v[k] = stringifyKeys(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = stringifyKeys(val)
		}
		return v
	}
	return in
}
