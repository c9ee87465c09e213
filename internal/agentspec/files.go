package agentspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/yakuin/internal/model"
)

// LoadFile reads one or more specs from path. YAML files may hold several
// documents separated by "---" or a top-level list; JSON files may hold a
// single object or an array.
func LoadFile(path string) ([]model.AgentSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return nil, fmt.Errorf("agentspec: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSONDocs(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("agentspec: unsupported file extension %q (want .json, .yaml, or .yml)", filepath.Ext(path))
	}
}

// ParseYAML decodes every YAML document in data and validates each as a spec.
func ParseYAML(data []byte) ([]model.AgentSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var specs []model.AgentSpec
	for i := 0; ; i++ {
		var doc any
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("agentspec: yaml document %d: %w", i, err)
		}
		if doc == nil {
			continue
		}
		items, ok := doc.([]any)
		if !ok {
			items = []any{doc}
		}
		for j, item := range items {
			raw, err := json.Marshal(item)
			if err != nil {
				return nil, fmt.Errorf("agentspec: yaml document %d item %d: %w", i, j, err)
			}
			spec, err := Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("yaml document %d item %d: %w", i, j, err)
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

func parseJSONDocs(data []byte) ([]model.AgentSpec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("agentspec: decode spec array: %w", err)
		}
		specs := make([]model.AgentSpec, 0, len(items))
		for i, item := range items {
			spec, err := Parse(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}
	spec, err := Parse(trimmed)
	if err != nil {
		return nil, err
	}
	return []model.AgentSpec{spec}, nil
}
