package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileFetcher reads project definitions from a directory of
// <projectId>.yaml / .yml / .json files. Used for offline rehearsal.
type FileFetcher struct {
	Dir string
}

// NewFileFetcher creates a fetcher rooted at dir
func NewFileFetcher(dir string) *FileFetcher {
	return &FileFetcher{Dir: dir}
}

// FetchProject implements Fetcher
func (f *FileFetcher) FetchProject(ctx context.Context, projectID string) (*Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if projectID == "" || strings.ContainsAny(projectID, `/\`) {
		return nil, fmt.Errorf("invalid project id %q", projectID)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(f.Dir, projectID+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		p, err := DecodeDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if p.ID == "" {
			p.ID = projectID
		}
		return p, nil
	}
	return nil, ErrNotFound
}

// DecodeDefinition parses a YAML or JSON project definition. YAML is
// converted through JSON so both share the same field names and defaults.
func DecodeDefinition(data []byte) (*Project, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	jsonData, err := json.Marshal(normalizeYAML(generic))
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(jsonData, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// normalizeYAML converts map[any]any nodes into JSON-encodable maps
func normalizeYAML(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = normalizeYAML(child)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = normalizeYAML(child)
		}
		return out
	case []any:
		for i, child := range node {
			node[i] = normalizeYAML(child)
		}
		return node
	default:
		return v
	}
}
