// Package occlusion monitors a static list of scene paths for visibility and
// reports hidden/visible changes as a distance-independent activation signal.
package occlusion

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed table.schema.json
var tableSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func tableSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("occlusion-table.schema.json", tableSchemaJSON)
	})
	return schema, schemaErr
}

// Node is one element of the hierarchy description. Its path is the names of
// its ancestors and itself joined with "/".
type Node struct {
	Name      string `json:"name" yaml:"name"`
	Exception bool   `json:"exception,omitempty" yaml:"exception,omitempty"`
	Children  []Node `json:"children,omitempty" yaml:"children,omitempty"`
}

type Table struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

// Entry is a flattened node.
type Entry struct {
	Path         string `json:"path"`
	HasException bool   `json:"has_exception,omitempty"`
}

// LoadTable reads a YAML or JSON hierarchy document.
func LoadTable(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTable(b, path)
}

// ParseTable validates b against the table schema and decodes it. JSON input
// is recognised by a leading '{'; anything else is read as YAML.
func ParseTable(b []byte, name string) (*Table, error) {
	raw := bytes.TrimSpace(b)
	if len(raw) > 0 && raw[0] != '{' {
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		j, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		raw = j
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	s, err := tableSchema()
	if err != nil {
		return nil, fmt.Errorf("occlusion schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	var t Table
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &t, nil
}

// Walk visits nodes depth-first with their composed paths. Returning false
// from fn skips the node's subtree.
func (t *Table) Walk(fn func(path string, n Node) bool) {
	var walk func(prefix string, nodes []Node)
	walk = func(prefix string, nodes []Node) {
		for _, n := range nodes {
			p := n.Name
			if prefix != "" {
				p = prefix + "/" + n.Name
			}
			if fn(p, n) {
				walk(p, n.Children)
			}
		}
	}
	walk("", t.Nodes)
}

func (t *Table) Entries() []Entry {
	var out []Entry
	t.Walk(func(p string, n Node) bool {
		out = append(out, Entry{Path: p, HasException: n.Exception})
		return true
	})
	return out
}
