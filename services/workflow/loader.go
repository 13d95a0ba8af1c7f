package workflow

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinitionYAML decodes a definition from YAML (or JSON) bytes. An
// omitted mode means stepwise, matching the builder.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WorkflowDefinition{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	if def.Mode == "" {
		def.Mode = ModeStepwise
	}
	return def, nil
}

// LoadDefinitionFile loads and validates one definition file.
func LoadDefinitionFile(path string) (WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(content)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: %s: %w", path, err)
	}
	if err := CheckDefinition(def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: %s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitionsDir loads every *.yaml and *.yml file in dir, sorted by file
// name. A missing directory yields no definitions.
func LoadDefinitionsDir(dir string) ([]WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]WorkflowDefinition, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("workflow: definition %q declared in both %s and %s", def.ID, prev, name)
		}
		seen[def.ID] = name
		defs = append(defs, def)
	}
	return defs, nil
}

type catalogFile struct {
	NodeTypes []NodeTypeDescriptor `yaml:"node_types"`
}

// LoadCatalogFile reads a node-type catalog:
//
//	node_types:
//	  - name: http
//	    required_parameters: [url]
//	    credentials: [apiKey]
func LoadCatalogFile(path string) (NodeTypeCatalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read catalog %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("workflow: decode catalog %s: %w", path, err)
	}
	for i, d := range file.NodeTypes {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("workflow: catalog %s: entry %d has no name", path, i)
		}
	}
	return NewCatalog(file.NodeTypes...), nil
}
