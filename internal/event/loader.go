package event

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegistryFile is the on-disk form of a registry.
//
//	types:
//	  - type: OrderCreated
//	    version: 1
//	    description: "An order was placed"
//	    cue: |
//	      close({ order_id: string, total: int & >0 })
//	  - type: OrderPaid
//	    version: 1
//	    json_schema: |
//	      {"type": "object", "required": ["amount"]}
//
// Each entry declares at most one of cue or json_schema. Entries with
// neither accept any JSON object.
type RegistryFile struct {
	Types []TypeEntry `yaml:"types"`
}

// TypeEntry is one definition in a RegistryFile.
type TypeEntry struct {
	Type        string `yaml:"type"`
	Version     int    `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	CUE         string `yaml:"cue,omitempty"`
	JSONSchema  string `yaml:"json_schema,omitempty"`
}

// LoadRegistry reads a YAML registry file and compiles its schemas.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses registry YAML. Unknown fields are rejected to catch
// typos such as "jsonschema:".
func ParseRegistry(data []byte) (*Registry, error) {
	var file RegistryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse registry YAML: %w", err)
	}
	return file.Compile()
}

// Compile builds a Registry from the file's entries.
func (f RegistryFile) Compile() (*Registry, error) {
	if len(f.Types) == 0 {
		return nil, fmt.Errorf("registry declares no types")
	}

	defs := make([]Definition, 0, len(f.Types))
	for i, entry := range f.Types {
		def, err := entry.definition()
		if err != nil {
			return nil, fmt.Errorf("types[%d] %s: %w", i, entry.Type, err)
		}
		defs = append(defs, def)
	}
	return NewRegistry(defs...)
}

func (e TypeEntry) definition() (Definition, error) {
	version := e.Version
	if version == 0 {
		version = 1
	}
	def := Definition{Type: e.Type, Version: version, Description: e.Description}

	switch {
	case e.CUE != "" && e.JSONSchema != "":
		return Definition{}, fmt.Errorf("declare either cue or json_schema, not both")
	case e.CUE != "":
		s, err := NewCUESchema(e.CUE)
		if err != nil {
			return Definition{}, err
		}
		def.Schema = s
	case e.JSONSchema != "":
		s, err := NewJSONSchema(fmt.Sprintf("%s.v%d", e.Type, version), e.JSONSchema)
		if err != nil {
			return Definition{}, err
		}
		def.Schema = s
	}
	return def, nil
}
