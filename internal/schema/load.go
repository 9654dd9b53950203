package schema

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed claim.yaml
var defaultDocument []byte

type document struct {
	Name         string   `yaml:"name"`
	Placeholders []string `yaml:"placeholders"`
	Branches     []struct {
		Name  string `yaml:"name"`
		Label string `yaml:"label"`
	} `yaml:"branches"`
	Fields []struct {
		Path        string `yaml:"path"`
		Label       string `yaml:"label"`
		Description string `yaml:"description"`
		Kind        string `yaml:"kind"`
		Required    bool   `yaml:"required"`
		Branch      string `yaml:"branch"`
	} `yaml:"fields"`
}

// Parse builds a schema from a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Schema, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	fields := make([]Field, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		p, err := ParsePath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", doc.Name, err)
		}
		fields = append(fields, Field{
			Path:        p,
			Label:       f.Label,
			Description: f.Description,
			Kind:        Kind(f.Kind),
			Required:    f.Required,
			Branch:      f.Branch,
		})
	}
	branches := make([]Branch, 0, len(doc.Branches))
	for _, b := range doc.Branches {
		branches = append(branches, Branch{Name: b.Name, Label: b.Label})
	}
	return New(doc.Name, fields, branches, doc.Placeholders)
}

// LoadFile reads a schema document from disk.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

// Default is the built-in insurance claim schema.
func Default() *Schema {
	s, err := Parse(defaultDocument)
	if err != nil {
		panic("schema: embedded claim schema is invalid: " + err.Error())
	}
	return s
}
