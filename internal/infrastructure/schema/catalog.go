// Package schema loads named extraction schemas and validates extraction results against them.
package schema

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Field is the shorthand form of a schema property.
type Field struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Items       string   `yaml:"items"`
	Enum        []string `yaml:"enum"`
}

type entry struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	OrganizationID string         `yaml:"organization_id"`
	Fields         []Field        `yaml:"fields"`
	JSONSchema     map[string]any `yaml:"json_schema"`
}

type file struct {
	Schemas []entry `yaml:"schemas"`
}

// Catalog is an immutable set of schemas. Schemas without an organization are shared.
type Catalog struct {
	byID map[string]domain.ExtractionSchema
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse schema catalog: %w", err)
	}
	c := &Catalog{byID: make(map[string]domain.ExtractionSchema, len(f.Schemas))}
	for i, e := range f.Schemas {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("schema #%d: id is required", i+1)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("schema %q: duplicate id", id)
		}
		js := e.JSONSchema
		if len(js) == 0 {
			if len(e.Fields) == 0 {
				return nil, fmt.Errorf("schema %q: fields or json_schema is required", id)
			}
			built, err := objectSchema(e.Fields)
			if err != nil {
				return nil, fmt.Errorf("schema %q: %w", id, err)
			}
			js = built
		}
		name := e.Name
		if name == "" {
			name = id
		}
		c.byID[id] = domain.ExtractionSchema{
			ID:             id,
			Name:           name,
			OrganizationID: strings.TrimSpace(e.OrganizationID),
			JSONSchema:     js,
		}
	}
	return c, nil
}

// Empty returns a catalog without schemas; extract jobs then run schemaless.
func Empty() *Catalog {
	return &Catalog{byID: map[string]domain.ExtractionSchema{}}
}

func (c *Catalog) GetSchema(_ context.Context, orgID, id string) (*domain.ExtractionSchema, error) {
	s, ok := c.byID[id]
	if !ok || (s.OrganizationID != "" && s.OrganizationID != orgID) {
		return nil, domain.WrapError(domain.ErrValidation, "schema catalog", fmt.Errorf("schema %q not found", id))
	}
	out := s
	return &out, nil
}

func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func objectSchema(fields []Field) (map[string]any, error) {
	props := make(map[string]any, len(fields))
	required := make([]any, 0)
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field without name")
		}
		prop, err := fieldSchema(f)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out, nil
}

func fieldSchema(f Field) (map[string]any, error) {
	prop, err := typeSchema(f.Type)
	if err != nil {
		return nil, err
	}
	if f.Type == "array" {
		itemType := f.Items
		if itemType == "" {
			itemType = "string"
		}
		items, err := typeSchema(itemType)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		prop["items"] = items
	}
	if f.Description != "" {
		prop["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		enum := make([]any, len(f.Enum))
		for i, v := range f.Enum {
			enum[i] = v
		}
		prop["enum"] = enum
	}
	return prop, nil
}

func typeSchema(t string) (map[string]any, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "string":
		return map[string]any{"type": []any{"string", "null"}}, nil
	case "number":
		return map[string]any{"type": []any{"number", "null"}}, nil
	case "integer":
		return map[string]any{"type": []any{"integer", "null"}}, nil
	case "boolean":
		return map[string]any{"type": []any{"boolean", "null"}}, nil
	case "date":
		return map[string]any{"type": []any{"string", "null"}, "format": "date"}, nil
	case "object":
		return map[string]any{"type": []any{"object", "null"}}, nil
	case "array":
		return map[string]any{"type": "array"}, nil
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}
