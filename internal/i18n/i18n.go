// Package i18n provides the thin template service the pipeline runtime's
// agent_step needs: a function from (key, attrs) to an interpolated
// string, and a way to check whether a key exists before relying on it.
// It deliberately does not attempt to be a general-purpose i18n system —
// the core only ever needs flat key lookups with Go-template interpolation.
package i18n

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Catalog is a flat key -> template-string table, optionally with nested
// structured values (used for response_schema/tools/cached_prompts keys,
// which are not strings but arbitrary YAML).
type Catalog struct {
	values map[string]any
}

// Load reads a YAML file of nested keys (e.g. "draft_pr.prompt:
// ...") and flattens it into dotted keys.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("i18n: read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("i18n: parse %s: %w", path, err)
	}
	flat := make(map[string]any)
	flatten("", raw, flat)
	return &Catalog{values: flat}, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// Exists reports whether key is present in the catalog.
func (c *Catalog) Exists(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.values[key]
	return ok
}

// T interpolates the template string stored at key with attrs, using Go
// template syntax ({{.field}}). If key's value is not a string, T returns
// an error — callers needing the raw structured value should use Raw.
func (c *Catalog) T(key string, attrs map[string]any) (string, error) {
	if c == nil {
		return "", fmt.Errorf("i18n: catalog is nil, key %q", key)
	}
	v, ok := c.values[key]
	if !ok {
		return "", fmt.Errorf("i18n: key %q not found", key)
	}
	tmplStr, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("i18n: key %q is not a string template", key)
	}
	tmpl, err := template.New(key).Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("i18n: parse template %q: %w", key, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, attrs); err != nil {
		return "", fmt.Errorf("i18n: render template %q: %w", key, err)
	}
	return buf.String(), nil
}

// Raw returns the unrendered value stored at key — used for
// non-string keys like "<name>.tools" or "<name>.response_schema".
func (c *Catalog) Raw(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Merge layers other's keys over c's (other wins on conflict), returning a
// new catalog. Used to combine a base catalog with per-call overrides.
func (c *Catalog) Merge(other map[string]any) *Catalog {
	merged := make(map[string]any, len(c.values)+len(other))
	if c != nil {
		for k, v := range c.values {
			merged[k] = v
		}
	}
	for k, v := range other {
		merged[k] = v
	}
	return &Catalog{values: merged}
}

// Key builds a dotted catalog key from parts, joined the same way Load
// flattens nested YAML maps.
func Key(parts ...string) string {
	return strings.Join(parts, ".")
}
