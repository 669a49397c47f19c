// Package catalog holds the static registry of scan tools a controller can
// dispatch. A Catalog is loaded once at startup and never mutated.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanfleet/internal/errors"
)

// Tool describes one runnable scan tool.
type Tool struct {
	Name        string   `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Image       string   `yaml:"image" json:"image"`
	Description string   `yaml:"description" json:"description"`
	Args        []string `yaml:"args" json:"args"`
	Options     []string `yaml:"options,omitempty" json:"options,omitempty"`
}

type file struct {
	Tools []Tool `yaml:"tools"`
}

// Catalog is an immutable snapshot of the configured tools, in file order.
type Catalog struct {
	tools  []Tool
	byName map[string]int
}

// New builds a catalog from tools. Names must be unique.
func New(tools []Tool) (*Catalog, error) {
	v := validator.New()
	c := &Catalog{
		tools:  make([]Tool, 0, len(tools)),
		byName: make(map[string]int, len(tools)),
	}

	for i, t := range tools {
		if err := v.Struct(t); err != nil {
			return nil, errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("Invalid tool definition: %v", err), fmt.Sprintf("tools[%d].name", i), t.Name)
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, errors.NewConfigFieldError(errors.CodeValidation,
				"Duplicate tool name", fmt.Sprintf("tools[%d].name", i), t.Name)
		}
		c.byName[t.Name] = len(c.tools)
		c.tools = append(c.tools, cloneTool(t))
	}
	return c, nil
}

// Parse decodes a tools.yaml document of the form {tools: [...]}.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalog: %w", err)
	}
	return New(f.Tools)
}

// Load reads the catalog from path. A missing file is an error.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
				"Tool catalog not found", "controller.tools_file", path)
		}
		return nil, fmt.Errorf("failed to read tool catalog: %w", err)
	}
	return Parse(data)
}

// Lookup returns the tool registered under name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Tool{}, false
	}
	return cloneTool(c.tools[i]), true
}

// Has reports whether name is a known tool.
func (c *Catalog) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Tools returns a copy of all tools in file order.
func (c *Catalog) Tools() []Tool {
	out := make([]Tool, len(c.tools))
	for i, t := range c.tools {
		out[i] = cloneTool(t)
	}
	return out
}

// Names returns the sorted tool names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	return len(c.tools)
}

func cloneTool(t Tool) Tool {
	if t.Args != nil {
		t.Args = append([]string(nil), t.Args...)
	}
	if t.Options != nil {
		t.Options = append([]string(nil), t.Options...)
	}
	return t
}
