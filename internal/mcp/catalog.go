package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/genai"
)

// ToolLister is the part of Client the catalog needs.
type ToolLister interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
}

// Catalog is the set of gateway tools offered to the model. It is built
// once and never modified, so it is safe to share without locking.
type Catalog struct {
	tools   []ToolDefinition
	decls   []*genai.FunctionDeclaration
	schemas map[string]*gojsonschema.Schema
}

// FetchCatalog lists the gateway's tools and converts them to function
// declarations. It never fails: when the gateway is unreachable or has
// no tools, the empty catalog is returned and tool use is disabled.
func FetchCatalog(ctx context.Context, lister ToolLister, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if lister == nil {
		return NewCatalog(nil, logger)
	}

	defs, err := lister.ListTools(ctx)
	if err != nil {
		logger.Warn("tool catalog unavailable, continuing without tools", "error", err)
		return NewCatalog(nil, logger)
	}
	if len(defs) == 0 {
		logger.Warn("gateway reported no tools")
	}
	return NewCatalog(defs, logger)
}

// NewCatalog builds a catalog from tool definitions. Definitions without
// a name are skipped. Input schemas that fail to compile disable
// argument validation for that tool only.
func NewCatalog(defs []ToolDefinition, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{schemas: make(map[string]*gojsonschema.Schema)}
	for _, d := range defs {
		if d.Name == "" {
			logger.Warn("skipping unnamed gateway tool")
			continue
		}
		c.tools = append(c.tools, d)
		c.decls = append(c.decls, declaration(d))

		if len(d.InputSchema) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.InputSchema))
		if err != nil {
			logger.Warn("tool input schema does not compile, arguments will not be validated",
				"tool", d.Name,
				"error", err,
			)
			continue
		}
		c.schemas[d.Name] = schema
	}

	logger.Info("tool catalog ready", "tools", len(c.tools))
	return c
}

// declaration maps a gateway tool to a Gemini function declaration.
// Only type, properties and required survive; gateway-specific schema
// keys are dropped.
func declaration(d ToolDefinition) *genai.FunctionDeclaration {
	decl := &genai.FunctionDeclaration{
		Name:        d.Name,
		Description: d.Description,
	}
	if len(d.InputSchema) == 0 {
		return decl
	}

	params := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []any{},
	}
	if v, ok := d.InputSchema["type"]; ok && v != nil {
		params["type"] = v
	}
	if v, ok := d.InputSchema["properties"]; ok && v != nil {
		params["properties"] = v
	}
	if v, ok := d.InputSchema["required"]; ok && v != nil {
		params["required"] = v
	}
	decl.ParametersJsonSchema = params
	return decl
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

// Empty reports whether no tools are available.
func (c *Catalog) Empty() bool {
	return c.Len() == 0
}

// Tools returns the gateway definitions in gateway order.
func (c *Catalog) Tools() []ToolDefinition {
	if c == nil {
		return nil
	}
	return c.tools
}

// Names returns the sorted tool names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, c.Len())
	for _, t := range c.Tools() {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the catalog contains the named tool.
func (c *Catalog) Has(name string) bool {
	for _, t := range c.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Declarations returns the function declarations to send with a
// generation round, or nil when the catalog is empty.
func (c *Catalog) Declarations() []*genai.FunctionDeclaration {
	if c.Empty() {
		return nil
	}
	return c.decls
}

// Validate checks args against the tool's input schema. Tools without a
// compiled schema, including unknown tools, always pass.
func (c *Catalog) Validate(name string, args map[string]any) error {
	if c == nil {
		return nil
	}
	schema, ok := c.schemas[name]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validate %s arguments: %w", name, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments for %s: %s", name, strings.Join(msgs, "; "))
	}
	return nil
}
