// Package catalog defines the tools a device can execute: names,
// descriptions, categories, risk tiers and the JSON Schema of their
// parameters. Schemas are reflected from Go structs and compiled once for
// validation.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/pkg/protocol"
)

// ErrInvalidParameters wraps every parameter validation failure.
var ErrInvalidParameters = errors.New("invalid parameters")

// Category groups tools for listing.
type Category string

const (
	CategoryFileSystem  Category = "file_system"
	CategoryApplication Category = "application"
	CategoryDevice      Category = "device"
)

const (
	formatPath = "path"
	formatApp  = "app"
)

// Param describes one tool parameter in schema order.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Format      string `json:"format,omitempty"`
}

// Tool is a catalog entry.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Dangerous   bool
	Tier        devices.RiskTier
	Schema      json.RawMessage

	params   []Param
	compiled *validator.Schema
}

// Params returns the parameters in schema order.
func (t *Tool) Params() []Param {
	return append([]Param(nil), t.params...)
}

// PathParams returns the names of parameters that carry filesystem paths.
func (t *Tool) PathParams() []string {
	var out []string
	for _, p := range t.params {
		if p.Format == formatPath {
			out = append(out, p.Name)
		}
	}
	return out
}

// AppParam returns the name of the application identifier parameter.
func (t *Tool) AppParam() (string, bool) {
	for _, p := range t.params {
		if p.Format == formatApp {
			return p.Name, true
		}
	}
	return "", false
}

// Validate checks params against the tool schema and returns a copy with
// defaults applied. Boolean parameters also accept "true"/"false", "1"/"0"
// and "yes"/"no" strings.
func (t *Tool) Validate(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(t.params))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range t.params {
		v, ok := out[p.Name]
		if !ok || v == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
			} else {
				delete(out, p.Name)
			}
			continue
		}
		if p.Type == "boolean" {
			if s, isString := v.(string); isString {
				if b, parsed := parseBool(s); parsed {
					out[p.Name] = b
				}
			}
		}
	}

	// Round-trip through JSON so Go-typed values validate like wire values.
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := t.compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParameters, describeValidation(err))
	}
	normalized, _ := doc.(map[string]any)
	return normalized, nil
}

// Info converts the tool to its wire description.
func (t *Tool) Info() protocol.ToolInfo {
	return protocol.ToolInfo{
		Name:        t.Name,
		Description: t.Description,
		Category:    string(t.Category),
		Dangerous:   t.Dangerous,
		Parameters:  t.Schema,
	}
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

func describeValidation(err error) string {
	var ve *validator.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return err.Error()
}

// Catalog is an immutable set of tools.
type Catalog struct {
	tools map[string]*Tool
	order []string
}

// Lookup returns the tool by exact name.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// List returns every tool in definition order.
func (c *Catalog) List() []*Tool {
	out := make([]*Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int { return len(c.order) }

// Categories returns the distinct categories, sorted.
func (c *Catalog) Categories() []string {
	seen := make(map[Category]bool)
	var out []string
	for _, t := range c.tools {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, string(t.Category))
		}
	}
	sort.Strings(out)
	return out
}

// ToolsList builds the tools_list frame sent in response to get_tools.
func (c *Catalog) ToolsList() *protocol.ToolsList {
	infos := make([]protocol.ToolInfo, 0, len(c.order))
	for _, t := range c.List() {
		infos = append(infos, t.Info())
	}
	return &protocol.ToolsList{
		Tools:      infos,
		Count:      len(infos),
		Categories: c.Categories(),
	}
}

// Definition declares a tool before its schema is reflected.
type Definition struct {
	Name        string
	Description string
	Category    Category
	Dangerous   bool
	Tier        devices.RiskTier

	// Params is a zero value of the parameter struct.
	Params any

	// Defaults overrides schema defaults that struct tags cannot express.
	Defaults map[string]any
}

// New builds a catalog from definitions.
func New(defs []Definition) (*Catalog, error) {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}

	c := &Catalog{tools: make(map[string]*Tool, len(defs))}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("tool definition missing name")
		}
		if _, dup := c.tools[def.Name]; dup {
			return nil, fmt.Errorf("tool %q already registered", def.Name)
		}
		tool, err := build(reflector, def)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", def.Name, err)
		}
		c.tools[def.Name] = tool
		c.order = append(c.order, def.Name)
	}
	return c, nil
}

func build(reflector *jsonschema.Reflector, def Definition) (*Tool, error) {
	params := def.Params
	if params == nil {
		params = &noParams{}
	}
	schema := reflector.Reflect(params)

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	var list []Param
	if schema.Properties != nil {
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			prop := pair.Value
			if d, ok := def.Defaults[pair.Key]; ok {
				prop.Default = d
			}
			list = append(list, Param{
				Name:        pair.Key,
				Type:        prop.Type,
				Description: prop.Description,
				Required:    required[pair.Key],
				Default:     prop.Default,
				Format:      prop.Format,
			})
		}
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := validator.CompileString(def.Name+".params.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	tier := def.Tier
	if tier == "" {
		tier = devices.RiskNone
	}
	return &Tool{
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category,
		Dangerous:   def.Dangerous,
		Tier:        tier,
		Schema:      raw,
		params:      list,
		compiled:    compiled,
	}, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the built-in catalog. It panics if a built-in schema
// fails to compile, which is a programming error.
func Default() *Catalog {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = New(Definitions())
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("catalog: %v", defaultErr))
	}
	return defaultCatalog
}

// Definitions returns the built-in tool definitions.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        "create_directory",
			Description: "Create a new directory at the specified path",
			Category:    CategoryFileSystem,
			Params:      &createDirectoryParams{},
		},
		{
			Name:        "delete_directory",
			Description: "Delete a directory and optionally its contents",
			Category:    CategoryFileSystem,
			Dangerous:   true,
			Params:      &deleteDirectoryParams{},
		},
		{
			Name:        "search_files",
			Description: "Search for files matching a pattern in a directory",
			Category:    CategoryFileSystem,
			Params:      &searchFilesParams{},
		},
		{
			Name:        "list_directory",
			Description: "List files and folders in a directory",
			Category:    CategoryFileSystem,
			Params:      &listDirectoryParams{},
		},
		{
			Name:        "read_text_file",
			Description: "Read a text file and return its contents",
			Category:    CategoryFileSystem,
			Params:      &readTextFileParams{},
		},
		{
			Name:        "write_text_file",
			Description: "Write text to a file (overwrite or append)",
			Category:    CategoryFileSystem,
			Params:      &writeTextFileParams{},
		},
		{
			Name:        "copy_file",
			Description: "Copy a file to a new path",
			Category:    CategoryFileSystem,
			Params:      &transferFileParams{},
		},
		{
			Name:        "move_file",
			Description: "Move or rename a file",
			Category:    CategoryFileSystem,
			Params:      &transferFileParams{},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file (requires explicit confirmation)",
			Category:    CategoryFileSystem,
			Dangerous:   true,
			Tier:        devices.RiskConfirmationRequired,
			Params:      &deleteFileParams{},
		},
		{
			Name:        "open_app",
			Description: "Open an application on the device",
			Category:    CategoryApplication,
			Params:      &openAppParams{},
			Defaults:    map[string]any{"arguments": []any{}},
		},
		{
			Name:        "close_app",
			Description: "Close a running application",
			Category:    CategoryApplication,
			Params:      &closeAppParams{},
		},
		{
			Name: "get_device_info",
			Description: "Get information about the device including OS name, version, hardware specs. " +
				"Use this to determine the operating system when you need to construct file paths " +
				"(e.g., finding the Desktop folder location).",
			Category: CategoryDevice,
			Params:   &deviceInfoParams{},
		},
		{
			Name:        "get_running_processes",
			Description: "Get list of running processes on the device",
			Category:    CategoryDevice,
			Params:      &noParams{},
		},
	}
}
