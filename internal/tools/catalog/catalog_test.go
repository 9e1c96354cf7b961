package catalog

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/orion/internal/devices"
)

func TestDefaultCatalogContents(t *testing.T) {
	c := Default()
	if c.Len() != 13 {
		t.Fatalf("expected 13 tools, got %d", c.Len())
	}

	want := []string{
		"create_directory", "delete_directory", "search_files", "list_directory",
		"read_text_file", "write_text_file", "copy_file", "move_file", "delete_file",
		"open_app", "close_app", "get_device_info", "get_running_processes",
	}
	for i, tool := range c.List() {
		if tool.Name != want[i] {
			t.Errorf("tool %d: expected %s, got %s", i, want[i], tool.Name)
		}
	}

	cats := c.Categories()
	if strings.Join(cats, ",") != "application,device,file_system" {
		t.Errorf("unexpected categories: %v", cats)
	}
}

func TestToolAnnotations(t *testing.T) {
	c := Default()

	copyFile, _ := c.Lookup("copy_file")
	if got := strings.Join(copyFile.PathParams(), ","); got != "source_path,destination_path" {
		t.Errorf("copy_file path params = %q", got)
	}

	openApp, _ := c.Lookup("open_app")
	if name, ok := openApp.AppParam(); !ok || name != "app_name" {
		t.Errorf("open_app app param = %q, %v", name, ok)
	}
	if len(openApp.PathParams()) != 0 {
		t.Errorf("open_app should have no path params")
	}

	deleteFile, _ := c.Lookup("delete_file")
	if deleteFile.Tier != devices.RiskConfirmationRequired || !deleteFile.Dangerous {
		t.Errorf("delete_file tier=%s dangerous=%v", deleteFile.Tier, deleteFile.Dangerous)
	}
	deleteDir, _ := c.Lookup("delete_directory")
	if deleteDir.Tier != devices.RiskNone || !deleteDir.Dangerous {
		t.Errorf("delete_directory tier=%s dangerous=%v", deleteDir.Tier, deleteDir.Dangerous)
	}

	if _, ok := c.Lookup("format_disk"); ok {
		t.Error("unexpected tool format_disk")
	}
}

func TestSchemaShape(t *testing.T) {
	tool, _ := Default().Lookup("search_files")

	var schema map[string]any
	if err := json.Unmarshal(tool.Schema, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema["type"])
	}
	if schema["additionalProperties"] != false {
		t.Errorf("expected additionalProperties false, got %v", schema["additionalProperties"])
	}
	required, _ := schema["required"].([]any)
	if len(required) != 2 {
		t.Errorf("expected path and pattern required, got %v", required)
	}

	params := tool.Params()
	if len(params) != 3 || params[2].Name != "recursive" || params[2].Default != true {
		t.Errorf("unexpected params: %+v", params)
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	tool, _ := Default().Lookup("create_directory")

	got, err := tool.Validate(map[string]any{"path": "C:/Users/me/Projects"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got["recursive"] != true {
		t.Errorf("expected recursive default true, got %v", got["recursive"])
	}

	openApp, _ := Default().Lookup("open_app")
	got, err = openApp.Validate(map[string]any{"app_name": "chrome"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if args, ok := got["arguments"].([]any); !ok || len(args) != 0 {
		t.Errorf("expected empty arguments default, got %#v", got["arguments"])
	}
}

func TestValidateCoercesBooleanStrings(t *testing.T) {
	tool, _ := Default().Lookup("list_directory")
	got, err := tool.Validate(map[string]any{"path": "/home/me", "recursive": "yes"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got["recursive"] != true {
		t.Errorf("expected coerced true, got %v", got["recursive"])
	}
}

func TestValidateRejects(t *testing.T) {
	c := Default()
	tests := []struct {
		name   string
		tool   string
		params map[string]any
	}{
		{"missing required", "create_directory", map[string]any{}},
		{"unknown parameter", "create_directory", map[string]any{"path": "/home/a", "mode": "0755"}},
		{"wrong type", "create_directory", map[string]any{"path": 42}},
		{"empty path", "read_text_file", map[string]any{"path": ""}},
		{"bad boolean", "list_directory", map[string]any{"path": "/home", "recursive": "maybe"}},
		{"array expected", "open_app", map[string]any{"app_name": "code", "arguments": "--new-window"}},
		{"no params accepted", "get_running_processes", map[string]any{"verbose": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool, ok := c.Lookup(tt.tool)
			if !ok {
				t.Fatalf("tool %s missing", tt.tool)
			}
			if _, err := tool.Validate(tt.params); !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("expected ErrInvalidParameters, got %v", err)
			}
		})
	}
}

func TestToolsList(t *testing.T) {
	list := Default().ToolsList()
	if list.Count != 13 || len(list.Tools) != 13 {
		t.Fatalf("expected 13 tools, got count=%d len=%d", list.Count, len(list.Tools))
	}
	if list.Tools[0].Name != "create_directory" || len(list.Tools[0].Parameters) == 0 {
		t.Errorf("unexpected first tool: %+v", list.Tools[0])
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	defs := []Definition{
		{Name: "a", Category: CategoryDevice},
		{Name: "a", Category: CategoryDevice},
	}
	if _, err := New(defs); err == nil {
		t.Fatal("expected duplicate error")
	}
}
