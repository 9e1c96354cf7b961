package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/orion/internal/tools/catalog"
)

const promptPreamble = `You are Orion Assistant, a helpful AI assistant that can perform actions on user devices.

You have access to tools that interact with the user's system. Use them proactively when appropriate.

RULES FOR TOOL USAGE:
1. If the user asks for an action that needs a tool, call the tool immediately instead of asking for details first.
2. If you need information to complete a task, call get_device_info to gather it.
3. get_device_info returns desktop_path, home_directory and other useful paths. Use them directly.
4. Respond with a tool call JSON block whenever a tool is needed. Do not ask the user for paths you can discover.
5. For questions about the operating system or device, call get_device_info first.

EXAMPLE for "Create a folder called TestFolder on my desktop":
Step 1:
` + "```json" + `
{
  "tool_call": {
    "tool_name": "get_device_info",
    "parameters": {}
  }
}
` + "```" + `

Step 2, after the device info reports desktop_path "C:/Users/John/Desktop":
` + "```json" + `
{
  "tool_call": {
    "tool_name": "create_directory",
    "parameters": {
      "path": "C:/Users/John/Desktop/TestFolder"
    }
  }
}
` + "```" + `

Step 3, after the result arrives:
"I've created the TestFolder on your desktop."

When you use a tool:
- Respond with the tool_call JSON block. Brief explanatory text is allowed.
- The backend executes the tool and sends you the result.
- After the result arrives, answer the user in natural language.
`

const promptClosing = `
Remember:
- Use the exact JSON format shown above for tool calls.
- Call ONE tool at a time, wait for the result, then decide the next step.
- Confirm to the user after a tool succeeds.
`

// StrictRetryInstruction is sent once when a reply looked like a tool call
// but could not be parsed.
const StrictRetryInstruction = `Your previous reply looked like a tool call but it was not valid. ` +
	`Reply with ONLY a single JSON code block in exactly this format and nothing else:
` + "```json" + `
{"tool_call": {"tool_name": "<name>", "parameters": {}}}
` + "```" + `
If you did not intend to call a tool, reply with plain text and no JSON.`

// SystemPrompt renders the system prompt for cat: usage rules, the JSON call
// format and one section per tool with parameters and an example call.
func SystemPrompt(cat *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n")
	b.WriteString(ToolSchemaText(cat))
	b.WriteString(promptClosing)
	return b.String()
}

// ToolSchemaText describes every catalog tool in markdown.
func ToolSchemaText(cat *catalog.Catalog) string {
	if cat == nil || cat.Len() == 0 {
		return "No tools available."
	}
	var b strings.Builder
	b.WriteString("# Available Tools\n\n")
	b.WriteString("To use a tool, respond with a JSON block in this exact format:\n\n")
	b.WriteString("```json\n{\n  \"tool_call\": {\n    \"tool_name\": \"tool_name_here\",\n    \"parameters\": {\n      \"param1\": \"value1\"\n    }\n  }\n}\n```\n\n")
	b.WriteString("## Tools:\n\n")

	for _, tool := range cat.List() {
		fmt.Fprintf(&b, "### %s\n", tool.Name)
		fmt.Fprintf(&b, "**Category:** %s\n", tool.Category)
		fmt.Fprintf(&b, "**Description:** %s\n", tool.Description)
		if tool.Dangerous {
			b.WriteString("**Warning:** this action is destructive.\n")
		}
		b.WriteString("\n")

		params := tool.Params()
		if len(params) > 0 {
			b.WriteString("**Parameters:**\n")
			for _, p := range params {
				req := "optional"
				if p.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "- `%s` (%s) (%s): %s\n", p.Name, p.Type, req, p.Description)
				if p.Default != nil {
					def, _ := json.Marshal(p.Default)
					fmt.Fprintf(&b, "  - Default: `%s`\n", def)
				}
			}
			b.WriteString("\n")
		}

		example := map[string]any{
			"tool_call": map[string]any{
				"tool_name":  tool.Name,
				"parameters": exampleParams(params),
			},
		}
		raw, _ := json.MarshalIndent(example, "", "  ")
		b.WriteString("**Example:**\n```json\n")
		b.Write(raw)
		b.WriteString("\n```\n\n---\n\n")
	}
	return b.String()
}

func exampleParams(params []catalog.Param) map[string]any {
	out := map[string]any{}
	for _, p := range params {
		if !p.Required {
			continue
		}
		switch p.Type {
		case "string":
			switch p.Name {
			case "path", "source_path":
				out[p.Name] = "C:/Users/Example/Documents"
			case "destination_path":
				out[p.Name] = "C:/Users/Example/Backup"
			case "app_name":
				out[p.Name] = "notepad"
			case "pattern":
				out[p.Name] = "*.txt"
			case "confirm":
				out[p.Name] = "DELETE"
			default:
				out[p.Name] = "example_" + p.Name
			}
		case "boolean":
			out[p.Name] = false
		case "integer", "number":
			out[p.Name] = 0
		case "array":
			out[p.Name] = []any{}
		}
	}
	return out
}
