package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/orion/internal/edge"
)

// windows11Build is the first Windows build released as Windows 11.
const windows11Build = 22000

// FormatToolSuccess renders a successful result for the model.
func FormatToolSuccess(tool string, result json.RawMessage) string {
	header := fmt.Sprintf("Tool '%s' executed successfully.", tool)
	body := prettyResult(tool, result)
	if body == "" {
		return header
	}
	return header + "\nResult: " + body
}

// FormatToolFailure renders a failed or denied call for the model.
func FormatToolFailure(tool, code, reason string) string {
	header := fmt.Sprintf("Tool '%s' failed.", tool)
	switch {
	case code != "" && reason != "":
		return fmt.Sprintf("%s\nError: %s: %s", header, code, reason)
	case code != "":
		return fmt.Sprintf("%s\nError: %s", header, code)
	case reason != "":
		return fmt.Sprintf("%s\nError: %s", header, reason)
	default:
		return header
	}
}

// FormatToolResult renders the outcome of a dispatch. err takes precedence
// over res.
func FormatToolResult(tool string, res *edge.ToolResult, err error) string {
	if err != nil {
		return FormatToolFailure(tool, failureCode(err), err.Error())
	}
	if res == nil {
		return FormatToolFailure(tool, CodeTimeout, "no result")
	}
	if !res.Success {
		if res.Error != nil {
			return FormatToolFailure(tool, string(res.Error.Code), res.Error.Message)
		}
		return FormatToolFailure(tool, "TOOL_EXECUTION_FAILED", "device reported failure")
	}
	return FormatToolSuccess(tool, res.Result)
}

func prettyResult(tool string, result json.RawMessage) string {
	trimmed := strings.TrimSpace(string(result))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" || trimmed == `""` || trimmed == "[]" {
		return ""
	}
	var doc any
	if err := json.Unmarshal(result, &doc); err != nil {
		return trimmed
	}
	if tool == "get_device_info" {
		annotateWindowsRelease(doc)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return trimmed
	}
	return string(out)
}

// annotateWindowsRelease adds os_friendly_name to a device info result whose
// OS is Windows. Build 22000 and later is Windows 11.
func annotateWindowsRelease(doc any) {
	root, ok := doc.(map[string]any)
	if !ok {
		return
	}
	info, ok := root["info"].(map[string]any)
	if !ok {
		info = root
	}
	name, _ := info["os_name"].(string)
	version, hasVersion := info["os_version"].(string)
	if !hasVersion || !strings.HasPrefix(strings.ToLower(name), "windows") {
		return
	}
	info["os_friendly_name"] = WindowsFriendlyName(version)
}

// WindowsFriendlyName names the Windows release for a version string such as
// "10.0.26200" or "10.0.22631 Build 22631".
func WindowsFriendlyName(version string) string {
	fields := strings.Fields(version)
	if len(fields) == 0 {
		return "Windows (version unknown)"
	}
	parts := strings.Split(fields[0], ".")
	build, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "Windows (version unknown)"
	}
	if build >= windows11Build {
		return fmt.Sprintf("Windows 11 (build %d)", build)
	}
	return fmt.Sprintf("Windows 10 (build %d)", build)
}
