package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/orion/internal/gateway"
)

type toolList struct {
	Tools []gateway.ToolView `json:"tools"`
	Count int                `json:"count"`
}

func buildToolsCmd(cf *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and run catalog tools",
	}
	cmd.AddCommand(buildToolsListCmd(cf), buildToolsExecCmd(cf))
	return cmd
}

func buildToolsListCmd(cf *clientFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list toolList
			if err := cf.client().getJSON(cmd.Context(), "/api/tools", &list); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tCATEGORY\tTIER\tDESCRIPTION")
			for _, t := range list.Tools {
				name := t.Name
				if t.Dangerous {
					name = color.New(color.FgRed).Sprint(name)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, t.Category, t.Tier, t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func buildToolsExecCmd(cf *clientFlags) *cobra.Command {
	var (
		params     []string
		paramsJSON string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec DEVICE_ID TOOL",
		Short: "Run one tool call on a device through the permission gate",
		Example: `  orion tools exec laptop-1 create_directory --param path=/home/me/reports
  orion tools exec laptop-1 delete_file --params-json '{"path":"/home/me/a.txt","confirm":"DELETE"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := parseParams(params, paramsJSON)
			if err != nil {
				return err
			}
			req := gateway.ExecuteRequest{
				DeviceID:   args[0],
				Tool:       args[1],
				Parameters: parameters,
				TimeoutSec: timeout.Seconds(),
			}
			var resp gateway.ExecuteResponse
			callErr := cf.client().postJSON(cmd.Context(), "/api/tools/execute", req, &resp)
			var apiErr *apiError
			if callErr != nil && !errors.As(callErr, &apiErr) {
				return callErr
			}
			printExecuteResponse(cmd.OutOrStdout(), resp)
			return callErr
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Tool parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "Tool parameters as a JSON object")
	cmd.Flags().DurationVar(&timeout, "tool-timeout", 0, "Dispatch timeout (default: core setting)")
	return cmd
}

// parseParams merges a JSON object with key=value pairs. Values that parse
// as JSON scalars (true, 3, "x") keep their type; anything else is a string.
func parseParams(pairs []string, rawJSON string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &out); err != nil {
			return nil, fmt.Errorf("--params-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q: want key=value", pair)
		}
		out[key] = scalar(value)
	}
	return out, nil
}

func scalar(v string) any {
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func printExecuteResponse(out io.Writer, resp gateway.ExecuteResponse) {
	switch {
	case !resp.Verdict.Allowed && resp.Verdict.Code != "":
		color.New(color.FgRed).Fprintf(out, "DENIED %s", resp.Verdict.Code) //nolint:errcheck
		fmt.Fprintf(out, ": %s\n", resp.Verdict.Reason)
	case resp.Result == nil:
		color.New(color.FgRed).Fprint(out, "FAILED") //nolint:errcheck
		fmt.Fprintf(out, " %s: %s\n", resp.Code, resp.Error)
	case !resp.Result.Success:
		color.New(color.FgRed).Fprint(out, "FAILED") //nolint:errcheck
		if resp.Result.Error != nil {
			fmt.Fprintf(out, " %s: %s\n", resp.Result.Error.Code, resp.Result.Error.Message)
		} else {
			fmt.Fprintln(out)
		}
	default:
		color.New(color.FgGreen).Fprint(out, "OK") //nolint:errcheck
		fmt.Fprintf(out, " %s in %s\n", resp.Result.Tool, resp.Result.Duration.Round(time.Millisecond))
		var pretty any
		if json.Unmarshal(resp.Result.Result, &pretty) == nil {
			printJSON(out, pretty) //nolint:errcheck
		}
	}
}
