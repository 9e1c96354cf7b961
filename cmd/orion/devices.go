package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/gateway"
)

type deviceList struct {
	Devices []gateway.DeviceView `json:"devices"`
	Count   int                  `json:"count"`
}

func buildDevicesCmd(cf *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect registered devices",
	}
	cmd.AddCommand(buildDevicesListCmd(cf), buildDevicesShowCmd(cf))
	return cmd
}

func buildDevicesListCmd(cf *clientFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices and their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list deviceList
			if err := cf.client().getJSON(cmd.Context(), "/api/devices", &list); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printDeviceTable(cmd.OutOrStdout(), list.Devices, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func buildDevicesShowCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show DEVICE_ID",
		Short: "Show one device with its permissions and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dev gateway.DeviceDetail
			if err := cf.client().getJSON(cmd.Context(), "/api/devices/"+args[0], &dev); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dev)
		},
	}
}

func printDeviceTable(out io.Writer, list []gateway.DeviceView, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No devices registered.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tHOSTNAME\tOS\tSTATE\tLAST SEEN\tCPU\tMEM\tDISK")
	for _, d := range list {
		cpu, mem, disk := "-", "-", "-"
		if d.Metrics != nil {
			cpu = fmt.Sprintf("%.0f%%", d.Metrics.CPUPercent)
			mem = fmt.Sprintf("%.0f%%", d.Metrics.MemoryPercent)
			disk = fmt.Sprintf("%.0f%%", d.Metrics.DiskPercent)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Hostname, d.OS, stateLabel(d.State), since(now, d.LastHeartbeat), cpu, mem, disk)
	}
	tw.Flush() //nolint:errcheck
}

var titleCaser = cases.Title(language.English)

// stateLabel title-cases a liveness state and colors it.
func stateLabel(state devices.LivenessState) string {
	label := titleCaser.String(strings.ReplaceAll(string(state), "_", " "))
	switch state {
	case devices.StateOnline:
		return color.New(color.FgGreen).Sprint(label)
	case devices.StateIdle:
		return color.New(color.FgYellow).Sprint(label)
	case devices.StateOffline:
		return color.New(color.FgRed).Sprint(label)
	default:
		return label
	}
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
