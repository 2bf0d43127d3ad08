package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/spf13/cobra"
)

func (a *app) newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List HAL drivers and whether each can create a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := probeDrivers(cmd.Context(), a.registry)
			writeDriverStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
}

type driverStatus struct {
	Name      string   `json:"name"`
	Available bool     `json:"available"`
	Device    string   `json:"device,omitempty"`
	Features  []string `json:"features,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// probeDrivers creates each registered driver and its default device, then
// closes both.
func probeDrivers(ctx context.Context, reg *hal.Registry) []driverStatus {
	var out []driverStatus
	for _, name := range reg.Query() {
		st := driverStatus{Name: name}
		driver, err := reg.Create(name)
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		dev, err := driver.CreateDefaultDevice(ctx)
		if err != nil {
			st.Error = err.Error()
		} else {
			info := dev.Info()
			st.Available = true
			st.Device = info.ID
			st.Features = info.Features
			dev.Close()
		}
		if closer, ok := driver.(io.Closer); ok {
			closer.Close()
		}
		out = append(out, st)
	}
	return out
}

func writeDriverStatuses(w io.Writer, statuses []driverStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tDEVICE\tFEATURES")
	for _, st := range statuses {
		status := "available"
		if !st.Available {
			status = "unavailable: " + st.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Name, status, st.Device, strings.Join(st.Features, ","))
	}
	tw.Flush()
}
