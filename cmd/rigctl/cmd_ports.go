package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/rigctl/internal/device"
)

// newPortsCmd creates the "rigctl ports" command.
func newPortsCmd() *cobra.Command {
	return newPortsCmdWith(device.ListPorts)
}

func newPortsCmdWith(list func() ([]device.PortInfo, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := list()
			if err != nil {
				return fmt.Errorf("ports: %w", err)
			}
			writePortsTable(cmd.OutOrStdout(), ports)
			return nil
		},
	}
}

func writePortsTable(w io.Writer, ports []device.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tSERIAL\tDESCRIPTION")
	for _, p := range ports {
		usb, id := "-", "-"
		if p.IsUSB {
			usb = "yes"
			id = p.VID + ":" + p.PID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, usb, id, dash(p.Serial), dash(p.Description))
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
