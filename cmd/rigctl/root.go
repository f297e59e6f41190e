package main

import (
	"github.com/spf13/cobra"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	demo       bool
}

// newRootCmd creates the root rigctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "rigctl",
		Short:         "Behavioral rig session controller",
		Long:          "rigctl drives a behavioral-experiment microcontroller over serial:\nit uploads session parameters, records the device's event stream and\nsaves each session as a self-describing record file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "rigctl.yaml", "path to config file")
	cmd.PersistentFlags().BoolVar(&flags.demo, "demo", false, "run against the simulated device, playing a session generated from the profile")

	cmd.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newPortsCmd(),
		newProfilesCmd(flags),
		newInspectCmd(),
	)

	return cmd
}
