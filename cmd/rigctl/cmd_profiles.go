package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/rigctl/internal/server"
	"github.com/shaunagostinho/rigctl/internal/session"
)

func loadRegistry(flags *rootFlags) (*session.Registry, error) {
	cfg := server.LoadConfig(flags.configPath)
	return session.LoadRegistry(cfg.SessionDefaults().ProfilesFile)
}

// formatProfilesTable formats the profiles as a name/params/description table.
func formatProfilesTable(ps []*session.Profile) string {
	if len(ps) == 0 {
		return "No profiles found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-7s %-8s %s\n", "NAME", "PARAMS", "STREAMS", "DESCRIPTION")
	for _, p := range ps {
		fmt.Fprintf(&b, "%-20s %-7d %-8d %s\n", p.Name, len(p.Params), len(p.Streams), p.Description)
	}
	return b.String()
}

// newProfilesCmd creates the "rigctl profiles" command with its show
// subcommand.
func newProfilesCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List session profiles",
		Long:  "List the builtin profiles and those loaded from session.profiles_file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := loadRegistry(flags)
			if err != nil {
				return fmt.Errorf("profiles: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatProfilesTable(reg.List()))
			return nil
		},
	}

	cmd.AddCommand(newProfilesShowCmd(flags))
	return cmd
}

func newProfilesShowCmd(flags *rootFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a profile definition",
		Long:  "Print a profile in a form that can be copied into a profiles file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(flags)
			if err != nil {
				return fmt.Errorf("profiles: %w", err)
			}
			p, ok := reg.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown profile %q (have %s)", args[0], strings.Join(reg.Names(), ", "))
			}
			return writeProfile(cmd.OutOrStdout(), p, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml, toml or json")
	return cmd
}

func writeProfile(w io.Writer, p *session.Profile, format string) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string][]*session.Profile{"profiles": {p}}); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(map[string][]*session.Profile{"profiles": {p}})
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
