package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/debugprobe/internal/config"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin/builtin"
)

func pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List built-in plugins and their persisted enabled flags",
	}
	cmd.AddCommand(pluginsListCmd())
	cmd.AddCommand(pluginsToggleCmd("enable", true))
	cmd.AddCommand(pluginsToggleCmd("disable", false))
	return cmd
}

type pluginEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Parent       string   `json:"parent,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Enabled      bool     `json:"enabled"`
	Saved        bool     `json:"saved"`
}

func pluginSettings() (*plugin.FileSettings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return plugin.NewFileSettings(config.ExpandHome(cfg.Plugins.SettingsPath)), nil
}

func pluginsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := pluginSettings()
			if err != nil {
				return err
			}
			saved, err := settings.Load(cmd.Context())
			if err != nil {
				return err
			}

			var entries []pluginEntry
			for _, p := range builtin.All() {
				e := pluginEntry{
					ID:           p.ID(),
					Name:         p.DisplayName(),
					Version:      p.Version(),
					Dependencies: p.Dependencies(),
					Enabled:      true,
				}
				if c, ok := p.(plugin.Child); ok {
					e.Parent = c.ParentID()
				}
				if d, ok := p.(plugin.DefaultEnabler); ok {
					e.Enabled = d.DefaultEnabled()
				}
				if v, ok := saved[e.ID]; ok {
					e.Enabled, e.Saved = v, true
				}
				entries = append(entries, e)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "PLUGIN\tNAME\tVERSION\tPARENT\tENABLED\n")
			for _, e := range entries {
				enabled := fmt.Sprint(e.Enabled)
				if !e.Saved {
					enabled += " (default)"
				}
				parent := e.Parent
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Version, parent, enabled)
			}
			tw.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func pluginsToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <plugin-id>",
		Short: fmt.Sprintf("Persist a plugin as %sd (applied on next start)", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			known := false
			for _, p := range builtin.All() {
				if p.ID() == id {
					known = true
					break
				}
			}
			if !known {
				return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
			}
			settings, err := pluginSettings()
			if err != nil {
				return err
			}
			if err := settings.Save(cmd.Context(), id, enabled); err != nil {
				return err
			}
			fmt.Printf("Plugin %s %sd (%s).\n", id, verb, settings.Path())
			return nil
		},
	}
}
