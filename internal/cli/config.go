package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inkwell-cms/collab/pkg/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage collabd configuration",
	Long: `Manage the collabd configuration file (--config, default collab.yaml).

Available commands:
  show              - Show the effective configuration
  init              - Write a configuration file with the defaults`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Show the configuration collabd would run with: the file at --config merged over the defaults.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if jsonOutput {
			return outputJSON(cfg)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Printf("# collabd configuration (%s)\n", configPath)
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with the defaults to --config.

Examples:
  collabd config init
  collabd --config /etc/collab/collab.yaml config init --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		cfg := config.Default()
		if err := config.Save(configPath, cfg); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]string{"path": configPath})
		}
		fmt.Printf("Wrote default configuration to %s\n", configPath)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
