package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/taskweave/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `View the effective taskweave configuration.

Configuration is read from ~/.config/taskweave/config.yaml, then merged with
.taskweave.yaml found in the current directory or a parent. Environment
variables named TASKWEAVE_<SECTION>_<KEY> override both, for example
TASKWEAVE_STATE_BACKEND=badger.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		displayAllConfig(cfg)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Printf("project: %s\n", p)
		} else {
			fmt.Println("project: (none)")
		}
		fmt.Printf("signals: %s\n", signalsDir(config.Default()))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

// displayAllConfig prints the configuration as YAML with the API key masked.
func displayAllConfig(cfg *config.Config) {
	shown := *cfg
	key, source, err := config.APIKey(cfg)
	if err != nil {
		shown.Anthropic.APIKey = "(not set)"
	} else {
		shown.Anthropic.APIKey = fmt.Sprintf("%s (from %s)", config.MaskAPIKey(key), source)
	}

	out, err := yaml.Marshal(&shown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
		return
	}
	fmt.Print(string(out))
}
