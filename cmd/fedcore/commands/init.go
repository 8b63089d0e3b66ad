package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marmos91/fedcore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample fedcore configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/fedcore/config.yaml. Use --config to specify a custom path.

Examples:
  fedcore init
  fedcore init --config /etc/fedcore/config.yaml
  fedcore init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		dir := os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			dir = filepath.Join(home, ".config")
		}
		path = filepath.Join(dir, "fedcore", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%w: config file already exists at %s (use --force to overwrite)", errConfig, path)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	fmt.Println("Configuration written to", path)
	return nil
}
