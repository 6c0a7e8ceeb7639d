package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgesync/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if err := config.WriteSample(path, initForce); err != nil {
			return err
		}
		fmt.Printf("Configuration file created at: %s\n", path)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Fill in app_token and bootstrap_servers")
		fmt.Println("  2. Start the agent with: edgesync start")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}
