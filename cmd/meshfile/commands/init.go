package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/meshfile/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if err := config.WriteSample(path, initForce); err != nil {
			return err
		}
		fmt.Printf("wrote sample configuration to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}
