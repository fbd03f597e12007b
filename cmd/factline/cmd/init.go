package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/factline/factline/internal/config"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter project config",
		Long: `Init writes .factline.yaml with the default settings into the
config directory so they can be edited in place.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := filepath.Join(flagConfigDir, ".factline.yaml")
			if !force && fileExists(path) {
				printer().Line("config already exists at %s (use --force to overwrite)", path)
				return nil
			}
			if err := config.NewConfig().Save(path); err != nil {
				return err
			}
			printer().Line("wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}
