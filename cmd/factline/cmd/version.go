package cmd

import (
	"github.com/spf13/cobra"

	"github.com/factline/factline/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(_ *cobra.Command, _ []string) error {
			p := printer()
			if p.JSON() {
				return p.Object(version.GetInfo())
			}
			p.Line("%s", version.String())
			return nil
		},
	}
}
