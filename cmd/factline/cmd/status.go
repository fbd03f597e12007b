package cmd

import (
	"github.com/spf13/cobra"

	"github.com/factline/factline/internal/server"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the storage server",
		Long:  `Status pings the storage server socket and prints its state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := server.NewClient(server.ClientConfig{
				SocketPath: cfg.RemoteSocket(),
				Timeout:    cfg.Server.Timeout,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			p := printer()
			if !client.IsRunning() {
				p.Line("server not running at %s", cfg.RemoteSocket())
				return nil
			}

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return p.Object(status)
		},
	}
}
