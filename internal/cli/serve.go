package cli

import (
	"github.com/spf13/cobra"

	"github.com/djlord-it/easy-alarm/internal/app"
	"github.com/djlord-it/easy-alarm/internal/config"
)

func newServeCmd() *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API, the alarm worker and the orphan sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if migrateFirst {
				if err := app.RunMigrations(cfg, "up"); err != nil {
					return err
				}
			}
			return app.RunServer(cfg)
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Run database migrations before starting the server")

	return cmd
}
