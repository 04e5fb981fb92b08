package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/victornm/livequiz/internal/store/postgres"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var rollback bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			dsn := c.PostgresDSN()
			if dsn == "" {
				return fmt.Errorf("postgres address is not configured")
			}

			if rollback {
				return postgres.Rollback(cmd.Context(), dsn)
			}
			return postgres.Migrate(cmd.Context(), dsn)
		},
	}

	cmd.Flags().BoolVar(&rollback, "rollback", false, "revert the last migration group instead")
	return cmd
}
