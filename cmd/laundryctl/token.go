package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/laundry-payments/internal/config"
	"github.com/mmeshcher/laundry-payments/internal/middleware"
	"github.com/mmeshcher/laundry-payments/internal/model"
)

func tokenCmd() *cobra.Command {
	var (
		userID int64
		role   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for a user",
		Long: `Print a bearer token signed with AUTH_SECRET. The server must run with the same
secret for the token to be accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return errors.New("AUTH_SECRET is not set")
			}
			if userID <= 0 {
				return errors.New("--user must be a positive id")
			}

			r := model.Role(role)
			if r != model.RoleCustomer && r != model.RoleStaff {
				return fmt.Errorf("unknown role %q", role)
			}

			fmt.Println(middleware.NewAuthMiddleware(cfg.AuthSecret).IssueToken(userID, r))
			return nil
		},
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "User id")
	cmd.Flags().StringVarP(&role, "role", "r", string(model.RoleCustomer), "Role: customer or staff")

	return cmd
}
