package cli

import (
	"errors"
	"fmt"
	"time"

	"quiz-arena-service/internal/config"
	transport "quiz-arena-service/internal/transport/http"
	"github.com/spf13/cobra"
)

// NewTokenCmd mints a bearer token signed with the configured secret. Meant for local testing.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			auth := transport.Authenticator{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer}
			token, err := auth.Sign(user, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&role, "role", transport.RolePlayer, "player or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
