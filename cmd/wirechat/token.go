package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	transporthttp "github.com/vovakirdan/wirechat-sync/internal/transport/http"
)

func newTokenCommand(flags *globalFlags) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a user with the server's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags, config.Config{})
			if err != nil {
				return err
			}
			jwtCfg := transporthttp.JWTConfig(cfg.Server)
			if jwtCfg == nil {
				return errors.New("server.jwt_secret is not set")
			}
			token, err := auth.GenerateToken(jwtCfg, user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user id to put in the token subject")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
