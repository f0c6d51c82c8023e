package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an identity token for testing",
	Long: `Prints an identity token signed with the configured mandate secret, for
use as "Authorization: Bearer <token>" against signupd serve.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Mandate.Secret == "" {
			return errors.New("mandate secret is required (mandate.secret or SIGNUP_MANDATE_SECRET)")
		}
		if tokenUser == "" {
			return errors.New("--user is required")
		}
		codec, err := mandate.NewHMACCodec([]byte(cfg.Mandate.Secret))
		if err != nil {
			return err
		}
		token, err := security.IssueIdentity(cmd.Context(), codec, tokenUser, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User the token identifies")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}
