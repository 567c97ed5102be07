package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"Foreman/backend/go/internal/api"

	"github.com/spf13/cobra"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Sign a bearer token with $FOREMAN_JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("FOREMAN_JWT_SECRET")
		if secret == "" {
			return errors.New("FOREMAN_JWT_SECRET is not set")
		}
		switch tokenRole {
		case api.RoleApp, api.RoleWorker, api.RoleOperator:
		default:
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		tok, err := api.IssueToken(secret, args[0], tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenRole, "role", api.RoleApp, "app, worker or operator")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
}
