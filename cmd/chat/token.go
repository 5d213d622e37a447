package main

import (
	"fmt"
	"time"

	"marketchat/internal/commands"

	"github.com/spf13/cobra"
)

var tokenAdminAddr string

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a relay token for a user",
	Long: `Ask the admin API of a development relay for a token.

Examples:
  chat token client_1
  chat token provider_7 --admin localhost:9081`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := commands.IssueToken(cmd.Context(), tokenAdminAddr, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:    %s\n", resp.UserID)
		fmt.Fprintf(out, "Token:   %s\n", resp.Token)
		fmt.Fprintf(out, "Expires: %s\n", time.Unix(resp.TokenExpiry, 0).Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAdminAddr, "admin", "localhost:8081", "address of the relay admin API")
	rootCmd.AddCommand(tokenCmd)
}
