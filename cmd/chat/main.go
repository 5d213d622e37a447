package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for the marketplace chat",
	Long: `chat connects to a message server and lets you talk to another user
from the terminal.

Available commands:
  connect    Open a session and chat with a peer
  token      Ask a development relay for an access token

Configuration is read from the environment (MARKETCHAT_URL,
MARKETCHAT_TOKEN, MARKETCHAT_USER_ID, ...) and an optional .env file.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
