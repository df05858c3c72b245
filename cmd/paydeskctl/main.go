package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paydeskctl",
		Short:         "Operator tooling for the paydesk settlement daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("server", envOr("PAYDESK_SERVER", "http://127.0.0.1:8080"), "paydeskd base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("PAYDESK_TOKEN"), "operator bearer token")

	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(hashSecretCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(ratesCmd())
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
