package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/paydesk/internal/platform/auth"
)

func hashSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of an operator secret for auth.operators",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimSpace(line)
			}
			cost, _ := cmd.Flags().GetInt("cost")
			hash, err := auth.HashSecret(secret, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().Int("cost", 0, "bcrypt cost (0 uses the library default)")
	return cmd
}
