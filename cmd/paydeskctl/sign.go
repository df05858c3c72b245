package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/paydesk/internal/platform/signing"
)

// signCmd reproduces platform signatures so operators can compare them with
// what a platform support desk reports.
func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute platform request signatures",
	}

	creds := func(cmd *cobra.Command) signing.CashdeskCredentials {
		hash, _ := cmd.Flags().GetString("hash")
		pass, _ := cmd.Flags().GetString("cashier-pass")
		id, _ := cmd.Flags().GetString("cashdesk-id")
		return signing.CashdeskCredentials{Hash: hash, CashierPass: pass, CashdeskID: id}
	}
	printSigned := func(cmd *cobra.Command, s signing.Signed) {
		fmt.Fprintf(cmd.OutOrStdout(), "sign:    %s\nconfirm: %s\n", s.Sign, s.Confirm)
	}
	cashdeskFlags := func(c *cobra.Command) {
		c.Flags().String("hash", "", "platform api hash")
		c.Flags().String("cashier-pass", "", "cashier password")
		c.Flags().String("cashdesk-id", "", "cashdesk id")
	}

	lookup := &cobra.Command{
		Use:   "lookup [account]",
		Short: "Sign an account lookup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printSigned(cmd, signing.SignLookup(creds(cmd), args[0]))
			return nil
		},
	}
	deposit := &cobra.Command{
		Use:   "deposit [account] [amount]",
		Short: "Sign a deposit of amount platform units",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer")
			}
			printSigned(cmd, signing.SignDeposit(creds(cmd), args[0], amount))
			return nil
		},
	}
	payout := &cobra.Command{
		Use:   "payout [account] [code]",
		Short: "Sign a payout confirmation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			printSigned(cmd, signing.SignPayout(creds(cmd), args[0], args[1]))
			return nil
		},
	}
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Sign a cashdesk balance query for now",
		RunE: func(cmd *cobra.Command, args []string) error {
			dt := signing.BalanceTimestamp(time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "dt:      %s\n", dt)
			printSigned(cmd, signing.SignBalance(creds(cmd), dt))
			return nil
		},
	}
	for _, c := range []*cobra.Command{lookup, deposit, payout, balance} {
		cashdeskFlags(c)
		cmd.AddCommand(c)
	}

	hmacCmd := &cobra.Command{
		Use:   "hmac [cashpoint] [resource]",
		Short: "Sign a cashpoint call, e.g. hmac 77 /player/deposit --body '{...}'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("api-key")
			secret, _ := cmd.Flags().GetString("secret")
			body, _ := cmd.Flags().GetString("body")
			ts, _ := cmd.Flags().GetString("timestamp")
			path := signing.CashpointPath(args[0], args[1])
			if ts == "" {
				ts = time.Now().UTC().Format(signing.TimestampLayout)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "path:      %s\ntimestamp: %s\nsignature: %s\n",
				path, ts, signing.SignHMAC(key, secret, path, []byte(body), ts))
			return nil
		},
	}
	hmacCmd.Flags().String("api-key", "", "X-Api-Key value")
	hmacCmd.Flags().String("secret", "", "shared secret")
	hmacCmd.Flags().String("body", "", "exact request body")
	hmacCmd.Flags().String("timestamp", "", "X-Timestamp value (defaults to now)")
	cmd.AddCommand(hmacCmd)
	return cmd
}
