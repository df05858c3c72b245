package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to the paydeskd /v1 surface.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func clientFrom(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return &apiClient{base: strings.TrimRight(base, "/"), token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

type apiError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("paydeskd %d %s: %s", e.Status, e.Code, e.Msg)
}

func (c *apiClient) do(cmd *cobra.Command, method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, e)
		return nil, e
	}
	return raw, nil
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(cmd.OutOrStdout())
	return err
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [operator-id]",
		Short: "Exchange an operator secret for a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			raw, err := clientFrom(cmd).do(cmd, http.MethodPost, "/v1/operators/token", map[string]string{
				"operator_id": args[0],
				"secret":      secret,
			})
			if err != nil {
				return err
			}
			var tok struct {
				AccessToken string    `json:"access_token"`
				ExpiresAt   time.Time `json:"expires_at"`
			}
			if err := json.Unmarshal(raw, &tok); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "operator secret")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"req"},
		Short:   "Inspect and decide payment requests",
	}

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := clientFrom(cmd).do(cmd, http.MethodGet, "/v1/requests/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}

	open := &cobra.Command{
		Use:   "open",
		Short: "List non-terminal requests idle for at least --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			older, _ := cmd.Flags().GetDuration("older-than")
			raw, err := clientFrom(cmd).do(cmd, http.MethodGet, "/v1/admin/requests:open?older_than="+url.QueryEscape(older.String()), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	open.Flags().Duration("older-than", 0, "minimum idle time")

	notices := &cobra.Command{
		Use:   "notices",
		Short: "List requests waiting for an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := clientFrom(cmd).do(cmd, http.MethodGet, "/v1/admin/notices", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}

	decide := &cobra.Command{
		Use:   "decide [id]",
		Short: "Approve or decline an escalated or pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approve, _ := cmd.Flags().GetBool("approve")
			decline, _ := cmd.Flags().GetBool("decline")
			if approve == decline {
				return fmt.Errorf("exactly one of --approve or --decline is required")
			}
			note, _ := cmd.Flags().GetString("note")
			raw, err := clientFrom(cmd).do(cmd, http.MethodPost, "/v1/admin/requests/"+url.PathEscape(args[0])+":decide", map[string]any{
				"approve": approve,
				"note":    note,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	decide.Flags().Bool("approve", false, "approve and settle")
	decide.Flags().Bool("decline", false, "decline and release reserved funds")
	decide.Flags().String("note", "", "reason recorded with a decline")

	cmd.AddCommand(get, open, notices, decide)
	return cmd
}

func ratesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage currency exchange rates",
	}
	set := &cobra.Command{
		Use:   "set [primary-to-secondary] [secondary-to-primary]",
		Short: "Record a new exchange rate pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := clientFrom(cmd).do(cmd, http.MethodPost, "/v1/admin/exchange-rates", map[string]string{
				"primary_to_secondary": args[0],
				"secondary_to_primary": args[1],
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.AddCommand(set)
	return cmd
}
