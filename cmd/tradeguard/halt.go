package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/tradeguard/internal/ops"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
)

// haltClient drives the kill switch of a running instance over the ops API.
type haltClient struct {
	http *resty.Client
}

func newHaltClient(addr string) *haltClient {
	c := resty.New().
		SetBaseURL("http://" + addr).
		SetTimeout(5 * time.Second).
		SetHeader("Accept", "application/json")
	return &haltClient{http: c}
}

func (c *haltClient) do(ctx context.Context, method, path string, body any) (risk.HaltStatus, error) {
	var st risk.HaltStatus
	var apiErr struct {
		Error string `json:"error"`
	}
	req := c.http.R().SetContext(ctx).SetResult(&st).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return st, fmt.Errorf("failed to reach ops api: %w", err)
	}
	if resp.IsError() {
		return st, fmt.Errorf("ops api %s: %s", resp.Status(), apiErr.Error)
	}
	return st, nil
}

func (c *haltClient) Status(ctx context.Context) (risk.HaltStatus, error) {
	return c.do(ctx, resty.MethodGet, "/v1/halt", nil)
}

func (c *haltClient) Set(ctx context.Context, operator, reason string) (risk.HaltStatus, error) {
	return c.do(ctx, resty.MethodPost, "/v1/halt", ops.HaltRequest{Operator: operator, Reason: reason})
}

func (c *haltClient) Reset(ctx context.Context, operator, reason string) (risk.HaltStatus, error) {
	return c.do(ctx, resty.MethodPost, "/v1/halt/reset", ops.HaltRequest{Operator: operator, Reason: reason})
}

func haltCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Inspect or change the trading halt of a running instance",
	}
	cmd.PersistentFlags().String("addr", "127.0.0.1:8090", "Ops API address")
	cmd.PersistentFlags().String("operator", os.Getenv("USER"), "Operator recorded with the change")
	cmd.PersistentFlags().String("reason", "", "Reason recorded with the change")

	client := func(cmd *cobra.Command) (*haltClient, string, string) {
		addr, _ := cmd.Flags().GetString("addr")
		operator, _ := cmd.Flags().GetString("operator")
		reason, _ := cmd.Flags().GetString("reason")
		return newHaltClient(addr), operator, reason
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show whether trading is halted",
			RunE: func(cmd *cobra.Command, args []string) error {
				c, _, _ := client(cmd)
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(st)
			},
		},
		&cobra.Command{
			Use:   "set",
			Short: "Halt trading",
			RunE: func(cmd *cobra.Command, args []string) error {
				c, operator, reason := client(cmd)
				st, err := c.Set(cmd.Context(), operator, reason)
				if err != nil {
					return err
				}
				return printJSON(st)
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Clear a halt; requires --operator",
			RunE: func(cmd *cobra.Command, args []string) error {
				c, operator, reason := client(cmd)
				st, err := c.Reset(cmd.Context(), operator, reason)
				if err != nil {
					return err
				}
				return printJSON(st)
			},
		},
	)
	return cmd
}
