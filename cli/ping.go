package cli

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"github.com/coder/retry"
	"github.com/coder/serpent"

	"github.com/ferryd/ferry/ferrysdk"
)

func pingCommand() *serpent.Command {
	var (
		gatewayURL string
		token      string
		timeout    time.Duration
	)

	cmd := &serpent.Command{
		Use:   "ping",
		Short: "Fetch the gateway's health snapshot, retrying until it answers",
		Handler: func(inv *serpent.Invocation) error {
			client, err := ferrysdk.New(gatewayURL)
			if err != nil {
				return err
			}
			client.SessionToken = token

			ctx, cancel := context.WithTimeout(inv.Context(), timeout)
			defer cancel()

			var report ferrysdk.GatewayHealthReport
			r := retry.New(250*time.Millisecond, time.Second)
			for {
				report, err = client.Health(ctx)
				if err == nil {
					break
				}
				if !r.Wait(ctx) {
					return xerrors.Errorf("gateway unreachable: %w", err)
				}
			}

			enc := json.NewEncoder(inv.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
		Options: []serpent.Option{
			{
				Flag:        "url",
				Env:         "FERRY_URL",
				Description: "Gateway URL.",
				Default:     "http://127.0.0.1:3000",
				Value:       serpent.StringOf(&gatewayURL),
			},
			{
				Flag:        "token",
				Env:         "FERRY_SESSION_TOKEN",
				Description: "Bearer token for the gateway.",
				Value:       serpent.StringOf(&token),
			},
			{
				Flag:        "timeout",
				Description: "How long to keep retrying.",
				Default:     "10s",
				Value:       serpent.DurationOf(&timeout),
			},
		},
	}
	return cmd
}
