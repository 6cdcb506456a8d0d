package cli

import (
	"fmt"

	"github.com/coder/serpent"

	"github.com/ferryd/ferry/ferrysdk"
)

func wakeCommand() *serpent.Command {
	var (
		gatewayURL   string
		token        string
		hardwareAddr string
	)

	cmd := &serpent.Command{
		Use:   "wake",
		Short: "Ask the gateway to broadcast a Wake-on-LAN magic packet for the upstream host",
		Handler: func(inv *serpent.Invocation) error {
			client, err := ferrysdk.New(gatewayURL)
			if err != nil {
				return err
			}
			client.SessionToken = token

			res, err := client.Wake(inv.Context(), ferrysdk.WakeRequest{
				HardwareAddr: hardwareAddr,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(inv.Stdout, "Sent magic packet for %s to %s\n", res.HardwareAddr, res.Broadcast)
			return nil
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
				Flag:        "hardware-addr",
				Description: "Hardware address to wake. Defaults to the gateway's configured address.",
				Value:       serpent.StringOf(&hardwareAddr),
			},
		},
	}
	return cmd
}
