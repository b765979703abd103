package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/flareapp/flare/internal/config"
	"github.com/flareapp/flare/internal/daemon"
	"github.com/flareapp/flare/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	gatewayFlag := flag.String("gateway", "", "gateway websocket URL (overrides config)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	gatewayURL := *gatewayFlag
	gatewayToken := ""
	if cfg, err := config.Load(session.ConfigPath()); err == nil {
		if gatewayURL == "" {
			gatewayURL = cfg.GatewayURL
		}
		gatewayToken = cfg.GatewayToken
	}
	if gatewayURL == "" {
		fmt.Fprintln(os.Stderr, "error: no gateway URL configured (set gateway_url in config.toml or pass --gateway)")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName:  sessionName,
			GatewayURL:   gatewayURL,
			GatewayToken: gatewayToken,
		}),
	)

	app.Run()
}
