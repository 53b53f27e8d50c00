// Command gateway runs the caching, load-balancing JSON-RPC reverse
// proxy described in this repo's configuration file. Flag/command
// plumbing follows the teacher's cmd/geth use of urfave/cli/v2 rather
// than flag.FlagSet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/config"
	"github.com/rpcmesh/gateway/internal/supervisor"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Usage:    "path to the gateway's TOML configuration file",
	Value:    "gateway.toml",
	EnvVars:  []string{"GATEWAY_CONFIG"},
}

var verbosityFlag = &cli.IntFlag{
	Name:  "verbosity",
	Usage: "log verbosity (0=crit ... 5=trace)",
	Value: 3,
}

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "caching, load-balancing reverse proxy for JSON-RPC endpoints",
		Flags: []cli.Flag{configFlag, verbosityFlag},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	setupLogging(cctx.Int(verbosityFlag.Name))

	cfgPath := cctx.String(configFlag.Name)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	gw, err := supervisor.New(cfg, cfgPath)
	if err != nil {
		return fmt.Errorf("supervisor.New(): %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return gw.Run(ctx)
}

func setupLogging(verbosity int) {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(verbosity), false)
	log.SetDefault(log.NewLogger(handler))
}
