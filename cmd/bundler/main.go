// Copyright 2025 The sonic-4337-bundler Authors
// This file is part of sonic-4337-bundler.
//
// sonic-4337-bundler is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// sonic-4337-bundler is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with sonic-4337-bundler. If not, see <http://www.gnu.org/licenses/>.

// Command bundler runs the ERC-4337 bundler daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	bundler "github.com/pushpak0601/sonic-4337-bundler"
	"github.com/pushpak0601/sonic-4337-bundler/config"
	"github.com/pushpak0601/sonic-4337-bundler/internal/version"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML configuration file",
	}
	rpcURLFlag = &cli.StringFlag{
		Name:  "rpc-url",
		Usage: "Chain node JSON-RPC endpoint",
	}
	entryPointFlag = &cli.StringFlag{
		Name:  "entrypoint",
		Usage: "EntryPoint contract address",
	}
	beneficiaryFlag = &cli.StringFlag{
		Name:  "beneficiary",
		Usage: "Address credited with bundle gas refunds (default: signer)",
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "HTTP listening port",
	}
	databaseFlag = &cli.StringFlag{
		Name:  "database-url",
		Usage: "Postgres DSN, or memory:// for a non-durable store",
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chain-id",
		Usage: "Expected chain id, checked against the node at startup",
	}
	bundleIntervalFlag = &cli.DurationFlag{
		Name:  "bundle-interval",
		Usage: "Delay between bundle submission rounds",
	}
	maxBundleSizeFlag = &cli.IntFlag{
		Name:  "max-bundle-size",
		Usage: "Maximum user operations per bundle",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Log verbosity, 0=crit up to 5=trace",
		Value: config.DefaultVerbosity,
	}
)

func main() {
	app := &cli.App{
		Name:    "bundler",
		Usage:   "ERC-4337 user operation bundler",
		Version: version.WithMeta(),
		Flags: []cli.Flag{
			configFlag, rpcURLFlag, entryPointFlag, beneficiaryFlag,
			portFlag, databaseFlag, chainIDFlag, bundleIntervalFlag,
			maxBundleSizeFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// .env is a convenience for development; a missing file is fine.
	godotenv.Load()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogVerbosity())

	log.Info("Starting bundler", "version", version.ClientName(bundler.ClientIdentifier))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := bundler.New(ctx, cfg)
	if err != nil {
		return err
	}
	return node.Run(ctx)
}

// loadConfig layers file, environment and CLI flags, in ascending
// precedence, then validates.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.FromFile(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if c.IsSet(rpcURLFlag.Name) {
		cfg.RPCURL = c.String(rpcURLFlag.Name)
	}
	if c.IsSet(entryPointFlag.Name) {
		cfg.EntryPoint = c.String(entryPointFlag.Name)
	}
	if c.IsSet(beneficiaryFlag.Name) {
		cfg.Beneficiary = c.String(beneficiaryFlag.Name)
	}
	if c.IsSet(portFlag.Name) {
		cfg.Port = c.Int(portFlag.Name)
	}
	if c.IsSet(databaseFlag.Name) {
		cfg.DatabaseURL = c.String(databaseFlag.Name)
	}
	if c.IsSet(chainIDFlag.Name) {
		cfg.ChainID = c.Uint64(chainIDFlag.Name)
	}
	if c.IsSet(bundleIntervalFlag.Name) {
		cfg.BundleInterval = config.Duration(c.Duration(bundleIntervalFlag.Name))
	}
	if c.IsSet(maxBundleSizeFlag.Name) {
		cfg.MaxBundleSize = c.Int(maxBundleSizeFlag.Name)
	}
	if c.IsSet(verbosityFlag.Name) {
		v := c.Int(verbosityFlag.Name)
		cfg.Verbosity = &v
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging configures the root logger with a terminal handler, colored
// when stderr is a TTY.
func setupLogging(verbosity int) {
	useColor := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	output := colorable.NewColorableStderr()
	handler := log.NewTerminalHandlerWithLevel(output, logLevel(verbosity), useColor)
	log.SetDefault(log.NewLogger(handler))
}

func logLevel(verbosity int) slog.Level {
	switch verbosity {
	case 0:
		return log.LevelCrit
	case 1:
		return log.LevelError
	case 2:
		return log.LevelWarn
	case 3:
		return log.LevelInfo
	case 4:
		return log.LevelDebug
	default:
		return log.LevelTrace
	}
}
