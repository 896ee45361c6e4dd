package main

import (
	"github.com/urfave/cli/v2"

	"github.com/aleph-im/aleph-node/config"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a YAML configuration file overlaying the defaults",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error)",
		Value: "info",
	}
	storageFolderFlag = &cli.StringFlag{
		Name:  "storage-folder",
		Usage: "Root directory of the local blob store",
	}
	disableIpfsFlag = &cli.BoolFlag{
		Name:  "disable-ipfs",
		Usage: "Run without an IPFS daemon; ipfs item types become unavailable",
	}
	disableMetricsFlag = &cli.BoolFlag{
		Name:  "disable-metrics",
		Usage: "Do not serve the prometheus endpoint",
	}
	metricsPortFlag = &cli.IntFlag{
		Name:  "metrics-port",
		Usage: "Port of the prometheus endpoint",
	}
)

var appFlags = []cli.Flag{
	configFileFlag,
	verbosityFlag,
	storageFolderFlag,
	disableIpfsFlag,
	disableMetricsFlag,
	metricsPortFlag,
}

// applyFlags overrides file-configured values with command-line ones.
func applyFlags(cliCtx *cli.Context, cfg *config.Config) {
	if cliCtx.IsSet(storageFolderFlag.Name) {
		cfg.Storage.Folder = cliCtx.String(storageFolderFlag.Name)
	}
	if cliCtx.Bool(disableIpfsFlag.Name) {
		cfg.IPFS.Enabled = false
	}
	if cliCtx.Bool(disableMetricsFlag.Name) {
		cfg.Metrics.Enabled = false
	}
	if cliCtx.IsSet(metricsPortFlag.Name) {
		cfg.Metrics.Port = cliCtx.Int(metricsPortFlag.Name)
	}
}
