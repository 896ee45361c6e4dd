// aleph-node runs a full aleph.im network node: message pipeline, chain
// synchronization, content store and projections.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/aleph-im/aleph-node/config"
	"github.com/aleph-im/aleph-node/monitoring/prometheus"
	"github.com/aleph-im/aleph-node/node"
)

var log = logrus.WithField("prefix", "main")

func main() {
	app := &cli.App{
		Name:   "aleph-node",
		Usage:  "runs an aleph.im network node",
		Flags:  appFlags,
		Before: setupLogging,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Node exited with error")
	}
}

func setupLogging(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(verbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.AddHook(prometheus.NewLogrusCollector())
	return nil
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String(configFileFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(cliCtx, cfg)

	n, err := node.New(cliCtx.Context, cfg)
	if err != nil {
		return err
	}
	n.Start()
	return nil
}
