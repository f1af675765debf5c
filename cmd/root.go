package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "refeed",
		Usage: "Feed refresh orchestration pipeline",
		Description: `Aggregates external content feeds and coordinates their refresh.

		Refeed decides which followed feeds are stale, claims them with
		time-boxed locks, fans the fetch work out to a bounded worker
		queue in chunks and streams per-batch completion back to the
		requesting client over a server-sent event stream.

		Flags can generally be set via environment variables, e.g.:

		--database => REFEED_DATABASE=refeed.db
		--port => REFEED_PORT=3000
		`,
		Commands: []*cli.Command{
			serveCmd(),
			workerCmd(),
			migrateCmd(),
			rollbackCmd(),
			refreshCmd(),
			gcCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
