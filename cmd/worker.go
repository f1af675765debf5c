package cmd

import (
	"context"

	"refeed/config"
	"refeed/models"
	"refeed/queue"
	"refeed/worker"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func workerCmd() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run a remote chunk worker",
		Description: `Attaches to a running refeed server as a remote chunk worker.

Subscribes to the server's websocket queue delivery, fetches the feeds
in each delivered chunk and reports results back over the worker
callback routes. Reconnects with exponential backoff and fails over
between the configured server hosts.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Pipeline server websocket endpoints, tried in order",
				EnvVars: []string{"REFEED_SERVER"},
				Value:   cli.NewStringSlice("ws://localhost:3000"),
			},
			&cli.StringFlag{
				Name:    "report-url",
				Usage:   "Pipeline server HTTP base URL for chunk reports",
				EnvVars: []string{"REFEED_REPORT_URL"},
				Value:   "http://localhost:3000",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for the pipeline server",
				EnvVars: []string{"REFEED_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to pipeline configuration file",
				EnvVars: []string{"REFEED_CONFIG"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			pipeline := cfg.Pipeline

			reporter := worker.NewHTTPReporter(ctx.String("report-url"), ctx.String("token"))
			processor := worker.NewProcessor(reporter)
			processor.Requeue = queue.NewHTTPTransport(ctx.String("report-url"), ctx.String("token"))

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			messages := make(chan models.QueueMessage, pipeline.QueueSize)
			pool := worker.NewPool(runCtx, pipeline.Workers, messages, processor)
			pool.Start()

			log.WithFields(log.Fields{
				"hosts":   ctx.StringSlice("server"),
				"workers": pipeline.Workers,
			}).Info("Starting remote chunk worker")

			return worker.Subscribe(runCtx, worker.RemoteConfig{
				Hosts:     ctx.StringSlice("server"),
				Token:     ctx.String("token"),
				UserAgent: "refeed-worker",
			}, messages)
		},
	}
}
