package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"refeed/batch"
	"refeed/config"
	"refeed/coordinator"
	"refeed/db"
	"refeed/queue"
	"refeed/server"
	"refeed/worker"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the refresh pipeline API",
		Description: `Starts the refresh pipeline HTTP server and the in-process chunk
worker pool.

The server exposes the refresh enqueue endpoint, the per-batch status
event stream, and the worker routes used by remote chunk workers. Chunk
work is drained from the in-process queue by the configured number of
workers; remote workers connected over the websocket route drain the
same queue.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file",
				EnvVars: []string{"REFEED_DATABASE"},
				Value:   "refeed.db",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				EnvVars: []string{"REFEED_PORT"},
				Value:   3000,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to pipeline configuration file",
				EnvVars: []string{"REFEED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token guarding the API; open when empty",
				EnvVars: []string{"REFEED_TOKEN"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			pipeline := cfg.Pipeline

			if err := db.Migrate(ctx.String("database")); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}

			store, err := db.NewStore(ctx.String("database"))
			if err != nil {
				return err
			}
			defer store.Close()

			transport := queue.NewChannelTransport(pipeline.QueueSize)
			registry := batch.NewRegistry(pipeline.BatchTimeout.Duration, pipeline.BatchGrace.Duration)
			reporter := &worker.LocalReporter{Store: store, Registry: registry}
			processor := worker.NewProcessor(reporter)
			processor.Requeue = transport
			coord := coordinator.New(store,
				pipeline.StalenessThreshold.Duration,
				pipeline.LockTTL.Duration,
				pipeline.Optimistic,
			)
			enqueuer := queue.NewEnqueuer(transport, nil, processor,
				pipeline.ChunkSize,
				pipeline.MaxRetries,
				pipeline.NormalPriorityDelay.Duration,
			)

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			pool := worker.NewPool(runCtx, pipeline.Workers, transport.Receive(), processor)
			pool.Start()

			app := server.Server(&server.ServerConfig{
				Coordinator: coord,
				Enqueuer:    enqueuer,
				Registry:    registry,
				Reporter:    reporter,
				Transport:   transport,
				Reader:      store,
				Token:       ctx.String("token"),
			})

			// Graceful shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt)

			go func() {
				<-quit
				log.Info("Gracefully shutting down...")
				if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
					log.Errorf("Error shutting down server: %v", err)
				}
				cancel()
			}()

			log.WithFields(log.Fields{
				"port":    ctx.Int("port"),
				"workers": pipeline.Workers,
			}).Info("Starting refeed server")

			if err := app.Listen(fmt.Sprintf(":%d", ctx.Int("port"))); err != nil {
				return err
			}

			pool.Shutdown()
			log.Info("Done!")
			return nil
		},
	}
}
