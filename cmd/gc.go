package cmd

import (
	"fmt"
	"time"

	"refeed/db"

	"github.com/cqroot/prompt"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func gcCmd() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Garbage collect old entries",
		Description: `Delete all entries older than the given number of days from the
SQLite database.

Can be run as a cron job with --yes to keep the database size down.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file",
				EnvVars: []string{"REFEED_DATABASE"},
				Value:   "refeed.db",
			},
			&cli.IntFlag{
				Name:  "days",
				Usage: "Delete entries older than this many days",
				Value: 90,
			},
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "Skip the confirmation prompt",
			},
		},
		Action: func(ctx *cli.Context) error {
			days := ctx.Int("days")

			if !ctx.Bool("yes") {
				answer, err := prompt.New().
					Ask(fmt.Sprintf("Delete entries older than %d days? (yes/no)", days)).
					Input("no")
				if err != nil {
					return err
				}
				if answer != "yes" {
					fmt.Println("Aborted")
					return nil
				}
			}

			store, err := db.NewStore(ctx.String("database"))
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().AddDate(0, 0, -days)
			pruned, err := store.PruneEntries(ctx.Context, cutoff)
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"pruned": pruned,
				"cutoff": cutoff.Format(time.RFC3339),
			}).Info("Garbage collection done")
			return nil
		},
	}
}
