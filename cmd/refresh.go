package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"refeed/client"
	"refeed/models"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func refreshCmd() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Trigger a one-shot refresh from the command line",
		Description: `Triggers a refresh for the given feeds against a running refeed
server and waits for the result on the status stream.

Returns each merged entry as a JSON object on a single line. Use a tool
like jq to process the output.

Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Pipeline server base URL",
				EnvVars: []string{"REFEED_SERVER_URL"},
				Value:   "http://localhost:3000",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for the pipeline server",
				EnvVars: []string{"REFEED_TOKEN"},
			},
			&cli.StringSliceFlag{
				Name:     "feed",
				Aliases:  []string{"f"},
				Usage:    "Feed to refresh as title=url, repeatable",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "priority",
				Usage: "Refresh priority: normal or high",
				Value: "normal",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the batch to finish",
				Value: 60 * time.Second,
			},
		},
		Action: func(ctx *cli.Context) error {
			// Disable logging to stdout
			log.SetOutput(os.Stderr)

			feeds, err := parseFeedArgs(ctx.StringSlice("feed"))
			if err != nil {
				return err
			}

			c := client.New(ctx.String("server"), ctx.String("token"), feeds, nil)
			c.OnNewEntries = func(count int) {
				if count > 0 {
					log.Infof("%d new entries", count)
				}
			}

			runCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
			defer cancel()

			if err := c.TriggerOneTimeRefresh(runCtx); err != nil {
				return err
			}

			for _, entry := range c.Entries() {
				printStdout(&entry)
			}
			return nil
		},
	}
}

func parseFeedArgs(args []string) ([]models.FeedRef, error) {
	feeds := make([]models.FeedRef, 0, len(args))
	for _, arg := range args {
		title, url, ok := cutFeedArg(arg)
		if !ok {
			return nil, fmt.Errorf("invalid feed %q, expected title=url", arg)
		}
		feeds = append(feeds, models.FeedRef{PostTitle: title, FeedURL: url})
	}
	if len(feeds) == 0 {
		return nil, errors.New("at least one feed is required")
	}
	return feeds, nil
}

func cutFeedArg(arg string) (title, url string, ok bool) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:], arg[:i] != "" && arg[i+1:] != ""
		}
	}
	return "", "", false
}

func printStdout(entry *models.Entry) {
	// Print as single JSON string on a single line
	entryJson, err := json.Marshal(entry)
	if err == nil {
		fmt.Println(string(entryJson))
	}
}
