// Command workflowctl triggers workflow jobs and maintains their data from an operator shell.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/eternisai/enchanted-workflows/internal/cleanup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	serverFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "workflow server base URL",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("WORKFLOW_SERVER_URL"),
		},
		&cli.StringFlag{
			Name:    "secret",
			Usage:   "operator secret",
			Sources: cli.EnvVars("WORKFLOW_OPERATOR_SECRET"),
		},
	}

	return &cli.Command{
		Name:  "workflowctl",
		Usage: "operate the enchanted workflow jobs",
		Commands: []*cli.Command{
			{
				Name:  "cleanup",
				Usage: "delete chats past their retention period",
				Flags: append([]cli.Flag{
					&cli.IntFlag{
						Name:  "retention-days",
						Usage: "delete chats not updated for this many days",
						Value: cleanup.DefaultRetentionDays,
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "chats deleted per batch",
						Value: cleanup.DefaultBatchSize,
					},
				}, serverFlags...),
				Action: cleanupAction,
			},
			{
				Name:  "generate-title",
				Usage: "generate a title for a chat",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "chat-id",
						Usage:    "chat to title",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "user-id",
						Usage:    "owner of the chat",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "seed",
						Usage: "text to title instead of the first user message",
					},
					&cli.StringFlag{
						Name:  "length",
						Usage: "title length: short, standard or long",
					},
					&cli.StringFlag{
						Name:  "provider",
						Usage: "platform or personal",
						Value: "platform",
					},
					&cli.BoolFlag{
						Name:  "manual",
						Usage: "overwrite a title the user set",
					},
				}, serverFlags...),
				Action: generateTitleAction,
			},
			{
				Name:  "keys",
				Usage: "manage personal api keys",
				Commands: []*cli.Command{
					{
						Name:  "set",
						Usage: "encrypt and store a personal api key",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "user-id",
								Usage:    "owner of the key",
								Required: true,
							},
							&cli.StringFlag{
								Name:    "key",
								Usage:   "api key to store",
								Sources: cli.EnvVars("PERSONAL_API_KEY"),
							},
						},
						Action: keysSetAction,
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "apply postgres migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "status",
						Usage: "print migration status without applying anything",
					},
				},
				Action: migrateAction,
			},
		},
	}
}
