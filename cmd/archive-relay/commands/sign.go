package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/savaki/archive-relay/internal/webhook"
	"github.com/urfave/cli/v2"
)

// SignCommand prints the x-hub-signature header value for a payload.
func SignCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "sign",
		Usage: "Compute the x-hub-signature value for a webhook payload",
		Description: `Signs the exact bytes of a payload file with HMAC-SHA256 and prints
the header value Bitbucket Server would send.

Examples:
  # Sign a captured payload
  archive-relay sign --body-file push.json --secret "$BITBUCKET_SECRET"

  # Sign from stdin
  cat push.json | archive-relay sign --body-file -`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "body-file",
				Aliases:  []string{"f"},
				Usage:    "Payload file to sign, or - for stdin",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "secret",
				Aliases:  []string{"s"},
				Usage:    "Webhook signing secret",
				Required: true,
				EnvVars:  []string{"BITBUCKET_SECRET"},
			},
		},
		Action: func(c *cli.Context) error {
			return signAction(c, logger)
		},
	}
}

func signAction(c *cli.Context, logger *zerolog.Logger) error {
	body, err := readBody(c.String("body-file"), c.App.Reader)
	if err != nil {
		return err
	}

	logger.Debug().Int("body_bytes", len(body)).Msg("Signing payload")

	_, err = fmt.Fprintln(c.App.Writer, webhook.Sign(c.String("secret"), body))
	return err
}

func readBody(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		body, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return body, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read body file: %w", err)
	}
	return body, nil
}
