package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/savaki/archive-relay/internal/services"
	"github.com/urfave/cli/v2"
)

// ParameterWriter is satisfied by *services.SSMParameterStore.
type ParameterWriter interface {
	ParameterName(name string) string
	PutParameter(ctx context.Context, name, value string, secure bool) error
}

type parameter struct {
	name   string
	flag   string
	secure bool
}

var setupParameters = []parameter{
	{name: services.ParamSigningSecret, flag: "signing-secret", secure: true},
	{name: services.ParamServerURL, flag: "server-url"},
	{name: services.ParamAccessToken, flag: "access-token", secure: true},
	{name: services.ParamBucket, flag: "bucket"},
	{name: services.ParamProxyHost, flag: "proxy-host"},
	{name: services.ParamProxyPort, flag: "proxy-port"},
	{name: services.ParamSecretName, flag: "secret-name"},
}

func SetupCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Write relay configuration to SSM Parameter Store",
		Description: `Stores relay configuration under /{env}/archive-relay/. Only flags that
are given are written; existing parameters are overwritten. The signing
secret and access token are stored as SecureString.

Examples:
  # Configure the dev environment
  archive-relay setup --env dev \
    --server-url https://bitbucket.example.com \
    --bucket my-archives \
    --signing-secret "$BITBUCKET_SECRET" \
    --access-token "$BITBUCKET_TOKEN"

  # Generate a fresh signing secret; paste the printed value into Bitbucket
  archive-relay setup --env dev --generate-signing-secret

  # Route archive downloads through a proxy
  archive-relay setup --env prd --proxy-host proxy.internal --proxy-port 3128

  # Preview
  archive-relay setup --env dev --bucket my-archives --dry-run`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Aliases:  []string{"e"},
				Usage:    "Environment name (dev, stg, prd)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "region",
				Usage:   "AWS region",
				Value:   "us-east-1",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{Name: "signing-secret", Usage: "Webhook signing secret"},
			&cli.BoolFlag{
				Name:  "generate-signing-secret",
				Usage: "Generate a random 256-bit signing secret and print it for the Bitbucket webhook",
			},
			&cli.StringFlag{Name: "server-url", Usage: "Bitbucket Server base URL"},
			&cli.StringFlag{Name: "access-token", Usage: "Bitbucket access token"},
			&cli.StringFlag{Name: "bucket", Usage: "Destination S3 bucket"},
			&cli.StringFlag{Name: "proxy-host", Usage: "Outbound proxy host"},
			&cli.StringFlag{Name: "proxy-port", Usage: "Outbound proxy port"},
			&cli.StringFlag{Name: "secret-name", Usage: "Secrets Manager secret holding signing_secret and access_token"},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Show what would be configured without making changes",
			},
		},
		Action: func(c *cli.Context) error {
			return setupAction(c, logger)
		},
	}
}

func setupAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context
	env := c.String("env")

	values := map[string]string{}
	for _, p := range setupParameters {
		if v := c.String(p.flag); v != "" {
			values[p.name] = v
		}
	}
	if c.Bool("generate-signing-secret") {
		if _, ok := values[services.ParamSigningSecret]; ok {
			return fmt.Errorf("--signing-secret and --generate-signing-secret are mutually exclusive")
		}
		secret, err := generateSigningSecret()
		if err != nil {
			return err
		}
		values[services.ParamSigningSecret] = secret
		fmt.Fprintf(c.App.Writer, "signing secret: %s\n", secret)
	}
	if len(values) == 0 {
		return fmt.Errorf("nothing to configure: pass at least one parameter flag")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.String("region")))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	store := services.NewSSMParameterStore(ssm.NewFromConfig(cfg), env)

	logger.Info().Msgf("Storing configuration under %s", store.Path())
	if err := writeParameters(ctx, logger, store, values, c.Bool("dry-run")); err != nil {
		return err
	}

	logger.Info().Msg("Relay configuration complete")
	return nil
}

// writeParameters stores values in declaration order. Secure values are
// never logged.
func writeParameters(ctx context.Context, logger *zerolog.Logger, store ParameterWriter, values map[string]string, dryRun bool) error {
	for _, p := range setupParameters {
		value, ok := values[p.name]
		if !ok {
			continue
		}

		shown := value
		if p.secure {
			shown = "********"
		}

		path := store.ParameterName(p.name)
		if dryRun {
			logger.Info().Msgf("  DRY RUN: would set %s = %s", path, shown)
			continue
		}

		logger.Info().Msgf("  Setting %s = %s", path, shown)
		if err := store.PutParameter(ctx, p.name, value, p.secure); err != nil {
			return err
		}
	}

	return nil
}

// generateSigningSecret returns 256 bits of random data, base64 encoded.
func generateSigningSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
