package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/savaki/archive-relay/internal/di"
	"github.com/savaki/archive-relay/internal/services"
	"github.com/savaki/archive-relay/internal/webhook"
	"github.com/urfave/cli/v2"
)

// ArchiveFetcher streams a branch archive.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, ref webhook.RepositoryRef) (io.ReadCloser, error)
}

// FetchCommand downloads a branch archive using the relay's configuration.
func FetchCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download a branch archive with the relay's credentials",
		Description: `Fetches the same zip archive the relay would upload, which is useful for
checking the access token and proxy settings of an environment.

Examples:
  # Download main of PROJ/myrepo using dev configuration from SSM
  archive-relay fetch --env dev --project PROJ --repo myrepo --branch main

  # Use a local config file
  archive-relay fetch --config relay.yaml --project PROJ --repo myrepo --branch feature/x --output x.zip`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Environment whose configuration to use",
				Value:   "dev",
				EnvVars: []string{"ENV"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"RELAY_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:     "project",
				Aliases:  []string{"p"},
				Usage:    "Bitbucket project key",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "repo",
				Aliases:  []string{"r"},
				Usage:    "Repository name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "branch",
				Aliases:  []string{"b"},
				Usage:    "Branch name",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file (defaults to the archive's object key base name)",
			},
		},
		Action: func(c *cli.Context) error {
			return fetchAction(c, logger)
		},
	}
}

func fetchAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := logger.WithContext(c.Context)

	container, err := di.New(c.String("env"), di.WithConfigFile(c.String("config")))
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	var bitbucket *services.BitbucketService
	if err := container.Invoke(func(b *services.BitbucketService) { bitbucket = b }); err != nil {
		return fmt.Errorf("failed to create bitbucket client: %w", err)
	}

	ref := webhook.RepositoryRef{
		ProjectKey: c.String("project"),
		RepoName:   c.String("repo"),
		Branch:     c.String("branch"),
	}

	output := c.String("output")
	if output == "" {
		output = filepath.Base(ref.ObjectKey())
	}

	n, err := downloadArchive(ctx, bitbucket, ref, output)
	if err != nil {
		return err
	}

	logger.Info().
		Str("url", bitbucket.ArchiveURL(ref)).
		Str("output", output).
		Int64("bytes", n).
		Msg("Archive downloaded")

	return nil
}

// downloadArchive writes the archive for ref to path. A partial file is
// removed on failure.
func downloadArchive(ctx context.Context, fetcher ArchiveFetcher, ref webhook.RepositoryRef, path string) (int64, error) {
	archive, err := fetcher.FetchArchive(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer archive.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	n, err := io.Copy(f, archive)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}

	return n, nil
}
