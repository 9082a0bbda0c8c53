package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/savaki/archive-relay/internal/di"
	"github.com/savaki/archive-relay/internal/services"
	"github.com/savaki/archive-relay/internal/webhook"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

// ArchiveFetcher streams a branch archive from the source-control server.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, ref webhook.RepositoryRef) (io.ReadCloser, error)
}

// ArchiveStore persists an archive under key.
type ArchiveStore interface {
	Put(ctx context.Context, key string, body io.Reader) (*services.UploadResult, error)
}

type Handler struct {
	config  *services.Config
	fetcher ArchiveFetcher
	store   ArchiveStore
}

func NewHandler(config *services.Config, fetcher ArchiveFetcher, store ArchiveStore) *Handler {
	return &Handler{
		config:  config,
		fetcher: fetcher,
		store:   store,
	}
}

// HandleRequest is the API Gateway entry point.
func (h *Handler) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to decode base64 request body")
			return webhook.NewResponse(http.StatusInternalServerError, webhook.FaultInternal), nil
		}
		body = decoded
	}

	return h.Handle(ctx, webhook.Envelope{
		Headers: webhook.HeadersFromMultiValue(req.Headers, req.MultiValueHeaders),
		Body:    body,
	}), nil
}

// Handle relays one notification. Only a bad signature yields 401; every
// other failure is logged and reported as a generic 500.
func (h *Handler) Handle(ctx context.Context, envelope webhook.Envelope) (resp events.APIGatewayProxyResponse) {
	headers := webhook.NormalizeHeaders(envelope.Headers)

	deliveryID := headers[webhook.HeaderRequestID]
	if deliveryID == "" {
		deliveryID = ksuid.New().String()
	}
	logger := zerolog.Ctx(ctx).With().
		Str("delivery_id", deliveryID).
		Str("event_key", headers[webhook.HeaderEventKey]).
		Logger()
	ctx = logger.WithContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Recovered from panic while relaying webhook")
			resp = webhook.NewResponse(http.StatusInternalServerError, webhook.FaultInternal)
		}
	}()

	if headers[webhook.HeaderEventKey] == webhook.EventKeyPing {
		logger.Info().Msg("Responding to diagnostics ping")
		return webhook.NewResponse(http.StatusOK, webhook.MessagePing)
	}

	if err := h.config.Validate(); err != nil {
		logger.Error().Err(err).Msg("Relay is not configured")
		return webhook.NewResponse(http.StatusInternalServerError, webhook.FaultInternal)
	}

	if err := webhook.Verify(h.config.SigningSecret, headers[webhook.HeaderSignature], envelope.Body); err != nil {
		logger.Warn().Err(err).Msg("Invalid webhook message signature")
		return webhook.NewResponse(http.StatusUnauthorized, webhook.FaultSignature)
	}
	logger.Debug().Msg("Signature validated successfully")

	result, err := h.relay(ctx, envelope.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to relay archive")
		return webhook.NewResponse(http.StatusInternalServerError, webhook.FaultInternal)
	}

	logger.Info().
		Str("s3_bucket", result.Bucket).
		Str("s3_key", result.Key).
		Str("etag", result.ETag).
		Str("version_id", result.VersionID).
		Msg("Stored branch archive")
	return webhook.NewResponse(http.StatusOK, webhook.MessageSuccess)
}

func (h *Handler) relay(ctx context.Context, body []byte) (*services.UploadResult, error) {
	logger := zerolog.Ctx(ctx)

	event, err := webhook.ParsePushEvent(body)
	if err != nil {
		return nil, err
	}

	ref, err := event.BranchRef()
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("project", ref.ProjectKey).
		Str("repo", ref.RepoName).
		Str("branch", ref.Branch).
		Msg("Fetching branch archive")

	archive, err := h.fetcher.FetchArchive(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	return h.store.Put(ctx, ref.ObjectKey(), archive)
}

func setupHandler(env, configFile string) (*Handler, error) {
	var opts []di.Option
	if configFile != "" {
		opts = append(opts, di.WithConfigFile(configFile))
	}

	container, err := di.New(env, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DI container: %w", err)
	}

	var handler *Handler
	err = container.Invoke(func(config *services.Config, bitbucket *services.BitbucketService, store *services.ArchiveStore) {
		handler = NewHandler(config, bitbucket, store)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build handler: %w", err)
	}
	return handler, nil
}

// serveAction starts a local HTTP server that accepts webhooks directly.
func serveAction(c *cli.Context, logger zerolog.Logger) error {
	handler, err := setupHandler(c.String("env"), c.String("config"))
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%s", c.String("port"))
	logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(logger)(newHTTPHandler(handler)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

// invokeAction replays a payload file through the handler and prints the response.
func invokeAction(c *cli.Context, logger zerolog.Logger) error {
	handler, err := setupHandler(c.String("env"), c.String("config"))
	if err != nil {
		return err
	}

	body, err := os.ReadFile(c.String("body-file"))
	if err != nil {
		return fmt.Errorf("failed to read body file: %w", err)
	}

	headers := map[string]string{
		"X-Event-Key": c.String("event-key"),
	}
	switch {
	case c.String("signature") != "":
		headers["X-Hub-Signature"] = c.String("signature")
	case c.Bool("sign"):
		headers["X-Hub-Signature"] = webhook.Sign(handler.config.SigningSecret, body)
	}

	ctx := logger.WithContext(c.Context)
	resp := handler.Handle(ctx, webhook.Envelope{Headers: headers, Body: body})

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// loadDotEnv populates the environment from a dotenv file. A missing file
// is ignored; variables already set are not overridden.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "webhook-relay").Logger()

	env := os.Getenv("ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "dev"
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		handler, err := setupHandler(env, "")
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create handler")
			os.Exit(1)
		}

		// Wrap handler to inject logger into context
		wrappedHandler := func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleRequest(ctx, req)
		}
		lambda.Start(wrappedHandler)
		return
	}

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "env",
			Usage:   "Environment name (selects the Parameter Store path)",
			Value:   env,
			EnvVars: []string{"ENV", "ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML config file (overrides Parameter Store and environment variables)",
			EnvVars: []string{"RELAY_CONFIG_FILE"},
		},
	}

	app := &cli.App{
		Name:  "webhook-relay",
		Usage: "Relay Bitbucket Server push webhooks into S3 branch archives",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dotenv",
				Usage: "Load environment variables from this file before running",
				Value: ".env",
			},
		},
		Before: func(c *cli.Context) error {
			return loadDotEnv(c.String("dotenv"))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start local HTTP server that accepts webhooks",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "port",
						Usage: "Port to listen on",
						Value: "8080",
					},
				}, flags...),
				Action: func(c *cli.Context) error {
					return serveAction(c, logger)
				},
			},
			{
				Name:  "invoke",
				Usage: "Replay a push payload through the handler",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "body-file",
						Usage:    "File containing the raw webhook body",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "event-key",
						Usage: "Value of the X-Event-Key header",
						Value: "repo:refs_changed",
					},
					&cli.BoolFlag{
						Name:  "sign",
						Usage: "Sign the body with the configured signing secret",
					},
					&cli.StringFlag{
						Name:  "signature",
						Usage: "Explicit X-Hub-Signature header value (overrides --sign)",
					},
				}, flags...),
				Action: func(c *cli.Context) error {
					return invokeAction(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
