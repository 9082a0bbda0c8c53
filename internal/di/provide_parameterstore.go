package di

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/savaki/archive-relay/internal/services"
)

// ProvideSSMClient provides an SSM client for Parameter Store access
// Returns nil if SSM is disabled (for local development)
func ProvideSSMClient(awsConfig aws.Config) *ssm.Client {
	if os.Getenv("DISABLE_SSM") == "true" {
		return nil
	}

	return ssm.NewFromConfig(awsConfig)
}

// ProvideParameterStore provides a ParameterStore implementation.
// A config file wins, then SSM, then environment variables.
func ProvideParameterStore(ctx context.Context, ssmClient *ssm.Client, env string, configFile ConfigFile) services.ParameterStore {
	logger := zerolog.Ctx(ctx)

	if configFile != "" {
		logger.Info().Str("config_file", string(configFile)).Msg("Using config file for configuration")
		return services.NewFileParameterStore(string(configFile))
	}

	if ssmClient == nil {
		logger.Info().Msg("Using environment variables for configuration (SSM disabled)")
		return services.NewEnvParameterStore(env)
	}

	logger.Info().Msg("Using AWS Systems Manager Parameter Store for configuration")
	return services.NewSSMParameterStore(ssmClient, env)
}

// ProvideAppConfig loads relay configuration and overlays values from
// Secrets Manager when a secret name is configured.
func ProvideAppConfig(ctx context.Context, store services.ParameterStore, secrets *services.SecretsManagerService) (*services.Config, error) {
	logger := zerolog.Ctx(ctx)

	config, err := store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := secrets.ApplySecrets(ctx, config); err != nil {
		return nil, fmt.Errorf("failed to load relay secrets: %w", err)
	}

	event := logger.Info()
	if err := config.Validate(); err != nil {
		event = logger.Warn().Err(err)
	}
	event.
		Str("server_url", config.ServerURL).
		Str("s3_bucket", config.Bucket).
		Bool("has_proxy", config.HasProxy()).
		Bool("has_secret_name", config.SecretName != "").
		Msg("Configuration loaded")

	return config, nil
}
