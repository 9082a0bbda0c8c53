package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client in use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerService struct {
	client SecretsManagerAPI
}

// RelaySecrets is the JSON document stored in the relay's secret.
type RelaySecrets struct {
	SigningSecret string `json:"signing_secret"`
	AccessToken   string `json:"access_token"`
}

func NewSecretsManagerService(cfg aws.Config) *SecretsManagerService {
	return NewSecretsManagerServiceWithClient(secretsmanager.NewFromConfig(cfg))
}

// NewSecretsManagerServiceWithClient is useful for testing with a fake client.
func NewSecretsManagerServiceWithClient(client SecretsManagerAPI) *SecretsManagerService {
	return &SecretsManagerService{client: client}
}

// GetSecret retrieves a secret value by path from AWS Secrets Manager
func (s *SecretsManagerService) GetSecret(ctx context.Context, secretPath string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretPath, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretPath)
	}

	return *result.SecretString, nil
}

// GetRelaySecrets retrieves the signing secret and access token stored as JSON
func (s *SecretsManagerService) GetRelaySecrets(ctx context.Context, secretPath string) (*RelaySecrets, error) {
	value, err := s.GetSecret(ctx, secretPath)
	if err != nil {
		return nil, err
	}

	var secrets RelaySecrets
	if err := json.Unmarshal([]byte(value), &secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relay secrets: %w", err)
	}

	return &secrets, nil
}

// ApplySecrets overlays non-empty secret values onto config.
func (s *SecretsManagerService) ApplySecrets(ctx context.Context, config *Config) error {
	if config.SecretName == "" {
		return nil
	}

	secrets, err := s.GetRelaySecrets(ctx, config.SecretName)
	if err != nil {
		return err
	}

	if secrets.SigningSecret != "" {
		config.SigningSecret = secrets.SigningSecret
	}
	if secrets.AccessToken != "" {
		config.AccessToken = secrets.AccessToken
	}
	return nil
}
