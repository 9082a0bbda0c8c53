package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"gopkg.in/yaml.v3"
)

// Parameter names under /{env}/archive-relay/
const (
	ParamSigningSecret = "signing-secret"
	ParamServerURL     = "server-url"
	ParamAccessToken   = "access-token"
	ParamBucket        = "s3-bucket"
	ParamProxyHost     = "proxy-host"
	ParamProxyPort     = "proxy-port"
	ParamSecretName    = "secret-name"
)

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads all relay configuration
	GetConfig(ctx context.Context) (*Config, error)
}

// SSMAPI is the subset of the SSM client used by SSMParameterStore.
type SSMAPI interface {
	ssm.GetParametersByPathAPIClient
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store
type SSMParameterStore struct {
	client SSMAPI
	env    string
	mu     sync.RWMutex
	cache  map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store
func NewSSMParameterStore(client SSMAPI, env string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		env:    env,
		cache:  make(map[string]string),
	}
}

// Path returns the parameter path prefix for this environment.
func (s *SSMParameterStore) Path() string {
	return fmt.Sprintf("/%s/archive-relay", s.env)
}

// ParameterName returns the fully qualified name of a relay parameter.
func (s *SSMParameterStore) ParameterName(name string) string {
	return s.Path() + "/" + name
}

// GetParameter retrieves a single parameter from SSM Parameter Store
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// PutParameter writes a relay parameter. Secrets are stored as SecureString.
func (s *SSMParameterStore) PutParameter(ctx context.Context, name, value string, secure bool) error {
	paramType := types.ParameterTypeString
	if secure {
		paramType = types.ParameterTypeSecureString
	}

	fullName := s.ParameterName(name)
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(fullName),
		Value:     aws.String(value),
		Type:      paramType,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to put parameter %s: %w", fullName, err)
	}

	s.mu.Lock()
	s.cache[fullName] = value
	s.mu.Unlock()

	return nil
}

// GetConfig loads all relay configuration from Parameter Store
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	path := s.Path()

	params := make(map[string]string)
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(path),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
		}
		for _, param := range page.Parameters {
			if param.Name != nil && param.Value != nil {
				params[*param.Name] = *param.Value
			}
		}
	}

	s.mu.Lock()
	for k, v := range params {
		s.cache[k] = v
	}
	s.mu.Unlock()

	return &Config{
		SigningSecret: params[s.ParameterName(ParamSigningSecret)],
		ServerURL:     params[s.ParameterName(ParamServerURL)],
		AccessToken:   params[s.ParameterName(ParamAccessToken)],
		Bucket:        params[s.ParameterName(ParamBucket)],
		ProxyHost:     params[s.ParameterName(ParamProxyHost)],
		ProxyPort:     params[s.ParameterName(ParamProxyPort)],
		SecretName:    params[s.ParameterName(ParamSecretName)],
	}, nil
}

// EnvParameterStore implements ParameterStore using environment variables.
// Variable names match the ones the relay has always been deployed with.
type EnvParameterStore struct {
	env string
}

// NewEnvParameterStore creates a new environment variable-backed parameter store
func NewEnvParameterStore(env string) *EnvParameterStore {
	return &EnvParameterStore{
		env: env,
	}
}

// GetParameter returns the value of the named environment variable
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}

// GetConfig loads all relay configuration from environment variables
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	return &Config{
		SigningSecret: os.Getenv("BITBUCKET_SECRET"),
		ServerURL:     os.Getenv("BITBUCKET_SERVER_URL"),
		AccessToken:   os.Getenv("BITBUCKET_TOKEN"),
		Bucket:        os.Getenv("S3BUCKET"),
		ProxyHost:     os.Getenv("WEBPROXY_HOST"),
		ProxyPort:     os.Getenv("WEBPROXY_PORT"),
		SecretName:    os.Getenv("RELAY_SECRET_NAME"),
	}, nil
}

// FileParameterStore implements ParameterStore using a local YAML file,
// keyed by the same names as the SSM parameters.
type FileParameterStore struct {
	path string
}

// NewFileParameterStore creates a parameter store reading from path
func NewFileParameterStore(path string) *FileParameterStore {
	return &FileParameterStore{path: path}
}

func (f *FileParameterStore) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", f.path, err)
	}

	params := map[string]string{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", f.path, err)
	}
	return params, nil
}

// GetParameter returns a single value from the file
func (f *FileParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	params, err := f.read()
	if err != nil {
		return "", err
	}

	value, ok := params[strings.TrimPrefix(name, "/")]
	if !ok {
		return "", fmt.Errorf("parameter %s not found in %s", name, f.path)
	}
	return value, nil
}

// GetConfig loads all relay configuration from the file
func (f *FileParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	params, err := f.read()
	if err != nil {
		return nil, err
	}

	return &Config{
		SigningSecret: params[ParamSigningSecret],
		ServerURL:     params[ParamServerURL],
		AccessToken:   params[ParamAccessToken],
		Bucket:        params[ParamBucket],
		ProxyHost:     params[ParamProxyHost],
		ProxyPort:     params[ParamProxyPort],
		SecretName:    params[ParamSecretName],
	}, nil
}
