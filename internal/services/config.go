package services

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/savaki/archive-relay/internal/errors"
)

// Config holds everything the relay needs for one invocation.
type Config struct {
	SigningSecret string
	ServerURL     string
	AccessToken   string
	Bucket        string
	ProxyHost     string
	ProxyPort     string

	// SecretName optionally names a Secrets Manager secret holding the
	// signing secret and access token.
	SecretName string
}

// Validate reports the first required value that is missing.
func (c *Config) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: config is nil", errors.ErrMissingConfig)
	case c.SigningSecret == "":
		return fmt.Errorf("%w: signing secret", errors.ErrMissingConfig)
	case c.ServerURL == "":
		return fmt.Errorf("%w: server url", errors.ErrMissingConfig)
	case c.AccessToken == "":
		return fmt.Errorf("%w: access token", errors.ErrMissingConfig)
	case c.Bucket == "":
		return fmt.Errorf("%w: bucket", errors.ErrMissingConfig)
	}
	return nil
}

// HasProxy reports whether both proxy host and port are set.
func (c *Config) HasProxy() bool {
	return c.ProxyHost != "" && c.ProxyPort != ""
}

// ProxyURL returns the outbound proxy, or nil when the proxy is not fully
// configured. Hosts without a scheme are treated as http.
func (c *Config) ProxyURL() (*url.URL, error) {
	if !c.HasProxy() {
		return nil, nil
	}

	raw := c.ProxyHost
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy host %q: %w", c.ProxyHost, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid proxy host %q", c.ProxyHost)
	}

	u.Host = net.JoinHostPort(u.Hostname(), c.ProxyPort)
	return u, nil
}
