package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/savaki/archive-relay/internal/errors"
	"github.com/savaki/archive-relay/internal/webhook"
	"golang.org/x/oauth2"
)

// BitbucketService talks to the Bitbucket Server REST API.
type BitbucketService struct {
	serverURL  string
	httpClient *http.Client
}

// NewBitbucketService builds a client that authenticates with the configured
// access token and, when both proxy host and port are set, routes through
// the proxy.
func NewBitbucketService(config *Config) (*BitbucketService, error) {
	proxyURL, err := config.ProxyURL()
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.AccessToken}),
			Base:   transport,
		},
	}

	return NewBitbucketServiceWithClient(config.ServerURL, httpClient), nil
}

// NewBitbucketServiceWithClient creates a BitbucketService with a custom
// http.Client. The client is responsible for authentication.
func NewBitbucketServiceWithClient(serverURL string, httpClient *http.Client) *BitbucketService {
	return &BitbucketService{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: httpClient,
	}
}

// ArchiveURL returns the archive endpoint for ref.
func (b *BitbucketService) ArchiveURL(ref webhook.RepositoryRef) string {
	query := url.Values{}
	query.Set("at", "refs/heads/"+ref.Branch)
	query.Set("format", "zip")

	return fmt.Sprintf("%s/rest/api/latest/projects/%s/repos/%s/archive?%s",
		b.serverURL,
		url.PathEscape(ref.ProjectKey),
		url.PathEscape(ref.RepoName),
		query.Encode(),
	)
}

// FetchArchive streams the zip archive of a branch. The caller must close
// the returned reader.
func (b *BitbucketService) FetchArchive(ctx context.Context, ref webhook.RepositoryRef) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.ArchiveURL(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", errors.ErrArchiveFetch, err)
	}
	req.Header.Set("Accept", "application/zip")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrArchiveFetch, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d, body: %s", errors.ErrArchiveFetch, resp.StatusCode, string(body))
	}

	return resp.Body, nil
}
