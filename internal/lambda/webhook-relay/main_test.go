package main

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	relayerrors "github.com/savaki/archive-relay/internal/errors"
	"github.com/savaki/archive-relay/internal/services"
	"github.com/savaki/archive-relay/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "s3cr3t"

	branchPush = `{"eventKey":"repo:refs_changed","repository":{"slug":"myrepo","name":"myrepo","project":{"key":"PROJ"}},"changes":[{"ref":{"id":"refs/heads/main","displayId":"main","type":"BRANCH"},"refId":"refs/heads/main","type":"UPDATE"}]}`
	tagPush    = `{"eventKey":"repo:refs_changed","repository":{"slug":"myrepo","name":"myrepo","project":{"key":"PROJ"}},"changes":[{"ref":{"id":"refs/tags/v1.0.0","displayId":"v1.0.0","type":"TAG"},"refId":"refs/tags/v1.0.0","type":"ADD"}]}`
)

type fakeFetcher struct {
	refs  []webhook.RepositoryRef
	body  string
	err   error
	panic bool
}

func (f *fakeFetcher) FetchArchive(ctx context.Context, ref webhook.RepositoryRef) (io.ReadCloser, error) {
	if f.panic {
		panic("boom")
	}
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

type put struct {
	key  string
	body string
}

type fakeStore struct {
	puts []put
	err  error
}

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader) (*services.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, put{key: key, body: string(data)})
	return &services.UploadResult{Bucket: "archives", Key: key}, nil
}

func testConfig() *services.Config {
	return &services.Config{
		SigningSecret: testSecret,
		ServerURL:     "https://bitbucket.example.com",
		AccessToken:   "token",
		Bucket:        "archives",
	}
}

func signedEnvelope(body string) webhook.Envelope {
	return webhook.Envelope{
		Headers: map[string]string{
			"X-Event-Key":     "repo:refs_changed",
			"X-Hub-Signature": webhook.Sign(testSecret, []byte(body)),
			"X-Request-Id":    "req-1",
		},
		Body: []byte(body),
	}
}

func TestHandle_DiagnosticsPing(t *testing.T) {
	tests := []struct {
		name    string
		config  *services.Config
		headers map[string]string
		body    string
	}{
		{
			name:    "no signature",
			config:  testConfig(),
			headers: map[string]string{"X-Event-Key": "diagnostics:ping"},
			body:    `{"test":true}`,
		},
		{
			name:    "bad signature and non-json body",
			config:  testConfig(),
			headers: map[string]string{"x-event-key": "diagnostics:ping", "X-Hub-Signature": "sha256=00"},
			body:    `not json`,
		},
		{
			name:    "unconfigured relay",
			config:  &services.Config{},
			headers: map[string]string{"X-EVENT-KEY": "diagnostics:ping"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher, store := &fakeFetcher{}, &fakeStore{}
			handler := NewHandler(tt.config, fetcher, store)

			resp := handler.Handle(context.Background(), webhook.Envelope{Headers: tt.headers, Body: []byte(tt.body)})

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.JSONEq(t, `{"statusCode":200,"message":"Webhook configured successfully"}`, resp.Body)
			assert.Empty(t, fetcher.refs)
			assert.Empty(t, store.puts)
		})
	}
}

func TestHandle_Success(t *testing.T) {
	fetcher := &fakeFetcher{body: "PK-zip"}
	store := &fakeStore{}
	handler := NewHandler(testConfig(), fetcher, store)

	resp := handler.Handle(context.Background(), signedEnvelope(branchPush))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"statusCode":200,"message":"success"}`, resp.Body)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	assert.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])

	require.Len(t, fetcher.refs, 1)
	assert.Equal(t, webhook.RepositoryRef{ProjectKey: "PROJ", RepoName: "myrepo", Branch: "main"}, fetcher.refs[0])
	require.Len(t, store.puts, 1)
	assert.Equal(t, put{key: "PROJ/myrepo/main.zip", body: "PK-zip"}, store.puts[0])
}

func TestHandle_ReplayOverwritesSameKey(t *testing.T) {
	store := &fakeStore{}
	handler := NewHandler(testConfig(), &fakeFetcher{body: "zip"}, store)

	first := handler.Handle(context.Background(), signedEnvelope(branchPush))
	second := handler.Handle(context.Background(), signedEnvelope(branchPush))

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	require.Len(t, store.puts, 2)
	assert.Equal(t, store.puts[0].key, store.puts[1].key)
}

func TestHandle_Unauthorized(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		body      string
	}{
		{name: "missing signature", signature: "", body: branchPush},
		{name: "wrong digest", signature: "sha256=0123456789abcdef", body: branchPush},
		{name: "wrong secret", signature: webhook.Sign("other", []byte(branchPush)), body: branchPush},
		{name: "body changed after signing", signature: webhook.Sign(testSecret, []byte(branchPush)), body: branchPush + "\n"},
		{name: "no separator", signature: "deadbeef", body: branchPush},
		{name: "non-hex digest", signature: "sha256=zz", body: branchPush},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher, store := &fakeFetcher{body: "zip"}, &fakeStore{}
			handler := NewHandler(testConfig(), fetcher, store)

			headers := map[string]string{"X-Event-Key": "repo:refs_changed"}
			if tt.signature != "" {
				headers["X-Hub-Signature"] = tt.signature
			}

			resp := handler.Handle(context.Background(), webhook.Envelope{Headers: headers, Body: []byte(tt.body)})

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.JSONEq(t, `{"statusCode":401,"fault":"Signature is not valid"}`, resp.Body)
			assert.Empty(t, fetcher.refs)
			assert.Empty(t, store.puts)
		})
	}
}

func TestHandle_InternalErrors(t *testing.T) {
	tests := []struct {
		name        string
		config      *services.Config
		body        string
		fetcher     *fakeFetcher
		store       *fakeStore
		wantFetches int
	}{
		{
			name:    "tag push",
			config:  testConfig(),
			body:    tagPush,
			fetcher: &fakeFetcher{body: "zip"},
			store:   &fakeStore{},
		},
		{
			name:    "malformed json",
			config:  testConfig(),
			body:    `{"changes":`,
			fetcher: &fakeFetcher{body: "zip"},
			store:   &fakeStore{},
		},
		{
			name:    "missing repository",
			config:  testConfig(),
			body:    `{"changes":[{"ref":{"displayId":"main","type":"BRANCH"}}]}`,
			fetcher: &fakeFetcher{body: "zip"},
			store:   &fakeStore{},
		},
		{
			name:        "fetch network failure",
			config:      testConfig(),
			body:        branchPush,
			fetcher:     &fakeFetcher{err: relayerrors.ErrArchiveFetch},
			store:       &fakeStore{},
			wantFetches: 1,
		},
		{
			name:        "upload failure",
			config:      testConfig(),
			body:        branchPush,
			fetcher:     &fakeFetcher{body: "zip"},
			store:       &fakeStore{err: errors.New("connection reset by peer")},
			wantFetches: 1,
		},
		{
			name: "missing bucket",
			config: func() *services.Config {
				c := testConfig()
				c.Bucket = ""
				return c
			}(),
			body:    branchPush,
			fetcher: &fakeFetcher{body: "zip"},
			store:   &fakeStore{},
		},
		{
			name:    "panic is recovered",
			config:  testConfig(),
			body:    branchPush,
			fetcher: &fakeFetcher{panic: true},
			store:   &fakeStore{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(tt.config, tt.fetcher, tt.store)

			resp := handler.Handle(context.Background(), signedEnvelope(tt.body))

			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			assert.JSONEq(t, `{"statusCode":500,"fault":"Internal server error"}`, resp.Body)
			assert.Equal(t, "application/json", resp.Headers["Content-Type"])
			assert.Len(t, tt.fetcher.refs, tt.wantFetches)
			assert.Empty(t, tt.store.puts)
		})
	}
}

func TestHandleRequest(t *testing.T) {
	t.Run("single value headers", func(t *testing.T) {
		store := &fakeStore{}
		handler := NewHandler(testConfig(), &fakeFetcher{body: "zip"}, store)
		envelope := signedEnvelope(branchPush)

		resp, err := handler.HandleRequest(context.Background(), events.APIGatewayProxyRequest{
			HTTPMethod: http.MethodPost,
			Headers:    envelope.Headers,
			Body:       branchPush,
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, store.puts, 1)
	})

	t.Run("multi value headers and base64 body", func(t *testing.T) {
		store := &fakeStore{}
		handler := NewHandler(testConfig(), &fakeFetcher{body: "zip"}, store)

		resp, err := handler.HandleRequest(context.Background(), events.APIGatewayProxyRequest{
			HTTPMethod: http.MethodPost,
			MultiValueHeaders: map[string][]string{
				"X-Event-Key":     {"repo:refs_changed"},
				"X-Hub-Signature": {webhook.Sign(testSecret, []byte(branchPush))},
			},
			Body:            base64.StdEncoding.EncodeToString([]byte(branchPush)),
			IsBase64Encoded: true,
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, store.puts, 1)
		assert.Equal(t, "PROJ/myrepo/main.zip", store.puts[0].key)
	})

	t.Run("invalid base64 body", func(t *testing.T) {
		handler := NewHandler(testConfig(), &fakeFetcher{}, &fakeStore{})

		resp, err := handler.HandleRequest(context.Background(), events.APIGatewayProxyRequest{
			Body:            "%%%",
			IsBase64Encoded: true,
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

// recordingUploader stands in for the S3 upload manager.
type recordingUploader struct {
	inputs []*s3.PutObjectInput
	bodies []string
}

func (u *recordingUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	u.inputs = append(u.inputs, input)
	u.bodies = append(u.bodies, string(data))
	return &manager.UploadOutput{ETag: aws.String(`"etag"`)}, nil
}

func TestHandle_EndToEnd(t *testing.T) {
	var gotAuth, gotPath, gotAt, gotFormat string
	bitbucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotAt = r.URL.Query().Get("at")
		gotFormat = r.URL.Query().Get("format")
		_, _ = w.Write([]byte("PK\x03\x04archive"))
	}))
	defer bitbucket.Close()

	config := testConfig()
	config.ServerURL = bitbucket.URL

	fetcher, err := services.NewBitbucketService(config)
	require.NoError(t, err)
	uploader := &recordingUploader{}
	store := services.NewArchiveStoreWithUploader(uploader, config.Bucket)

	handler := NewHandler(config, fetcher, store)
	resp := handler.Handle(context.Background(), signedEnvelope(branchPush))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"statusCode":200,"message":"success"}`, resp.Body)

	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "/rest/api/latest/projects/PROJ/repos/myrepo/archive", gotPath)
	assert.Equal(t, "refs/heads/main", gotAt)
	assert.Equal(t, "zip", gotFormat)

	require.Len(t, uploader.inputs, 1)
	assert.Equal(t, "archives", aws.ToString(uploader.inputs[0].Bucket))
	assert.Equal(t, "PROJ/myrepo/main.zip", aws.ToString(uploader.inputs[0].Key))
	assert.Equal(t, types.ServerSideEncryptionAes256, uploader.inputs[0].ServerSideEncryption)
	assert.Equal(t, "PK\x03\x04archive", uploader.bodies[0])
}

func TestHandle_EndToEnd_FetchFailure(t *testing.T) {
	bitbucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer bitbucket.Close()

	config := testConfig()
	config.ServerURL = bitbucket.URL

	fetcher, err := services.NewBitbucketService(config)
	require.NoError(t, err)
	uploader := &recordingUploader{}

	handler := NewHandler(config, fetcher, services.NewArchiveStoreWithUploader(uploader, config.Bucket))
	resp := handler.Handle(context.Background(), signedEnvelope(branchPush))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, uploader.inputs)
}

func TestHTTPHandler(t *testing.T) {
	store := &fakeStore{}
	handler := NewHandler(testConfig(), &fakeFetcher{body: "zip"}, store)
	server := httptest.NewServer(newHTTPHandler(handler))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/", strings.NewReader(branchPush))
	require.NoError(t, err)
	req.Header.Set("X-Event-Key", "repo:refs_changed")
	req.Header.Set("X-Hub-Signature", webhook.Sign(testSecret, []byte(branchPush)))

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `{"statusCode":200,"message":"success"}`, string(body))
	assert.Len(t, store.puts, 1)
}

func TestLoadDotEnv(t *testing.T) {
	const key = "ARCHIVE_RELAY_DOTENV_TEST"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	t.Run("missing file is ignored", func(t *testing.T) {
		assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))
		assert.NoError(t, loadDotEnv(""))
	})

	t.Run("loads variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte(key+"=archives\n"), 0o600))

		require.NoError(t, loadDotEnv(path))
		assert.Equal(t, "archives", os.Getenv(key))
	})
}
