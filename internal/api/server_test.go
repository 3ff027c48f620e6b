package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/starsearch/internal/auth"
	"github.com/seanblong/starsearch/internal/config"
	"github.com/seanblong/starsearch/internal/github"
	"github.com/seanblong/starsearch/internal/ingest"
	"github.com/seanblong/starsearch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type MockIngester struct {
	RunFunc func(ctx context.Context, user string, sink chan<- models.ProgressEvent) (models.IngestionSummary, error)

	mu    sync.Mutex
	users []string
}

func (m *MockIngester) Run(ctx context.Context, user string, sink chan<- models.ProgressEvent) (models.IngestionSummary, error) {
	m.mu.Lock()
	m.users = append(m.users, user)
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(ctx, user, sink)
	}
	return models.IngestionSummary{Username: user, Status: models.StatusComplete, Repositories: []models.Repository{}}, nil
}

func (m *MockIngester) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.users...)
}

type MockRetriever struct {
	SearchFunc func(ctx context.Context, q string, threshold float64, topK int) ([]models.SearchResult, error)
	AnswerFunc func(ctx context.Context, q string) (string, error)
}

func (m *MockRetriever) Search(ctx context.Context, q string, threshold float64, topK int) ([]models.SearchResult, error) {
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, q, threshold, topK)
	}
	return nil, nil
}

func (m *MockRetriever) Answer(ctx context.Context, q string) (string, error) {
	if m.AnswerFunc != nil {
		return m.AnswerFunc(ctx, q)
	}
	return "answer to " + q, nil
}

type MockRepos struct {
	RepositoriesFunc func(ctx context.Context, user string) ([]models.Repository, error)
}

func (m *MockRepos) Repositories(ctx context.Context, user string) ([]models.Repository, error) {
	if m.RepositoriesFunc != nil {
		return m.RepositoriesFunc(ctx, user)
	}
	return []models.Repository{}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	ingester  *MockIngester
	retriever *MockRetriever
	repos     *MockRepos
	ping      pingFunc
	auth      *auth.Authenticator
	origins   []string
}

func newFixture() *fixture {
	return &fixture{
		ingester:  &MockIngester{},
		retriever: &MockRetriever{},
		repos:     &MockRepos{},
		ping:      func(context.Context) error { return nil },
		auth:      auth.New(auth.Config{}),
	}
}

func (f *fixture) handler() http.Handler {
	s := NewServer(f.ingester, f.retriever, f.repos, f.ping, f.auth, Options{Threshold: 0.5, TopK: 20, AllowedOrigins: f.origins})
	return s.Handler(zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	f.ping = func(context.Context) error { return errors.New("connection refused") }
	rec = do(t, f.handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngest(t *testing.T) {
	f := newFixture()
	f.ingester.RunFunc = func(_ context.Context, user string, sink chan<- models.ProgressEvent) (models.IngestionSummary, error) {
		assert.Nil(t, sink)
		return models.IngestionSummary{
			Username:     user,
			Listed:       2,
			Processed:    2,
			Stored:       2,
			Status:       models.StatusComplete,
			Repositories: []models.Repository{{FullName: "a/x"}, {FullName: "b/y"}},
		}, nil
	}

	rec := do(t, f.handler(), http.MethodPost, "/ingest", `{"github_username":" octocat "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := decode[ingestResponse](t, rec)
	assert.Equal(t, "GitHub user stars processed successfully", got.Message)
	assert.Equal(t, "octocat", got.Result.Username)
	assert.Len(t, got.Result.Repositories, 2)
	assert.Equal(t, []string{"octocat"}, f.ingester.Users())
}

func TestIngestErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "missing username", body: `{}`, status: http.StatusBadRequest},
		{name: "empty body", body: "", status: http.StatusBadRequest},
		{name: "bad json", body: `{"github_username":`, status: http.StatusBadRequest},
		{name: "busy", body: `{"github_username":"u"}`, err: ingest.ErrBusy, status: http.StatusTooManyRequests},
		{name: "listing", body: `{"github_username":"u"}`, err: &github.ListingError{User: "u", Page: 1, Err: errors.New("404")}, status: http.StatusBadGateway},
		{name: "configuration", body: `{"github_username":"u"}`, err: fmt.Errorf("%w: nope", config.ErrConfiguration), status: http.StatusBadRequest},
		{name: "other", body: `{"github_username":"u"}`, err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.ingester.RunFunc = func(context.Context, string, chan<- models.ProgressEvent) (models.IngestionSummary, error) {
				return models.IngestionSummary{}, tt.err
			}
			rec := do(t, f.handler(), http.MethodPost, "/ingest", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Detail)
		})
	}
}

func TestIngestDefaultsToLoggedInUser(t *testing.T) {
	f := newFixture()
	f.auth = auth.New(auth.Config{JwtSecret: "secret", Enabled: true})
	token, err := f.auth.IssueToken(&auth.GithubUser{Login: "octocat"})
	require.NoError(t, err)

	h := f.handler()

	rec := do(t, h, http.MethodPost, "/ingest", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"octocat"}, f.ingester.Users())
}

func TestChat(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(), http.MethodPost, "/chat", `{"message":"cli tools?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answer to cli tools?", decode[chatResponse](t, rec).Response)

	rec = do(t, f.handler(), http.MethodPost, "/chat", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No message provided", decode[errorResponse](t, rec).Detail)
}

func TestChatFailureIsApology(t *testing.T) {
	f := newFixture()
	f.retriever.AnswerFunc = func(context.Context, string) (string, error) {
		return "", errors.New("provider down")
	}
	rec := do(t, f.handler(), http.MethodPost, "/chat", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ChatFailure, decode[chatResponse](t, rec).Response)
}

func TestSearch(t *testing.T) {
	f := newFixture()
	var gotThreshold float64
	var gotK int
	f.retriever.SearchFunc = func(_ context.Context, q string, threshold float64, topK int) ([]models.SearchResult, error) {
		gotThreshold, gotK = threshold, topK
		return []models.SearchResult{{Name: "x", FullName: "a/x", Content: q, Similarity: 0.9}}, nil
	}

	rec := do(t, f.handler(), http.MethodGet, "/search?q=vector+db", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[[]models.SearchResult](t, rec)
	require.Len(t, res, 1)
	assert.Equal(t, "vector db", res[0].Content)
	assert.Equal(t, 0.5, gotThreshold)
	assert.Equal(t, 20, gotK)

	rec = do(t, f.handler(), http.MethodGet, "/search?q=x&threshold=0.8&k=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.8, gotThreshold)
	assert.Equal(t, 3, gotK)
}

func TestSearchRejectsBadParameters(t *testing.T) {
	f := newFixture()
	for _, target := range []string{
		"/search",
		"/search?q=x&threshold=1.5",
		"/search?q=x&threshold=abc",
		"/search?q=x&k=0",
		"/search?q=x&k=-2",
	} {
		rec := do(t, f.handler(), http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestSearchEmptyIsArray(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(), http.MethodGet, "/search?q=nothing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRepositories(t *testing.T) {
	f := newFixture()
	f.repos.RepositoriesFunc = func(_ context.Context, user string) ([]models.Repository, error) {
		assert.Equal(t, "octocat", user)
		return []models.Repository{{ID: 2, FullName: "b/y"}, {ID: 1, FullName: "a/x"}}, nil
	}
	rec := do(t, f.handler(), http.MethodGet, "/repositories?user=octocat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Repository](t, rec), 2)

	rec = do(t, f.handler(), http.MethodGet, "/repositories", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.repos.RepositoriesFunc = func(context.Context, string) ([]models.Repository, error) {
		return nil, errors.New("db down")
	}
	rec = do(t, f.handler(), http.MethodGet, "/repositories?user=octocat", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func preflight(h http.Handler, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getWithOrigin(h http.Handler, target, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Origin", origin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORS(t *testing.T) {
	t.Run("any origin without credentials", func(t *testing.T) {
		h := newFixture().handler()

		rec := preflight(h, "https://evil.example")
		assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, rec.Code)
		assert.Contains(t, []string{"*", "https://evil.example"}, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "content-type", strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

		rec = getWithOrigin(h, "/healthz", "https://evil.example")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("configured origins get credentials", func(t *testing.T) {
		f := newFixture()
		f.origins = []string{"http://localhost:3000"}
		h := f.handler()

		rec := preflight(h, "http://localhost:3000")
		assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, rec.Code)
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

		rec = getWithOrigin(h, "/healthz", "http://localhost:3000")
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("unlisted origin is refused", func(t *testing.T) {
		f := newFixture()
		f.origins = []string{"http://localhost:3000"}
		h := f.handler()

		rec := preflight(h, "https://evil.example")
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

		rec = getWithOrigin(h, "/healthz", "https://evil.example")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestAuthStatus(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(), http.MethodGet, "/auth/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[map[string]bool](t, rec)["enabled"])

	// Login routes exist only when auth is on.
	rec = do(t, f.handler(), http.MethodGet, "/auth/github", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
