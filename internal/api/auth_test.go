package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/seanblong/starsearch/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOAuth answers the token exchange and /user like GitHub.
func fakeOAuth(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good" {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad_verification_code"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "gho_x"})
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.GithubUser{Login: "octocat", Name: "Mona"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func enabledAuth(gh string) *auth.Authenticator {
	return auth.New(auth.Config{
		JwtSecret:    "secret",
		ClientID:     "cid",
		ClientSecret: "csecret",
		RedirectURL:  "http://localhost:3000/auth/callback",
		Enabled:      true,
		OAuthURL:     gh,
		APIURL:       gh,
	})
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginFlow(t *testing.T) {
	gh := fakeOAuth(t)
	f := newFixture()
	f.auth = enabledAuth(gh.URL)
	h := f.handler()

	rec := do(t, h, http.MethodGet, "/auth/github", "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	state := cookieNamed(rec, stateCookie)
	require.NotNil(t, state)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state.Value, loc.Query().Get("state"))
	assert.Equal(t, "cid", loc.Query().Get("client_id"))

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=good&state="+url.QueryEscape(state.Value), nil)
	req.AddCookie(state)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[auth.AuthResponse](t, rec)
	assert.Equal(t, "octocat", got.User.Login)
	require.NotEmpty(t, got.Token)
	token := cookieNamed(rec, tokenCookie)
	require.NotNil(t, token)
	assert.Equal(t, got.Token, token.Value)

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Mona", decode[auth.AuthResponse](t, rec).User.Name)

	rec = do(t, h, http.MethodPost, "/auth/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := cookieNamed(rec, tokenCookie)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)
}

func TestCallbackRejects(t *testing.T) {
	gh := fakeOAuth(t)
	f := newFixture()
	f.auth = enabledAuth(gh.URL)
	h := f.handler()

	tests := []struct {
		name   string
		target string
		cookie string
		status int
	}{
		{"no state cookie", "/auth/callback?code=good&state=s", "", http.StatusBadRequest},
		{"state mismatch", "/auth/callback?code=good&state=s", "other", http.StatusBadRequest},
		{"missing code", "/auth/callback?state=s", "s", http.StatusBadRequest},
		{"bad code", "/auth/callback?code=bad&state=s", "s", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: stateCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestMeRequiresToken(t *testing.T) {
	f := newFixture()
	f.auth = enabledAuth("http://127.0.0.1:0")
	rec := do(t, f.handler(), http.MethodGet, "/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
