package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

const (
	DefaultOAuthURL = "https://github.com"
	DefaultAPIURL   = "https://api.github.com"

	tokenTTL = 24 * time.Hour
)

// ErrNotMember is returned when login is restricted to an organization the
// user does not belong to.
var ErrNotMember = errors.New("user is not a member of the required organization")

type GithubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type AuthResponse struct {
	User  GithubUser `json:"user"`
	Token string     `json:"token,omitempty"`
}

type Claims struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

type Config struct {
	JwtSecret    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AllowedOrg   string
	Enabled      bool
	// OAuthURL and APIURL default to github.com.
	OAuthURL string
	APIURL   string
}

// Authenticator handles GitHub OAuth login and the JWTs issued afterwards.
// A disabled Authenticator lets every request through.
type Authenticator struct {
	secret       []byte
	clientID     string
	clientSecret string
	redirectURL  string
	allowedOrg   string
	enabled      bool
	oauthURL     string
	apiURL       string
	http         *http.Client
	now          func() time.Time
}

func New(cfg Config) *Authenticator {
	a := &Authenticator{
		secret:       []byte(cfg.JwtSecret),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		allowedOrg:   cfg.AllowedOrg,
		enabled:      cfg.Enabled,
		oauthURL:     strings.TrimRight(cfg.OAuthURL, "/"),
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		http:         &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
	if a.oauthURL == "" {
		a.oauthURL = DefaultOAuthURL
	}
	if a.apiURL == "" {
		a.apiURL = DefaultAPIURL
	}
	return a
}

// Enabled returns whether authentication is enabled
func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// GenerateState creates a random state parameter for OAuth
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// LoginURL returns the Github OAuth login URL
func (a *Authenticator) LoginURL(state string) string {
	scope := "read:user,user:email"
	if a.allowedOrg != "" {
		scope += ",read:org"
	}
	q := url.Values{}
	q.Set("client_id", a.clientID)
	q.Set("redirect_uri", a.redirectURL)
	q.Set("scope", scope)
	q.Set("state", state)
	return a.oauthURL + "/login/oauth/authorize?" + q.Encode()
}

// ExchangeCode exchanges OAuth code for access token
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.oauthURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	var result struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.AccessToken == "" {
		if result.Error != "" {
			return "", fmt.Errorf("failed to get access token: %s: %s", result.Error, result.Description)
		}
		return "", errors.New("failed to get access token")
	}
	return result.AccessToken, nil
}

// User fetches the token owner from the GitHub API and enforces the
// organization restriction, if any.
func (a *Authenticator) User(ctx context.Context, accessToken string) (*GithubUser, error) {
	resp, err := a.apiGet(ctx, accessToken, "/user")
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var user GithubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}

	if a.allowedOrg != "" && !a.isOrgMember(ctx, accessToken, user.Login) {
		return nil, ErrNotMember
	}
	return &user, nil
}

// isOrgMember checks if user is a member of the allowed organization
func (a *Authenticator) isOrgMember(ctx context.Context, accessToken, username string) bool {
	resp, err := a.apiGet(ctx, accessToken, fmt.Sprintf("/orgs/%s/members/%s", url.PathEscape(a.allowedOrg), url.PathEscape(username)))
	if err != nil {
		log.Warn().Err(err).Str("user", username).Msg("org membership check failed")
		return false
	}
	defer closeBody(resp)

	// 204 means user is a public member, 200 means private member
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

func (a *Authenticator) apiGet(ctx context.Context, accessToken, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	return a.http.Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close response body")
	}
}

// IssueToken creates a JWT token for the user
func (a *Authenticator) IssueToken(user *GithubUser) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := a.now()
	claims := Claims{
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.Login,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates and parses a JWT token
func (a *Authenticator) ValidateToken(tokenString string) (*GithubUser, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &GithubUser{
			Login:     claims.Login,
			Name:      claims.Name,
			Email:     claims.Email,
			AvatarURL: claims.AvatarURL,
		}, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// TokenFromRequest reads the bearer token, falling back to the auth_token
// cookie. WebSocket clients, which cannot set headers, may pass ?token=.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// Middleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		user, err := a.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext extracts user from request context
func UserFromContext(ctx context.Context) *GithubUser {
	if user, ok := ctx.Value(UserContextKey).(*GithubUser); ok {
		return user
	}
	return nil
}
