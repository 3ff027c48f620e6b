package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/starsearch/internal/auth"
	"github.com/seanblong/starsearch/internal/config"
	"github.com/seanblong/starsearch/internal/github"
	"github.com/seanblong/starsearch/internal/ingest"
	"github.com/seanblong/starsearch/pkg/models"
)

const (
	DefaultChatTimeout = 60 * time.Second
	listTimeout        = 5 * time.Second
	maxBodyBytes       = 1 << 16

	// ChatFailure replaces the answer when retrieval fails.
	ChatFailure = "I'm sorry, but I encountered an error while processing your request."
)

type Ingester interface {
	Run(ctx context.Context, user string, sink chan<- models.ProgressEvent) (models.IngestionSummary, error)
}

type Retriever interface {
	Search(ctx context.Context, q string, threshold float64, topK int) ([]models.SearchResult, error)
	Answer(ctx context.Context, q string) (string, error)
}

type RepositoryLister interface {
	Repositories(ctx context.Context, user string) ([]models.Repository, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// Threshold and TopK are used by /search when the query leaves them out.
	Threshold   float64
	TopK        int
	ChatTimeout time.Duration
	// AllowedOrigins defaults to "*".
	AllowedOrigins []string
}

// Server exposes ingestion and retrieval over HTTP and a WebSocket.
type Server struct {
	ingester  Ingester
	retriever Retriever
	repos     RepositoryLister
	db        Pinger
	auth      *auth.Authenticator
	opts      Options
	upgrader  websocket.Upgrader
}

func NewServer(ingester Ingester, retriever Retriever, repos RepositoryLister, db Pinger, authn *auth.Authenticator, opts Options) *Server {
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = DefaultChatTimeout
	}
	return &Server{
		ingester:  ingester,
		retriever: retriever,
		repos:     repos,
		db:        db,
		auth:      authn,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the full route table wrapped in CORS and request logging.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.authRoutes(mux)

	protect := s.auth.Middleware
	mux.Handle("POST /ingest", protect(http.HandlerFunc(s.handleIngest)))
	mux.Handle("POST /chat", protect(http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /search", protect(http.HandlerFunc(s.handleSearch)))
	mux.Handle("GET /repositories", protect(http.HandlerFunc(s.handleRepositories)))
	mux.Handle("GET /ws", protect(http.HandlerFunc(s.handleWebSocket)))

	return corsHandler(s.opts.AllowedOrigins)(hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	))
}

// corsHandler allows the configured origins. Credentials are only allowed
// with an explicit origin list; with "*" any site could ride the auth
// cookie.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           300,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("database ping failed")
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

type ingestRequest struct {
	GithubUsername string `json:"github_username"`
}

type ingestResponse struct {
	Message string                  `json:"message"`
	Result  models.IngestionSummary `json:"result"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	user := resolveUser(r.Context(), req.GithubUsername)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "No GitHub username provided")
		return
	}

	logger := hlog.FromRequest(r)
	logger.Info().Str("user", user).Msg("ingestion requested")
	summary, err := s.ingester.Run(r.Context(), user, nil)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Info().Str("user", user).Msg("client went away during ingestion")
			return
		}
		logger.Error().Err(err).Str("user", user).Msg("ingestion failed")
		writeError(w, r, ingestStatus(err), err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, ingestResponse{
		Message: "GitHub user stars processed successfully",
		Result:  summary,
	})
}

func ingestStatus(err error) int {
	var le *github.ListingError
	switch {
	case errors.Is(err, ingest.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, config.ErrConfiguration):
		return http.StatusBadRequest
	case errors.As(err, &le):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response string     `json:"response"`
	History  []chatTurn `json:"chat_history,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, r, http.StatusBadRequest, "No message provided")
		return
	}
	writeJSON(w, r, http.StatusOK, chatResponse{Response: s.answer(r.Context(), hlog.FromRequest(r), req.Message)})
}

// answer never fails; retrieval errors are logged and replaced by
// ChatFailure.
func (s *Server) answer(ctx context.Context, logger *zerolog.Logger, q string) string {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ChatTimeout)
	defer cancel()
	start := time.Now()
	resp, err := s.retriever.Answer(ctx, q)
	if err != nil {
		logger.Error().Err(err).Msg("answer failed")
		return ChatFailure
	}
	logger.Debug().Dur("dur", time.Since(start)).Int("len", len(resp)).Msg("answered")
	return resp
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	query := r.URL.Query()
	q := strings.TrimSpace(query.Get("q"))
	if q == "" {
		writeError(w, r, http.StatusBadRequest, "missing query parameter q")
		return
	}
	threshold := s.opts.Threshold
	if v := query.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, r, http.StatusBadRequest, "threshold must be a number in [0,1]")
			return
		}
		threshold = f
	}
	k := s.opts.TopK
	if v := query.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ChatTimeout)
	defer cancel()
	res, err := s.retriever.Search(ctx, q, threshold, k)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("search failed")
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		res = []models.SearchResult{}
	}
	writeJSON(w, r, http.StatusOK, res)
	hlog.FromRequest(r).Info().Str("q", q).Int("k", k).Int("results", len(res)).Dur("dur", time.Since(start)).Msg("served")
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	user := resolveUser(r.Context(), r.URL.Query().Get("user"))
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "missing query parameter user")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), listTimeout)
	defer cancel()
	repos, err := s.repos.Repositories(ctx, user)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("user", user).Msg("list repositories failed")
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, repos)
}

// resolveUser prefers the explicit name and falls back to the logged-in
// user.
func resolveUser(ctx context.Context, requested string) string {
	if u := strings.TrimSpace(requested); u != "" {
		return u
	}
	if gu := auth.UserFromContext(ctx); gu != nil {
		return gu.Login
	}
	return ""
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Detail: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to encode response")
	}
}
