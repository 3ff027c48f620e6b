package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/starsearch/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// StatusFetchingRepos is sent before the starred listing starts.
	StatusFetchingRepos = "FETCHING_REPOS"
)

// inbound is one client message. Exactly one field is expected.
type inbound struct {
	GithubUsername *string `json:"github_username,omitempty"`
	Message        *string `json:"message,omitempty"`
}

type statusMessage struct {
	Status any `json:"status"`
}

type errorMessage struct {
	Error string `json:"error"`
}

type chatTurn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// session is the state of one WebSocket connection. Nothing is shared
// between connections.
type session struct {
	id      string
	user    string
	logger  zerolog.Logger
	history []chatTurn
	out     chan any
}

func (s *session) send(ctx context.Context, v any) {
	select {
	case s.out <- v:
	case <-ctx.Done():
	}
}

var errClientClosed = errors.New("client closed connection")

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		hlog.FromRequest(r).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		user: resolveUser(r.Context(), ""),
		out:  make(chan any, 16),
	}
	sess.logger = hlog.FromRequest(r).With().Str("session", sess.id).Logger()
	sess.logger.Info().Msg("websocket connected")

	// One request at a time per connection, like a conversation.
	work := make(chan inbound, 1)
	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error { return s.readLoop(ctx, conn, sess, work) })
	g.Go(func() error { return writeLoop(ctx, conn, sess) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-work:
				s.dispatch(ctx, sess, msg)
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errClientClosed), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway), errors.Is(err, net.ErrClosed):
		sess.logger.Info().Msg("websocket closed")
	default:
		sess.logger.Warn().Err(err).Msg("websocket closed")
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session, work chan<- inbound) error {
	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClientClosed
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || (msg.GithubUsername == nil && msg.Message == nil) {
			sess.send(ctx, errorMessage{Error: "expected github_username or message"})
			continue
		}
		select {
		case work <- msg:
		default:
			sess.send(ctx, errorMessage{Error: "a previous request is still running"})
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, sess *session) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case v := <-sess.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, msg inbound) {
	if msg.GithubUsername != nil {
		s.ingestOverSocket(ctx, sess, *msg.GithubUsername)
		return
	}
	s.chatOverSocket(ctx, sess, *msg.Message)
}

// ingestOverSocket relays progress as {"status": event} and ends with the
// summary or {"error": message}.
func (s *Server) ingestOverSocket(ctx context.Context, sess *session, requested string) {
	user := strings.TrimSpace(requested)
	if user == "" {
		user = sess.user
	}
	if user == "" {
		sess.send(ctx, errorMessage{Error: "No GitHub username provided"})
		return
	}
	sess.logger.Info().Str("user", user).Msg("ingestion requested")
	sess.send(ctx, statusMessage{Status: map[string]string{"status": StatusFetchingRepos}})

	events := make(chan models.ProgressEvent, 16)
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for ev := range events {
			sess.send(ctx, statusMessage{Status: ev})
		}
	}()

	summary, err := s.ingester.Run(ctx, user, events)
	close(events)
	<-relayed

	if err != nil {
		sess.logger.Error().Err(err).Str("user", user).Msg("ingestion failed")
		sess.send(ctx, errorMessage{Error: err.Error()})
		return
	}
	sess.send(ctx, summary)
}

func (s *Server) chatOverSocket(ctx context.Context, sess *session, message string) {
	if strings.TrimSpace(message) == "" {
		sess.send(ctx, errorMessage{Error: "No message provided"})
		return
	}
	resp := s.answer(ctx, &sess.logger, message)
	sess.history = append(sess.history, chatTurn{User: message, Assistant: resp})
	sess.send(ctx, chatResponse{Response: resp, History: append([]chatTurn(nil), sess.history...)})
}
