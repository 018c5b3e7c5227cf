package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/comigor/azure-chat-go/internal/chat"
	"github.com/comigor/azure-chat-go/internal/history"
)

// Completer is the chat operation the HTTP surface exposes.
type Completer interface {
	GetChatCompletion(ctx context.Context, req chat.ChatRequest) (chat.ChatResponse, error)
}

// Transcripts stores session history.
type Transcripts interface {
	Append(ctx context.Context, msgs ...history.Message) error
	List(ctx context.Context, sessionID string) ([]history.Message, error)
}

// Handler serves the chat API.
type Handler struct {
	chat     Completer
	store    Transcripts
	log      *slog.Logger
	sessions *sessionLocks
}

// New builds the router. A zero timeout disables the per-request deadline.
func New(c Completer, store Transcripts, log *slog.Logger, timeout time.Duration) http.Handler {
	h := &Handler{chat: c, store: store, log: log, sessions: newSessionLocks()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.requestLogger)
	if timeout > 0 {
		r.Use(chimiddleware.Timeout(timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Post("/{id}/messages", h.SendSessionMessage)
			r.Get("/{id}/messages", h.ListSessionMessages)
		})
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}

// Chat answers a stateless request carrying its own history.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chat.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := h.chat.GetChatCompletion(r.Context(), req)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	if resp.History == nil {
		resp.History = []chat.ChatbotMessage{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateSession allocates a new session id.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"id": uuid.NewString()})
}

// SendSessionMessage continues a stored conversation. Requests for the same
// session run one at a time so each sees the previous exchange.
func (h *Handler) SendSessionMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	unlock := h.sessions.lock(sessionID)
	defer unlock()

	stored, err := h.store.List(r.Context(), sessionID)
	if err != nil {
		h.log.Error("history list failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	prior := toChat(stored)

	resp, err := h.chat.GetChatCompletion(r.Context(), chat.ChatRequest{Message: body.Message, History: prior})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	if len(resp.History) < len(prior) {
		h.log.Error("chat history shorter than request", "session", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.store.Append(r.Context(), toHistory(sessionID, resp.History[len(prior):])...); err != nil {
		h.log.Error("history append failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store history")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSessionMessages returns the stored transcript of a session.
func (h *Handler) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	stored, err := h.store.List(r.Context(), sessionID)
	if err != nil {
		h.log.Error("history list failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": sessionID, "history": toChat(stored)})
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id.String(), true
}

func (h *Handler) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("chat completion failed", "error", err, "request_id", chimiddleware.GetReqID(r.Context()))

	var rerr *chat.RemoteServiceError
	if !errors.As(err, &rerr) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch rerr.Kind {
	case chat.KindRateLimited:
		writeError(w, http.StatusTooManyRequests, "model rate limited")
	case chat.KindTimeout:
		writeError(w, http.StatusGatewayTimeout, "model timed out")
	default:
		writeError(w, http.StatusBadGateway, "model request failed: "+string(rerr.Kind))
	}
}

func toChat(stored []history.Message) []chat.ChatbotMessage {
	out := make([]chat.ChatbotMessage, 0, len(stored))
	for _, m := range stored {
		out = append(out, chat.ChatbotMessage{Role: chat.Role(m.Role), Content: m.Content, Timestamp: m.CreatedAt})
	}
	return out
}

func toHistory(sessionID string, msgs []chat.ChatbotMessage) []history.Message {
	out := make([]history.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, history.Message{SessionID: sessionID, Role: string(m.Role), Content: m.Content, CreatedAt: m.Timestamp})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
