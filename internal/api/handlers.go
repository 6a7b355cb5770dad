package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/auth"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/core"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/events"
)

const (
	tokenCookie       = "token"
	multipartMemory   = 8 << 20
	formOverheadBytes = 1 << 20
	writeSlack        = 30 * time.Second
	heartbeatInterval = 15 * time.Second
)

type contextKey string

const userIDKey contextKey = "userID"

// Subscriber is the side of the events hub the SSE endpoint needs.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) *events.Subscription
}

type APIHandler struct {
	chatService    *core.ChatService
	subscriber     Subscriber
	jwtSecret      string
	maxUploadBytes int64
	runTimeout     time.Duration
	heartbeat      time.Duration
}

func NewAPIHandler(cs *core.ChatService, sub Subscriber, jwtSecret string, maxUploadBytes int64, runTimeout time.Duration) *APIHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = core.DefaultMaxUploadBytes
	}
	return &APIHandler{
		chatService:    cs,
		subscriber:     sub,
		jwtSecret:      jwtSecret,
		maxUploadBytes: maxUploadBytes,
		runTimeout:     runTimeout,
		heartbeat:      heartbeatInterval,
	}
}

// JWTAuthMiddleware accepts a bearer token or, for EventSource clients that cannot set
// headers, the token cookie.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "User not authenticated")
			return
		}

		userID, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			slog.Debug("Rejected token", "error", err)
			writeError(w, http.StatusUnauthorized, "User not authenticated")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func userIDFrom(ctx context.Context) (int64, error) {
	id, ok := ctx.Value(userIDKey).(int64)
	if !ok || id <= 0 {
		return 0, core.ErrUnauthenticated
	}
	return id, nil
}

// ChatHandler takes a multipart form with the message text, an optional file and the
// optional expert and knowledge-store selectors.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to get a response.")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+formOverheadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file exceeds %d bytes", h.maxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid form data")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	req := core.TurnRequest{
		UserID:         userID,
		Text:           r.FormValue("messages"),
		Topic:          firstNonEmpty(r.FormValue("assistantID"), r.FormValue("topic")),
		KnowledgeStore: r.FormValue("vectorID"),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		req.Upload = &core.Upload{
			Name:      header.Filename,
			MediaType: header.Header.Get("Content-Type"),
			Size:      header.Size,
			Body:      file,
		}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		writeError(w, http.StatusBadRequest, "Invalid file")
		return
	}

	// The run may outlast the server-wide write timeout.
	if h.runTimeout > 0 {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(h.runTimeout + writeSlack)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			slog.Warn("Failed to extend write deadline", "error", err)
		}
	}

	result, err := h.chatService.RunTurn(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get a response.")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DeleteThreadHandler forgets the caller's conversation thread.
func (h *APIHandler) DeleteThreadHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r.Context())
	if err == nil {
		err = h.chatService.Threads().DeleteThread(r.Context(), userID)
	}
	if err != nil {
		h.writeServiceError(w, err, "Failed to delete thread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type threadMessagesResponse struct {
	Messages []core.ThreadMessage `json:"messages"`
}

// ThreadMessagesHandler returns the caller's conversation, oldest message first.
func (h *APIHandler) ThreadMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to fetch thread messages")
		return
	}
	messages, err := h.chatService.Threads().History(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to fetch thread messages")
		return
	}
	if messages == nil {
		messages = []core.ThreadMessage{}
	}
	writeJSON(w, http.StatusOK, threadMessagesResponse{Messages: messages})
}

// SubscribeHandler streams the caller's reply snapshots as server-sent events until the
// client disconnects or the server shuts down.
func (h *APIHandler) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFrom(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to subscribe")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("Failed to clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.subscriber.Subscribe(r.Context(), strconv.FormatInt(userID, 10))
	defer sub.Cancel()

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("Streaming not supported by response writer", "error", err)
		return
	}
	slog.Debug("Client subscribed", "user_id", userID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", events.EventName, payload); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var ve *core.ValidationError
	switch {
	case errors.Is(err, core.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "User not authenticated")
	case errors.Is(err, core.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, core.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, "Thread not found")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	default:
		slog.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
