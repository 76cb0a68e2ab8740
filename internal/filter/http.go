package filter

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/imagemeta/internal/pipeline"
)

// HTTPHandler receives bucket notifications over a webhook.
type HTTPHandler struct {
	filter       *Filter
	logger       *zap.Logger
	authToken    string
	maxBodyBytes int64
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes. An empty
// authToken disables the bearer check.
func NewHTTPHandler(filter *Filter, logger *zap.Logger, authToken string, maxBodyBytes int64) *HTTPHandler {
	h := &HTTPHandler{
		filter:       filter,
		logger:       logger,
		authToken:    authToken,
		maxBodyBytes: maxBodyBytes,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.With(h.requireToken).Post("/events", h.handleEvents)

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.authToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	events, skipped, err := pipeline.ParseNotification(body)
	if err != nil {
		h.logger.Warn("rejecting notification", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}
	for _, err := range skipped {
		h.logger.Warn("skipping record", zap.Error(err))
	}

	published, err := h.filter.FilterAndPublish(r.Context(), events)
	if err != nil {
		h.logger.Error("publish failed",
			zap.Int("published", published),
			zap.Int("records", len(events)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"published": published,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
