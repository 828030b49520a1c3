package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gatecore "github.com/gatecore-ai/gatecore"
	"github.com/gatecore-ai/gatecore/backend"
	"github.com/gatecore-ai/gatecore/internal/events"
	"github.com/gatecore-ai/gatecore/internal/keystore"
	"github.com/gatecore-ai/gatecore/internal/logging"
)

// newRouter builds the HTTP router over the gateway core.
func newRouter(core *gatecore.Core, adminToken string, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Post("/v1/chat/completions", completionsHandler(core))
	r.Get("/v1/metrics/snapshot", snapshotHandler(core))
	r.Get("/v1/events", eventsHandler(core))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuthMiddleware(adminToken))
		r.Post("/keys", createKeyHandler(core))
		r.Get("/keys/{key}", getKeyHandler(core))
		r.Put("/keys/{key}", updateKeyHandler(core))
		r.Delete("/keys/{key}", deleteKeyHandler(core))
		r.Get("/keys/{key}/usage", usageHandler(core))
	})

	return r
}

// completionsHandler runs chat completion requests through the admission
// pipeline and replays cached streaming responses as SSE.
func completionsHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backend.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}
		req.APIKey = bearerToken(r)
		if req.APIKey == "" {
			writeOpenAIError(w, http.StatusUnauthorized, "missing api key", "authentication_error")
			return
		}
		if err := req.Validate(); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}

		result, err := core.Handle(r.Context(), req)
		if err != nil {
			writeAdmissionError(w, err)
			return
		}

		if result.Streaming() {
			writeSSE(w, result.Chunks)
			return
		}

		contentType := result.Headers.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		status := result.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(result.Body)
	}
}

// writeAdmissionError maps pipeline sentinel errors onto HTTP statuses.
func writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gatecore.ErrKeyNotFound):
		writeOpenAIError(w, http.StatusUnauthorized, "invalid api key", "authentication_error")
	case errors.Is(err, gatecore.ErrKeyExpired):
		writeOpenAIError(w, http.StatusForbidden, "api key expired", "permission_error")
	case errors.Is(err, gatecore.ErrQuotaExceeded):
		w.Header().Set("Retry-After", "300")
		writeOpenAIError(w, http.StatusTooManyRequests, err.Error(), "insufficient_quota")
	case errors.Is(err, gatecore.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeOpenAIError(w, http.StatusTooManyRequests, err.Error(), "rate_limit_exceeded")
	case errors.Is(err, gatecore.ErrStoreUnavailable):
		writeOpenAIError(w, http.StatusServiceUnavailable, "key store unavailable", "server_error")
	case errors.Is(err, backend.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		writeOpenAIError(w, http.StatusServiceUnavailable, "upstream unavailable", "server_error")
	default:
		writeOpenAIError(w, http.StatusBadGateway, err.Error(), "server_error")
	}
}

func snapshotHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		series, err := core.Snapshot()
		if err != nil {
			writeOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"cache":  core.CacheMetrics(),
			"series": series,
		})
	}
}

// eventsHandler streams key-lifecycle and usage events as SSE until the
// client disconnects. A client that cannot keep up drops events rather than
// blocking broadcast.
func eventsHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeOpenAIError(w, http.StatusInternalServerError, "streaming unsupported", "server_error")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := make(chan events.Event, 16)
		id := core.Subscribe(events.ObserverFunc(func(e events.Event) error {
			select {
			case ch <- e:
			default:
			}
			return nil
		}))
		defer core.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case event := <-ch:
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flusher.Flush()
			}
		}
	}
}

// ── Admin key management ─────────────────────────────────────────────────────

// keyPayload is the request body for key create/update.
type keyPayload struct {
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	Model           string     `json:"model,omitempty"`
	TokenLimitPer5h int64      `json:"token_limit_per_5h"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
}

func (p keyPayload) record() *keystore.KeyRecord {
	return &keystore.KeyRecord{
		Key:             p.Key,
		Name:            p.Name,
		Model:           p.Model,
		TokenLimitPer5h: p.TokenLimitPer5h,
		ExpiryDate:      p.ExpiryDate,
	}
}

func createKeyHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload keyPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}
		if err := core.CreateKey(r.Context(), payload.record()); err != nil {
			writeKeyError(w, err)
			return
		}
		record, err := core.GetKey(r.Context(), payload.Key)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(record)
	}
}

func getKeyHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, err := core.GetKey(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeKeyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record)
	}
}

func updateKeyHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload keyPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}
		payload.Key = chi.URLParam(r, "key")
		if err := core.UpdateKey(r.Context(), payload.record()); err != nil {
			writeKeyError(w, err)
			return
		}
		record, err := core.GetKey(r.Context(), payload.Key)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record)
	}
}

func deleteKeyHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := core.DeleteKey(r.Context(), chi.URLParam(r, "key")); err != nil {
			writeKeyError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func usageHandler(core *gatecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := core.Usage(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeKeyError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(usage)
	}
}

func writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gatecore.ErrKeyNotFound):
		writeOpenAIError(w, http.StatusNotFound, "key not found", "not_found_error")
	case errors.Is(err, gatecore.ErrKeyExists):
		writeOpenAIError(w, http.StatusConflict, "key already exists", "invalid_request_error")
	case errors.Is(err, gatecore.ErrStoreUnavailable):
		writeOpenAIError(w, http.StatusServiceUnavailable, "key store unavailable", "server_error")
	default:
		writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
	}
}

// adminAuthMiddleware requires the configured bearer token on admin routes.
// An empty token leaves the routes open for local development.
func adminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && bearerToken(r) != token {
				writeOpenAIError(w, http.StatusUnauthorized, "invalid admin token", "authentication_error")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// writeOpenAIError writes an OpenAI-compatible JSON error response.
func writeOpenAIError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}

// writeSSE replays recorded stream chunks to the response writer.
func writeSSE(w http.ResponseWriter, chunks [][]byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	for _, chunk := range chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
