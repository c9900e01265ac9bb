// Package admin serves the terminal's operator API: queue inspection and
// repair, manual sync, health and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/queue"
	"github.com/safar/pos-core/internal/store"
	"github.com/safar/pos-core/internal/syncer"
)

type Queue interface {
	List(ctx context.Context, status models.OfflineStatus, cursor string, limit int) (*store.CursorPage, error)
	Get(ctx context.Context, offlineID string) (*models.OfflineTransaction, error)
	Retry(ctx context.Context, offlineID string) (*models.OfflineTransaction, error)
	Edit(ctx context.Context, offlineID string, payload models.InvoicePayload) (*models.OfflineTransaction, error)
	Delete(ctx context.Context, offlineID string) error
	Count(ctx context.Context) (int64, error)
	CountDead(ctx context.Context) (int64, error)
}

type Syncer interface {
	Sync(ctx context.Context, trigger string) (syncer.Result, error)
}

type Connectivity interface {
	Online() bool
}

type Stock interface {
	Entries() []models.StockEntry
}

type Deps struct {
	Queue        Queue
	Syncer       Syncer
	Connectivity Connectivity
	Stock        Stock
	Metrics      http.Handler
	Logger       *slog.Logger
	// SyncLimit caps manual sync requests per minute per client.
	SyncLimit int
}

func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SyncLimit < 1 {
		deps.SyncLimit = 6
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	if deps.Stock != nil {
		r.Get("/stock", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, deps.Stock.Entries())
		})
	}

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", handleListQueue(deps))
		r.Get("/{offlineID}", handleGetTransaction(deps))
		r.Put("/{offlineID}", handleEditTransaction(deps))
		r.Delete("/{offlineID}", handleDeleteTransaction(deps))
		r.Post("/{offlineID}/retry", handleRetryTransaction(deps))
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(deps.SyncLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				respondError(w, http.StatusTooManyRequests, "Too many sync requests")
			}),
		))
		r.Post("/sync", handleSync(deps))
	})

	return r
}

func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		pending, err := deps.Queue.Count(ctx)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		dead, err := deps.Queue.CountDead(ctx)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		online := false
		if deps.Connectivity != nil {
			online = deps.Connectivity.Online()
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"online":  online,
			"pending": pending,
			"dead":    dead,
		})
	}
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		cursor := query.Get("cursor")
		if _, err := store.DecodeCursor(cursor); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
		limit, _ := strconv.Atoi(query.Get("limit"))

		page, err := deps.Queue.List(r.Context(), models.OfflineStatus(query.Get("status")), cursor, limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, page)
	}
}

func handleGetTransaction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := deps.Queue.Get(r.Context(), chi.URLParam(r, "offlineID"))
		if err != nil {
			respondQueueError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, tx)
	}
}

func handleEditTransaction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload models.InvoicePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		offlineID := chi.URLParam(r, "offlineID")
		tx, err := deps.Queue.Edit(r.Context(), offlineID, payload)
		if err != nil {
			respondQueueError(w, err)
			return
		}

		deps.Logger.Info("queued transaction edited", slog.String("offline_id", offlineID))
		respondJSON(w, http.StatusOK, tx)
	}
}

func handleRetryTransaction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offlineID := chi.URLParam(r, "offlineID")
		tx, err := deps.Queue.Retry(r.Context(), offlineID)
		if err != nil {
			respondQueueError(w, err)
			return
		}

		deps.Logger.Info("queued transaction retried", slog.String("offline_id", offlineID))
		respondJSON(w, http.StatusOK, tx)
	}
}

func handleDeleteTransaction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Queue.Delete(r.Context(), chi.URLParam(r, "offlineID")); err != nil {
			respondQueueError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Syncer == nil {
			respondError(w, http.StatusServiceUnavailable, "Sync is not configured")
			return
		}

		res, err := deps.Syncer.Sync(r.Context(), syncer.TriggerManual)
		switch {
		case errors.Is(err, syncer.ErrOffline):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		case err != nil:
			respondError(w, http.StatusInternalServerError, err.Error())
		default:
			respondJSON(w, http.StatusOK, res)
		}
	}
}

func respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotEditable):
		respondError(w, http.StatusConflict, err.Error())
	case apperr.Is(err, apperr.KindValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
