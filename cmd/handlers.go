package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/remediate"
	"github.com/sells-group/sitevault-cli/internal/store"
	"github.com/sells-group/sitevault-cli/internal/vault"
)

// newRouter builds the HTTP API over an initialized environment.
func newRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Post("/attempts", handleRecordAttempt(env))
		api.Get("/gaps", handleListGaps(env))
		api.Get("/gaps/{gap_id}", handleGetGap(env))
		api.Post("/gaps/{gap_id}/resolve", handleResolveGap(env))
		api.Post("/kill", handleKillSwitch(env))
		api.Post("/addenda/{addendum_id}/promote", handlePromote(env))
		api.Get("/vault/{competitor_id}/{field_key}", handleGetLatestVault(env))
		api.Get("/queue", handleQueueStatus(env))
		api.Post("/queue/drain", handleQueueDrain(env))
	})

	return r
}

func handleRecordAttempt(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in remediate.AttemptInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := env.Service.RecordAttempt(r.Context(), in)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		status := http.StatusCreated
		if res.WasDuplicate {
			// Replays return the original row rather than a second insert.
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

func handleListGaps(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gaps, err := env.Store.ListGaps(r.Context(), store.GapFilter{
			RunID:        q.Get("run_id"),
			CompetitorID: q.Get("competitor_id"),
			Status:       model.GapStatus(q.Get("status")),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
	}
}

func handleGetGap(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := env.Store.GetGap(r.Context(), chi.URLParam(r, "gap_id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		attempts, err := env.Store.ListAttempts(r.Context(), g.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"gap": g, "attempts": attempts})
	}
}

func handleResolveGap(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Payload       model.ResolvedPayload `json:"payload"`
			TranscriptRef string                `json:"transcript_ref"`
			CostUSD       float64               `json:"cost_usd"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := env.Service.ResolveGap(r.Context(), chi.URLParam(r, "gap_id"), req.Payload, remediate.ResolveOptions{
			TranscriptRef: req.TranscriptRef,
			CostUSD:       req.CostUSD,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		status := http.StatusOK
		if res.Rejected {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res)
	}
}

func handleKillSwitch(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RunID       string `json:"run_id"`
			Reason      string `json:"reason"`
			TriggeredBy string `json:"triggered_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.TriggeredBy == "" {
			req.TriggeredBy = "api"
		}

		res, err := env.Service.KillSwitch(r.Context(), req.RunID, req.Reason, req.TriggeredBy)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handlePromote(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := env.Promoter.Promote(r.Context(), chi.URLParam(r, "addendum_id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetLatestVault(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := vault.NaturalKey(chi.URLParam(r, "competitor_id"), chi.URLParam(r, "field_key"))
		rec, err := env.Store.GetLatestVault(r.Context(), key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "no vault record for key")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleQueueStatus(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := env.Store.QueueCounts(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"pending": counts[model.QueuePending],
			"done":    counts[model.QueueDone],
			"error":   counts[model.QueueError],
		})
	}
}

func handleQueueDrain(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := env.Drainer.Drain(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, remediate.ErrGapClosed),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, vault.ErrNotPromotable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
