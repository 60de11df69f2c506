package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sitevault-cli/internal/gate"
	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/queue"
	"github.com/sells-group/sitevault-cli/internal/remediate"
	"github.com/sells-group/sitevault-cli/internal/store"
	"github.com/sells-group/sitevault-cli/internal/vault"
)

func newTestEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	st := store.NewMemory()
	promoter := vault.NewPromoter(st)
	return &pipelineEnv{
		Store:    st,
		Service:  remediate.NewService(st, gate.New(0.5)),
		Promoter: promoter,
		Drainer:  queue.NewDrainer(st, promoter, queue.Config{Workers: 2}),
	}
}

func createGap(t *testing.T, env *pipelineEnv) *model.Gap {
	t.Helper()
	g, err := env.Store.CreateGap(context.Background(), model.GapSeed{
		RunID:        "run-1",
		CompetitorID: "comp-1",
		FieldKey:     "standard_rate_10x10",
	})
	require.NoError(t, err)
	return g
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	r := newRouter(newTestEnv(t))

	rr := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_RecordAttempt(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	payload := map[string]any{
		"gap_id":         g.ID,
		"worker_kind":    "scrape",
		"attempt_number": 1,
		"outcome":        "started",
	}

	rr := doJSON(t, r, http.MethodPost, "/v1/attempts", payload)
	assert.Equal(t, http.StatusCreated, rr.Code)

	var res remediate.AttemptResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.False(t, res.WasDuplicate)
	assert.Equal(t, model.GapStatusInProgress, res.Gap.Status)

	// A replay of the same attempt number is 200, not 201, and changes nothing.
	rr = doJSON(t, r, http.MethodPost, "/v1/attempts", payload)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.WasDuplicate)
}

func TestRouter_RecordAttemptValidation(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	rr := doJSON(t, r, http.MethodPost, "/v1/attempts", map[string]any{
		"gap_id":         g.ID,
		"worker_kind":    "system",
		"attempt_number": 1,
		"outcome":        "started",
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "reserved")

	rr = doJSON(t, r, http.MethodPost, "/v1/attempts", "not an object")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_GetGap(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	rr := doJSON(t, r, http.MethodGet, "/v1/gaps/"+g.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Gap      model.Gap             `json:"gap"`
		Attempts []model.AttemptRecord `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, g.ID, body.Gap.ID)
	assert.Empty(t, body.Attempts)

	rr = doJSON(t, r, http.MethodGet, "/v1/gaps/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_ListGaps(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	createGap(t, env)

	rr := doJSON(t, r, http.MethodGet, "/v1/gaps?run_id=run-1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Gaps []model.Gap `json:"gaps"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Gaps, 1)

	rr = doJSON(t, r, http.MethodGet, "/v1/gaps?run_id=other", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Empty(t, body.Gaps)
}

func TestRouter_ResolveGap(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	body := map[string]any{
		"payload": map[string]any{
			"source":     "scrape",
			"confidence": 0.9,
			"observations": []map[string]any{
				{"competitor_id": "comp-1", "field_key": "standard_rate_10x10", "value": 129.0},
			},
		},
	}

	rr := doJSON(t, r, http.MethodPost, "/v1/gaps/"+g.ID+"/resolve", body)
	assert.Equal(t, http.StatusOK, rr.Code)

	var res remediate.ResolveResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Resolved)
	require.NotNil(t, res.Addendum)

	// Low confidence is rejected with 422 and leaves the gap open.
	g2, err := env.Store.CreateGap(context.Background(), model.GapSeed{
		RunID: "run-1", CompetitorID: "comp-2", FieldKey: "gate_hours",
	})
	require.NoError(t, err)

	low := map[string]any{
		"payload": map[string]any{
			"source":     "scrape",
			"confidence": 0.2,
			"observations": []map[string]any{
				{"competitor_id": "comp-2", "field_key": "gate_hours", "value": "6am-10pm"},
			},
		},
	}
	rr = doJSON(t, r, http.MethodPost, "/v1/gaps/"+g2.ID+"/resolve", low)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Rejected)
	assert.NotEmpty(t, res.Reasons)
}

func TestRouter_ResolveClosedGapConflicts(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	// Put the gap in progress so the kill switch catches it.
	_, err := env.Service.RecordAttempt(context.Background(), remediate.AttemptInput{
		GapID: g.ID, WorkerKind: model.WorkerScrape, AttemptNumber: 1, Outcome: model.OutcomeStarted,
	})
	require.NoError(t, err)
	_, err = env.Service.KillSwitch(context.Background(), "", "manual stop", "test")
	require.NoError(t, err)

	body := map[string]any{
		"payload": map[string]any{
			"source":     "scrape",
			"confidence": 0.9,
			"observations": []map[string]any{
				{"competitor_id": "comp-1", "field_key": "standard_rate_10x10", "value": 129.0},
			},
		},
	}
	rr := doJSON(t, r, http.MethodPost, "/v1/gaps/"+g.ID+"/resolve", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRouter_KillSwitch(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	_, err := env.Service.RecordAttempt(context.Background(), remediate.AttemptInput{
		GapID: g.ID, WorkerKind: model.WorkerScrape, AttemptNumber: 1, Outcome: model.OutcomeStarted,
	})
	require.NoError(t, err)

	rr := doJSON(t, r, http.MethodPost, "/v1/kill", map[string]string{"reason": "budget blown"})
	assert.Equal(t, http.StatusOK, rr.Code)

	var res remediate.KillResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Killed)

	// Missing reason is refused.
	rr = doJSON(t, r, http.MethodPost, "/v1/kill", map[string]string{})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "reason")
}

func TestRouter_PromoteAndVaultLookup(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	resolveBody := map[string]any{
		"payload": map[string]any{
			"source":     "scrape",
			"confidence": 0.9,
			"observations": []map[string]any{
				{"competitor_id": "comp-1", "field_key": "standard_rate_10x10", "value": 129.0},
			},
		},
	}
	rr := doJSON(t, r, http.MethodPost, "/v1/gaps/"+g.ID+"/resolve", resolveBody)
	require.Equal(t, http.StatusOK, rr.Code)

	var resolved remediate.ResolveResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resolved))

	key := fmt.Sprintf("/v1/vault/%s/%s", "comp-1", "standard_rate_10x10")
	rr = doJSON(t, r, http.MethodGet, key, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, r, http.MethodPost, "/v1/addenda/"+resolved.Addendum.ID+"/promote", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var pres vault.PromoteResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pres))
	assert.True(t, pres.Written)

	rr = doJSON(t, r, http.MethodGet, key, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var rec model.VaultRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, pres.VersionHash, rec.VersionHash)
	assert.True(t, rec.IsLatest)
}

func TestRouter_QueueStatusAndDrain(t *testing.T) {
	env := newTestEnv(t)
	r := newRouter(env)
	g := createGap(t, env)

	resolveBody := map[string]any{
		"payload": map[string]any{
			"source":     "scrape",
			"confidence": 0.9,
			"observations": []map[string]any{
				{"competitor_id": "comp-1", "field_key": "standard_rate_10x10", "value": 129.0},
			},
		},
	}
	rr := doJSON(t, r, http.MethodPost, "/v1/gaps/"+g.ID+"/resolve", resolveBody)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, r, http.MethodGet, "/v1/queue", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var counts map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts["pending"])

	rr = doJSON(t, r, http.MethodPost, "/v1/queue/drain", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Claimed)
	assert.Equal(t, int64(1), stats.Done)

	rr = doJSON(t, r, http.MethodGet, "/v1/queue", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counts))
	assert.Equal(t, 0, counts["pending"])
	assert.Equal(t, 1, counts["done"])
}
