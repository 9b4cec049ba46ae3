package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spear-bpm/spear/internal/config"
	"github.com/spear-bpm/spear/pkg/bpmn"
	"github.com/spear-bpm/spear/pkg/rdf"
)

func newTestServer(t *testing.T) (*Server, *bpmn.Engine) {
	t.Helper()
	st, err := rdf.Open(t.TempDir(), hclog.NewNullLogger())
	require.NoError(t, err)

	engine, err := bpmn.NewEngine(st, bpmn.WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)

	return NewServer(engine, config.Config{}, hclog.NewNullLogger()), engine
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

var userTaskDefinition = map[string]any{
	"id": "approval",
	"nodes": []map[string]any{
		{"id": "start", "kind": "StartEvent"},
		{"id": "review", "kind": "UserTask", "assignee": "alice"},
		{"id": "end", "kind": "EndEvent"},
	},
	"flows": []map[string]any{
		{"id": "f1", "source": "start", "target": "review"},
		{"id": "f2", "source": "review", "target": "end"},
	},
}

func TestInstanceLifecycleOverREST(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/definitions", userTaskDefinition)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var deployed struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deployed))
	assert.Equal(t, "approval:1", deployed.Key)

	rec = doJSON(t, s, http.MethodPost, "/v1/instances", map[string]any{
		"definitionKey": deployed.Key,
		"variables":     map[string]any{"amount": 12},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pi struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pi))
	assert.Equal(t, "WAITING", pi.State)

	rec = doJSON(t, s, http.MethodGet, "/v1/tasks?instance="+pi.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)

	rec = doJSON(t, s, http.MethodPost, "/v1/tasks/"+tasks[0].ID+"/complete", map[string]any{
		"variables": map[string]any{"approved": true},
		"actor":     "alice",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/v1/instances/"+pi.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		Variables map[string]any `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "COMPLETED", view.Instance.State)
	assert.Equal(t, true, view.Variables["approved"])
}

func TestEngineErrorsMapToStatusCodes(t *testing.T) {
	s, _ := newTestServer(t)

	// unknown instance -> 404
	rec := doJSON(t, s, http.MethodGet, "/v1/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// invalid definition -> 400
	rec = doJSON(t, s, http.MethodPost, "/v1/definitions", map[string]any{
		"id": "broken",
		"nodes": []map[string]any{
			{"id": "start", "kind": "StartEvent"},
		},
		"flows": []map[string]any{
			{"id": "f1", "source": "start", "target": "missing"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// malformed body -> 400
	req := httptest.NewRequest(http.MethodPost, "/v1/instances", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestQueryGraphEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/definitions", userTaskDefinition)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/query", map[string]any{
		"graph": "defs",
		"query": "SELECT ?s ?p ?o WHERE { ?s ?p ?o }",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Bindings []map[string]string `json:"bindings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Bindings)
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/system/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestTopicManagementOverREST(t *testing.T) {
	s, engine := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/v1/topics/charge", map[string]any{
		"url":     "http://billing.local/charge",
		"method":  "POST",
		"extract": map[string]string{"receipt": ".receipt.id"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/v1/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []struct {
		Topic string `json:"topic"`
		Kind  string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "charge", listed[0].Topic)
	assert.Equal(t, "http", listed[0].Kind)

	rec = doJSON(t, s, http.MethodGet, "/v1/topics/charge", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/topics/charge", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := engine.Topics().Lookup("charge")
	assert.False(t, ok)

	rec = doJSON(t, s, http.MethodGet, "/v1/topics/charge", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTopicRegistrationRejectsBadDescriptor(t *testing.T) {
	s, _ := newTestServer(t)

	// descriptor without a url
	rec := doJSON(t, s, http.MethodPut, "/v1/topics/broken", map[string]any{"method": "POST"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// unparsable jq extraction
	rec = doJSON(t, s, http.MethodPut, "/v1/topics/broken", map[string]any{
		"url":     "http://x.local",
		"extract": map[string]string{"v": "((("},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopicDryRunOverREST(t *testing.T) {
	s, engine := newTestServer(t)
	engine.Topics().Register("risk", func(_ context.Context, pc *bpmn.ProcessContext) error {
		v, _ := pc.Vars.Get("amount")
		amount, _ := v.(float64)
		return pc.Vars.Set("risky", amount > 1000)
	})

	rec := doJSON(t, s, http.MethodPost, "/v1/topics/risk/test", map[string]any{
		"variables": map[string]any{"amount": 2500},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var trace struct {
		Topic     string         `json:"topic"`
		Variables map[string]any `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trace))
	assert.Equal(t, "risk", trace.Topic)
	assert.Equal(t, true, trace.Variables["risky"])

	rec = doJSON(t, s, http.MethodPost, "/v1/topics/nope/test", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
