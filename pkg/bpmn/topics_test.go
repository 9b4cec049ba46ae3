package bpmn

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

func newTestRegistry() *TopicRegistry {
	return NewTopicRegistry(5*time.Second, 0, hclog.NewNullLogger())
}

func TestHTTPHandlerTemplatesAndExtracts(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		json.NewEncoder(w).Encode(map[string]any{
			"invoice": map[string]any{"id": "inv-9", "total": 120.5},
		})
	}))
	defer srv.Close()

	reg := newTestRegistry()
	require.NoError(t, reg.RegisterHTTP("charge", &HTTPHandler{
		URL:     srv.URL + "/orders/${orderId}/charge",
		Method:  http.MethodPost,
		Headers: map[string]string{"Authorization": "Bearer ${token}"},
		Body:    `{"amount": ${amount}}`,
		Extract: map[string]string{
			"invoiceId": ".invoice.id",
			"total":     ".invoice.total",
		},
	}))

	bag := newMemoryVars(map[string]any{"orderId": "o-1", "token": "t-9", "amount": int64(42)})
	pc := &ProcessContext{InstanceID: "i", NodeID: "n", Vars: bag}
	require.NoError(t, reg.Invoke(context.Background(), "charge", pc))

	assert.Equal(t, "/orders/o-1/charge", gotPath)
	assert.Equal(t, "Bearer t-9", gotAuth)
	assert.JSONEq(t, `{"amount": 42}`, gotBody)

	v, _ := bag.Get("invoiceId")
	assert.Equal(t, "inv-9", v)
	v, _ = bag.Get("total")
	assert.Equal(t, 120.5, v)
}

func TestHTTPHandlerUnresolvedTemplateIsConfigError(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.RegisterHTTP("charge", &HTTPHandler{
		URL: "http://localhost/${neverSet}",
	}))

	pc := &ProcessContext{Vars: newMemoryVars(nil)}
	err := reg.Invoke(context.Background(), "charge", pc)
	require.Error(t, err)
	assert.Equal(t, ErrHandlerConfig, KindOf(err))
}

func TestHTTPHandlerRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	reg := newTestRegistry()
	require.NoError(t, reg.RegisterHTTP("flaky", &HTTPHandler{
		URL:        srv.URL,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
	}))

	pc := &ProcessContext{Vars: newMemoryVars(nil)}
	require.NoError(t, reg.Invoke(context.Background(), "flaky", pc))
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPHandlerClientErrorIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	reg := newTestRegistry()
	require.NoError(t, reg.RegisterHTTP("strict", &HTTPHandler{
		URL:        srv.URL,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
	}))

	pc := &ProcessContext{Vars: newMemoryVars(nil)}
	err := reg.Invoke(context.Background(), "strict", pc)
	require.Error(t, err)
	assert.Equal(t, ErrHandlerFatal, KindOf(err))
	// 4xx does not retry
	assert.Equal(t, int32(1), hits.Load())
}

func TestRegisterHTTPValidatesExtractExpressions(t *testing.T) {
	reg := newTestRegistry()
	err := reg.RegisterHTTP("bad", &HTTPHandler{
		URL:     "http://localhost",
		Extract: map[string]string{"x": ".[unclosed"},
	})
	require.Error(t, err)
	assert.Equal(t, ErrHandlerConfig, KindOf(err))

	err = reg.RegisterHTTP("nourl", &HTTPHandler{})
	require.Error(t, err)
	assert.Equal(t, ErrHandlerConfig, KindOf(err))
}

func TestTopicTestRunReportsWouldBeVariables(t *testing.T) {
	reg := newTestRegistry()
	reg.Register("score", func(_ context.Context, pc *ProcessContext) error {
		amount, _ := pc.Vars.Get("amount")
		pc.Vars.Set("risk", amount.(int64) > 100)
		return nil
	})

	trace, err := reg.Test(context.Background(), "score", map[string]any{"amount": int64(500)})
	require.NoError(t, err)
	assert.Empty(t, trace.Err)
	assert.Equal(t, true, trace.Variables["risk"])

	_, err = reg.Test(context.Background(), "unknown", nil)
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestAsyncHTTPHandlerCompletesViaCallback(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		defer close(done)
		json.NewEncoder(w).Encode(map[string]any{"receipt": "r-1"})
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	require.NoError(t, e.Topics().RegisterHTTP("dispatch", &HTTPHandler{
		URL:     srv.URL,
		Async:   true,
		Extract: map[string]string{"receipt": ".receipt"},
	}))
	key := deploy(t, e, linearDef("dispatch"))

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("async handler was never called")
	}

	require.Eventually(t, func() bool {
		view, err := e.GetInstance(pi.ID)
		return err == nil && view.Instance.State == runtime.InstanceCompleted
	}, 5*time.Second, 10*time.Millisecond)

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-1", view.Variables["receipt"])
}

func TestServiceTaskUsesRegisteredHTTPHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	require.NoError(t, e.Topics().RegisterHTTP("notify", &HTTPHandler{
		URL:     srv.URL,
		Extract: map[string]string{"notified": ".ok"},
	}))
	key := deploy(t, e, linearDef("notify"))

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, true, view.Variables["notified"])
}

func TestManualTaskPassesThroughWithAudit(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "manual",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "check", Kind: model.KindManualTask},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "check"},
			{ID: "f2", Source: "check", Target: "end"},
		},
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditManualComplete)
}
