package bpmn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

func billingDef(topic string) *model.ProcessDefinition {
	return &model.ProcessDefinition{
		ID: "billing",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "charge", Kind: model.KindServiceTask, Topic: topic},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "charge"},
			{ID: "f2", Source: "charge", Target: "end"},
		},
	}
}

func callerDef() *model.ProcessDefinition {
	return &model.ProcessDefinition{
		ID: "order",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "bill", Kind: model.KindCallActivity, CalledElement: "billing",
				InVariables:  []string{"orderId", "amount"},
				OutVariables: []string{"invoiceId"}},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "bill"},
			{ID: "f2", Source: "bill", Target: "end"},
		},
	}
}

func TestCallActivityMapsVariablesBothWays(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, billingDef("charge"))
	key := deploy(t, e, callerDef())

	var childSaw map[string]any
	e.Topics().Register("charge", func(_ context.Context, pc *ProcessContext) error {
		childSaw = pc.Vars.All()
		pc.Vars.Set("invoiceId", "inv-42")
		pc.Vars.Set("gatewayRef", "internal-only")
		return nil
	})

	pi, err := e.StartInstance(key, map[string]any{
		"orderId": "o-9",
		"amount":  int64(120),
		"secret":  "do-not-forward",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)

	// only the mapped input crossed into the child
	assert.Equal(t, "o-9", childSaw["orderId"])
	assert.Equal(t, int64(120), childSaw["amount"])
	assert.NotContains(t, childSaw, "secret")

	// only the mapped output crossed back
	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, "inv-42", view.Variables["invoiceId"])
	assert.NotContains(t, view.Variables, "gatewayRef")

	types := auditTypes(t, e, pi.ID)
	assert.Contains(t, types, runtime.AuditCallStarted)
	assert.Contains(t, types, runtime.AuditCallCompleted)

	// the child ran as its own completed instance
	children, err := e.ListInstances(runtime.InstanceCompleted, "billing")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, pi.ID, children[0].ParentInstance)
}

func TestCallActivityUnknownProcessFailsParent(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, callerDef()) // "billing" never deployed

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceError, view.Instance.State)
}

func TestCallActivityChildErrorFailsParent(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, billingDef("charge"))
	key := deploy(t, e, callerDef())

	e.Topics().Register("charge", func(_ context.Context, _ *ProcessContext) error {
		return newEngineErrorf(ErrHandlerFatal, "card declined")
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceError, view.Instance.State)
}

func TestCallActivityChildErrorCaughtByBoundary(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, billingDef("charge"))

	def := callerDef()
	def.Nodes = append(def.Nodes,
		model.FlowNode{ID: "billFailed", Kind: model.KindBoundaryEvent,
			Event: model.EventError, AttachedTo: "bill"},
		model.FlowNode{ID: "fallback", Kind: model.KindServiceTask, Topic: "manualBilling"},
		model.FlowNode{ID: "endFallback", Kind: model.KindEndEvent},
	)
	def.Flows = append(def.Flows,
		model.SequenceFlow{ID: "f3", Source: "billFailed", Target: "fallback"},
		model.SequenceFlow{ID: "f4", Source: "fallback", Target: "endFallback"},
	)
	key := deploy(t, e, def)

	e.Topics().Register("charge", func(_ context.Context, _ *ProcessContext) error {
		return newEngineErrorf(ErrHandlerFatal, "card declined")
	})
	fallback := 0
	e.Topics().Register("manualBilling", func(_ context.Context, _ *ProcessContext) error {
		fallback++
		return nil
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
	assert.Equal(t, 1, fallback)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditBoundaryFired)
}
