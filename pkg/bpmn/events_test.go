package bpmn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

func messageWaitDef(id, message string) *model.ProcessDefinition {
	return &model.ProcessDefinition{
		ID: id,
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "wait", Kind: model.KindIntermediateCatchEvent, Event: model.EventMessage, MessageName: message},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "wait"},
			{ID: "f2", Source: "wait", Target: "end"},
		},
	}
}

func TestSendMessageResumesWaitingInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, messageWaitDef("ship", "goodsArrived"))

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceWaiting, pi.State)

	require.NoError(t, e.SendMessage("goodsArrived", "", map[string]any{"dock": "D3"}))

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
	assert.Equal(t, "D3", view.Variables["dock"])
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditMessageReceived)
}

func TestSendMessageMatchesCorrelationKey(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, messageWaitDef("ship", "goodsArrived"))

	first, err := e.StartInstance(key, map[string]any{"correlationKey": "order-1"}, "")
	require.NoError(t, err)
	second, err := e.StartInstance(key, map[string]any{"correlationKey": "order-2"}, "")
	require.NoError(t, err)

	require.NoError(t, e.SendMessage("goodsArrived", "order-2", nil))

	v1, err := e.GetInstance(first.ID)
	require.NoError(t, err)
	v2, err := e.GetInstance(second.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceWaiting, v1.Instance.State)
	assert.Equal(t, runtime.InstanceCompleted, v2.Instance.State)
}

func TestSendMessageDeliversAtMostOncePerInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "double",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "split", Kind: model.KindParallelGateway},
			{ID: "waitA", Kind: model.KindIntermediateCatchEvent, Event: model.EventMessage, MessageName: "go"},
			{ID: "waitB", Kind: model.KindIntermediateCatchEvent, Event: model.EventMessage, MessageName: "go"},
			{ID: "join", Kind: model.KindParallelGateway},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "split"},
			{ID: "f2", Source: "split", Target: "waitA"},
			{ID: "f3", Source: "split", Target: "waitB"},
			{ID: "f4", Source: "waitA", Target: "join"},
			{ID: "f5", Source: "waitB", Target: "join"},
			{ID: "f6", Source: "join", Target: "end"},
		},
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	// one message wakes one waiting token, not both
	require.NoError(t, e.SendMessage("go", "", nil))
	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceWaiting, view.Instance.State)

	require.NoError(t, e.SendMessage("go", "", nil))
	view, err = e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
}

func TestBroadcastSignalReachesAllInstances(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "listener",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "wait", Kind: model.KindIntermediateCatchEvent, Event: model.EventSignal, SignalName: "maintenance"},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "wait"},
			{ID: "f2", Source: "wait", Target: "end"},
		},
	})

	first, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	second, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	require.NoError(t, e.BroadcastSignal("maintenance", map[string]any{"window": "2h"}))

	for _, id := range []string{first.ID, second.ID} {
		view, err := e.GetInstance(id)
		require.NoError(t, err)
		assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
		assert.Equal(t, "2h", view.Variables["window"])
	}
}

func TestMessageStartEventCreatesInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, &model.ProcessDefinition{
		ID: "intake",
		Nodes: []model.FlowNode{
			{ID: "msgStart", Kind: model.KindStartEvent, Event: model.EventMessage, MessageName: "newOrder"},
			{ID: "register", Kind: model.KindServiceTask, Topic: "register"},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "msgStart", Target: "register"},
			{ID: "f2", Source: "register", Target: "end"},
		},
	})
	e.Topics().Register("register", func(_ context.Context, _ *ProcessContext) error { return nil })

	require.NoError(t, e.SendMessage("newOrder", "", map[string]any{"orderId": "o-5"}))

	started, err := e.ListInstances(runtime.InstanceCompleted, "intake")
	require.NoError(t, err)
	require.Len(t, started, 1)

	view, err := e.GetInstance(started[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "o-5", view.Variables["orderId"])
}

func TestReceiveTaskWaitsForMessage(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "pickup",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "receive", Kind: model.KindReceiveTask, MessageName: "parcelScanned"},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "receive"},
			{ID: "f2", Source: "receive", Target: "end"},
		},
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceWaiting, pi.State)

	require.NoError(t, e.SendMessage("parcelScanned", "", nil))
	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
}

func TestThrowEventDeliversMessageAcrossInstances(t *testing.T) {
	e, _ := newTestEngine(t)
	waitKey := deploy(t, e, messageWaitDef("receiver", "handoff"))
	throwKey := deploy(t, e, &model.ProcessDefinition{
		ID: "sender",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "notify", Kind: model.KindIntermediateThrowEvent, Event: model.EventMessage, MessageName: "handoff"},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "notify"},
			{ID: "f2", Source: "notify", Target: "end"},
		},
	})

	waiting, err := e.StartInstance(waitKey, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceWaiting, waiting.State)

	sender, err := e.StartInstance(throwKey, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, sender.State)
	assert.Contains(t, auditTypes(t, e, sender.ID), runtime.AuditMessageThrown)

	view, err := e.GetInstance(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
}

func TestSendMessageWithoutReceiverFails(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.SendMessage("nobodyListens", "", nil)
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestTerminateEndEventCancelsEverything(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "abort",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "split", Kind: model.KindParallelGateway},
			{ID: "review", Kind: model.KindUserTask},
			{ID: "stop", Kind: model.KindEndEvent, Event: model.EventTerminate},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "split"},
			{ID: "f2", Source: "split", Target: "review"},
			{ID: "f3", Source: "split", Target: "stop"},
			{ID: "f4", Source: "review", Target: "end"},
		},
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceTerminated, pi.State)

	// the parked user task went down with the instance
	tasks, err := e.ListTasks(pi.ID, runtime.TaskCreated, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditTerminate)
}

func TestErrorEndEventWithoutCatcherFailsInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "boom",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "fail", Kind: model.KindEndEvent, Event: model.EventError, ErrorCode: "E_NO_STOCK"},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "fail"},
		},
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceError, pi.State)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditError)
}

func TestThrowErrorOperationRoutesToBoundary(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "manualError",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "review", Kind: model.KindUserTask},
			{ID: "failed", Kind: model.KindBoundaryEvent, Event: model.EventError,
				AttachedTo: "review", ErrorCode: "E_REJECTED"},
			{ID: "end", Kind: model.KindEndEvent},
			{ID: "endRejected", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "review"},
			{ID: "f2", Source: "review", Target: "end"},
			{ID: "f3", Source: "failed", Target: "endRejected"},
		},
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	require.NoError(t, e.ThrowError(pi.ID, "E_REJECTED", "credit limit exceeded"))

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditBoundaryFired)
}

func TestTransactionCancelLeavesThroughCancelBoundary(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, &model.ProcessDefinition{
		ID: "txCancel",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "tx", Kind: model.KindSubProcess, Transaction: true},
			{ID: "innerStart", Kind: model.KindStartEvent, Scope: "tx"},
			{ID: "abort", Kind: model.KindEndEvent, Event: model.EventCancel, Scope: "tx"},
			{ID: "cancelled", Kind: model.KindBoundaryEvent, Event: model.EventCancel, AttachedTo: "tx"},
			{ID: "undo", Kind: model.KindServiceTask, Topic: "undo"},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "tx"},
			{ID: "f2", Source: "innerStart", Target: "abort"},
			{ID: "f3", Source: "cancelled", Target: "undo"},
			{ID: "f4", Source: "undo", Target: "end"},
		},
	})

	undone := 0
	e.Topics().Register("undo", func(_ context.Context, _ *ProcessContext) error {
		undone++
		return nil
	})

	// the host token parked on the transaction scope must not outlive the
	// cancellation, or the instance never settles
	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, 1, undone)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditBoundaryFired)
}
