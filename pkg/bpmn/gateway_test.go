package bpmn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

func parallelDef() *model.ProcessDefinition {
	return &model.ProcessDefinition{
		ID: "fanout",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "split", Kind: model.KindParallelGateway},
			{ID: "shipping", Kind: model.KindServiceTask, Topic: "ship"},
			{ID: "invoicing", Kind: model.KindServiceTask, Topic: "invoice"},
			{ID: "join", Kind: model.KindParallelGateway},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "split"},
			{ID: "f2", Source: "split", Target: "shipping"},
			{ID: "f3", Source: "split", Target: "invoicing"},
			{ID: "f4", Source: "shipping", Target: "join"},
			{ID: "f5", Source: "invoicing", Target: "join"},
			{ID: "f6", Source: "join", Target: "end"},
		},
	}
}

func TestParallelGatewayForkAndJoin(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, parallelDef())

	var mu sync.Mutex
	ran := map[string]int{}
	record := func(name string) HandlerFunc {
		return func(_ context.Context, _ *ProcessContext) error {
			mu.Lock()
			ran[name]++
			mu.Unlock()
			return nil
		}
	}
	e.Topics().Register("ship", record("ship"))
	e.Topics().Register("invoice", record("invoice"))

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, 1, ran["ship"])
	assert.Equal(t, 1, ran["invoice"])

	// both branches merged: exactly one END
	ends := 0
	for _, typ := range auditTypes(t, e, pi.ID) {
		if typ == runtime.AuditEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func inclusiveDef() *model.ProcessDefinition {
	return &model.ProcessDefinition{
		ID: "options",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "fork", Kind: model.KindInclusiveGateway},
			{ID: "email", Kind: model.KindServiceTask, Topic: "email"},
			{ID: "sms", Kind: model.KindServiceTask, Topic: "sms"},
			{ID: "merge", Kind: model.KindInclusiveGateway},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "fork"},
			{ID: "f2", Source: "fork", Target: "email", Condition: "${wantEmail}"},
			{ID: "f3", Source: "fork", Target: "sms", Condition: "${wantSms}"},
			{ID: "f4", Source: "email", Target: "merge"},
			{ID: "f5", Source: "sms", Target: "merge"},
			{ID: "f6", Source: "merge", Target: "end"},
		},
	}
}

func TestInclusiveGatewaySplitAndMerge(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, inclusiveDef())

	var mu sync.Mutex
	ran := map[string]int{}
	record := func(name string) HandlerFunc {
		return func(_ context.Context, _ *ProcessContext) error {
			mu.Lock()
			ran[name]++
			mu.Unlock()
			return nil
		}
	}
	e.Topics().Register("email", record("email"))
	e.Topics().Register("sms", record("sms"))

	pi, err := e.StartInstance(key, map[string]any{"wantEmail": true, "wantSms": true}, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, 1, ran["email"])
	assert.Equal(t, 1, ran["sms"])
}

func TestInclusiveGatewaySingleBranch(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, inclusiveDef())

	ran := map[string]int{}
	e.Topics().Register("email", func(_ context.Context, _ *ProcessContext) error {
		ran["email"]++
		return nil
	})
	e.Topics().Register("sms", func(_ context.Context, _ *ProcessContext) error {
		ran["sms"]++
		return nil
	})

	pi, err := e.StartInstance(key, map[string]any{"wantEmail": true, "wantSms": false}, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, 1, ran["email"])
	assert.Equal(t, 0, ran["sms"])
}

func TestInclusiveGatewayNoBranchIsDeadEnd(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, inclusiveDef())
	e.Topics().Register("email", func(_ context.Context, _ *ProcessContext) error { return nil })
	e.Topics().Register("sms", func(_ context.Context, _ *ProcessContext) error { return nil })

	pi, err := e.StartInstance(key, map[string]any{"wantEmail": false, "wantSms": false}, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceError, pi.State)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditDeadEnd)
}

func eventGatewayDef() *model.ProcessDefinition {
	return &model.ProcessDefinition{
		ID: "race",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "gate", Kind: model.KindEventBasedGateway},
			{ID: "approved", Kind: model.KindIntermediateCatchEvent, Event: model.EventMessage, MessageName: "approval"},
			{ID: "deadline", Kind: model.KindIntermediateCatchEvent, Event: model.EventTimer, TimerDuration: "PT1H"},
			{ID: "endOk", Kind: model.KindEndEvent},
			{ID: "endLate", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "gate"},
			{ID: "f2", Source: "gate", Target: "approved"},
			{ID: "f3", Source: "gate", Target: "deadline"},
			{ID: "f4", Source: "approved", Target: "endOk"},
			{ID: "f5", Source: "deadline", Target: "endLate"},
		},
	}
}

func TestEventBasedGatewayMessageWins(t *testing.T) {
	e, clock := newTestEngine(t)
	key := deploy(t, e, eventGatewayDef())

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceWaiting, pi.State)

	require.NoError(t, e.SendMessage("approval", "", map[string]any{"approver": "ops"}))

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)
	assert.Equal(t, "ops", view.Variables["approver"])

	// the losing timer arm was withdrawn: advancing time fires nothing
	clock.Advance(2 * time.Hour)
	fired, err := e.RunDueTimers(clock.Now())
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestEventBasedGatewayTimerWins(t *testing.T) {
	e, clock := newTestEngine(t)
	key := deploy(t, e, eventGatewayDef())

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	fired, err := e.RunDueTimers(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	view, err := e.GetInstance(pi.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, view.Instance.State)

	// the losing message arm was withdrawn: the message now has no target
	err = e.SendMessage("approval", "", nil)
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}
