package bpmn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spear-bpm/spear/pkg/bpmn/model"
	"github.com/spear-bpm/spear/pkg/bpmn/runtime"
)

func multiInstanceDef(loop *model.MultiInstance) *model.ProcessDefinition {
	return &model.ProcessDefinition{
		ID: "batch",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "work", Kind: model.KindServiceTask, Topic: "work", Loop: loop},
			{ID: "end", Kind: model.KindEndEvent},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "work"},
			{ID: "f2", Source: "work", Target: "end"},
		},
	}
}

func TestMultiInstanceRunsAllIterations(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, multiInstanceDef(&model.MultiInstance{LoopCardinality: "5"}))

	var counters []int64
	e.Topics().Register("work", func(_ context.Context, pc *ProcessContext) error {
		v, ok := pc.Vars.Get("loopCounter")
		require.True(t, ok)
		counters = append(counters, v.(int64))
		return nil
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, counters)

	types := auditTypes(t, e, pi.ID)
	assert.Contains(t, types, runtime.AuditMIStarted)
	assert.Contains(t, types, runtime.AuditMICompleted)

	// exactly one outgoing emission after the group closed
	ends := 0
	for _, typ := range types {
		if typ == runtime.AuditEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func TestMultiInstanceCompletionConditionCancelsRest(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, multiInstanceDef(&model.MultiInstance{
		LoopCardinality:     "5",
		CompletionCondition: "${nrOfCompletedInstances >= 3}",
	}))

	invoked := 0
	e.Topics().Register("work", func(_ context.Context, _ *ProcessContext) error {
		invoked++
		return nil
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, 3, invoked)
	assert.Contains(t, auditTypes(t, e, pi.ID), runtime.AuditCancelActivity)
}

func TestMultiInstanceSequential(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, multiInstanceDef(&model.MultiInstance{
		Sequential:      true,
		LoopCardinality: "3",
	}))

	var counters []int64
	e.Topics().Register("work", func(_ context.Context, pc *ProcessContext) error {
		v, _ := pc.Vars.Get("loopCounter")
		counters = append(counters, v.(int64))
		return nil
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, []int64{1, 2, 3}, counters)
}

func TestMultiInstanceCardinalityFromVariable(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, multiInstanceDef(&model.MultiInstance{LoopCardinality: "${itemCount}"}))

	invoked := 0
	e.Topics().Register("work", func(_ context.Context, _ *ProcessContext) error {
		invoked++
		return nil
	})

	pi, err := e.StartInstance(key, map[string]any{"itemCount": int64(2)}, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Equal(t, 2, invoked)
}

func TestMultiInstanceZeroCardinalityCompletesImmediately(t *testing.T) {
	e, _ := newTestEngine(t)
	key := deploy(t, e, multiInstanceDef(&model.MultiInstance{LoopCardinality: "0"}))

	invoked := 0
	e.Topics().Register("work", func(_ context.Context, _ *ProcessContext) error {
		invoked++
		return nil
	})

	pi, err := e.StartInstance(key, nil, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, pi.State)
	assert.Zero(t, invoked)
}
