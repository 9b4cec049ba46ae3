package bpmn

import (
	"fmt"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spear-bpm/spear/pkg/bpmn/store"
	"github.com/spear-bpm/spear/pkg/rdf"
)

func newConditionFixture(t *testing.T, vars map[string]any) (*conditionEvaluator, []rdf.Term, string) {
	t.Helper()
	st, err := rdf.Open(t.TempDir(), hclog.NewNullLogger())
	require.NoError(t, err)

	instanceID := "inst-1"
	scope := store.InstanceIRI(instanceID)
	repo := store.NewVariableRepo(st, 1<<20)
	for name, value := range vars {
		require.NoError(t, repo.Set(scope, name, rdf.FromNative(value)))
	}
	return &conditionEvaluator{store: st}, []rdf.Term{scope}, instanceID
}

func TestGuardComparisons(t *testing.T) {
	ce, chain, id := newConditionFixture(t, map[string]any{
		"amount": int64(120),
		"status": "open",
		"urgent": true,
	})

	cases := []struct {
		expr string
		want bool
	}{
		{"${amount > 100}", true},
		{"${amount gt 100}", true},
		{"${amount <= 100}", false},
		{"${amount == 120}", true},
		{"${amount != 120}", false},
		{"${status == \"open\"}", true},
		{"${status == 'closed'}", false},
		{"${status neq \"closed\"}", true},
		{"${urgent == true}", true},
		{"${urgent == false}", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ce.evaluate(id, chain, tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGuardTruthiness(t *testing.T) {
	ce, chain, id := newConditionFixture(t, map[string]any{
		"flagOn":    true,
		"flagOff":   false,
		"countZero": int64(0),
		"countSome": int64(3),
		"nameEmpty": "",
		"nameSet":   "x",
	})

	cases := []struct {
		name string
		want bool
	}{
		{"flagOn", true},
		{"flagOff", false},
		{"countZero", false},
		{"countSome", true},
		{"nameEmpty", false},
		{"nameSet", true},
		{"neverBound", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ce.evaluate(id, chain, "${"+tc.name+"}")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGuardEmptyExpressionIsTrue(t *testing.T) {
	ce, chain, id := newConditionFixture(t, nil)
	got, err := ce.evaluate(id, chain, "")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestGuardUnboundComparisonIsFalse(t *testing.T) {
	ce, chain, id := newConditionFixture(t, nil)
	got, err := ce.evaluate(id, chain, "${missing > 5}")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestGuardInnermostScopeWins(t *testing.T) {
	ce, chain, id := newConditionFixture(t, map[string]any{"level": int64(1)})

	st := ce.store
	inner := store.ScopeIRI(id, "sub")
	repo := store.NewVariableRepo(st, 1<<20)
	require.NoError(t, repo.Set(inner, "level", rdf.FromNative(int64(9))))

	innerChain := append([]rdf.Term{inner}, chain...)
	got, err := ce.evaluate(id, innerChain, "${level > 5}")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ce.evaluate(id, chain, "${level > 5}")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestGuardMalformedExpressions(t *testing.T) {
	ce, chain, id := newConditionFixture(t, map[string]any{"x": int64(1)})

	for _, expr := range []string{
		"${x >}",
		"${x == }",
		"x == 1",
		"${x ~ 1}",
		"${x == \"unterminated}",
		"${x == banana}",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ce.evaluate(id, chain, expr)
			require.Error(t, err)
			assert.Equal(t, ErrBadDefinition, KindOf(err))
		})
	}
}

func TestGuardAskPassThrough(t *testing.T) {
	ce, _, id := newConditionFixture(t, map[string]any{"amount": int64(500)})

	expr := fmt.Sprintf(
		"ASK { ${instance} <%samount> ?v . FILTER(?v > 100) }", store.NSVar)
	got, err := ce.evaluate(id, nil, expr)
	require.NoError(t, err)
	assert.True(t, got)

	expr = fmt.Sprintf(
		"ASK { ${instance} <%samount> ?v . FILTER(?v > 1000) }", store.NSVar)
	got, err = ce.evaluate(id, nil, expr)
	require.NoError(t, err)
	assert.False(t, got)
}
