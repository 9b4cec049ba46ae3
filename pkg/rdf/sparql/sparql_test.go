package sparql

import (
	"testing"

	"github.com/spear-bpm/spear/pkg/rdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *rdf.Graph {
	g := rdf.NewGraph()
	inst := rdf.IRI("https://spear-bpm.dev/instance/i-1")
	g.Add(rdf.Triple{S: inst, P: rdf.IRI("https://spear-bpm.dev/var#amount"), O: rdf.Integer(150)})
	g.Add(rdf.Triple{S: inst, P: rdf.IRI("https://spear-bpm.dev/var#approved"), O: rdf.Boolean(true)})
	g.Add(rdf.Triple{S: inst, P: rdf.IRI("https://spear-bpm.dev/var#customer"), O: rdf.String("acme")})
	return g
}

func TestAskWithFilter(t *testing.T) {
	g := testGraph()

	q, err := Parse(`ASK { <https://spear-bpm.dev/instance/i-1> <https://spear-bpm.dev/var#amount> ?v . FILTER(?v >= 100) }`)
	require.NoError(t, err)
	ok, err := Ask(g, q)
	require.NoError(t, err)
	assert.True(t, ok)

	q, err = Parse(`ASK { <https://spear-bpm.dev/instance/i-1> <https://spear-bpm.dev/var#amount> ?v . FILTER(?v < 100) }`)
	require.NoError(t, err)
	ok, err = Ask(g, q)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAskWithPrefix(t *testing.T) {
	g := testGraph()
	q, err := Parse(`PREFIX var: <https://spear-bpm.dev/var#>
		ASK { <https://spear-bpm.dev/instance/i-1> var:customer ?v . FILTER(?v = "acme") }`)
	require.NoError(t, err)
	ok, err := Ask(g, q)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAskMissingVariableIsFalse(t *testing.T) {
	g := testGraph()
	q, err := Parse(`ASK { <https://spear-bpm.dev/instance/i-1> <https://spear-bpm.dev/var#missing> ?v . FILTER(?v = 1) }`)
	require.NoError(t, err)
	ok, err := Ask(g, q)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectProjection(t *testing.T) {
	g := testGraph()
	q, err := Parse(`SELECT ?p ?v WHERE { <https://spear-bpm.dev/instance/i-1> ?p ?v }`)
	require.NoError(t, err)
	sols, err := Select(g, q)
	require.NoError(t, err)
	assert.Len(t, sols, 3)
	for _, sol := range sols {
		assert.Contains(t, sol, "p")
		assert.Contains(t, sol, "v")
	}
}

func TestSelectJoinSharedVariable(t *testing.T) {
	g := rdf.NewGraph()
	state := rdf.IRI("state")
	owner := rdf.IRI("owner")
	g.Add(rdf.Triple{S: rdf.IRI("t1"), P: state, O: rdf.String("ACTIVE")})
	g.Add(rdf.Triple{S: rdf.IRI("t1"), P: owner, O: rdf.IRI("i-1")})
	g.Add(rdf.Triple{S: rdf.IRI("t2"), P: state, O: rdf.String("ACTIVE")})
	g.Add(rdf.Triple{S: rdf.IRI("t2"), P: owner, O: rdf.IRI("i-2")})

	q := Query{
		Form: FormSelect,
		Vars: []string{"t"},
		Where: []Pattern{
			{S: V("t"), P: T(state), O: T(rdf.String("ACTIVE"))},
			{S: V("t"), P: T(owner), O: T(rdf.IRI("i-1"))},
		},
	}
	sols, err := Select(g, q)
	require.NoError(t, err)
	require.Len(t, sols, 1)
	assert.Equal(t, rdf.IRI("t1"), sols[0]["t"])
}

func TestBooleanLiteralParsing(t *testing.T) {
	g := testGraph()
	q, err := Parse(`ASK { <https://spear-bpm.dev/instance/i-1> <https://spear-bpm.dev/var#approved> ?v . FILTER(?v = true) }`)
	require.NoError(t, err)
	ok, err := Ask(g, q)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyUpdateCompareAndSet(t *testing.T) {
	g := rdf.NewGraph()
	job := rdf.IRI("timer-1")
	status := rdf.IRI("status")
	holder := rdf.IRI("leaseHolder")
	g.Add(rdf.Triple{S: job, P: status, O: rdf.String("DUE_PENDING")})

	claim := Update{
		Delete: []Pattern{{S: T(job), P: T(status), O: V("old")}},
		Insert: []Pattern{
			{S: T(job), P: T(status), O: T(rdf.String("LEASED"))},
			{S: T(job), P: T(holder), O: T(rdf.String("worker-1"))},
		},
		Where: []Pattern{{S: T(job), P: T(status), O: V("old")}},
		Filters: []Filter{
			{Var: "old", Op: OpEq, Term: rdf.String("DUE_PENDING")},
		},
	}

	matched, err := Apply(g, claim)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	assert.Equal(t, rdf.String("LEASED"), g.One(job, status))

	// second claim loses the race
	matched, err = Apply(g, claim)
	require.NoError(t, err)
	assert.Equal(t, 0, matched)
}

func TestApplyWithoutWhereRunsOnce(t *testing.T) {
	g := rdf.NewGraph()
	u := Update{
		Insert: []Pattern{{S: T(rdf.IRI("s")), P: T(rdf.IRI("p")), O: T(rdf.String("v"))}},
	}
	matched, err := Apply(g, u)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	assert.Equal(t, 1, g.Len())
}

func TestIsAsk(t *testing.T) {
	assert.True(t, IsAsk("ASK { ?s ?p ?o }"))
	assert.True(t, IsAsk("  ask { ?s ?p ?o }"))
	assert.True(t, IsAsk("PREFIX var: <http://x#> ASK { ?s ?p ?o }"))
	assert.False(t, IsAsk("SELECT ?s WHERE { ?s ?p ?o }"))
	assert.False(t, IsAsk("${amount >= 100}"))
}

func TestConstruct(t *testing.T) {
	g := testGraph()
	q, err := Parse(`CONSTRUCT { ?s <hasVar> ?p } WHERE { ?s ?p ?v }`)
	require.NoError(t, err)
	triples, err := Construct(g, q)
	require.NoError(t, err)
	assert.Len(t, triples, 3)
}

func TestParseRejectsUnsupportedForms(t *testing.T) {
	_, err := Parse("DESCRIBE <https://spear-bpm.dev/instance/i-1>")
	assert.Error(t, err)
}
