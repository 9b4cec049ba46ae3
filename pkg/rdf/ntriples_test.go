package rdf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	g := NewGraph()
	inst := IRI("https://spear-bpm.dev/instance/i-1")
	g.Add(Triple{S: inst, P: IRI("https://spear-bpm.dev/vocab/bpmn#status"), O: String("RUNNING")})
	g.Add(Triple{S: inst, P: IRI("https://spear-bpm.dev/var#amount"), O: Decimal(99.5)})
	g.Add(Triple{S: inst, P: IRI("https://spear-bpm.dev/var#approved"), O: Boolean(true)})
	g.Add(Triple{S: inst, P: IRI("https://spear-bpm.dev/var#note"), O: String("line1\nline2 \"quoted\"\tend")})
	g.Add(Triple{S: inst, P: IRI("https://spear-bpm.dev/vocab/bpmn#createdAt"), O: DateTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))})

	data := SerializeNTriples(g)
	parsed, err := ParseNTriples(data)
	require.NoError(t, err)

	assert.Equal(t, g.Len(), parsed.Len())
	for _, tr := range g.Triples() {
		assert.True(t, parsed.Has(tr), "missing triple %s", tr)
	}
}

func TestSerializeIsCanonical(t *testing.T) {
	build := func(order []int) *Graph {
		triples := []Triple{
			{S: IRI("a"), P: IRI("p"), O: String("1")},
			{S: IRI("b"), P: IRI("p"), O: String("2")},
			{S: IRI("a"), P: IRI("q"), O: Integer(3)},
		}
		g := NewGraph()
		for _, i := range order {
			g.Add(triples[i])
		}
		return g
	}

	first := SerializeNTriples(build([]int{0, 1, 2}))
	second := SerializeNTriples(build([]int{2, 0, 1}))
	assert.Equal(t, string(first), string(second))
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	data := []byte("# snapshot\n\n<s> <p> \"v\" .\n")
	g, err := ParseNTriples(data)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())
}

func TestParseRejectsMalformedStatement(t *testing.T) {
	_, err := ParseNTriples([]byte("<s> <p> \"unterminated .\n"))
	assert.Error(t, err)

	_, err = ParseNTriples([]byte("<s> <p> \"v\"\n"))
	assert.Error(t, err)
}
