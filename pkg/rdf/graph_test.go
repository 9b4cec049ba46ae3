package rdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRemoveMatch(t *testing.T) {
	g := NewGraph()
	inst := IRI("https://spear-bpm.dev/instance/i-1")
	status := IRI("https://spear-bpm.dev/vocab/bpmn#status")

	g.Add(Triple{S: inst, P: status, O: String("RUNNING")})
	g.Add(Triple{S: inst, P: status, O: String("RUNNING")}) // duplicate

	assert.Equal(t, 1, g.Len())
	assert.True(t, g.Has(Triple{S: inst, P: status, O: String("RUNNING")}))

	matches := g.Match(&inst, nil, nil)
	assert.Len(t, matches, 1)

	assert.True(t, g.Remove(Triple{S: inst, P: status, O: String("RUNNING")}))
	assert.False(t, g.Remove(Triple{S: inst, P: status, O: String("RUNNING")}))
	assert.Equal(t, 0, g.Len())
}

func TestSetOneReplacesAtomically(t *testing.T) {
	g := NewGraph()
	scope := IRI("https://spear-bpm.dev/instance/i-1")
	amount := IRI("https://spear-bpm.dev/var#amount")

	g.SetOne(scope, amount, Integer(100))
	g.SetOne(scope, amount, Integer(150))

	objs := g.Objects(scope, amount)
	assert.Len(t, objs, 1)
	assert.Equal(t, Integer(150), objs[0])
}

func TestMatchByObject(t *testing.T) {
	g := NewGraph()
	state := IRI("https://spear-bpm.dev/vocab/bpmn#tokenState")
	g.Add(Triple{S: IRI("t1"), P: state, O: String("ACTIVE")})
	g.Add(Triple{S: IRI("t2"), P: state, O: String("ACTIVE")})
	g.Add(Triple{S: IRI("t3"), P: state, O: String("WAITING")})

	active := String("ACTIVE")
	assert.Len(t, g.Match(nil, &state, &active), 2)
	assert.Len(t, g.Subjects(state, String("WAITING")), 1)
}

func TestRemovePattern(t *testing.T) {
	g := NewGraph()
	s := IRI("s")
	g.Add(Triple{S: s, P: IRI("p1"), O: String("a")})
	g.Add(Triple{S: s, P: IRI("p2"), O: String("b")})
	g.Add(Triple{S: IRI("other"), P: IRI("p1"), O: String("c")})

	removed := g.RemovePattern(&s, nil, nil)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, g.Len())
}

func TestOneOnMissingTriple(t *testing.T) {
	g := NewGraph()
	assert.True(t, g.One(IRI("nope"), IRI("p")).IsZero())
}
