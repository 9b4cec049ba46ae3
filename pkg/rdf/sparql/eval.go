package sparql

import (
	"fmt"
	"strings"

	"github.com/spear-bpm/spear/pkg/rdf"
)

// Select evaluates the query's WHERE clause against the graph and
// returns every solution, projected to the query's variables.
func Select(g *rdf.Graph, q Query) ([]Binding, error) {
	if q.Form != FormSelect {
		return nil, fmt.Errorf("query is not a SELECT")
	}
	sols := solve(g, q.Where, q.Filters)
	if len(q.Vars) == 0 {
		return sols, nil
	}
	out := make([]Binding, 0, len(sols))
	for _, sol := range sols {
		b := Binding{}
		for _, v := range q.Vars {
			if t, ok := sol[v]; ok {
				b[v] = t
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// Ask reports whether at least one solution exists.
func Ask(g *rdf.Graph, q Query) (bool, error) {
	if q.Form != FormAsk {
		return false, fmt.Errorf("query is not an ASK")
	}
	return len(solve(g, q.Where, q.Filters)) > 0, nil
}

// Construct instantiates the query template once per WHERE solution.
// Solutions that leave a template variable unbound are skipped.
func Construct(g *rdf.Graph, q Query) ([]rdf.Triple, error) {
	if q.Form != FormConstruct {
		return nil, fmt.Errorf("query is not a CONSTRUCT")
	}
	var out []rdf.Triple
	for _, sol := range solve(g, q.Where, q.Filters) {
		for _, pat := range q.Template {
			if t, ok := instantiate(pat, sol); ok {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// Apply executes a DELETE/INSERT WHERE update against the graph and
// returns the number of WHERE solutions it instantiated. Callers doing a
// compare-and-set treat 0 as "lost the race". An Update with no WHERE
// clause instantiates its templates exactly once with empty bindings.
func Apply(g *rdf.Graph, u Update) (int, error) {
	var sols []Binding
	if len(u.Where) == 0 {
		sols = []Binding{{}}
	} else {
		sols = solve(g, u.Where, u.Filters)
	}
	for _, sol := range sols {
		for _, pat := range u.Delete {
			t, ok := instantiate(pat, sol)
			if !ok {
				return 0, fmt.Errorf("unbound variable in DELETE template %v", pat)
			}
			g.Remove(t)
		}
	}
	for _, sol := range sols {
		for _, pat := range u.Insert {
			t, ok := instantiate(pat, sol)
			if !ok {
				return 0, fmt.Errorf("unbound variable in INSERT template %v", pat)
			}
			g.Add(t)
		}
	}
	return len(sols), nil
}

func instantiate(pat Pattern, sol Binding) (rdf.Triple, bool) {
	s, ok := resolve(pat.S, sol)
	if !ok {
		return rdf.Triple{}, false
	}
	p, ok := resolve(pat.P, sol)
	if !ok {
		return rdf.Triple{}, false
	}
	o, ok := resolve(pat.O, sol)
	if !ok {
		return rdf.Triple{}, false
	}
	return rdf.Triple{S: s, P: p, O: o}, true
}

func resolve(pt PatternTerm, sol Binding) (rdf.Term, bool) {
	if !pt.IsVar() {
		return pt.Term, true
	}
	t, ok := sol[pt.Var]
	return t, ok
}

// solve joins the basic graph pattern left to right with backtracking,
// then applies filters. Pattern order is the author's join order; the
// engine writes its hot queries subject-first so lookups stay indexed.
func solve(g *rdf.Graph, where []Pattern, filters []Filter) []Binding {
	sols := []Binding{{}}
	for _, pat := range where {
		var next []Binding
		for _, sol := range sols {
			s := boundOrNil(pat.S, sol)
			p := boundOrNil(pat.P, sol)
			o := boundOrNil(pat.O, sol)
			for _, t := range g.Match(s, p, o) {
				ext := extend(sol, pat, t)
				if ext != nil {
					next = append(next, ext)
				}
			}
		}
		sols = next
		if len(sols) == 0 {
			return nil
		}
	}
	if len(filters) == 0 {
		return sols
	}
	var out []Binding
	for _, sol := range sols {
		if passesFilters(sol, filters) {
			out = append(out, sol)
		}
	}
	return out
}

func boundOrNil(pt PatternTerm, sol Binding) *rdf.Term {
	if pt.IsVar() {
		if t, ok := sol[pt.Var]; ok {
			return &t
		}
		return nil
	}
	t := pt.Term
	return &t
}

func extend(sol Binding, pat Pattern, t rdf.Triple) Binding {
	ext := Binding{}
	for k, v := range sol {
		ext[k] = v
	}
	for _, pair := range [3]struct {
		pt   PatternTerm
		term rdf.Term
	}{{pat.S, t.S}, {pat.P, t.P}, {pat.O, t.O}} {
		if !pair.pt.IsVar() {
			continue
		}
		if bound, ok := ext[pair.pt.Var]; ok {
			if bound != pair.term {
				return nil
			}
			continue
		}
		ext[pair.pt.Var] = pair.term
	}
	return ext
}

func passesFilters(sol Binding, filters []Filter) bool {
	for _, f := range filters {
		bound, ok := sol[f.Var]
		if !ok {
			// missing variable fails the filter, which is what makes
			// absent process variables evaluate guards to false
			return false
		}
		if !compareTerms(bound, f.Op, f.Term) {
			return false
		}
	}
	return true
}

// compareTerms implements SPARQL value comparison for the XSD types the
// engine stores: numerics compare numerically, booleans as booleans,
// dateTime chronologically, everything else lexically.
func compareTerms(a rdf.Term, op CompareOp, b rdf.Term) bool {
	if a.IsLiteral() && b.IsLiteral() {
		if isNumeric(a.Datatype) && isNumeric(b.Datatype) {
			af, errA := a.AsFloat()
			bf, errB := b.AsFloat()
			if errA == nil && errB == nil {
				return compareOrdered(compareFloats(af, bf), op)
			}
		}
		if a.Datatype == rdf.XSDBoolean && b.Datatype == rdf.XSDBoolean {
			ab, errA := a.AsBool()
			bb, errB := b.AsBool()
			if errA == nil && errB == nil {
				switch op {
				case OpEq:
					return ab == bb
				case OpNeq:
					return ab != bb
				default:
					return false
				}
			}
		}
		if a.Datatype == rdf.XSDDateTime && b.Datatype == rdf.XSDDateTime {
			at, errA := a.AsTime()
			bt, errB := b.AsTime()
			if errA == nil && errB == nil {
				return compareOrdered(at.Compare(bt), op)
			}
		}
		return compareOrdered(strings.Compare(a.Value, b.Value), op)
	}
	switch op {
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	}
	return false
}

func isNumeric(datatype string) bool {
	return datatype == rdf.XSDInteger || datatype == rdf.XSDDecimal
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareOrdered(cmp int, op CompareOp) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}
