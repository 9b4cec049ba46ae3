package rdf

import (
	"sort"
)

// Graph is an in-memory triple set with SPO and OPS indexes. A Graph by
// itself is not safe for concurrent use; the Store serializes writers and
// admits concurrent readers per named graph.
type Graph struct {
	spo map[Term]map[Term]map[Term]struct{}
	ops map[Term]map[Term]map[Term]struct{}
	n   int
}

func NewGraph() *Graph {
	return &Graph{
		spo: map[Term]map[Term]map[Term]struct{}{},
		ops: map[Term]map[Term]map[Term]struct{}{},
	}
}

func (g *Graph) Len() int { return g.n }

func (g *Graph) Add(t Triple) {
	if addIndex(g.spo, t.S, t.P, t.O) {
		addIndex(g.ops, t.O, t.P, t.S)
		g.n++
	}
}

func (g *Graph) AddAll(ts []Triple) {
	for _, t := range ts {
		g.Add(t)
	}
}

func (g *Graph) Remove(t Triple) bool {
	if removeIndex(g.spo, t.S, t.P, t.O) {
		removeIndex(g.ops, t.O, t.P, t.S)
		g.n--
		return true
	}
	return false
}

func (g *Graph) Has(t Triple) bool {
	po, ok := g.spo[t.S]
	if !ok {
		return false
	}
	o, ok := po[t.P]
	if !ok {
		return false
	}
	_, ok = o[t.O]
	return ok
}

// Match returns all triples matching the pattern. A nil component is a
// wildcard. Results carry no ordering guarantee; use SortTriples when a
// canonical order is required.
func (g *Graph) Match(s, p, o *Term) []Triple {
	var out []Triple
	switch {
	case s != nil:
		po, ok := g.spo[*s]
		if !ok {
			return nil
		}
		for pred, objs := range po {
			if p != nil && pred != *p {
				continue
			}
			for obj := range objs {
				if o != nil && obj != *o {
					continue
				}
				out = append(out, Triple{S: *s, P: pred, O: obj})
			}
		}
	case o != nil:
		ps, ok := g.ops[*o]
		if !ok {
			return nil
		}
		for pred, subs := range ps {
			if p != nil && pred != *p {
				continue
			}
			for sub := range subs {
				out = append(out, Triple{S: sub, P: pred, O: *o})
			}
		}
	default:
		for sub, po := range g.spo {
			for pred, objs := range po {
				if p != nil && pred != *p {
					continue
				}
				for obj := range objs {
					out = append(out, Triple{S: sub, P: pred, O: obj})
				}
			}
		}
	}
	return out
}

// RemovePattern removes every triple matching the pattern and reports how
// many were removed.
func (g *Graph) RemovePattern(s, p, o *Term) int {
	matches := g.Match(s, p, o)
	for _, t := range matches {
		g.Remove(t)
	}
	return len(matches)
}

// One returns the object of the first (s, p, ?) triple, or a zero Term.
// Intended for functional properties where at most one triple exists.
func (g *Graph) One(s, p Term) Term {
	if po, ok := g.spo[s]; ok {
		for obj := range po[p] {
			return obj
		}
	}
	return Term{}
}

// Objects returns all objects of (s, p, ?).
func (g *Graph) Objects(s, p Term) []Term {
	var out []Term
	if po, ok := g.spo[s]; ok {
		for obj := range po[p] {
			out = append(out, obj)
		}
	}
	return out
}

// Subjects returns all subjects of (?, p, o).
func (g *Graph) Subjects(p, o Term) []Term {
	var out []Term
	if ps, ok := g.ops[o]; ok {
		for sub := range ps[p] {
			out = append(out, sub)
		}
	}
	return out
}

// SetOne replaces every (s, p, ?) triple with a single (s, p, o). This is
// the remove-then-insert primitive behind variable writes.
func (g *Graph) SetOne(s, p, o Term) {
	g.RemovePattern(&s, &p, nil)
	g.Add(Triple{S: s, P: p, O: o})
}

// Triples returns the full graph content in canonical order.
func (g *Graph) Triples() []Triple {
	out := g.Match(nil, nil, nil)
	SortTriples(out)
	return out
}

// SortTriples orders triples by their N-Triples serialization, which is
// the canonical snapshot order.
func SortTriples(ts []Triple) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.S != b.S {
			return termLess(a.S, b.S)
		}
		if a.P != b.P {
			return termLess(a.P, b.P)
		}
		return termLess(a.O, b.O)
	})
}

func termLess(a, b Term) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.Datatype < b.Datatype
}

func addIndex(idx map[Term]map[Term]map[Term]struct{}, a, b, c Term) bool {
	bc, ok := idx[a]
	if !ok {
		bc = map[Term]map[Term]struct{}{}
		idx[a] = bc
	}
	cs, ok := bc[b]
	if !ok {
		cs = map[Term]struct{}{}
		bc[b] = cs
	}
	if _, ok := cs[c]; ok {
		return false
	}
	cs[c] = struct{}{}
	return true
}

func removeIndex(idx map[Term]map[Term]map[Term]struct{}, a, b, c Term) bool {
	bc, ok := idx[a]
	if !ok {
		return false
	}
	cs, ok := bc[b]
	if !ok {
		return false
	}
	if _, ok := cs[c]; !ok {
		return false
	}
	delete(cs, c)
	if len(cs) == 0 {
		delete(bc, b)
	}
	if len(bc) == 0 {
		delete(idx, a)
	}
	return true
}
